package supervise

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/go-go-golems/devnet/pkg/proc"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// healthyPort starts an HTTP server that stands in for a service's listener.
func healthyPort(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return serverPort(t, srv.Listener.Addr())
}

func service(name string, port int, script string) engine.ServiceSpec {
	return engine.ServiceSpec{
		Name:             name,
		Host:             "127.0.0.1",
		Port:             port,
		HealthPath:       "/health",
		Command:          []string{"bash", "-c", script},
		ReadinessTimeout: 5 * time.Second,
		PollInterval:     50 * time.Millisecond,
	}
}

type harness struct {
	s       *Supervisor
	out     *syncBuffer
	logsDir string
	ready   chan []*Handle
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{out: &syncBuffer{}, logsDir: t.TempDir(), ready: make(chan []*Handle, 1)}
	opts := Options{
		LogsDir:         h.logsDir,
		RunID:           "test-run",
		Env:             []string{"PATH=" + os.Getenv("PATH")},
		ShutdownTimeout: 2 * time.Second,
		DrainTimeout:    500 * time.Millisecond,
		Console:         logmux.NewConsole(h.out, false),
		OnReady:         func(hs []*Handle) { h.ready <- hs },
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.s = New(opts)
	return h
}

func (h *harness) start(ctx context.Context, plan engine.LaunchPlan) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.s.Run(ctx, plan) }()
	return errc
}

func waitReady(t *testing.T, h *harness, errc <-chan error) []*Handle {
	t.Helper()
	select {
	case hs := <-h.ready:
		return hs
	case err := <-errc:
		t.Fatalf("run ended before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("services did not become ready")
	}
	return nil
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(15 * time.Second):
		t.Fatal("run did not return")
	}
	return nil
}

func requireDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for state.ProcessAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	require.False(t, state.ProcessAlive(pid), "pid %d still alive", pid)
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestSupervisor_LaunchesInOrderAndStopsCleanlyOnInterrupt(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := service("full-node", healthyPort(t), `echo "greeting=$GREETING rust_log=$RUST_LOG"; exec sleep 30`)
	a.Env = map[string]string{"GREETING": "hi"}
	b := service("sequencer", healthyPort(t), `echo "rust_log=$RUST_LOG backtrace=$RUST_BACKTRACE"; exec sleep 30`)
	b.Env = map[string]string{"RUST_LOG": "debug"}

	errc := h.start(ctx, engine.LaunchPlan{
		Services: []engine.ServiceSpec{a, b},
		DiagEnv:  map[string]string{"RUST_LOG": "info", "RUST_BACKTRACE": "1"},
	})
	hs := waitReady(t, h, errc)
	require.Len(t, hs, 2)
	require.Equal(t, "full-node", hs[0].Spec.Name)
	require.Equal(t, "sequencer", hs[1].Spec.Name)
	require.False(t, hs[1].StartedAt.Before(hs[0].StartedAt))
	for _, hd := range hs {
		require.Equal(t, StatusReady, hd.Status())
		require.True(t, state.ProcessAlive(hd.PID))
	}
	require.Equal(t, PhaseMonitoring, waitPhase(h.s, PhaseMonitoring))

	cancel()
	err := waitErr(t, errc)
	require.ErrorIs(t, err, ErrInterrupted)
	require.Equal(t, PhaseTerminated, h.s.Phase())

	for _, hd := range hs {
		requireDead(t, hd.PID)
		require.Equal(t, StatusExited, hd.Status())
		info, err := state.ReadExitInfo(hd.ExitPath)
		require.NoError(t, err)
		require.True(t, info.Terminated)
		require.Equal(t, "terminated", info.Signal)
	}
	require.Contains(t, readLog(t, hs[0].LogPath), "greeting=hi rust_log=info")
	require.Contains(t, readLog(t, hs[1].LogPath), "rust_log=debug backtrace=1")
	require.Contains(t, h.out.String(), "[full-node] greeting=hi")
	require.Contains(t, h.out.String(), "log files:")
}

// waitPhase polls until the supervisor reaches want or a short deadline passes.
func waitPhase(s *Supervisor, want Phase) Phase {
	deadline := time.Now().Add(2 * time.Second)
	for s.Phase() != want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	return s.Phase()
}

func TestSupervisor_ReadinessTimeoutGatesLaterServices(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.TailLines = 5 })

	a := service("full-node", freePort(t), `echo booting; echo still booting; exec sleep 30`)
	a.ReadinessTimeout = 500 * time.Millisecond
	b := service("sequencer", healthyPort(t), `exec sleep 30`)

	start := time.Now()
	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a, b}}))
	require.Less(t, time.Since(start), 5*time.Second)

	var rt *ReadinessTimeoutError
	require.ErrorAs(t, err, &rt)
	require.Equal(t, "full-node", rt.Service)
	require.Equal(t, []string{"booting", "still booting"}, rt.Tail)

	hs := h.s.Handles()
	require.Len(t, hs, 1, "sequencer must not launch before full-node is ready")
	requireDead(t, hs[0].PID)
}

func TestSupervisor_ExitDuringStartupIsDistinguished(t *testing.T) {
	h := newHarness(t, nil)

	a := service("full-node", freePort(t), `echo "genesis missing"; exit 3`)
	a.ReadinessTimeout = 20 * time.Second

	start := time.Now()
	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a}}))
	require.Less(t, time.Since(start), 5*time.Second)

	var ed *ExitedDuringStartupError
	require.ErrorAs(t, err, &ed)
	require.Equal(t, "full-node", ed.Service)
	require.NotNil(t, ed.Exit.ExitCode)
	require.Equal(t, 3, *ed.Exit.ExitCode)
	require.Equal(t, []string{"genesis missing"}, ed.Tail)
	require.Equal(t, StatusFailed, h.s.Handles()[0].Status())
}

func TestSupervisor_ExitBeforeHealthAnswerIsNeverReady(t *testing.T) {
	// The listener outlives the process and answers slowly, so the only
	// successful check lands after the service is gone.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	port := serverPort(t, srv.Listener.Addr())

	for i := 0; i < 5; i++ {
		h := newHarness(t, nil)
		err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{
			service("full-node", port, `exit 0`),
		}}))

		var ed *ExitedDuringStartupError
		require.ErrorAs(t, err, &ed, "run %d", i)
		hs := h.s.Handles()
		require.Len(t, hs, 1)
		require.False(t, hs[0].Alive())
		require.Equal(t, StatusExited, hs[0].Status())
	}
}

func TestSupervisor_ShutdownDuringReadinessIsAnInterrupt(t *testing.T) {
	h := newHarness(t, nil)

	a := service("full-node", healthyPort(t), `exec sleep 30`)
	b := service("sequencer", freePort(t), `exec sleep 30`)
	b.ReadinessTimeout = 20 * time.Second
	errc := h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a, b}})

	require.Eventually(t, func() bool {
		seq := h.s.Handle("sequencer")
		return seq != nil && seq.Status() == StatusProbing
	}, 5*time.Second, 10*time.Millisecond)

	h.s.Shutdown()
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
	for _, hd := range h.s.Handles() {
		requireDead(t, hd.PID)
	}
}

func TestSupervisor_UnexpectedExitTearsDownSiblings(t *testing.T) {
	h := newHarness(t, nil)

	a := service("full-node", healthyPort(t), `echo node up; exec sleep 30`)
	b := service("sequencer", healthyPort(t), `echo sequencer up; exec sleep 30`)
	errc := h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a, b}})
	hs := waitReady(t, h, errc)

	require.NoError(t, syscall.Kill(hs[1].PID, syscall.SIGKILL))

	start := time.Now()
	err := waitErr(t, errc)
	require.Less(t, time.Since(start), 5*time.Second)

	var ue *UnexpectedExitError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "sequencer", ue.Service)
	require.Equal(t, "killed", ue.Exit.Signal)
	require.Equal(t, []string{"node up"}, ue.Tails["full-node"])
	require.Equal(t, []string{"sequencer up"}, ue.Tails["sequencer"])

	requireDead(t, hs[0].PID)
	require.Equal(t, StatusFailed, hs[1].Status())
}

func TestSupervisor_UpstreamDeathAbortsReadinessWait(t *testing.T) {
	h := newHarness(t, nil)

	a := service("full-node", healthyPort(t), `sleep 0.5; exit 0`)
	b := service("sequencer", freePort(t), `exec sleep 30`)
	b.ReadinessTimeout = 20 * time.Second

	start := time.Now()
	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a, b}}))
	require.Less(t, time.Since(start), 5*time.Second)

	var ue *UnexpectedExitError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, "full-node", ue.Service)
	requireDead(t, h.s.Handles()[1].PID)
}

func TestSupervisor_ShutdownRunsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := h.start(ctx, engine.LaunchPlan{Services: []engine.ServiceSpec{
		service("full-node", healthyPort(t), `exec sleep 30`),
	}})
	waitReady(t, h, errc)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.s.Shutdown()
		}()
	}
	cancel()
	wg.Wait()
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)

	require.Equal(t, 1, strings.Count(h.out.String(), "log files:"))
	require.Equal(t, PhaseTerminated, h.s.Phase())
}

func TestSupervisor_TermIgnoringServiceIsKilled(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ShutdownTimeout = 300 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())

	errc := h.start(ctx, engine.LaunchPlan{Services: []engine.ServiceSpec{
		service("stubborn", healthyPort(t), `trap '' TERM; echo ready; while true; do sleep 0.1; done`),
	}})
	hs := waitReady(t, h, errc)
	cancel()
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
	requireDead(t, hs[0].PID)
}

func TestSupervisor_TeardownReachesGrandchildren(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := h.start(ctx, engine.LaunchPlan{Services: []engine.ServiceSpec{
		service("wrapper", healthyPort(t), `sleep 30 & echo spawned; wait`),
	}})
	hs := waitReady(t, h, errc)

	var group []int
	require.Eventually(t, func() bool {
		pids, err := proc.GroupPIDs(hs[0].PID)
		group = pids
		return err == nil && len(pids) >= 2
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
	for _, pid := range group {
		requireDead(t, pid)
	}
}

func TestSupervisor_LaunchErrorTearsDownEarlierServices(t *testing.T) {
	h := newHarness(t, nil)

	a := service("full-node", healthyPort(t), `exec sleep 30`)
	b := service("sequencer", healthyPort(t), "")
	b.Command = []string{filepath.Join(t.TempDir(), "missing-binary")}

	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{a, b}}))
	var le *LaunchError
	require.ErrorAs(t, err, &le)
	require.Equal(t, "sequencer", le.Service)

	hs := h.s.Handles()
	require.Len(t, hs, 1)
	requireDead(t, hs[0].PID)
}

func TestSupervisor_PreflightFailureSpawnsNothing(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Preflight = &preflight.Checker{Tools: []string{"devnet-no-such-tool"}}
	})

	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{Services: []engine.ServiceSpec{
		service("full-node", healthyPort(t), `exec sleep 30`),
	}}))
	var mt *preflight.MissingToolError
	require.ErrorAs(t, err, &mt)
	require.Empty(t, h.s.Handles())

	entries, err := os.ReadDir(h.logsDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSupervisor_BuildFailureStopsBeforeLaunch(t *testing.T) {
	h := newHarness(t, nil)

	err := waitErr(t, h.start(context.Background(), engine.LaunchPlan{
		Build: &engine.BuildStep{Command: []string{"bash", "-c", "echo compiling; echo 'error[E0425]' >&2; exit 101"}},
		Services: []engine.ServiceSpec{
			service("full-node", healthyPort(t), `exec sleep 30`),
		},
	}))
	var be *BuildError
	require.ErrorAs(t, err, &be)
	require.Equal(t, []string{"compiling", "error[E0425]"}, be.Tail)
	require.Empty(t, h.s.Handles())
	require.Contains(t, h.out.String(), "[build]")
}

func TestSupervisor_SkipBuild(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.SkipBuild = true })
	ctx, cancel := context.WithCancel(context.Background())

	errc := h.start(ctx, engine.LaunchPlan{
		Build:    &engine.BuildStep{Command: []string{"false"}},
		Services: []engine.ServiceSpec{service("full-node", healthyPort(t), `exec sleep 30`)},
	})
	waitReady(t, h, errc)
	cancel()
	require.ErrorIs(t, waitErr(t, errc), ErrInterrupted)
}
