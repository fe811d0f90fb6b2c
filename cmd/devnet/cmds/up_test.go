package cmds

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-go-golems/devnet/pkg/config"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const helperPortEnv = "DEVNET_TEST_SERVICE_PORT"

// TestServiceProcess is not a real test: up_test re-executes the test binary
// with helperPortEnv set so it acts as a long-running service.
func TestServiceProcess(t *testing.T) {
	port := os.Getenv(helperPortEnv)
	if port == "" {
		t.Skip("only runs as a child of the up tests")
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)

	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(2)
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
	}()
	fmt.Println("service listening on", ln.Addr())
	<-sigs
	os.Exit(0)
}

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

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeServiceRepo(t *testing.T, names ...string) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(repo, "genesis.json"), []byte(`{}`), 0o644))

	self, err := os.Executable()
	require.NoError(t, err)

	cfg := config.File{Genesis: "genesis.json"}
	for _, name := range names {
		port := freePort(t)
		cfg.Services = append(cfg.Services, config.Service{
			Name:             name,
			Host:             "127.0.0.1",
			Port:             port,
			HealthPath:       "/health",
			Command:          self,
			Args:             []string{"-test.run=^TestServiceProcess$"},
			Env:              map[string]string{helperPortEnv: strconv.Itoa(port)},
			ReadinessTimeout: 10,
			PollInterval:     0.05,
		})
	}
	b, err := yaml.Marshal(&cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(config.DefaultPath(repo), b, 0o644))
	return repo
}

func newTestRoot(out *syncBuffer, args ...string) *cobra.Command {
	root := &cobra.Command{Use: "devnet", SilenceUsage: true, SilenceErrors: true}
	AddRootFlags(root)
	_ = AddCommands(root)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root
}

func TestUp_TwoTermSignalsTearDownOnce(t *testing.T) {
	// Keeps a stray SIGTERM from killing the test binary.
	guard := make(chan os.Signal, 8)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	repo := writeServiceRepo(t, "full-node", "sequencer")
	out := &syncBuffer{}
	root := newTestRoot(out, "--repo-root", repo, "up", "--color", "never")

	errc := make(chan error, 1)
	go func() { errc <- root.ExecuteContext(context.Background()) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(state.StatePath(repo))
		return err == nil
	}, 20*time.Second, 20*time.Millisecond, "devnet up never became ready:\n%s", out.String())
	st, err := state.Load(repo)
	require.NoError(t, err)
	require.Len(t, st.Services, 2)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case err := <-errc:
		require.NoError(t, err)
		require.Equal(t, ExitOK, ExitCode(err))
	case <-time.After(20 * time.Second):
		t.Fatal("devnet up did not return after SIGTERM")
	}

	console := out.String()
	require.Equal(t, 1, strings.Count(console, "log files:"), console)
	require.Contains(t, console, "interrupted; all services stopped")
	for _, svc := range st.Services {
		require.False(t, state.ProcessAlive(svc.PID), "%s survived", svc.Name)
	}
	_, err = os.Stat(state.StatePath(repo))
	require.True(t, os.IsNotExist(err))
}
