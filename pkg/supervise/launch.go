package supervise

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/envfile"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/rs/zerolog/log"
)

// launch spawns one service in its own process group with stdout and stderr
// merged into a single pipe owned by the service's multiplexer.
func (s *Supervisor) launch(spec engine.ServiceSpec, env []string, defaults map[string]string) (*Handle, error) {
	logPath := filepath.Join(s.opts.LogsDir, spec.Name+"-"+s.stamp+".log")
	exitPath := filepath.Join(s.opts.LogsDir, spec.Name+"-"+s.stamp+".exit.json")

	r, w, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Service: spec.Name, Command: spec.Command, Err: err}
	}
	mux, err := logmux.Start(spec.Name, r, logPath, s.opts.Console)
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, &LaunchError{Service: spec.Name, Command: spec.Command, Err: err}
	}

	// #nosec G204 -- command comes from the devnet config.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = envfile.WithDefaults(envfile.Merge(env, spec.Env), defaults)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		mux.Stop(s.opts.DrainTimeout)
		_ = os.Remove(logPath)
		return nil, &LaunchError{Service: spec.Name, Command: spec.Command, Err: err}
	}
	_ = w.Close()

	h := &Handle{
		Spec:      spec,
		PID:       cmd.Process.Pid,
		LogPath:   logPath,
		ExitPath:  exitPath,
		StartedAt: time.Now(),
		cmd:       cmd,
		mux:       mux,
		status:    StatusLaunched,
		exited:    make(chan struct{}),
	}
	s.mu.Lock()
	if s.phase == PhaseShuttingDown || s.phase == PhaseTerminated {
		// Teardown already took its snapshot of the handle table.
		s.mu.Unlock()
		signalGroup(h.PID, syscall.SIGKILL)
		_ = cmd.Wait()
		mux.Stop(s.opts.DrainTimeout)
		return nil, ErrInterrupted
	}
	s.handles = append(s.handles, h)
	s.mu.Unlock()

	go s.wait(h)

	log.Info().Str("service", spec.Name).Int("pid", h.PID).Str("log", logPath).Msg("service started")
	s.opts.Console.Infof("started %s (pid %d): %s", spec.Name, h.PID, strings.Join(spec.Command, " "))
	s.emitStatus(h, "")
	return h, nil
}

// wait reaps the process, records how it ended and reports it to the monitor.
func (s *Supervisor) wait(h *Handle) {
	waitErr := h.cmd.Wait()
	code, sig, msg := state.ExitFromWait(waitErr, h.cmd.ProcessState)

	h.exit = state.ExitInfo{
		Service:    h.Spec.Name,
		PID:        h.PID,
		StartedAt:  h.StartedAt,
		ExitedAt:   time.Now(),
		ExitCode:   code,
		Signal:     sig,
		Error:      msg,
		Terminated: h.wasTerminated(),
		LogPath:    h.LogPath,
	}
	status := StatusFailed
	if h.exit.Terminated || h.exit.Clean() {
		status = StatusExited
	}
	h.setStatus(status)
	close(h.exited)

	log.Info().Str("service", h.Spec.Name).Int("pid", h.PID).Str("exit", h.exit.Describe()).Msg("service exited")
	s.opts.Metrics.Exit(h.Spec.Name)
	s.emitStatus(h, h.exit.Describe())
	s.exits <- h
}
