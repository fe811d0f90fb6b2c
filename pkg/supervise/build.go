package supervise

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-go-golems/devnet/pkg/engine"
	"github.com/go-go-golems/devnet/pkg/envfile"
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/rs/zerolog/log"
)

// build runs the optional build step to completion, streaming its output
// through a multiplexer tagged "build".
func (s *Supervisor) build(ctx context.Context, step *engine.BuildStep, env []string) error {
	logPath := filepath.Join(s.opts.LogsDir, "build-"+s.stamp+".log")
	fail := func(err error) error {
		return &BuildError{Command: step.Command, LogPath: logPath, Err: err}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	mux, err := logmux.Start("build", r, logPath, s.opts.Console)
	if err != nil {
		_ = r.Close()
		_ = w.Close()
		return fail(err)
	}

	// #nosec G204 -- command comes from the devnet config.
	cmd := exec.CommandContext(ctx, step.Command[0], step.Command[1:]...)
	cmd.Dir = step.Cwd
	cmd.Env = envfile.Merge(env, step.Env)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		signalGroup(cmd.Process.Pid, syscall.SIGTERM)
		return nil
	}
	cmd.WaitDelay = s.opts.ShutdownTimeout

	s.opts.Console.Infof("building: %s", strings.Join(step.Command, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		_ = w.Close()
		mux.Stop(s.opts.DrainTimeout)
		return fail(err)
	}
	_ = w.Close()

	waitErr := cmd.Wait()
	mux.Stop(s.opts.DrainTimeout)

	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if waitErr != nil {
		be := &BuildError{Command: step.Command, LogPath: logPath, Err: waitErr}
		be.Tail = s.tailPath(logPath)
		return be
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("build finished")
	s.opts.Console.Successf("build finished in %s", time.Since(start).Round(time.Millisecond))
	return nil
}
