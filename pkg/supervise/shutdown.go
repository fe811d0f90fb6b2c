package supervise

import (
	"fmt"
	"syscall"
	"time"

	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Shutdown tears the network down. Any number of callers may invoke it from
// any goroutine; the first runs the sequence and the rest block until it has
// finished. It never fails: sub-step errors are logged and skipped.
func (s *Supervisor) Shutdown() {
	s.shutdownOnce.Do(func() {
		defer close(s.shutdownDone)
		s.setPhase(PhaseShuttingDown)

		handles := s.Handles()
		for i := len(handles) - 1; i >= 0; i-- {
			h := handles[i]
			if h.Alive() {
				h.markTerminated()
				signalGroup(h.PID, syscall.SIGTERM)
			}
		}

		var g errgroup.Group
		for _, h := range handles {
			g.Go(func() error { return s.awaitStop(h) })
		}
		if err := g.Wait(); err != nil {
			log.Warn().Err(err).Msg("teardown incomplete")
		}

		for _, h := range handles {
			h.mux.Stop(s.opts.DrainTimeout)
		}
		for _, h := range handles {
			s.writeExitInfo(h)
		}
		s.reportLogs(handles)
		s.setPhase(PhaseTerminated)
	})
	<-s.shutdownDone
}

// awaitStop waits for a SIGTERMed service, escalating to SIGKILL on the
// whole group after the shutdown timeout.
func (s *Supervisor) awaitStop(h *Handle) error {
	select {
	case <-h.exited:
	case <-time.After(s.opts.ShutdownTimeout):
		log.Warn().Str("service", h.Spec.Name).Int("pid", h.PID).Msg("no exit after SIGTERM, killing")
		signalGroup(h.PID, syscall.SIGKILL)
		select {
		case <-h.exited:
		case <-time.After(2 * time.Second):
			return errors.Errorf("%s (pid %d) did not stop", h.Spec.Name, h.PID)
		}
	}

	// Children left in the group can keep the log pipe open.
	select {
	case <-h.mux.Done():
	case <-time.After(s.opts.DrainTimeout):
		signalGroup(h.PID, syscall.SIGKILL)
	}
	return nil
}

func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	// Leader already reaped; the group id equals its pid.
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}

func (s *Supervisor) writeExitInfo(h *Handle) {
	info, ok := h.ExitInfo()
	if !ok {
		info = state.ExitInfo{
			Service:   h.Spec.Name,
			PID:       h.PID,
			StartedAt: h.StartedAt,
			Error:     "still running at teardown",
			LogPath:   h.LogPath,
		}
	}
	info.LogTail = s.tail(h)
	if err := state.WriteExitInfo(h.ExitPath, info); err != nil {
		log.Warn().Err(err).Str("service", h.Spec.Name).Msg("write exit info")
	}
}

func (s *Supervisor) reportLogs(handles []*Handle) {
	if len(handles) == 0 {
		return
	}
	lines := make([]string, 0, len(handles))
	for _, h := range handles {
		lines = append(lines, fmt.Sprintf("%-12s %s", h.Spec.Name, h.LogPath))
	}
	s.opts.Console.Block("log files:", lines)
}
