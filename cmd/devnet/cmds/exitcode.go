package cmds

import (
	"github.com/go-go-golems/devnet/pkg/preflight"
	"github.com/go-go-golems/devnet/pkg/supervise"
	"github.com/pkg/errors"
)

const (
	ExitOK         = 0
	ExitError      = 1
	ExitPreflight  = 2
	ExitLaunch     = 3
	ExitReadiness  = 4
	ExitUnexpected = 5
)

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, supervise.ErrInterrupted) {
		return ExitOK
	}
	var (
		mt *preflight.MissingToolError
		mi *preflight.MissingInputError
		pu *preflight.PortInUseError
		be *supervise.BuildError
		le *supervise.LaunchError
		rt *supervise.ReadinessTimeoutError
		ed *supervise.ExitedDuringStartupError
		ue *supervise.UnexpectedExitError
	)
	switch {
	case errors.As(err, &mt), errors.As(err, &mi), errors.As(err, &pu):
		return ExitPreflight
	case errors.As(err, &be), errors.As(err, &le):
		return ExitLaunch
	case errors.As(err, &rt), errors.As(err, &ed):
		return ExitReadiness
	case errors.As(err, &ue):
		return ExitUnexpected
	}
	return ExitError
}

// reportedError marks an error whose details were already printed.
type reportedError struct{ error }

func (r reportedError) Unwrap() error { return r.error }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return reportedError{err}
}

func IsReported(err error) bool {
	var r reportedError
	return errors.As(err, &r)
}
