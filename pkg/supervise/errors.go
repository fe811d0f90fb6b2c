package supervise

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/devnet/pkg/state"
	"github.com/pkg/errors"
)

// ErrInterrupted is returned when the run ends because of SIGINT/SIGTERM.
var ErrInterrupted = errors.New("interrupted")

// BuildError reports a failed build step. The build log tail is attached.
type BuildError struct {
	Command []string
	LogPath string
	Err     error
	Tail    []string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %q failed: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LaunchError reports a service whose process could not be spawned.
type LaunchError struct {
	Service string
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s (%s): %v", e.Service, strings.Join(e.Command, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ReadinessTimeoutError reports a service that stayed alive but never became
// reachable before its deadline.
type ReadinessTimeoutError struct {
	Service  string
	Timeout  time.Duration
	Attempts int
	LastErr  error
	Tail     []string
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready after %s (%d attempts)", e.Service, e.Timeout, e.Attempts)
	if e.LastErr != nil {
		msg += ": " + e.LastErr.Error()
	}
	return msg
}

// ExitedDuringStartupError reports a service that died before becoming ready.
type ExitedDuringStartupError struct {
	Service string
	Exit    state.ExitInfo
	Tail    []string
}

func (e *ExitedDuringStartupError) Error() string {
	return fmt.Sprintf("%s exited during startup (%s)", e.Service, e.Exit.Describe())
}

// UnexpectedExitError reports the first service that died after the whole
// network was ready. Tails holds the last lines of every service.
type UnexpectedExitError struct {
	Service string
	Exit    state.ExitInfo
	Tails   map[string][]string
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("%s exited unexpectedly (%s)", e.Service, e.Exit.Describe())
}
