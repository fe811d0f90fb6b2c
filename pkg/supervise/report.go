package supervise

import (
	"fmt"
	"sort"

	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/pkg/errors"
)

// Report prints a failed run's error together with the log tails it carries.
func Report(c *logmux.Console, err error) {
	if c == nil || err == nil || errors.Is(err, ErrInterrupted) {
		return
	}
	c.Errorf("%s", err.Error())

	var (
		be *BuildError
		rt *ReadinessTimeoutError
		ed *ExitedDuringStartupError
		ue *UnexpectedExitError
	)
	switch {
	case errors.As(err, &be):
		block(c, fmt.Sprintf("last lines of build (%s):", be.LogPath), be.Tail)
	case errors.As(err, &rt):
		block(c, fmt.Sprintf("last lines of %s:", rt.Service), rt.Tail)
	case errors.As(err, &ed):
		block(c, fmt.Sprintf("last lines of %s:", ed.Service), ed.Tail)
	case errors.As(err, &ue):
		names := make([]string, 0, len(ue.Tails))
		for name := range ue.Tails {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			block(c, fmt.Sprintf("last lines of %s:", name), ue.Tails[name])
		}
	}
}

func block(c *logmux.Console, title string, lines []string) {
	if len(lines) == 0 {
		lines = []string{"(no output)"}
	}
	c.Block(title, lines)
}
