package cmds

import (
	"github.com/go-go-golems/devnet/pkg/logmux"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// colorFlag is a --color value restricted to auto, always and never.
type colorFlag logmux.ColorMode

var _ pflag.Value = (*colorFlag)(nil)

func (c *colorFlag) String() string { return string(*c) }
func (c *colorFlag) Type() string   { return "mode" }

func (c *colorFlag) Set(v string) error {
	switch m := logmux.ColorMode(v); m {
	case logmux.ColorAuto, logmux.ColorAlways, logmux.ColorNever:
		*c = colorFlag(m)
		return nil
	}
	return errors.Errorf("invalid color mode %q (auto, always, never)", v)
}
