package logmux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Console is the shared terminal sink. Every call emits whole lines in a
// single Write under one mutex, so output from different services can
// interleave only between lines.
type Console struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	theme Theme

	tags  map[string]lipgloss.Style
	width int
}

type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// UseColor resolves a color mode against the writer: auto enables color only
// for terminals.
func UseColor(mode ColorMode, w io.Writer) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

func NewConsole(w io.Writer, color bool) *Console {
	return &Console{
		w:     w,
		color: color,
		theme: DefaultTheme(),
		tags:  map[string]lipgloss.Style{},
	}
}

// Register assigns each tag a color in order and pads tags to a common width.
func (c *Console) Register(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		if _, ok := c.tags[tag]; ok {
			continue
		}
		color := c.theme.Tags[len(c.tags)%len(c.theme.Tags)]
		c.tags[tag] = lipgloss.NewStyle().Bold(true).Foreground(color)
		if len(tag) > c.width {
			c.width = len(tag)
		}
	}
}

// Line prints one service line as "[tag] text".
func (c *Console) Line(tag, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	style, ok := c.tags[tag]
	if !ok {
		style = c.theme.Muted
	}
	label := "[" + tag + "]" + strings.Repeat(" ", max(0, c.width-len(tag)))
	if c.color {
		label = style.Render(label)
	}
	_, _ = io.WriteString(c.w, label+" "+text+"\n")
}

func (c *Console) Infof(format string, args ...any) {
	c.message(c.theme.Info, IconInfo, format, args...)
}

func (c *Console) Successf(format string, args ...any) {
	c.message(c.theme.Success, IconSuccess, format, args...)
}

func (c *Console) Warnf(format string, args ...any) {
	c.message(c.theme.Warning, IconWarning, format, args...)
}

func (c *Console) Errorf(format string, args ...any) {
	c.message(c.theme.Error, IconError, format, args...)
}

// Block prints a titled group of lines in one write, e.g. a log tail.
func (c *Console) Block(title string, lines []string) {
	var b strings.Builder
	if c.color {
		b.WriteString(c.theme.Title.Render(title))
	} else {
		b.WriteString(title)
	}
	b.WriteByte('\n')
	for _, l := range lines {
		b.WriteString("    ")
		if c.color {
			b.WriteString(c.theme.Muted.Render(l))
		} else {
			b.WriteString(l)
		}
		b.WriteByte('\n')
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, b.String())
}

func (c *Console) message(style lipgloss.Style, icon, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	prefix := "==> " + icon + " "
	var out strings.Builder
	for _, l := range strings.Split(strings.TrimRight(msg, "\n"), "\n") {
		if c.color {
			out.WriteString(style.Render(prefix + l))
		} else {
			out.WriteString(prefix + l)
		}
		out.WriteByte('\n')
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.w, out.String())
}
