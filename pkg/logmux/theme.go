package logmux

import "github.com/charmbracelet/lipgloss"

const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconRunning = "▶"
)

// Theme defines the console palette: one color per service tag plus the
// styles used for orchestrator messages.
type Theme struct {
	Tags []lipgloss.Color

	Info    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Title   lipgloss.Style
}

func DefaultTheme() Theme {
	success := lipgloss.Color("#22C55E") // Green
	warning := lipgloss.Color("#EAB308") // Yellow
	errorC := lipgloss.Color("#EF4444")  // Red
	muted := lipgloss.Color("#6B7280")   // Gray
	text := lipgloss.Color("#F9FAFB")    // White

	return Theme{
		Tags: []lipgloss.Color{
			lipgloss.Color("#06B6D4"), // Cyan
			lipgloss.Color("#7C3AED"), // Purple
			lipgloss.Color("#F97316"), // Orange
			lipgloss.Color("#3B82F6"), // Blue
			lipgloss.Color("#EC4899"), // Pink
			lipgloss.Color("#14B8A6"), // Teal
		},

		Info:    lipgloss.NewStyle().Foreground(text),
		Success: lipgloss.NewStyle().Foreground(success),
		Warning: lipgloss.NewStyle().Foreground(warning),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(errorC),
		Muted:   lipgloss.NewStyle().Foreground(muted),
		Title:   lipgloss.NewStyle().Bold(true).Foreground(text),
	}
}
