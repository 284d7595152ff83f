// Package watch implements the shipyard job watcher TUI.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/shipyard/internal/queue"
)

// Theme centralizes all styling for the watcher.
type Theme struct {
	StateWaiting   lipgloss.Style
	StateActive    lipgloss.Style
	StateCompleted lipgloss.Style
	StateFailed    lipgloss.Style
	StateRetry     lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Label     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Error     lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StateWaiting:   lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StateActive:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StateCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StateFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StateRetry:     lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
	}
}

// ForState picks the style used to render a job state.
func (t Theme) ForState(s queue.State) lipgloss.Style {
	switch s {
	case queue.StateActive:
		return t.StateActive
	case queue.StateCompleted:
		return t.StateCompleted
	case queue.StateFailed:
		return t.StateFailed
	case queue.StateDelayedRetry:
		return t.StateRetry
	default:
		return t.StateWaiting
	}
}
