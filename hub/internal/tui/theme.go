// Package tui provides the theme and the live "top" dashboard for the hub.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/collab/hub/internal/health"
)

// Brand palette.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Panel is a rounded border for dashboard sections.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 1)

	Label = lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Width(14)

	Value = lipgloss.NewStyle().
		Foreground(ColorText).
		Bold(true)
)

// StatusDot returns a colored dot for a pool classification.
func StatusDot(s health.Status) string {
	return statusStyle(s).Render("●")
}

// StatusText returns a colored pool classification label.
func StatusText(s health.Status) string {
	return statusStyle(s).Render(string(s))
}

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusHealthy:
		return Success
	case health.StatusUnhealthy:
		return ErrorStyle
	default:
		return WarningStyle
	}
}
