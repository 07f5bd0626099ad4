// Package output provides styled terminal rendering helpers for agentwatch.
package output

import "github.com/charmbracelet/lipgloss"

// Color constants for consistent styling across the CLI.
var (
	// ColorPrimary is used for headers and emphasis.
	ColorPrimary = lipgloss.Color("#64b5f6")

	// ColorSuccess marks agents that are making progress.
	ColorSuccess = lipgloss.Color("#66bb6a")

	// ColorError marks agents waiting on a human.
	ColorError = lipgloss.Color("#ef5350")

	// ColorWarning marks rate-limited agents.
	ColorWarning = lipgloss.Color("#fff59d")

	// ColorMuted is used for secondary text and borders.
	ColorMuted = lipgloss.Color("#888888")

	// ColorServer marks long-running background processes.
	ColorServer = lipgloss.Color("#ba68c8")
)

// Styles provides reusable lipgloss styles.
var (
	StyleHeader  lipgloss.Style
	StyleSuccess lipgloss.Style
	StyleError   lipgloss.Style
	StyleWarning lipgloss.Style
	StyleServer  lipgloss.Style
	StyleMuted   lipgloss.Style
	StyleBold    lipgloss.Style
)

func init() {
	SetNoColor(false)
}

// noColor tracks whether color output is disabled.
var noColor bool

// SetNoColor disables or enables color output globally. Every package-level
// style is rebuilt, so color can be turned back on.
func SetNoColor(disabled bool) {
	noColor = disabled
	if disabled {
		plain := lipgloss.NewStyle()
		StyleHeader = plain
		StyleSuccess = plain
		StyleError = plain
		StyleWarning = plain
		StyleServer = plain
		StyleMuted = plain
		StyleBold = plain
		return
	}
	StyleHeader = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorSuccess)
	StyleError = lipgloss.NewStyle().Foreground(ColorError).Bold(true)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning)
	StyleServer = lipgloss.NewStyle().Foreground(ColorServer)
	StyleMuted = lipgloss.NewStyle().Foreground(ColorMuted)
	StyleBold = lipgloss.NewStyle().Bold(true)
}

// IsNoColor returns whether color output is currently disabled.
func IsNoColor() bool {
	return noColor
}

// StatusStyle returns the style for a project or agent status.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "blocked":
		return StyleError
	case "rate-limited":
		return StyleWarning
	case "server-running":
		return StyleServer
	case "working":
		return StyleSuccess
	default:
		return StyleMuted
	}
}

// Status renders a status label in its color.
func Status(status string) string {
	return StatusStyle(status).Render(status)
}
