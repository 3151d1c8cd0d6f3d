// SPDX-License-Identifier: MPL-2.0

package cmd

import "github.com/charmbracelet/lipgloss"

// Color palette shared by all CLI output. Tuned for dark terminal
// backgrounds; lipgloss degrades them gracefully when NO_COLOR is set.
const (
	// ColorPrimary is used for titles and primary emphasis.
	ColorPrimary = lipgloss.Color("#F59E0B")

	// ColorMuted is used for subtitles and secondary text.
	ColorMuted = lipgloss.Color("#6B7280")

	// ColorSuccess is used for success states and positive outcomes.
	ColorSuccess = lipgloss.Color("#10B981")

	// ColorError is used for errors and failures.
	ColorError = lipgloss.Color("#EF4444")
)

var (
	// TitleStyle is for primary headers.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	// SubtitleStyle is for secondary headers and descriptions.
	SubtitleStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	// SuccessStyle marks completed operations.
	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	// ErrorStyle marks failed operations.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)
)
