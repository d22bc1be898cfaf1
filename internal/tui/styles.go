package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F25D94"))

	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A8A8A8"))

	userStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00AFFF"))

	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FD787"))

	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))

	helpStyle = lipgloss.NewStyle().Faint(true)
)
