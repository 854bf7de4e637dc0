// Package ui renders command summaries for the terminal.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#8BC34A"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFC107"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E53935"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"}

	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	HeaderStyle = lipgloss.NewStyle().Bold(true)
	TitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
