package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/badrtairlbahrepro/VisionClaw/live"
	"github.com/badrtairlbahrepro/VisionClaw/statestore"
)

const (
	colorPrimary = "#7C3AED"
	colorSuccess = "#10B981"
	colorWarning = "#F59E0B"
	colorError   = "#EF4444"
	colorMuted   = "#6B7280"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPrimary))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorSuccess))
	modelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(colorPrimary))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorError))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(colorPrimary)).
			Padding(0, 1)
)

func stateStyle(s live.State) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s {
	case live.StateReady:
		return base.Foreground(lipgloss.Color(colorSuccess))
	case live.StateError:
		return base.Foreground(lipgloss.Color(colorError))
	case live.StateConnecting, live.StateSettingUp:
		return base.Foreground(lipgloss.Color(colorWarning))
	default:
		return base.Foreground(lipgloss.Color(colorMuted))
	}
}

// renderSnapshot formats one status line.
func renderSnapshot(s live.Snapshot) string {
	parts := []string{
		labelStyle.Render("session"),
		stateStyle(s.State).Render(s.State.String()),
	}
	if s.ModelSpeaking {
		parts = append(parts, modelStyle.Render("speaking"))
	}
	if n := len(s.ActiveToolCalls); n > 0 {
		parts = append(parts, mutedStyle.Render(fmt.Sprintf("tools: %s", strings.Join(s.ActiveToolCalls, ","))))
	}
	if s.Cause != "" {
		parts = append(parts, errorStyle.Render(s.Cause))
	}
	return strings.Join(parts, " ")
}

// renderHistory formats a mirrored history in a box.
func renderHistory(h *statestore.History) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(h.SessionKey))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("%d turns, updated %s", len(h.Turns), h.UpdatedAt.Format("2006-01-02 15:04:05"))))
	for _, turn := range h.Turns {
		b.WriteString("\n")
		b.WriteString(renderTurn(turn.Role, turn.Content))
	}
	return boxStyle.Render(b.String())
}

func renderTurn(role, content string) string {
	style := modelStyle
	if role == "user" {
		style = userStyle
	}
	return style.Render(role+":") + " " + content
}

// transcriptPrinter writes transcripts as they arrive. Partial model
// transcripts are dimmed.
type transcriptPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *transcriptPrinter) ModelTranscript(text string, final bool) {
	if !final {
		p.println(mutedStyle.Render("model: " + text))
		return
	}
	p.println(renderTurn("model", text))
}

func (p *transcriptPrinter) UserTranscript(text string) {
	p.println(renderTurn("user", text))
}

func (p *transcriptPrinter) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}
