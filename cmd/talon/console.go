package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"talon/internal/events"
)

// console renders broker events for the terminal, filtered by output mode:
// simple shows lifecycle only, default adds execution and interventions,
// debug shows everything including LLM traffic.
type console struct {
	mode string

	phase     lipgloss.Style
	step      lipgloss.Style
	graphOp   lipgloss.Style
	intervene lipgloss.Style
	warn      lipgloss.Style
	dim       lipgloss.Style
	good      lipgloss.Style
	bad       lipgloss.Style
}

func newConsole(mode string) *console {
	return &console{
		mode:      mode,
		phase:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		step:      lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
		graphOp:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		intervene: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")),
		warn:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		dim:       lipgloss.NewStyle().Faint(true),
		good:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		bad:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
	}
}

// Render returns one line for the event, or "" to drop it in this mode.
func (c *console) Render(ev events.Event) string {
	switch ev.Event {
	case events.PhaseChanged:
		return c.phase.Render(fmt.Sprintf("▸ phase: %s", compact(ev.Data)))
	case events.MissionAccomplished:
		return c.good.Render("✔ mission accomplished")
	case events.OperationAborted:
		return c.bad.Render(fmt.Sprintf("✘ aborted: %v", ev.Data))
	case events.GraphRejected:
		return c.warn.Render(fmt.Sprintf("graph batch rejected: %s", compact(ev.Data)))
	case events.Heartbeat:
		if c.mode == "debug" {
			return c.dim.Render(fmt.Sprintf("heartbeat %s", compact(ev.Data)))
		}
		return ""
	}

	if c.mode == "simple" {
		return ""
	}
	switch ev.Event {
	case events.ExecutionStepCompleted:
		return c.step.Render(fmt.Sprintf("  step %s", compact(ev.Data)))
	case events.GraphChanged:
		return c.graphOp.Render(fmt.Sprintf("  graph %s", compact(ev.Data)))
	case events.InterventionRequired:
		return c.intervene.Render(fmt.Sprintf("⏸ intervention required: %s", compact(ev.Data)))
	case events.InterventionResolved:
		return c.intervene.Render(fmt.Sprintf("▶ intervention resolved: %s", compact(ev.Data)))
	case events.Overflow:
		return c.warn.Render("… event stream overflowed, some events dropped")
	}

	if c.mode == "debug" {
		switch ev.Event {
		case events.LLMRequest, events.LLMResponse:
			return c.dim.Render(fmt.Sprintf("%s [%s] %s", ev.Event, ev.Role, compact(ev.Data)))
		}
	}
	return ""
}

// Final renders the terminal status banner.
func (c *console) Final(status, level, rationale string) string {
	line := "operation " + status
	if level != "" {
		line += " (" + level + ")"
	}
	if rationale != "" {
		line += ": " + rationale
	}
	if status == "succeeded" {
		return c.good.Render(line)
	}
	return c.bad.Render(line)
}

// compact renders event payloads on one line, trimmed.
func compact(data any) string {
	if data == nil {
		return ""
	}
	if s, ok := data.(string); ok {
		return s
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	if len(b) > 200 {
		b = append(b[:200], []byte("…")...)
	}
	return string(b)
}
