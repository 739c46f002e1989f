package tui

import (
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/parallelproof/parallelproof/internal/domain"
)

// Update handles messages and user input.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.applyEvent(domain.Event(msg))
		return m, waitForEvent(m.events)

	case StreamClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) applyEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventAgentStatusChanged:
		if ev.Agent == nil {
			return
		}
		row, ok := m.byID[ev.Agent.AgentID]
		if !ok {
			row = &agentRow{ID: ev.Agent.AgentID}
			m.byID[ev.Agent.AgentID] = row
			m.agents = append(m.agents, row)
		}
		if ev.Agent.Strategy != "" {
			row.Strategy = ev.Agent.Strategy
		}
		row.Status = ev.Agent.Status
		row.ImprovementPct = ev.Agent.ImprovementPct
		row.Err = ev.Agent.Error

	case domain.EventTaskStatusChanged:
		if ev.Task != nil {
			m.taskStatus = ev.Task.Status
		}

	case domain.EventTaskFinished:
		m.finished = ev.Finished
	}
}
