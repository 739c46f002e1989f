package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/parallelproof/parallelproof/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252"))

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	winnerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236")).
			Padding(0, 1)
)

// View renders the watch screen.
func (m Model) View() string {
	if m.quitting && m.finished == nil {
		return ""
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("ParallelProof"))
	b.WriteString(dimmedStyle.Render("  task " + m.taskID))
	b.WriteString("\n\n")

	b.WriteString(m.renderStatusLine())
	b.WriteString("\n\n")

	if len(m.agents) > 0 {
		b.WriteString(sectionStyle.Render(m.renderAgents()))
		b.WriteString("\n")
	}

	if m.finished != nil {
		b.WriteString("\n")
		b.WriteString(m.renderSummary())
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(statusBarStyle.Render("q quit"))
	b.WriteString("\n")

	return b.String()
}

func (m Model) renderStatusLine() string {
	elapsed := time.Since(m.started).Round(time.Second)

	switch m.taskStatus {
	case domain.TaskRunning:
		return fmt.Sprintf("%s %s  %s",
			m.spinner.View(),
			runningStyle.Render("running"),
			dimmedStyle.Render(elapsed.String()))
	case domain.TaskCompleted:
		return fmt.Sprintf("%s  %s",
			winnerStyle.Render("✓ completed"),
			dimmedStyle.Render(elapsed.String()))
	case domain.TaskFailed:
		return failedStyle.Render("✗ failed")
	default:
		return pendingStyle.Render("waiting to start")
	}
}

func (m Model) renderAgents() string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Agents (%d)", len(m.agents))))
	b.WriteString("\n")

	for _, a := range m.agents {
		b.WriteString(m.renderAgentRow(a))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (m Model) renderAgentRow(a *agentRow) string {
	var marker, detail string

	switch a.Status {
	case domain.AgentRunning:
		marker = m.spinner.View()
		detail = runningStyle.Render("running")
	case domain.AgentCompleted:
		marker = winnerStyle.Render("✓")
		detail = formatImprovement(a.ImprovementPct)
	case domain.AgentFailed:
		marker = failedStyle.Render("✗")
		detail = failedStyle.Render(a.Err)
	default:
		marker = pendingStyle.Render("·")
		detail = pendingStyle.Render("pending")
	}

	strategy := dimmedStyle.Render(a.Strategy)
	return fmt.Sprintf("%s %-10s %s  %s", marker, a.ID, strategy, detail)
}

func (m Model) renderSummary() string {
	f := m.finished

	if f.BestRunID == "" {
		return warningStyle.Render(fmt.Sprintf(
			"No winner: %d completed, %d failed", f.CompletedAgents, f.FailedAgents))
	}

	line := fmt.Sprintf("Winner: %s %s  (%d completed, %d failed)",
		f.BestRunID, formatImprovement(f.BestImprovement),
		f.CompletedAgents, f.FailedAgents)
	return winnerStyle.Render(line)
}

func formatImprovement(pct *float64) string {
	if pct == nil {
		return dimmedStyle.Render("n/a")
	}
	if *pct < 0 {
		return warningStyle.Render(fmt.Sprintf("%.1f%%", *pct))
	}
	return winnerStyle.Render(fmt.Sprintf("+%.1f%%", *pct))
}
