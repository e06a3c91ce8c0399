// Package tui renders the live status dashboard for cubicled status
// --watch: cubicle occupancy, pending approvals and budget standings,
// refreshed by polling the engine and store directly.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// CubicleRow is one managed container in the dashboard table.
type CubicleRow struct {
	Key    string // "agent/user"
	Name   string
	Status string
	Idle   time.Duration
	Age    time.Duration
}

// ApprovalRow is one command waiting on the operator.
type ApprovalRow struct {
	ApprovalID string
	AgentID    int64
	Command    string
	ExpiresIn  time.Duration
}

// BudgetRow is one agent and user pair's spend standing for today.
type BudgetRow struct {
	Key       string
	Spent     float64
	Limit     float64
	Remaining float64
}

// Snapshot is one poll of daemon state.
type Snapshot struct {
	DBOK         bool
	EngineOK     bool
	ActiveAgents int
	Cubicles     []CubicleRow
	Approvals    []ApprovalRow
	Budgets      []BudgetRow
	SpendToday   float64
	LastError    string
	TakenAt      time.Time
}

// StatusProvider produces a fresh Snapshot on each poll tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	return Render(m.snap) + "\nPress q to quit.\n"
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	rowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
)

// Render formats a snapshot. The watch dashboard and the one-shot status
// command share this output.
func Render(snap Snapshot) string {
	var out strings.Builder

	out.WriteString(titleStyle.Render("Cubicle Status") + "\n\n")
	out.WriteString(fmt.Sprintf("Store: %s   Engine: %s   Active agents: %d   Spend today: $%.2f\n\n",
		okLabel(snap.DBOK), okLabel(snap.EngineOK), snap.ActiveAgents, snap.SpendToday))

	out.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %-28s %-11s %9s %9s", "CUBICLE", "NAME", "STATUS", "IDLE", "AGE")) + "\n")
	if len(snap.Cubicles) == 0 {
		out.WriteString(rowStyle.Render("  (no cubicles)") + "\n")
	}
	for _, c := range snap.Cubicles {
		out.WriteString(rowStyle.Render(fmt.Sprintf("%-12s %-28s %-11s %9s %9s",
			c.Key, truncate(c.Name, 28), c.Status, shortDuration(c.Idle), shortDuration(c.Age))) + "\n")
	}
	out.WriteString("\n")

	out.WriteString(headerStyle.Render(fmt.Sprintf("Pending approvals: %d", len(snap.Approvals))) + "\n")
	for _, a := range snap.Approvals {
		line := fmt.Sprintf("  %s  agent %d  %s  expires in %s",
			a.ApprovalID, a.AgentID, truncate(a.Command, 40), shortDuration(a.ExpiresIn))
		out.WriteString(badStyle.Render(line) + "\n")
	}
	out.WriteString("\n")

	out.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %10s %10s %10s", "BUDGET", "SPENT", "LIMIT", "LEFT")) + "\n")
	if len(snap.Budgets) == 0 {
		out.WriteString(rowStyle.Render("  (no spend today)") + "\n")
	}
	for _, b := range snap.Budgets {
		style := rowStyle
		if b.Remaining <= 0 {
			style = badStyle
		}
		out.WriteString(style.Render(fmt.Sprintf("%-12s %10.2f %10.2f %10.2f",
			b.Key, b.Spent, b.Limit, b.Remaining)) + "\n")
	}

	if snap.LastError != "" {
		out.WriteString("\n" + badStyle.Render("Last error: "+snap.LastError) + "\n")
	}
	return out.String()
}

func okLabel(ok bool) string {
	if ok {
		return goodStyle.Render("ok")
	}
	return badStyle.Render("DOWN")
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

func shortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

// Run drives the watch dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
