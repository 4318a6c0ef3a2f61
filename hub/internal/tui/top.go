package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/collab/hub/internal/api"
	"github.com/amurg-ai/collab/hub/internal/router"
)

// Fetcher is the data source of the dashboard.
type Fetcher interface {
	Health(ctx context.Context) (api.HealthReport, error)
	Connections(ctx context.Context) ([]router.ConnInfo, error)
}

type keyMap struct {
	quit    key.Binding
	refresh key.Binding
}

var keys = keyMap{
	quit:    key.NewBinding(key.WithKeys("q", "ctrl+c")),
	refresh: key.NewBinding(key.WithKeys("r")),
}

// refreshMsg carries the result of one poll.
type refreshMsg struct {
	report api.HealthReport
	conns  []router.ConnInfo
	err    error
	at     time.Time
}

type tickMsg time.Time

// Model is the "top" dashboard: pool health, shared structure sizes and the
// live connection list, refreshed on an interval.
type Model struct {
	fetcher  Fetcher
	target   string
	interval time.Duration

	report    api.HealthReport
	conns     []router.ConnInfo
	err       error
	updatedAt time.Time

	connsView viewport.Model
	width     int
	height    int
}

// NewModel creates a dashboard polling fetcher every interval. target is
// shown in the header.
func NewModel(fetcher Fetcher, target string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Model{
		fetcher:   fetcher,
		target:    target,
		interval:  interval,
		connsView: viewport.New(80, 10),
		width:     80,
	}
}

func (m Model) Init() tea.Cmd {
	return m.refresh
}

func (m Model) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg := refreshMsg{at: time.Now()}
	msg.report, msg.err = m.fetcher.Health(ctx)
	if msg.err == nil {
		msg.conns, msg.err = m.fetcher.Connections(ctx)
	}
	return msg
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.connsView.Width = msg.Width - 4
		m.connsView.Height = max(3, msg.Height-14)
		m.connsView.SetContent(m.renderConns())
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.quit):
			return m, tea.Quit
		case key.Matches(msg, keys.refresh):
			return m, m.refresh
		}

	case tickMsg:
		return m, m.refresh

	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			m.report = msg.report
			m.conns = msg.conns
			m.updatedAt = msg.at
			m.connsView.SetContent(m.renderConns())
		}
		return m, m.tick()
	}

	var cmd tea.Cmd
	m.connsView, cmd = m.connsView.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.renderPool(),
		Panel.Width(m.width-2).Render(Subtitle.Render("Connections")+"\n"+m.connsView.View()),
		Help.Render("  q quit  r refresh  j/k scroll"),
	)
}

func (m Model) renderHeader() string {
	left := Title.Render("Collab Hub")
	right := fmt.Sprintf("%s  %s %s", m.target, StatusDot(m.report.Status), StatusText(m.report.Status))
	if m.err != nil {
		right = fmt.Sprintf("%s  %s", m.target, ErrorStyle.Render(m.err.Error()))
	}
	gap := max(1, m.width-lipgloss.Width(left)-lipgloss.Width(right)-6)
	row := left + strings.Repeat(" ", gap) + right

	info := "  Uptime: " + m.report.Uptime
	if !m.updatedAt.IsZero() {
		info += "   Updated: " + m.updatedAt.Format("15:04:05")
	}
	return Panel.BorderForeground(ColorPrimary).Width(m.width - 2).Render(row + "\n" + Description.Render(info))
}

func (m Model) renderPool() string {
	snap := m.report.Snapshot
	st := m.report.Stats
	probed := "never"
	if !snap.ProbedAt.IsZero() {
		probed = snap.ProbedAt.Format("15:04:05")
	}

	line := func(label string, v any) string {
		return Label.Render(label) + Value.Render(fmt.Sprint(v))
	}
	pool := lipgloss.JoinVertical(lipgloss.Left,
		Subtitle.Render("Pool"),
		line("probed", snap.Total),
		line("healthy", snap.Healthy),
		line("unhealthy", snap.Unhealthy),
		line("avg rtt", snap.AvgLatency.Round(time.Microsecond)),
		line("last sweep", probed),
	)
	shared := lipgloss.JoinVertical(lipgloss.Left,
		Subtitle.Render("Shared state"),
		line("connections", st.Connections),
		line("users", st.Users),
		line("rooms", st.Rooms),
		line("memberships", st.Memberships),
		line("presence", fmt.Sprintf("%d in %d sessions", st.PresenceRecords, st.PresenceSessions)),
		line("rate buckets", st.RateBuckets),
	)
	half := max(20, (m.width-6)/2)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		Panel.Width(half).Render(pool),
		Panel.Width(half).Render(shared),
	)
}

func (m Model) renderConns() string {
	if len(m.conns) == 0 {
		return Dimmed.Render("  No connections (or no admin token)")
	}
	head := lipgloss.NewStyle().Foreground(ColorSubtle).Bold(true)
	var sb strings.Builder
	sb.WriteString(head.Render(fmt.Sprintf("  %-36s  %-20s  %-10s  %s", "ID", "USER", "AGE", "IDLE")))
	now := time.Now()
	for _, c := range m.conns {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("  %-36s  %-20s  %-10s  %s",
			c.ID, truncate(c.Username, 20),
			formatAge(now.Sub(c.ConnectedAt)), formatAge(now.Sub(c.LastActivity))))
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// Run shows the dashboard until the user quits.
func Run(fetcher Fetcher, target string, interval time.Duration) error {
	p := tea.NewProgram(NewModel(fetcher, target, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
