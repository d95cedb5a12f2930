// Package tui renders the live ingestion dashboard in the terminal.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kubilitics/kubilitics-pka/internal/models"
	"github.com/kubilitics/kubilitics-pka/internal/stream/coordinator"
)

// Options wires the dashboard to its data sources.
type Options struct {
	Endpoint string
	Initial  coordinator.View[models.StatusSnapshot]
	Updates  <-chan coordinator.View[models.StatusSnapshot]
	// Incidents returns the list to show. IncidentUpdates signals when it
	// changed and carries the incident feed's loading and error state.
	Incidents        func() []models.IncidentRecord
	IncidentsInitial coordinator.View[[]models.IncidentRecord]
	IncidentUpdates  <-chan coordinator.View[[]models.IncidentRecord]
	Scan             func(ctx context.Context) (models.ScanAccepted, error)
	Refetch          func(ctx context.Context) error
	MaxEvents        int
}

type model struct {
	opts             Options
	view             coordinator.View[models.StatusSnapshot]
	incidents        []models.IncidentRecord
	incidentsLoading bool
	incidentsErr     error
	notice           string
	err              string
	updatedAt        time.Time
	width            int
	height           int
}

type viewMsg coordinator.View[models.StatusSnapshot]

type incidentsMsg coordinator.View[[]models.IncidentRecord]

type streamClosedMsg struct{}

type incidentsClosedMsg struct{}

type scanDoneMsg struct {
	accepted models.ScanAccepted
	err      error
}

type refetchDoneMsg struct {
	err error
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Run shows the dashboard until the user quits or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	p := tea.NewProgram(initialModel(opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func initialModel(opts Options) model {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = 15
	}
	m := model{
		opts:             opts,
		view:             opts.Initial,
		incidentsLoading: opts.IncidentsInitial.Loading,
		incidentsErr:     opts.IncidentsInitial.Err,
		updatedAt:        time.Now(),
	}
	m.refreshIncidents()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForView(m.opts.Updates), waitForIncidents(m.opts.IncidentUpdates))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			if m.opts.Scan == nil {
				return m, nil
			}
			m.notice = "requesting scan..."
			m.err = ""
			return m, scanCmd(m.opts.Scan)
		case "r":
			if m.opts.Refetch == nil {
				return m, nil
			}
			m.notice = "refreshing..."
			m.err = ""
			return m, refetchCmd(m.opts.Refetch)
		}

	case viewMsg:
		m.view = coordinator.View[models.StatusSnapshot](msg)
		m.updatedAt = time.Now()
		m.refreshIncidents()
		return m, waitForView(m.opts.Updates)

	case incidentsMsg:
		m.incidentsLoading = msg.Loading
		m.incidentsErr = msg.Err
		m.updatedAt = time.Now()
		m.refreshIncidents()
		return m, waitForIncidents(m.opts.IncidentUpdates)

	case streamClosedMsg:
		return m, tea.Quit

	case incidentsClosedMsg:
		return m, nil

	case scanDoneMsg:
		if msg.err != nil {
			m.notice = ""
			m.err = "scan: " + msg.err.Error()
			return m, nil
		}
		m.notice = fmt.Sprintf("scan %s (%s)", msg.accepted.Status, msg.accepted.ScanID)
		return m, nil

	case refetchDoneMsg:
		m.notice = ""
		if msg.err != nil {
			m.err = "refresh: " + msg.err.Error()
		}
		return m, nil
	}
	return m, nil
}

func (m *model) refreshIncidents() {
	if m.opts.Incidents != nil {
		m.incidents = m.opts.Incidents()
	}
}

func (m model) View() string {
	sections := []string{m.renderHeader(), m.renderSnapshot(), m.renderEvents()}
	if m.opts.Incidents != nil {
		sections = append(sections, m.renderIncidents())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) renderHeader() string {
	line := lipgloss.JoinHorizontal(lipgloss.Left,
		titleStyle.Render("pka watch"),
		"  ",
		stateBadge(m.view.State),
		"  ",
		dimStyle.Render(m.opts.Endpoint),
	)
	updated := dimStyle.Render("Last update: " + m.updatedAt.Format("15:04:05"))
	return lipgloss.JoinVertical(lipgloss.Left, line, updated, "")
}

func stateBadge(state models.ConnectionState) string {
	color := lipgloss.Color("245")
	label := "IDLE"
	switch state {
	case models.StateConnected:
		color, label = lipgloss.Color("46"), "LIVE"
	case models.StateConnecting:
		color, label = lipgloss.Color("245"), "CONNECTING"
	case models.StateReconnecting:
		color, label = lipgloss.Color("214"), "RECONNECTING"
	case models.StateFallback:
		color, label = lipgloss.Color("196"), "POLLING"
	}
	return lipgloss.NewStyle().Bold(true).Foreground(color).Render(label)
}

func (m model) renderSnapshot() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Ingestion") + "\n")
	switch {
	case m.view.Err != nil:
		b.WriteString(errorStyle.Render("  "+m.view.Err.Error()) + "\n")
	case !m.view.HasSnapshot:
		b.WriteString(dimStyle.Render("  loading...") + "\n")
	default:
		s := m.view.Snapshot
		fmt.Fprintf(&b, "  processed %d  failed %d  skipped %d  queued %d\n",
			s.FilesProcessed, s.FilesFailed, s.FilesSkipped, s.QueueDepth)
		last := "never"
		if s.LastScanTime != nil {
			last = s.LastScanTime.Local().Format("2006-01-02 15:04:05")
		}
		b.WriteString(dimStyle.Render("  last scan: "+last) + "\n")
	}
	return b.String()
}

func (m model) renderEvents() string {
	rows := []string{headerStyle.Render(fmt.Sprintf("%-8s │ %-18s │ %s", "TIME", "EVENT", "DETAIL"))}
	events := m.view.Events
	if len(events) == 0 {
		rows = append(rows, dimStyle.Render("  Waiting for activity..."))
		return lipgloss.JoinVertical(lipgloss.Left, rows...) + "\n"
	}
	start := 0
	if len(events) > m.opts.MaxEvents {
		start = len(events) - m.opts.MaxEvents
	}
	for _, ev := range events[start:] {
		rows = append(rows, fmt.Sprintf("%-8s │ %-18s │ %s",
			ev.ReceivedAt.Local().Format("15:04:05"),
			string(ev.Type),
			truncate(eventDetail(ev), 60),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...) + "\n"
}

func eventDetail(ev models.StreamEvent) string {
	for _, key := range []string{"path", "reason", "source", "error"} {
		if v, ok := ev.Payload[key].(string); ok && v != "" {
			return v
		}
	}
	return ev.ID
}

func (m model) renderIncidents() string {
	rows := []string{headerStyle.Render("Incidents")}
	switch {
	case m.incidentsErr != nil:
		rows = append(rows, errorStyle.Render("  "+m.incidentsErr.Error()+" (press r to retry)"))
	case m.incidentsLoading && len(m.incidents) == 0:
		rows = append(rows, dimStyle.Render("  loading..."))
	case len(m.incidents) == 0:
		rows = append(rows, dimStyle.Render("  none"))
	}
	for _, inc := range m.incidents {
		style := lipgloss.NewStyle()
		switch inc.Severity {
		case models.SeverityError:
			style = errorStyle
		case models.SeverityWarning:
			style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
		}
		rows = append(rows, style.Render(fmt.Sprintf("  %-7s %s %s: %s",
			inc.Severity, inc.Timestamp.Local().Format("15:04:05"), inc.Subsystem, truncate(inc.Reason, 60))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...) + "\n"
}

func (m model) renderFooter() string {
	var status string
	switch {
	case m.err != "":
		status = errorStyle.Render(m.err)
	case m.notice != "":
		status = m.notice
	}
	controls := footerStyle.Render("Controls: [s] Scan | [r] Refresh | [q] Quit")
	return lipgloss.JoinVertical(lipgloss.Left, status, controls)
}

func waitForView(ch <-chan coordinator.View[models.StatusSnapshot]) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return viewMsg(v)
	}
}

func waitForIncidents(ch <-chan coordinator.View[[]models.IncidentRecord]) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return incidentsClosedMsg{}
		}
		return incidentsMsg(v)
	}
}

func scanCmd(scan func(ctx context.Context) (models.ScanAccepted, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		accepted, err := scan(ctx)
		return scanDoneMsg{accepted: accepted, err: err}
	}
}

func refetchCmd(refetch func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return refetchDoneMsg{err: refetch(ctx)}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
