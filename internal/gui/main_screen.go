// Package gui is a terminal dashboard over one or more running tunnels:
// peers and their associations, live protocol events, traffic counters and
// controls to send payloads, kill associations and degrade the link.
package gui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/transport"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

const (
	refreshEvery = 200 * time.Millisecond
	callTimeout  = time.Second
	maxLogLines  = 500
)

// Source is the part of a tunnel the dashboard drives.
type Source interface {
	Snapshot(ctx context.Context) ([]peer.Info, error)
	Send(ctx context.Context, peerName string, payload []byte) error
	Kill(ctx context.Context, peerName string, ids []uint8) error
}

// Link is a degradable link, typically a transport.ChaosEP.
type Link interface {
	SetUp(up bool)
	SetLoss(p float64)
	GetConfig() transport.ChaosConfig
}

// Endpoint is one tunnel shown on the dashboard.
type Endpoint struct {
	Name   string
	Tunnel Source
	Events <-chan tunnel.Event
	Stats  func() metrics.Stats
	Link   Link
}

type tickMsg time.Time

type snapshotMsg struct {
	rows []peerRow
	err  error
}

type resultMsg struct {
	what string
	err  error
}

type peerRow struct {
	ep   int
	info peer.Info
}

type Model struct {
	eps    []Endpoint
	styles *Styles
	lg     *lipgloss.Renderer

	peers  table.Model
	events viewport.Model
	lines  []string
	rows   []peerRow
	status string
	failed bool

	form *huh.Form

	width  int
	height int
}

func New(eps []Endpoint) Model {
	columns := []table.Column{
		{Title: "Tunnel", Width: 8},
		{Title: "Peer", Width: 8},
		{Title: "Handshake", Width: 20},
		{Title: "Queue", Width: 6},
		{Title: "Ready", Width: 6},
		{Title: "Out", Width: 4},
		{Title: "In", Width: 4},
		{Title: "Sign left", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(5),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(grey).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	vp := viewport.New(80, 10)
	vp.Style = lipgloss.NewStyle()

	lg := lipgloss.DefaultRenderer()
	return Model{
		eps:    eps,
		lg:     lg,
		styles: NewStyles(lg),
		peers:  t,
		events: vp,
		width:  maxWidth,
		height: 30,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.SetWindowTitle("ALPHA tunnels"),
		m.poll(),
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// poll snapshots every tunnel off the UI goroutine.
func (m Model) poll() tea.Cmd {
	eps := m.eps
	return func() tea.Msg {
		var rows []peerRow
		for i, ep := range eps {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			infos, err := ep.Tunnel.Snapshot(ctx)
			cancel()
			if err != nil {
				return snapshotMsg{err: fmt.Errorf("%s: %w", ep.Name, err)}
			}
			for _, in := range infos {
				rows = append(rows, peerRow{ep: i, info: in})
			}
		}
		return snapshotMsg{rows: rows}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.form != nil {
		return m.updateForm(msg)
	}
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = min(msg.Width, maxWidth) - m.styles.Base.GetHorizontalFrameSize()
		m.height = msg.Height
		m.layout()
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			if len(m.rows) == 0 {
				m.setStatus("no peers yet", true)
				return m, nil
			}
			m.form = newSendForm(m.routes())
			return m, m.form.Init()
		case "k":
			return m, m.killSelected()
		case "l":
			m.toggleLinks()
			return m, nil
		case "+", "-":
			m.adjustLoss(msg.String() == "+")
			return m, nil
		}
	case tickMsg:
		m.drainEvents()
		return m, tea.Batch(m.poll(), tick())
	case snapshotMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
			return m, nil
		}
		m.rows = msg.rows
		m.peers.SetRows(m.tableRows())
		m.layout()
		return m, nil
	case resultMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("%s: %v", msg.what, msg.err), true)
		} else {
			m.setStatus(msg.what, false)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.peers, cmd = m.peers.Update(msg)
	return m, cmd
}

func (m *Model) setStatus(s string, failed bool) {
	m.status, m.failed = s, failed
}

func (m *Model) layout() {
	avail := m.height - 12
	tableHeight := max(3, min(len(m.rows)+2, avail/2))
	m.peers.SetHeight(tableHeight)
	m.events.Height = max(5, avail-tableHeight)
	m.events.Width = max(40, m.width-m.statsWidth()-6)
}

func (m Model) statsWidth() int { return 34 }

// drainEvents pulls whatever the tunnels emitted since the last tick.
func (m *Model) drainEvents() {
	for _, ep := range m.eps {
		if ep.Events == nil {
			continue
		}
	drain:
		for {
			select {
			case e, ok := <-ep.Events:
				if !ok {
					break drain
				}
				m.lines = append(m.lines, formatEvent(e))
			default:
				break drain
			}
		}
	}
	if len(m.lines) > maxLogLines {
		m.lines = m.lines[len(m.lines)-maxLogLines:]
	}
	var b strings.Builder
	for i := len(m.lines) - 1; i >= 0; i-- {
		b.WriteString(m.lines[i])
		b.WriteByte('\n')
	}
	m.events.SetContent(b.String())
}

func formatEvent(e tunnel.Event) string {
	var b strings.Builder
	b.WriteString(e.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(e.Tunnel)
	if e.Peer != "" {
		b.WriteString("->")
		b.WriteString(e.Peer)
	}
	b.WriteByte(' ')
	b.WriteString(string(e.Type))
	for k, v := range e.Fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

func (m Model) tableRows() []table.Row {
	rows := make([]table.Row, len(m.rows))
	for i, r := range m.rows {
		var out, in int
		left := -1
		for _, a := range r.info.Assocs {
			switch a.Dir {
			case association.Outgoing.String():
				out++
				if left < 0 || a.SignRemaining < left {
					left = a.SignRemaining
				}
			case association.Incoming.String():
				in++
			}
		}
		signLeft := "-"
		if left >= 0 {
			signLeft = fmt.Sprintf("%d", left)
		}
		rows[i] = table.Row{
			m.eps[r.ep].Name,
			r.info.Name,
			r.info.Handshake,
			fmt.Sprintf("%d", r.info.Queue),
			fmt.Sprintf("%d", r.info.Ready),
			fmt.Sprintf("%d", out),
			fmt.Sprintf("%d", in),
			signLeft,
		}
	}
	return rows
}

// killSelected kills the most worn outgoing association of the selected
// peer.
func (m Model) killSelected() tea.Cmd {
	i := m.peers.Cursor()
	if i < 0 || i >= len(m.rows) {
		return nil
	}
	r := m.rows[i]
	victim, left := uint8(0), -1
	for _, a := range r.info.Assocs {
		if a.Dir != association.Outgoing.String() {
			continue
		}
		if left < 0 || a.SignRemaining < left {
			victim, left = a.ID, a.SignRemaining
		}
	}
	if left < 0 {
		return func() tea.Msg {
			return resultMsg{what: "kill", err: fmt.Errorf("%s has no outgoing associations", r.info.Name)}
		}
	}
	src, name := m.eps[r.ep].Tunnel, r.info.Name
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		err := src.Kill(ctx, name, []uint8{victim})
		return resultMsg{what: fmt.Sprintf("killed association %d towards %s", victim, name), err: err}
	}
}

func (m *Model) toggleLinks() {
	n := 0
	for _, ep := range m.eps {
		if ep.Link == nil {
			continue
		}
		up := !ep.Link.GetConfig().Up
		ep.Link.SetUp(up)
		n++
		m.setStatus(fmt.Sprintf("links up=%v", up), false)
	}
	if n == 0 {
		m.setStatus("no degradable links", true)
	}
}

func (m *Model) adjustLoss(up bool) {
	for _, ep := range m.eps {
		if ep.Link == nil {
			continue
		}
		loss := ep.Link.GetConfig().Loss
		if up {
			loss += 0.05
		} else {
			loss -= 0.05
		}
		ep.Link.SetLoss(loss)
		m.setStatus(fmt.Sprintf("loss %.2f", ep.Link.GetConfig().Loss), false)
	}
}

func (m Model) View() string {
	s := m.styles
	if m.form != nil {
		header := m.appBoundaryView("Send payloads")
		return s.Base.Render(header + "\n\n" + m.form.View() + "\n\n" + s.Help.Render("esc cancels"))
	}

	header := m.appBoundaryView("ALPHA tunnels")
	status := s.Help.Render(time.Now().Format("15:04:05"))
	if m.status != "" {
		style := s.Highlight
		if m.failed {
			style = s.ErrorHeaderText
		}
		status += " " + style.Render(m.status)
	}

	eventsPanel := s.Panel.
		Width(m.events.Width + 2).
		Render(lipgloss.NewStyle().Bold(true).Render("Events") + "\n" + m.events.View())
	statsPanel := s.Status.
		Width(m.statsWidth()).
		Height(lipgloss.Height(eventsPanel) - 2).
		Render(s.StatusHeader.Render("Traffic") + "\n" + m.statsView())

	help := s.Help.Render("↑/↓ select  s send  k kill assoc  l link up/down  +/- loss  q quit")
	body := lipgloss.JoinHorizontal(lipgloss.Top, eventsPanel, statsPanel)
	return s.Base.Render(header + "\n" + status + "\n\n" + m.peers.View() + "\n\n" + body + "\n" + help)
}

func (m Model) statsView() string {
	var b strings.Builder
	for _, ep := range m.eps {
		b.WriteString(m.styles.Highlight.Render(ep.Name))
		b.WriteByte('\n')
		if ep.Stats != nil {
			st := ep.Stats()
			fmt.Fprintf(&b, "frames %d/%d\n", st.FramesOut, st.FramesIn)
			fmt.Fprintf(&b, "delivered %d (%dB)\n", st.Delivered, st.DeliveredBytes)
			fmt.Fprintf(&b, "rounds %d rtx %d\n", st.Rounds, st.Retransmits)
			fmt.Fprintf(&b, "verify fail %d\n", st.VerifyFails)
			fmt.Fprintf(&b, "swaps %d lost %d\n", st.Swaps, st.PeerLost)
		}
		if ep.Link != nil {
			cfg := ep.Link.GetConfig()
			fmt.Fprintf(&b, "link up=%v loss=%.2f\n", cfg.Up, cfg.Loss)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func (m Model) appBoundaryView(text string) string {
	return lipgloss.PlaceHorizontal(
		m.width,
		lipgloss.Left,
		m.styles.HeaderText.Render(text),
		lipgloss.WithWhitespaceChars("/"),
		lipgloss.WithWhitespaceForeground(indigo),
	)
}

// Run shows the dashboard until the user quits.
func Run(eps []Endpoint) error {
	_, err := tea.NewProgram(New(eps), tea.WithAltScreen()).Run()
	return err
}
