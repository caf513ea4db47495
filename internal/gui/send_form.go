package gui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
)

const maxBurst = 1000

type route struct {
	ep   int
	peer string
}

func (r route) value() string { return fmt.Sprintf("%d|%s", r.ep, r.peer) }

func parseRoute(v string) (route, error) {
	i := strings.IndexByte(v, '|')
	if i < 0 {
		return route{}, fmt.Errorf("bad route %q", v)
	}
	ep, err := strconv.Atoi(v[:i])
	if err != nil {
		return route{}, err
	}
	return route{ep: ep, peer: v[i+1:]}, nil
}

func (m Model) routes() []huh.Option[string] {
	var opts []huh.Option[string]
	for _, r := range m.rows {
		rt := route{ep: r.ep, peer: r.info.Name}
		opts = append(opts, huh.NewOption(m.eps[r.ep].Name+" → "+r.info.Name, rt.value()))
	}
	return opts
}

func newSendForm(routes []huh.Option[string]) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Route").
				Options(routes...).
				Key("route"),

			huh.NewInput().
				Title("Payload").
				Description("Text sent as one payload; a count above one appends a sequence number").
				Key("payload"),

			huh.NewInput().
				Title("Count").
				Placeholder("1").
				Validate(validateCount).
				Key("count"),
		),
	).
		WithWidth(60)
}

func validateCount(s string) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > maxBurst {
		return fmt.Errorf("count must be between 1 and %d", maxBurst)
	}
	return nil
}

func (m Model) updateForm(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok {
		switch k.String() {
		case "esc":
			m.form = nil
			return m, nil
		case "ctrl+c":
			return m, tea.Quit
		}
	}
	// keep the tables fresh while the form is open
	if _, ok := msg.(tickMsg); ok {
		m.drainEvents()
		return m, tick()
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}
	switch m.form.State {
	case huh.StateCompleted:
		send := m.sendCmd(m.form.GetString("route"), m.form.GetString("payload"), m.form.GetString("count"))
		m.form = nil
		return m, send
	case huh.StateAborted:
		m.form = nil
		return m, nil
	}
	return m, cmd
}

func (m Model) sendCmd(routeValue, payload, count string) tea.Cmd {
	rt, err := parseRoute(routeValue)
	if err != nil || rt.ep < 0 || rt.ep >= len(m.eps) {
		return func() tea.Msg { return resultMsg{what: "send", err: fmt.Errorf("no route selected")} }
	}
	n := 1
	if c := strings.TrimSpace(count); c != "" {
		n, _ = strconv.Atoi(c)
	}
	src := m.eps[rt.ep].Tunnel
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		for i := 0; i < n; i++ {
			p := payload
			if n > 1 {
				p = fmt.Sprintf("%s #%d", payload, i)
			}
			if err := src.Send(ctx, rt.peer, []byte(p)); err != nil {
				return resultMsg{what: "send", err: err}
			}
		}
		return resultMsg{what: fmt.Sprintf("queued %d payloads for %s", n, rt.peer)}
	}
}
