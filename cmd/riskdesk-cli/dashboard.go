package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"riskdesk/pkg/riskdesk"
)

var (
	headerStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	errHeaderStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("1"))
	footerStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	colHeaderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	symbolStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	unprotectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	alarmStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

const maxAlarms = 200

type tickMsg time.Time

type riskMsg struct {
	report riskdesk.RiskReport
	err    error
}

type alarmMsg riskdesk.AlarmEvent

type dashModel struct {
	client   *riskdesk.Client
	addr     string
	interval time.Duration

	report  riskdesk.RiskReport
	err     error
	updated time.Time
	alarms  []riskdesk.AlarmEvent

	viewport viewport.Model
	ready    bool
	width    int
	height   int
}

func (m dashModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m dashModel) fetchRisk() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rep, err := c.PortfolioRisk(ctx)
		return riskMsg{report: rep, err: err}
	}
}

func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.fetchRisk(), m.tick())
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchRisk()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.viewport.SetContent(m.renderContent())
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchRisk(), m.tick())

	case riskMsg:
		m.err = msg.err
		if msg.err == nil {
			m.report = msg.report
			m.updated = time.Now()
		}
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, nil

	case alarmMsg:
		m.alarms = append([]riskdesk.AlarmEvent{riskdesk.AlarmEvent(msg)}, m.alarms...)
		if len(m.alarms) > maxAlarms {
			m.alarms = m.alarms[:maxAlarms]
		}
		if m.ready {
			m.viewport.SetContent(m.renderContent())
		}
		return m, nil
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

func (m dashModel) View() string {
	if !m.ready {
		return "connecting..."
	}

	var header string
	if m.err != nil {
		header = errHeaderStyle.Render(padOrTrunc(fmt.Sprintf(" riskdesk  %s    error: %v ", m.addr, m.err), m.width))
	} else {
		ex := m.report.Exposure
		pct := "-"
		if ex.TotalRiskPct != nil {
			pct = fmt.Sprintf("%.2f%%", *ex.TotalRiskPct)
		}
		text := fmt.Sprintf(" riskdesk  %s    net liq %s    open risk %s (%s)    unprotected %d    updated %s ",
			m.addr,
			formatMoney(m.report.Account.NetLiquidation),
			formatMoney(ex.TotalRisk),
			pct,
			len(ex.Unprotected),
			m.updated.Format("15:04:05"),
		)
		header = headerStyle.Render(padOrTrunc(text, m.width))
	}

	left := " q quit  r refresh  pgup/dn scroll"
	right := fmt.Sprintf("%.0f%% ", m.viewport.ScrollPercent()*100)
	gap := m.width - len(left) - len(right)
	if gap < 0 {
		gap = 0
	}
	footer := footerStyle.Render(padOrTrunc(left+strings.Repeat(" ", gap)+right, m.width))

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func (m dashModel) renderContent() string {
	var b strings.Builder

	b.WriteString(colHeaderStyle.Render(fmt.Sprintf("%-8s %10s %10s %10s %12s %8s", "SYMBOL", "POS", "AVG", "STOP", "RISK", "ALLOC%")))
	b.WriteString("\n")
	if len(m.report.Records) == 0 {
		b.WriteString(dimStyle.Render("no open positions"))
		b.WriteString("\n")
	}
	for _, r := range m.report.Records {
		stop, risk := "-", unprotectedStyle.Render(fmt.Sprintf("%12s", "UNPROTECTED"))
		if r.StopAuxPrice != nil {
			stop = fmt.Sprintf("%.2f", *r.StopAuxPrice)
		}
		if r.Protected() {
			risk = fmt.Sprintf("%12s", formatMoney(r.OpenRisk))
		}
		alloc := "-"
		if r.AllocationPct != nil {
			alloc = fmt.Sprintf("%.2f", *r.AllocationPct)
		}
		fmt.Fprintf(&b, "%s %10.0f %10.2f %10s %s %8s\n",
			symbolStyle.Render(fmt.Sprintf("%-8s", r.Symbol)), r.Position, r.AvgCost, stop, risk, alloc)
	}

	b.WriteString("\n")
	b.WriteString(colHeaderStyle.Render("ALARMS"))
	b.WriteString("\n")
	if len(m.alarms) == 0 {
		b.WriteString(dimStyle.Render("none since start"))
		b.WriteString("\n")
	}
	for _, a := range m.alarms {
		fmt.Fprintf(&b, "%s  %s\n", dimStyle.Render(a.Time.Local().Format("15:04:05")), alarmStyle.Render(a.Message))
	}
	return b.String()
}

// formatMoney renders v with two decimals and thousands separators.
func formatMoney(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := b.String() + frac
	if neg {
		out = "-" + out
	}
	return out
}

func padOrTrunc(s string, width int) string {
	if width <= 0 {
		return s
	}
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	r := []rune(s)
	if len(r) > width {
		return string(r[:width])
	}
	return s
}

// runDashboard shows live portfolio risk and streams alarms until the user
// quits.
func runDashboard(ctx context.Context, c *riskdesk.Client, addr string, interval time.Duration) error {
	p := tea.NewProgram(
		dashModel{client: c, addr: addr, interval: interval},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	go func() {
		_ = c.WatchAlarms(ctx, func(evt riskdesk.AlarmEvent) error {
			p.Send(alarmMsg(evt))
			return nil
		})
	}()
	_, err := p.Run()
	return err
}
