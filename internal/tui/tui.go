// Package tui implements a read-only terminal dashboard over the
// central snapshot and dispatch stream, grounded on
// original_source/services/curses_service.py's panel layout (status
// line, per-plugin panel, alerts panel), built on
// github.com/charmbracelet/bubbletea and
// github.com/charmbracelet/lipgloss.
package tui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jcvsite/solarmon/internal/datakeys"
	"github.com/jcvsite/solarmon/internal/processor"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	alertStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// dispatchMsg wraps a processor.Dispatch for bubbletea's Msg channel.
type dispatchMsg processor.Dispatch

// Model is the bubbletea model driving the dashboard.
type Model struct {
	dispatch <-chan processor.Dispatch
	latest   processor.Dispatch
}

func NewModel(dispatch <-chan processor.Dispatch) Model {
	return Model{dispatch: dispatch}
}

func (m Model) Init() tea.Cmd {
	return m.waitForDispatch()
}

func (m Model) waitForDispatch() tea.Cmd {
	return func() tea.Msg {
		d, ok := <-m.dispatch
		if !ok {
			return nil
		}
		return dispatchMsg(d)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case dispatchMsg:
		m.latest = processor.Dispatch(msg)
		return m, m.waitForDispatch()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("solarmon") + "\n\n")

	status, _ := valueOf(m.latest.MergedData, datakeys.CorePluginConnectionStatus)
	b.WriteString(fmt.Sprintf("Status: %v\n", status))

	soc, _ := valueOf(m.latest.MergedData, datakeys.BatterySOCPercent)
	remaining, _ := valueOf(m.latest.MergedData, datakeys.BatteryTimeRemainingText)
	battPanel := fmt.Sprintf("SOC: %v%%\nRemaining: %v", soc, remaining)
	b.WriteString(panelStyle.Render(battPanel) + "\n")

	ids := make([]string, 0, len(m.latest.PerPluginData))
	for id := range m.latest.PerPluginData {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		data := m.latest.PerPluginData[id]
		b.WriteString(panelStyle.Render(fmt.Sprintf("%s: %v\n", id, data[datakeys.OperationalInverterStatusText])) + "\n")
	}

	if alerts, ok := m.latest.MergedData[datakeys.OperationalCategorizedAlerts]; ok {
		b.WriteString(alertStyle.Render(fmt.Sprintf("Alerts: %v", alerts)) + "\n")
	}

	b.WriteString("\n(press q to quit)\n")
	return b.String()
}

func valueOf(merged map[string]any, key string) (any, bool) {
	wrapped, ok := merged[key].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := wrapped["value"]
	return v, ok
}

// Run starts the terminal program; blocks until the user quits.
func Run(dispatch <-chan processor.Dispatch) error {
	p := tea.NewProgram(NewModel(dispatch))
	_, err := p.Run()
	return err
}
