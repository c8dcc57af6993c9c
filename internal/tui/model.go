// Package tui is the terminal front end: a scrolling log, a status line and a
// port picker, redrawn from the log channel on every tick.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"esp32flasher/internal/controller"
	"esp32flasher/internal/logchan"
	"esp32flasher/internal/ports"
)

const maxLines = 5000

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type tickMsg time.Time

// portItem adapts a device to list.Item.
type portItem struct {
	dev ports.Device
}

func (p portItem) Title() string { return p.dev.Name }
func (p portItem) Description() string {
	return fmt.Sprintf("%s  [%s]", p.dev.Description, p.dev.IDString())
}
func (p portItem) FilterValue() string { return p.dev.Name }

type model struct {
	ch       *logchan.Channel
	sel      *Selector
	tick     time.Duration
	start    func() error
	stopMon  func()
	firmware string

	lines   []string
	status  string
	enabled bool

	viewport viewport.Model
	spinner  spinner.Model
	picker   list.Model
	prompt   *selectRequest

	width, height int
	ready         bool
}

func newModel(ch *logchan.Channel, sel *Selector, tick time.Duration, start func() error, stopMon func(), firmware string) model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	delegate := list.NewDefaultDelegate()
	picker := list.New(nil, delegate, 60, 12)
	picker.Title = "Select the ESP32 port"
	picker.SetShowStatusBar(false)
	picker.SetFilteringEnabled(false)

	return model{
		ch:       ch,
		sel:      sel,
		tick:     tick,
		start:    start,
		stopMon:  stopMon,
		firmware: firmware,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		picker:   picker,
		width:    80,
		height:   24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.tickCmd(), m.spinner.Tick)
}

func (m model) tickCmd() tea.Cmd {
	return tea.Tick(m.tick, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.resize()

	case tickMsg:
		m.apply(m.ch.Drain())
		if m.prompt == nil && m.sel != nil {
			if req, ok := m.sel.pending(); ok {
				m.openPicker(req)
			}
		}
		cmds = append(cmds, m.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		if m.prompt != nil {
			return m.updatePicker(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "f", "enter":
			if m.enabled && m.start != nil {
				if err := m.start(); err != nil {
					m.appendLine("Cannot start: " + err.Error())
				}
			}
		case "s":
			if m.stopMon != nil {
				m.stopMon()
			}
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			cmds = append(cmds, cmd)
		}
	}

	return m, tea.Batch(cmds...)
}

func (m model) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if item, ok := m.picker.SelectedItem().(portItem); ok {
			m.answer(item.dev.Name, true)
		}
		return m, nil
	case "esc", "q":
		m.answer("", false)
		return m, nil
	case "ctrl+c":
		m.answer("", false)
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.picker, cmd = m.picker.Update(msg)
	return m, cmd
}

func (m *model) openPicker(req selectRequest) {
	items := make([]list.Item, 0, len(req.devices))
	for _, d := range req.devices {
		items = append(items, portItem{dev: d})
	}
	m.picker.SetItems(items)
	m.picker.Select(0)
	m.prompt = &req
}

func (m *model) answer(name string, ok bool) {
	m.prompt.reply <- selectReply{name: name, ok: ok}
	m.prompt = nil
}

// apply renders committed entries. Trigger state comes only from the
// channel.
func (m *model) apply(entries []logchan.Entry) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		switch e.Kind {
		case logchan.KindLine:
			m.appendLine(e.Text)
		case logchan.KindStatus:
			m.status = e.Text
		case logchan.KindTrigger:
			m.enabled = e.Enabled
		}
	}
}

func (m *model) appendLine(s string) {
	atBottom := m.viewport.AtBottom()
	m.lines = append(m.lines, s)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *model) resize() {
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-4, 3)
	m.picker.SetSize(m.width, max(m.height-4, 5))
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ESP32 Flasher"))
	b.WriteString("  " + helpStyle.Render(m.firmware))
	b.WriteString("\n")

	if m.prompt != nil {
		b.WriteString(m.picker.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter select • esc cancel"))
		return b.String()
	}

	b.WriteString(m.viewport.View())
	b.WriteString("\n")

	status := statusStyle.Render(m.status)
	if strings.HasPrefix(m.status, "Error") {
		status = errorStyle.Render(m.status)
	}
	if !m.enabled {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(status)
	b.WriteString("\n")

	help := "f flash • s stop monitor • q quit"
	if !m.enabled {
		help = "flashing… • q quit"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

// Run starts the TUI on ctrl and blocks until the user quits. The controller
// is closed before Run returns.
func Run(ctrl *controller.Controller, sel *Selector, tick time.Duration, firmware string) error {
	defer ctrl.Close()

	m := newModel(ctrl.Channel(), sel, tick, ctrl.StartFlash, ctrl.StopMonitor, firmware)
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
