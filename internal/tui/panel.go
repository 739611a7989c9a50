// Package tui is the operator control panel for the sync server
package tui

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"

	"github.com/codefionn/sketchsync/internal/config"
	"github.com/codefionn/sketchsync/internal/logger"
)

const (
	refreshInterval = 500 * time.Millisecond
	maxFileLines    = 8
	logPaneLines    = 10
	minWidth        = 40
)

// Controller is the server surface the panel operates
type Controller interface {
	Start(root string) error
	Stop() error
	Restart(root string) error
	ClearWatchedFiles()
	ChangeProjectDirectory(dir string) error
	Reload() error
	IsRunning() bool
	Root() string
	WatchedFiles() []string
	SessionCount() int
}

// Options configures the panel
type Options struct {
	// IP is the address shown to clients, config.FirstIPv4() when empty
	IP   string
	Port int
	// ProjectDir is used by Start before the server has a root
	ProjectDir string
	Logs       *LogBuffer
}

type snapshot struct {
	running  bool
	root     string
	files    []string
	sessions int
}

type (
	tickMsg     time.Time
	snapshotMsg snapshot
	actionDone  struct {
		action Action
		err    error
	}
)

// Model is the bubbletea model of the control panel
type Model struct {
	ctrl    Controller
	opts    Options
	actions []actionItem

	list     list.Model
	delegate actionDelegate
	input    textinput.Model
	editing  bool

	state      snapshot
	logs       []LogLine
	logVersion uint64

	busy     bool
	lastDone string
	err      error
	width    int
	quitting bool
}

// New creates the panel for ctrl
func New(ctrl Controller, opts Options) *Model {
	if opts.IP == "" {
		opts.IP = config.FirstIPv4()
	}
	if opts.Logs == nil {
		opts.Logs = NewLogBuffer(0)
	}

	actions := defaultActions()
	items := make([]list.Item, len(actions))
	for i, a := range actions {
		items[i] = a
	}

	delegate := newActionDelegate(80)
	l := list.New(items, delegate, 80, len(actions)*delegate.Height()+2)
	l.Title = "Actions"
	l.Styles.Title = sectionStyle
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetShowPagination(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	input := textinput.New()
	input.Placeholder = "/path/to/project"
	input.Prompt = "Directory: "
	input.CharLimit = 4096

	return &Model{
		ctrl:     ctrl,
		opts:     opts,
		actions:  actions,
		list:     l,
		delegate: delegate,
		input:    input,
		state:    snapshot{root: opts.ProjectDir},
		width:    80,
	}
}

// Run shows the panel until the operator quits or ctx ends
func Run(ctx context.Context, ctrl Controller, opts Options) error {
	p := tea.NewProgram(New(ctrl, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Init refreshes the state and starts the refresh ticker
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// refresh reads the controller outside the update loop
func (m *Model) refresh() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		return snapshotMsg{
			running:  ctrl.IsRunning(),
			root:     ctrl.Root(),
			files:    ctrl.WatchedFiles(),
			sessions: ctrl.SessionCount(),
		}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = max(msg.Width, minWidth)
		m.list.SetWidth(m.width)
		m.delegate.width = m.width
		m.list.SetDelegate(m.delegate)
		return m, nil

	case tickMsg:
		m.pullLogs()
		return m, tea.Batch(m.refresh(), tick())

	case snapshotMsg:
		s := snapshot(msg)
		if s.root == "" {
			s.root = m.state.root
		}
		m.state = s
		return m, nil

	case actionDone:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.lastDone = msg.action.String()
		}
		m.pullLogs()
		return m, m.refresh()

	case tea.KeyMsg:
		if m.editing {
			return m.updateInput(msg)
		}
		if msg.String() == "enter" {
			if item, ok := m.list.SelectedItem().(actionItem); ok {
				return m, m.trigger(item.action)
			}
			return m, nil
		}
		for _, a := range m.actions {
			if key.Matches(msg, a.binding) {
				return m, m.trigger(a.action)
			}
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.editing = false
		m.input.Blur()
		return m, nil
	case "enter":
		dir := strings.TrimSpace(m.input.Value())
		m.editing = false
		m.input.Blur()
		if dir == "" {
			return m, nil
		}
		return m, m.run(ActionChangeDir, func() error {
			return m.ctrl.ChangeProjectDirectory(dir)
		})
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// trigger starts the action a. Server calls run in a command so the
// update loop never waits on the server.
func (m *Model) trigger(a Action) tea.Cmd {
	ctrl := m.ctrl
	switch a {
	case ActionQuit:
		m.quitting = true
		return tea.Quit
	case ActionChangeDir:
		m.editing = true
		m.input.SetValue(m.state.root)
		m.input.CursorEnd()
		return m.input.Focus()
	case ActionStart, ActionRestart:
		root := m.state.root
		ip, port := m.opts.IP, m.opts.Port
		return m.run(a, func() error {
			if err := config.ValidateEndpoint(ip, port); err != nil {
				return err
			}
			if a == ActionRestart {
				return ctrl.Restart(root)
			}
			return ctrl.Start(root)
		})
	case ActionStop:
		return m.run(a, ctrl.Stop)
	case ActionClear:
		return m.run(a, func() error {
			ctrl.ClearWatchedFiles()
			return nil
		})
	case ActionReload:
		return m.run(a, ctrl.Reload)
	}
	return nil
}

func (m *Model) run(a Action, fn func() error) tea.Cmd {
	if m.busy {
		return nil
	}
	m.busy = true
	m.err = nil
	return func() tea.Msg {
		return actionDone{action: a, err: fn()}
	}
}

func (m *Model) pullLogs() {
	if m.opts.Logs.Version() == m.logVersion {
		return
	}
	m.logs, m.logVersion = m.opts.Logs.Snapshot()
}

// View renders the panel
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	sb := acquireBuilder()

	sb.WriteString(m.renderHeader())
	sb.WriteString("\n")
	if m.editing {
		sb.WriteString(m.input.View())
		sb.WriteString("\n")
		sb.WriteString(helpStyle.Render("enter: apply • esc: cancel"))
		sb.WriteString("\n\n")
	} else {
		sb.WriteString(m.list.View())
		sb.WriteString("\n\n")
	}
	sb.WriteString(m.renderFiles())
	sb.WriteString("\n")
	sb.WriteString(m.renderLogs())
	sb.WriteString("\n")
	sb.WriteString(m.renderFooter())

	return builderString(sb)
}

func (m *Model) renderHeader() string {
	status := stoppedStyle.Render("○ Stopped")
	if m.state.running {
		status = runningStyle.Render("● Running")
	}
	endpoint := m.opts.IP + ":" + strconv.Itoa(m.opts.Port)

	lines := []string{
		titleStyle.Render("sketchsync") + "  " + status,
		statusStyle.Render(m.fit("Clients connect to " + endpoint)),
		statusStyle.Render(m.fit("Project: " + orNone(m.state.root))),
		statusStyle.Render(fmt.Sprintf("Sessions: %d", m.state.sessions)),
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m *Model) renderFiles() string {
	var sb strings.Builder
	sb.WriteString(sectionStyle.Render(fmt.Sprintf("Watched files (%d)", len(m.state.files))))
	sb.WriteString("\n")
	if len(m.state.files) == 0 {
		sb.WriteString(faintStyle.Render("  none"))
		sb.WriteString("\n")
		return sb.String()
	}
	for i, f := range m.state.files {
		if i == maxFileLines {
			sb.WriteString(faintStyle.Render(fmt.Sprintf("  ... %d more", len(m.state.files)-maxFileLines)))
			sb.WriteString("\n")
			break
		}
		sb.WriteString("  " + m.fit(m.relative(f)) + "\n")
	}
	return sb.String()
}

func (m *Model) renderLogs() string {
	var sb strings.Builder
	sb.WriteString(sectionStyle.Render("Log"))
	sb.WriteString("\n")
	start := max(len(m.logs)-logPaneLines, 0)
	for _, line := range m.logs[start:] {
		style := faintStyle
		switch line.Level {
		case logger.LevelWarn:
			style = warnStyle
		case logger.LevelError:
			style = errorStyle
		}
		sb.WriteString("  " + style.Render(m.fit(line.Text)) + "\n")
	}
	return sb.String()
}

func (m *Model) renderFooter() string {
	left := helpStyle.Render("↑/↓: navigate • enter: run • s r x c d l: shortcuts • q: quit")
	var right string
	switch {
	case m.busy:
		right = statusStyle.Render("Working...")
	case m.err != nil:
		right = errorStyle.Render(m.fit("Error: " + m.err.Error()))
	case m.lastDone != "":
		right = statusStyle.Render(m.lastDone + " done")
	}

	space := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if space < 1 {
		return left + "\n" + right
	}
	return left + strings.Repeat(" ", space) + right
}

// fit truncates s to the panel width
func (m *Model) fit(s string) string {
	width := m.width - 4
	if width < minWidth-4 {
		width = minWidth - 4
	}
	return truncate.StringWithTail(s, uint(width), "…")
}

func (m *Model) relative(path string) string {
	if root := m.state.root; root != "" {
		if rel, ok := strings.CutPrefix(path, strings.TrimSuffix(root, "/")+"/"); ok {
			return rel
		}
	}
	return path
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")).MarginLeft(2)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginLeft(2)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	runningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	faintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)
