package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

// Action is an operator command on the sync server
type Action int

const (
	ActionStart Action = iota
	ActionRestart
	ActionStop
	ActionClear
	ActionChangeDir
	ActionReload
	ActionQuit
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "Start"
	case ActionRestart:
		return "Restart"
	case ActionStop:
		return "Stop"
	case ActionClear:
		return "Clear watched files"
	case ActionChangeDir:
		return "Change project directory"
	case ActionReload:
		return "Reload clients"
	case ActionQuit:
		return "Quit"
	default:
		return "Unknown"
	}
}

// actionItem is an Action shown in the menu
type actionItem struct {
	action  Action
	binding key.Binding
	desc    string
}

func (i actionItem) Title() string       { return i.action.String() }
func (i actionItem) Description() string { return i.desc }
func (i actionItem) FilterValue() string { return i.action.String() }

func defaultActions() []actionItem {
	return []actionItem{
		{ActionStart, key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "start")), "Listen for clients and watch their files"},
		{ActionRestart, key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "restart")), "Drop every client and start over"},
		{ActionStop, key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "stop")), "Disconnect clients and stop listening"},
		{ActionClear, key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")), "Forget watched files, clients stay connected"},
		{ActionChangeDir, key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "directory")), "Serve files from another project directory"},
		{ActionReload, key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "reload")), "Push fresh content to every client"},
		{ActionQuit, key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")), "Stop the server and exit"},
	}
}

// actionDelegate renders action items
type actionDelegate struct {
	itemStyle         lipgloss.Style
	selectedItemStyle lipgloss.Style
	descStyle         lipgloss.Style
	width             int
}

func newActionDelegate(width int) actionDelegate {
	return actionDelegate{
		itemStyle:         lipgloss.NewStyle().PaddingLeft(4),
		selectedItemStyle: lipgloss.NewStyle().PaddingLeft(2).Foreground(lipgloss.Color("170")),
		descStyle:         lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		width:             width,
	}
}

func (d actionDelegate) Height() int                             { return 2 }
func (d actionDelegate) Spacing() int                            { return 0 }
func (d actionDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }

func (d actionDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	item, ok := listItem.(actionItem)
	if !ok {
		return
	}

	label := fmt.Sprintf("%s [%s]", item.Title(), item.binding.Help().Key)
	var title string
	if index == m.Index() {
		title = d.selectedItemStyle.Render("▸ " + label)
	} else {
		title = d.itemStyle.Render("  " + label)
	}

	available := d.width - 6
	if available < 20 {
		available = 20
	}
	desc := wordwrap.String(item.Description(), available)
	if first, _, found := strings.Cut(desc, "\n"); found {
		desc = first + "..."
	}

	fmt.Fprintf(w, "%s\n%s", title, d.itemStyle.Render(d.descStyle.Render(desc)))
}
