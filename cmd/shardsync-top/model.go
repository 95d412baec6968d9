package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/dd0wney/cluso-shardsync/pkg/api"
	"github.com/dd0wney/cluso-shardsync/pkg/tracker"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF00FF")).
			MarginLeft(2).
			MarginTop(1)

	detailBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(0, 2).
			MarginLeft(2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
	Up      key.Binding
	Down    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "down"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Refresh, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down}, {k.Refresh, k.Quit}}
}

// shardView is the last answer from one shard.
type shardView struct {
	url     string
	status  api.StatusResponse
	err     error
	fetched time.Time
}

// rowRef maps a table row back to its shard and tracker.
type rowRef struct {
	shard   int
	tracker int
}

type model struct {
	clients  []*api.ShardClient
	interval time.Duration
	shards   []shardView
	rows     []rowRef
	table    table.Model
	help     help.Model
	keys     keyMap
	width    int
	now      func() time.Time
}

type tickMsg time.Time

type statusMsg struct {
	shard  int
	status api.StatusResponse
	err    error
	at     time.Time
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchCmd(i int, c *api.ShardClient, timeout time.Duration) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		st, err := c.Status(ctx)
		return statusMsg{shard: i, status: st, err: err, at: time.Now()}
	}
}

func initialModel(clients []*api.ShardClient, interval time.Duration) model {
	columns := []table.Column{
		{Title: "Shard", Width: 7},
		{Title: "Stream", Width: 10},
		{Title: "Phase", Width: 10},
		{Title: "Indexed", Width: 10},
		{Title: "Server", Width: 10},
		{Title: "Remaining", Width: 10},
		{Title: "Behind", Width: 10},
		{Title: "Rate/s", Width: 8},
		{Title: "Catch-up", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#FF00FF")).
		Bold(false)
	t.SetStyles(s)

	shards := make([]shardView, len(clients))
	for i, c := range clients {
		shards[i].url = c.BaseURL()
	}

	return model{
		clients:  clients,
		interval: interval,
		shards:   shards,
		table:    t,
		help:     help.New(),
		keys:     keys,
		now:      time.Now,
	}
}

func (m model) refresh() tea.Cmd {
	cmds := make([]tea.Cmd, len(m.clients))
	for i, c := range m.clients {
		cmds[i] = fetchCmd(i, c, m.interval)
	}
	return tea.Batch(cmds...)
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd(m.interval))

	case statusMsg:
		if msg.shard >= 0 && msg.shard < len(m.shards) {
			sv := &m.shards[msg.shard]
			sv.err = msg.err
			sv.fetched = msg.at
			if msg.err == nil {
				sv.status = msg.status
			}
			m.rebuildRows()
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Refresh):
			return m, m.refresh()
		}
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *model) rebuildRows() {
	now := m.now()
	rows := make([]table.Row, 0)
	refs := make([]rowRef, 0)
	for i, sv := range m.shards {
		label := strconv.Itoa(i)
		if sv.err != nil && len(sv.status.Trackers) == 0 {
			rows = append(rows, table.Row{label, "-", "down", "-", "-", "-", "-", "-", "-"})
			refs = append(refs, rowRef{shard: i, tracker: -1})
			continue
		}
		for j, st := range sv.status.Trackers {
			rows = append(rows, trackerRow(label, st, now))
			refs = append(refs, rowRef{shard: i, tracker: j})
		}
	}
	m.rows = refs
	m.table.SetRows(rows)
}

func trackerRow(shard string, st tracker.Status, now time.Time) table.Row {
	behind := "-"
	if st.TxRemaining > 0 && !st.LastIndexedTxCommitTime.IsZero() {
		behind = formatDuration(now.Sub(st.LastIndexedTxCommitTime))
	}
	catchUp := "-"
	if st.EstimatedCatchUp > 0 {
		catchUp = formatDuration(st.EstimatedCatchUp)
	}
	return table.Row{
		shard,
		st.Stream,
		string(st.Phase),
		strconv.FormatInt(st.LastIndexedTxID, 10),
		strconv.FormatInt(st.LastTxIDOnServer, 10),
		strconv.FormatInt(st.TxRemaining, 10),
		behind,
		fmt.Sprintf("%.1f", st.Throughput),
		catchUp,
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "<1s"
	case d < time.Hour:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Minute).String()
	}
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("shardsync-top"))
	s.WriteString(mutedStyle.Render(fmt.Sprintf("  %d shard(s), every %s", len(m.shards), m.interval)))
	s.WriteString("\n\n")
	s.WriteString(m.table.View())
	s.WriteString("\n\n")
	s.WriteString(m.renderDetail())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(m.keys.ShortHelp())))

	return s.String()
}

func (m model) renderDetail() string {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.rows) {
		return detailBoxStyle.Render(mutedStyle.Render("waiting for shards..."))
	}
	ref := m.rows[cursor]
	sv := m.shards[ref.shard]

	var lines []string
	lines = append(lines, fmt.Sprintf("Shard %d  %s", ref.shard, sv.url))
	if sv.status.RunID != "" {
		lines = append(lines, "Run:     "+sv.status.RunID)
	}
	if sv.err != nil {
		lines = append(lines, errorStyle.Render("✗ "+sv.err.Error()))
	}
	if ref.tracker >= 0 {
		st := sv.status.Trackers[ref.tracker]
		lines = append(lines,
			fmt.Sprintf("Cycles:  %d  applied %d  skipped %d  resyncs %d", st.Cycles, st.UnitsApplied, st.UnitsSkipped, st.Resyncs),
			fmt.Sprintf("Pending: %d reindex", st.PendingReindex),
		)
		if st.RollbackSuspected {
			lines = append(lines, errorStyle.Render("rollback suspected"))
		}
		if st.Reason != "" {
			lines = append(lines, errorStyle.Render("reason: "+st.Reason))
		}
		if !st.LastCycleAt.IsZero() {
			lines = append(lines, "Last cycle "+formatDuration(m.now().Sub(st.LastCycleAt))+" ago")
		}
	}
	if !sv.fetched.IsZero() {
		lines = append(lines, mutedStyle.Render("fetched "+sv.fetched.Format(time.TimeOnly)))
	}
	return detailBoxStyle.Render(strings.Join(lines, "\n"))
}
