// Package tui renders live fetch progress in the terminal. The bubbletea
// update loop is the polling thread: every frame tick calls Poll, so
// completion handlers always run inside Update.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/courier/internal/dispatch"
	"github.com/mattjoyce/courier/internal/fetch"
	"github.com/mattjoyce/courier/internal/queue"
)

// DefaultFrameInterval is the poll period of the watch view.
const DefaultFrameInterval = 50 * time.Millisecond

// Worker is what the watch view needs from *dispatch.Worker.
type Worker interface {
	Dispatch(r dispatch.Request) error
	Poll() int
	Stats() dispatch.Stats
}

type tickMsg time.Time

type row struct {
	url    string
	req    *fetch.UriRequest
	result *fetch.Result
	err    error // dispatch failure
}

func (r *row) phase() queue.Phase {
	switch {
	case r.err != nil:
		return queue.PhaseCompletedError
	case r.req == nil:
		return queue.PhasePending
	case r.result == nil:
		// The worker marks a request finished before Poll delivers it; only a
		// delivered result ends the row.
		if r.req.Phase() == queue.PhasePending {
			return queue.PhasePending
		}
		return queue.PhaseExecuting
	case r.result.OK():
		return queue.PhaseCompletedOK
	default:
		return queue.PhaseCompletedError
	}
}

// Model is the bubbletea model for `courier watch`.
type Model struct {
	worker   Worker
	opts     []fetch.Option
	interval time.Duration
	exitDone bool

	rows     []*row
	rounds   int
	started  time.Time
	lastPoll int

	width   int
	height  int
	table   table.Model
	spinner spinner.Model
	theme   Theme
}

type Option func(*Model)

// WithFrameInterval sets how often the view polls the worker.
func WithFrameInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithExitWhenDone quits the program once every fetch has finished.
func WithExitWhenDone() Option {
	return func(m *Model) { m.exitDone = true }
}

// WithFetchOptions applies opts to every fetch the view dispatches.
func WithFetchOptions(opts ...fetch.Option) Option {
	return func(m *Model) { m.opts = append(m.opts, opts...) }
}

// New validates urls and builds the model. Nothing is dispatched until the
// program starts.
func New(w Worker, urls []string, opts ...Option) (*Model, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("tui: no urls to watch")
	}
	m := &Model{
		worker:   w,
		interval: DefaultFrameInterval,
		theme:    NewDefaultTheme(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, u := range urls {
		// Validate up front so a typo fails before the alt screen opens.
		if _, err := fetch.New(u, nil, m.opts...); err != nil {
			return nil, err
		}
		m.rows = append(m.rows, &row{url: u})
	}
	m.table = newTable()
	return m, nil
}

func newTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "URL", Width: 40},
			{Title: "Code", Width: 5},
			{Title: "Bytes", Width: 9},
			{Title: "Duration", Width: 10},
			{Title: "Detail", Width: 30},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func (m *Model) Init() tea.Cmd {
	m.dispatchAll()
	return tea.Batch(m.tick(), m.spinner.Tick)
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// dispatchAll starts a new round of fetches, one per row.
func (m *Model) dispatchAll() {
	m.rounds++
	m.started = time.Now()
	for _, r := range m.rows {
		r := r
		r.result, r.err = nil, nil
		req, err := fetch.New(r.url, func(res fetch.Result) {
			// Results of an earlier round are ignored.
			if r.req != nil && res.ID == r.req.ID() {
				r.result = &res
			}
		}, m.opts...)
		if err != nil {
			r.err = err
			continue
		}
		r.req = req
		if err := m.worker.Dispatch(req); err != nil {
			r.err = err
		}
	}
	m.refreshTable()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.Done() {
				m.dispatchAll()
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-6, 20))
		m.table.SetHeight(max(m.height-12, 3))

	case tickMsg:
		m.lastPoll = m.worker.Poll()
		m.refreshTable()
		if m.exitDone && m.Done() {
			return m, tea.Quit
		}
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// Done reports whether every fetch of the current round has finished.
func (m *Model) Done() bool {
	for _, r := range m.rows {
		if !r.phase().Done() {
			return false
		}
	}
	return true
}

// Results returns the finished results of the current round in URL order.
// Rows that never finished or failed to dispatch are omitted.
func (m *Model) Results() []fetch.Result {
	out := make([]fetch.Result, 0, len(m.rows))
	for _, r := range m.rows {
		if r.result != nil {
			out = append(out, *r.result)
		}
	}
	return out
}

func (m *Model) counts() (ok, failed, pending int) {
	for _, r := range m.rows {
		switch r.phase() {
		case queue.PhaseCompletedOK:
			ok++
		case queue.PhaseCompletedError:
			failed++
		default:
			pending++
		}
	}
	return ok, failed, pending
}

func (m *Model) refreshTable() {
	rows := make([]table.Row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, m.renderRow(r))
	}
	m.table.SetRows(rows)
}

func (m *Model) renderRow(r *row) table.Row {
	code, size, duration, detail := "-", "-", "-", ""
	sym := m.theme.StatusQueued.Render("○")

	switch r.phase() {
	case queue.PhaseExecuting:
		sym = m.theme.StatusRunning.Render("◉")
		detail = "waiting for response"
	case queue.PhaseCompletedOK:
		sym = m.theme.StatusOK.Render("●")
		resp := r.result.Response
		code = strconv.Itoa(resp.StatusCode)
		size = strconv.Itoa(len(resp.Body))
		detail = resp.Reason
	case queue.PhaseCompletedError:
		sym = m.theme.StatusFailed.Render("∅")
		err := r.err
		if r.result != nil {
			err = r.result.Err
			detail = r.result.Kind().String() + ": "
		}
		if err != nil {
			detail += err.Error()
		}
	}
	if r.result != nil {
		duration = r.result.Duration().Round(time.Millisecond).String()
	}
	return table.Row{sym, r.url, code, size, duration, detail}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	ok, failed, pending := m.counts()
	spin := " "
	if pending > 0 {
		spin = m.spinner.View()
	}
	stats := m.worker.Stats()
	header := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render(fmt.Sprintf("COURIER WATCH %s", spin)),
		fmt.Sprintf(" %s %d  %s %d  %s %d   round %d  %s",
			m.theme.StatusOK.Render("ok"), ok,
			m.theme.StatusFailed.Render("failed"), failed,
			m.theme.StatusQueued.Render("pending"), pending,
			m.rounds,
			m.theme.Dim.Render(time.Since(m.started).Round(time.Second).String()),
		),
		m.theme.Dim.Render(fmt.Sprintf(" worker: dispatched %d  executed %d  delivered %d",
			stats.Dispatched, stats.Executed, stats.Delivered)),
	))

	body := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("Fetches"),
		m.table.View(),
	))

	keys := []string{"[q] Quit", "[↑/↓] Scroll"}
	if m.Done() {
		keys = append(keys, "[r] Refetch")
	}
	help := m.theme.Help.Render(" " + strings.Join(keys, " • "))

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left, header, body, help))
}
