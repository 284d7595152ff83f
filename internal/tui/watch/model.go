package watch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/shipyard/internal/status"
)

const defaultPollInterval = 2 * time.Second

// Options configures a watcher.
type Options struct {
	APIURL       string
	APIKey       string
	JobID        string
	PollInterval time.Duration
	// Live subscribes to /events so state changes show up before the next poll.
	Live bool
	// Fetch overrides the HTTP fetcher.
	Fetch Fetcher
}

// Model follows a single deploy job until it reaches a terminal state.
type Model struct {
	opts  Options
	fetch Fetcher

	spinner spinner.Model
	theme   Theme

	view      *status.View
	lastError string
	fatal     error
	done      bool
	pollSeq   int

	jobEvents chan jobEventMsg
}

// New creates a watcher model.
func New(opts Options) Model {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	fetch := opts.Fetch
	if fetch == nil {
		fetch = HTTPFetcher(opts.APIURL, opts.APIKey)
	}
	theme := NewDefaultTheme()

	return Model{
		opts:      opts,
		fetch:     fetch,
		spinner:   spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(theme.Highlight)),
		theme:     theme,
		jobEvents: make(chan jobEventMsg, 16),
	}
}

// Job is the last view received, or nil.
func (m Model) Job() *status.View { return m.view }

// Err is the error that stopped the watcher, if any.
func (m Model) Err() error { return m.fatal }

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, fetchJob(m.fetch, m.opts.JobID)}
	if m.opts.Live {
		cmds = append(cmds,
			subscribeToJob(m.opts.APIURL, m.opts.APIKey, m.opts.JobID, m.jobEvents),
			receiveNextEvent(m.jobEvents),
		)
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.done = true
			return m, tea.Quit
		}

	case jobMsg:
		m.view = (*status.View)(msg)
		m.lastError = ""
		if m.view.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		m.pollSeq++
		return m, schedulePoll(m.opts.PollInterval, m.pollSeq)

	case pollMsg:
		if msg.seq != m.pollSeq {
			return m, nil
		}
		return m, fetchJob(m.fetch, m.opts.JobID)

	case jobEventMsg:
		return m, tea.Batch(fetchJob(m.fetch, m.opts.JobID), receiveNextEvent(m.jobEvents))

	case sseDisconnectedMsg:
		// Polling carries on without the stream.
		return m, nil

	case errMsg:
		if errors.Is(msg, ErrJobNotFound) {
			m.fatal = msg
			m.done = true
			return m, tea.Quit
		}
		m.lastError = msg.Error()
		m.pollSeq++
		return m, schedulePoll(m.opts.PollInterval, m.pollSeq)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if m.fatal != nil {
		return m.theme.Error.Render("✗ "+m.fatal.Error()) + "\n"
	}
	if m.view == nil {
		return fmt.Sprintf("%s loading job %s...\n", m.spinner.View(), m.opts.JobID)
	}

	v := m.view
	stateStyle := m.theme.ForState(v.State)
	indicator := m.spinner.View()
	if v.Terminal() {
		indicator = stateStyle.Render("●")
	}

	lines := []string{
		m.theme.Title.Render("SHIPYARD JOB " + v.ID),
		fmt.Sprintf("%s %s  %s",
			indicator,
			stateStyle.Render(strings.ToUpper(string(v.State))),
			m.theme.Dim.Render(fmt.Sprintf("attempt %d/%d", v.AttemptsMade, v.MaxAttempts)),
		),
		m.field("Agent", v.Agent),
		m.field("Repo", v.SourceRepo),
		m.field("Branch", v.Branch),
	}
	if v.CommitRef != "" {
		lines = append(lines, m.field("Commit", v.CommitRef))
	}
	lines = append(lines, m.field("Enqueued", humanize.Time(v.EnqueuedAt)))
	if v.NextAttemptAt != nil {
		lines = append(lines, m.field("Next try", humanize.Time(*v.NextAttemptAt)))
	}
	if v.Result != nil {
		lines = append(lines, m.field("Published", m.theme.StateCompleted.Render(v.Result.PublishedLocation)))
	}
	if v.FailureReason != "" {
		lines = append(lines, m.field("Reason", m.theme.StateFailed.Render(v.FailureReason)))
	}

	if len(v.Attempts) > 0 {
		lines = append(lines, "", m.theme.Label.Render("Attempts"))
		for _, a := range v.Attempts {
			line := fmt.Sprintf("  #%d %-9s %s %s", a.Number, a.Outcome,
				m.theme.Dim.Render(a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond).String()),
				m.theme.Dim.Render(a.WorkerID))
			if a.Reason != "" {
				line += "  " + a.Reason
			}
			lines = append(lines, line)
		}
	}

	body := m.theme.Border.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))

	var footer string
	switch {
	case m.lastError != "":
		footer = m.theme.Error.Render(" ⚠ " + m.lastError)
	case !m.done:
		footer = m.theme.Dim.Render(" [q] Quit")
	}
	if footer == "" {
		return body + "\n"
	}
	return body + "\n" + footer + "\n"
}

func (m Model) field(label, value string) string {
	return m.theme.Label.Render(fmt.Sprintf("%-10s", label)) + value
}
