// Package tokenmgr is the interactive scope picker behind `shipyard config token`.
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/shipyard/internal/auth"
	"github.com/mattjoyce/shipyard/internal/config"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

var scopeDescriptions = map[string]string{
	auth.ScopeAll:      "Full administrative access (all scopes)",
	auth.ScopeDeployRW: "Trigger deploys (implies jobs:ro and agents:ro)",
	auth.ScopeJobsRO:   "Read job status and attempt history",
	auth.ScopeAgentsRO: "List configured agents",
	auth.ScopeEventsRO: "Subscribe to the live event stream (SSE)",
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return fmt.Sprintf("%s %s", check, i.scope)
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model lets the operator toggle scopes for a new API token.
type Model struct {
	list     list.Model
	quitting bool
	done     bool
	scopes   []string
}

// New builds the picker over every known scope.
func New() Model {
	items := make([]list.Item, 0, len(auth.KnownScopes))
	for _, s := range auth.KnownScopes {
		items = append(items, item{scope: s, desc: scopeDescriptions[s]})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select Scopes (Space to toggle, Enter to confirm)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case " ":
			if i, ok := m.list.SelectedItem().(item); ok {
				i.selected = !i.selected
				cmd := m.list.SetItem(m.list.Index(), i)
				return m, cmd
			}
			return m, nil

		case "enter":
			m.done = true
			m.scopes = nil
			for _, li := range m.list.Items() {
				if it, ok := li.(item); ok && it.selected {
					m.scopes = append(m.scopes, it.scope)
				}
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render(fmt.Sprintf("Selected scopes: %s", strings.Join(m.scopes, ", ")))
	}
	return "\n" + m.list.View()
}

// Selected returns the confirmed scopes, or nil when the picker was cancelled.
func (m Model) Selected() []string {
	if !m.done {
		return nil
	}
	return m.scopes
}

// GenerateToken returns a random 32-byte hex token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Snippet renders a config fragment for api.auth.tokens.
func Snippet(token string, scopes []string) (string, error) {
	out, err := yaml.Marshal([]config.APIToken{{Token: token, Scopes: scopes}})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
