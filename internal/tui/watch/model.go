package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pipepulse/internal/api"
	"github.com/mattjoyce/pipepulse/internal/events"
)

const (
	healthInterval = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health   HealthState
	workers  map[int]*WorkerRow
	eventLog []events.Event
	lastID   int64

	table table.Model
	pulse Pulse
	theme Theme

	hubEvents chan events.Event

	lastError string
	now       func() time.Time
}

// New creates a watch model for the API at apiURL. token may be empty.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		workers:   make(map[int]*WorkerRow),
		hubEvents: make(chan events.Event, 256),
		table:     newWorkerTable(),
		theme:     NewDefaultTheme(),
		now:       time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchWorkers(m.apiURL, m.token) },
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		subscribeToEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-8, 20))
		return m, nil

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		e := events.Event(msg)
		m.lastID = max(m.lastID, e.ID)

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if applyEvent(m.workers, e) {
			m.pulse.OnResponse(e.At)
		}
		m.table.SetRows(tableRows(m.workers))

		m.health.Connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case workersMsg:
		seedRows(m.workers, api.WorkersResponse(msg))
		m.table.SetRows(tableRows(m.workers))
		return m, nil

	case healthMsg:
		m.health = HealthState{
			Status:         msg.Status,
			UptimeSeconds:  msg.UptimeSeconds,
			Workers:        msg.Workers,
			Running:        msg.Running,
			Failed:         msg.Failed,
			LaunchFailures: msg.LaunchFailures,
			Period:         msg.Period,
			Connected:      true,
			LastCheck:      m.now(),
		}
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		lastID := m.lastID
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg {
			return reconnectMsg{lastID: lastID}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.token)
		})
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to " + m.apiURL + "..."
	}

	now := m.now()
	parts := []string{
		renderHeader(m.health, m.pulse, m.theme, m.width, now),
		renderWorkers(m.table, m.workers, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width, m.eventLines()),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StateFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] Quit • [↑/↓] Select worker"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}

// eventLines sizes the event pane to what is left under the table.
func (m Model) eventLines() int {
	const chrome = 26
	return min(max(m.height-chrome, 5), 20)
}
