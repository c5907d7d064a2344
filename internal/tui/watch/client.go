package watch

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pipepulse/internal/api"
	"github.com/mattjoyce/pipepulse/internal/events"
)

type eventMsg events.Event

type healthMsg api.HealthzResponse

type workersMsg api.WorkersResponse

type tickMsg time.Time

type errMsg error

// sseDisconnectedMsg carries the last event id seen so the next connection
// can resume from it.
type sseDisconnectedMsg struct{ lastID int64 }

type reconnectMsg struct{ lastID int64 }

func newRequest(apiURL, token, path string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// subscribeToEvents streams /events into ch until the connection drops.
func subscribeToEvents(apiURL, token string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := newRequest(apiURL, token, "/events")
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{lastID: lastID}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg(fmt.Errorf("events: %s", resp.Status))
		}

		seen := readSSE(resp.Body, func(e events.Event) { ch <- e })
		if seen > lastID {
			lastID = seen
		}
		return sseDisconnectedMsg{lastID: lastID}
	}
}

// readSSE parses an event stream, handing each complete event to emit. It
// returns the highest id seen.
func readSSE(r io.Reader, emit func(events.Event)) int64 {
	var (
		lastID  int64
		current events.Event
		data    string
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if data != "" {
				current.Data = []byte(data)
				current.At = time.Now()
				emit(current)
				if current.ID > lastID {
					lastID = current.ID
				}
			}
			current = events.Event{}
			data = ""
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data = line[6:]
		}
	}
	return lastID
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func getJSON(apiURL, token, path string, out any) error {
	req, err := newRequest(apiURL, token, path)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// /healthz answers 503 with a body when the pool is down.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchHealth(apiURL, token string) tea.Msg {
	var h api.HealthzResponse
	if err := getJSON(apiURL, token, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return healthMsg(h)
}

func fetchWorkers(apiURL, token string) tea.Msg {
	var w api.WorkersResponse
	if err := getJSON(apiURL, token, "/workers", &w); err != nil {
		return errMsg(err)
	}
	return workersMsg(w)
}
