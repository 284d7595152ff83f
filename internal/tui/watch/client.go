package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/shipyard/internal/events"
	"github.com/mattjoyce/shipyard/internal/status"
)

// --- Message types ---

type jobMsg *status.View

// jobEventMsg nudges the model to refetch ahead of the next poll.
type jobEventMsg struct{ Type string }

// pollMsg carries the poll generation so stale timers are dropped.
type pollMsg struct{ seq int }

type errMsg error

type sseDisconnectedMsg struct{}

// ErrJobNotFound is returned when the server does not know the job.
var ErrJobNotFound = errors.New("job not found")

// Fetcher loads the current view of a job.
type Fetcher func(ctx context.Context, jobID string) (*status.View, error)

// HTTPFetcher polls GET /job/{id} on a running shipyard API.
func HTTPFetcher(apiURL, apiKey string) Fetcher {
	client := &http.Client{Timeout: 5 * time.Second}
	base := strings.TrimRight(apiURL, "/")

	return func(ctx context.Context, jobID string) (*status.View, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/job/"+url.PathEscape(jobID), nil)
		if err != nil {
			return nil, err
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		default:
			return nil, fmt.Errorf("GET /job/%s: unexpected status %d", jobID, resp.StatusCode)
		}

		var v status.View
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", jobID, err)
		}
		return &v, nil
	}
}

// --- Commands ---

func fetchJob(fetch Fetcher, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		v, err := fetch(ctx, jobID)
		if err != nil {
			return errMsg(err)
		}
		return jobMsg(v)
	}
}

func schedulePoll(interval time.Duration, seq int) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg { return pollMsg{seq: seq} })
}

// subscribeToJob connects to the SSE /events endpoint and forwards job.*
// events for jobID into ch. Returns sseDisconnectedMsg when the stream ends.
func subscribeToJob(apiURL, apiKey, jobID string, ch chan<- jobEventMsg) tea.Cmd {
	return func() tea.Msg {
		types := strings.Join([]string{
			events.JobClaimed, events.JobCompleted, events.JobRetryScheduled, events.JobFailed,
		}, ",")
		req, err := http.NewRequest(http.MethodGet, strings.TrimRight(apiURL, "/")+"/events?types="+url.QueryEscape(types), nil)
		if err != nil {
			return errMsg(err)
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{}
		}

		readJobEvents(bufio.NewScanner(resp.Body), jobID, ch)
		return sseDisconnectedMsg{}
	}
}

// readJobEvents parses an SSE stream and forwards events concerning jobID.
func readJobEvents(scanner *bufio.Scanner, jobID string, ch chan<- jobEventMsg) {
	var typ, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ev events.JobEvent
				if json.Unmarshal([]byte(data), &ev) == nil && ev.JobID == jobID {
					ch <- jobEventMsg{Type: typ}
				}
			}
			typ, data = "", ""
			continue
		}

		if v, ok := strings.CutPrefix(line, "event: "); ok {
			typ = v
		} else if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
		}
	}
}

func receiveNextEvent(ch <-chan jobEventMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}
