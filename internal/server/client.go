package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blackwell-systems/agentwatch/internal/publish"
	"github.com/blackwell-systems/agentwatch/internal/state"
)

// StateView is the decoded form of a state_update payload.
type StateView struct {
	Projects      map[string]ProjectView `json:"projects"`
	CompletedWork []CompletedView        `json:"completedWork"`
	LastUpdated   int64                  `json:"lastUpdated"`
}

// ProjectView is one project as clients see it. Times are epoch ms.
type ProjectView struct {
	ID              string               `json:"id"`
	Path            string               `json:"path"`
	Name            string               `json:"name"`
	Status          string               `json:"status"`
	LastActivityAt  int64                `json:"lastActivityAt"`
	BlockedSince    *int64               `json:"blockedSince"`
	LastUserMessage string               `json:"lastUserMessage,omitempty"`
	Agents          map[string]AgentView `json:"agents"`
}

// AgentView is one agent as clients see it.
type AgentView struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	Question       string `json:"question,omitempty"`
	Task           string `json:"task,omitempty"`
	Activity       string `json:"activity,omitempty"`
	SpawnedAt      int64  `json:"spawnedAt"`
	LastActivityAt int64  `json:"lastActivityAt"`
	WorkingTimeMs  int64  `json:"workingTimeMs,omitempty"`
	ParentID       string `json:"parentId,omitempty"`
}

// CompletedView is one completed work item.
type CompletedView struct {
	AgentID     string `json:"agentId"`
	AgentName   string `json:"agentName"`
	Task        string `json:"task,omitempty"`
	CompletedAt int64  `json:"completedAt"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
}

type envelopeView struct {
	Type    string    `json:"type"`
	Payload StateView `json:"payload"`
}

// ViewOf converts a snapshot to the form clients decode, through the same
// JSON encoding the server sends.
func ViewOf(snap state.Snapshot) (StateView, error) {
	data, err := json.Marshal(publish.NewEnvelope(snap))
	if err != nil {
		return StateView{}, err
	}
	return decodeEnvelope(data)
}

func decodeEnvelope(data []byte) (StateView, error) {
	var env envelopeView
	if err := json.Unmarshal(data, &env); err != nil {
		return StateView{}, fmt.Errorf("decoding state: %w", err)
	}
	if env.Type != publish.TypeStateUpdate {
		return StateView{}, fmt.Errorf("unexpected message type %q", env.Type)
	}
	return env.Payload, nil
}

// Client reads state from a running agentwatch server.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a Client for addr, either host:port or a full URL.
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing server address: %w", err)
	}
	return &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// State fetches the current snapshot once.
func (c *Client) State(ctx context.Context) (StateView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath("/api/state").String(), nil)
	if err != nil {
		return StateView{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StateView{}, fmt.Errorf("fetching state: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StateView{}, fmt.Errorf("fetching state: %s", resp.Status)
	}

	var env envelopeView
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return StateView{}, fmt.Errorf("decoding state: %w", err)
	}
	return env.Payload, nil
}

// Watch subscribes over the websocket and calls fn for every snapshot until
// ctx is cancelled, fn returns an error or the server closes the socket.
func (c *Client) Watch(ctx context.Context, fn func(StateView) error) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.JoinPath("/ws").String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading state: %w", err)
		}
		view, err := decodeEnvelope(data)
		if err != nil {
			return err
		}
		if err := fn(view); err != nil {
			return err
		}
	}
}
