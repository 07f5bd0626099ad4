package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/agentwatch/internal/state"
)

func TestClient_State(t *testing.T) {
	h := newHarness(t)
	h.post(t, "/api/events", event("session-start", "s1", `,"agentName":"Lead"`))

	c, err := NewClient(h.ts.URL)
	require.NoError(t, err)
	view, err := c.State(context.Background())
	require.NoError(t, err)

	require.Len(t, view.Projects, 1)
	for _, p := range view.Projects {
		assert.Equal(t, "/work/alpha", p.Path)
		assert.Equal(t, "Lead", p.Agents["s1"].Name)
		assert.Equal(t, "working", p.Agents["s1"].Status)
	}
}

func TestClient_StateUnreachable(t *testing.T) {
	c, err := NewClient("127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.State(context.Background())
	assert.Error(t, err)
}

var errEnough = errors.New("enough")

func TestClient_Watch(t *testing.T) {
	h := newHarness(t)
	c, err := NewClient(h.ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var views []StateView
	err = c.Watch(ctx, func(v StateView) error {
		views = append(views, v)
		if len(views) == 1 {
			// Posted from another goroutine so the read loop keeps draining.
			go func() {
				resp, err := http.Post(h.ts.URL+"/api/events", "application/json",
					strings.NewReader(event("session-start", "s1", "")))
				if err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		}
		return errEnough
	})
	require.ErrorIs(t, err, errEnough)
	require.Len(t, views, 2)
	assert.Empty(t, views[0].Projects)
	assert.Len(t, views[1].Projects, 1)
}

func TestClient_WatchStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	c, err := NewClient(h.ts.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	err = c.Watch(ctx, func(StateView) error {
		cancel()
		return nil
	})
	assert.NoError(t, err)
}

func TestViewOf(t *testing.T) {
	s := state.NewStore()
	pid, ok := s.UpsertProject("/work/beta", "Beta")
	require.True(t, ok)
	s.UpsertAgent(pid, "s1", state.AgentFields{
		Status:   state.Ptr(state.StatusBlocked),
		Question: state.Ptr("Ship it?"),
	})
	s.DeriveStatus(pid)

	view, err := ViewOf(s.Snapshot())
	require.NoError(t, err)
	p := view.Projects[string(pid)]
	assert.Equal(t, "Beta", p.Name)
	assert.Equal(t, "blocked", p.Status)
	require.NotNil(t, p.BlockedSince)
	assert.Equal(t, "Ship it?", p.Agents["s1"].Question)
	assert.NotNil(t, view.CompletedWork)
}
