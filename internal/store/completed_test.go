package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/agentwatch/internal/state"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func item(agent, project string, at time.Time) state.CompletedWorkItem {
	return state.CompletedWorkItem{
		AgentID:     agent,
		AgentName:   "Agent " + agent,
		Task:        "task for " + agent,
		CompletedAt: at,
		ProjectID:   state.ProjectID("id-" + project),
		ProjectName: project,
	}
}

func TestInsertAndList_NewestFirst(t *testing.T) {
	db := openTest(t)

	for i, agent := range []string{"a", "b", "c"} {
		_, err := db.InsertCompletedWork(item(agent, "alpha", base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	// Sub-second times must still sort correctly.
	_, err := db.InsertCompletedWork(item("d", "alpha", base.Add(2*time.Minute+500*time.Millisecond)))
	require.NoError(t, err)

	got, err := db.ListCompletedWork(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 4)

	ids := []string{got[0].AgentID, got[1].AgentID, got[2].AgentID, got[3].AgentID}
	assert.Equal(t, []string{"d", "c", "b", "a"}, ids)
	assert.Equal(t, "Agent d", got[0].AgentName)
	assert.Equal(t, "task for d", got[0].Task)
	assert.Equal(t, "id-alpha", got[0].ProjectID)
	assert.True(t, got[0].CompletedAt.Equal(base.Add(2*time.Minute+500*time.Millisecond)))
}

func TestList_Filters(t *testing.T) {
	db := openTest(t)
	_, _ = db.InsertCompletedWork(item("a", "alpha", base))
	_, _ = db.InsertCompletedWork(item("b", "beta", base.Add(time.Hour)))
	_, _ = db.InsertCompletedWork(item("c", "alpha", base.Add(2*time.Hour)))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"by name", Filter{Project: "alpha"}, []string{"c", "a"}},
		{"by id", Filter{Project: "id-beta"}, []string{"b"}},
		{"since", Filter{Since: base.Add(30 * time.Minute)}, []string{"c", "b"}},
		{"limit", Filter{Limit: 1}, []string{"c"}},
		{"no match", Filter{Project: "gamma"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListCompletedWork(tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, c := range got {
				ids = append(ids, c.AgentID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestPrune(t *testing.T) {
	db := openTest(t)
	_, _ = db.InsertCompletedWork(item("old", "alpha", base))
	_, _ = db.InsertCompletedWork(item("new", "alpha", base.Add(48*time.Hour)))

	n, err := db.PruneCompletedWork(base.Add(24 * time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := db.ListCompletedWork(Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].AgentID)
}

func TestOpen_CreatesDirAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agentwatch.db")

	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.InsertCompletedWork(item("a", "alpha", base))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Migrations are idempotent and data survives.
	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.ListCompletedWork(Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
