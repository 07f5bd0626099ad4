package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/blackwell-systems/agentwatch/internal/state"
)

// timeLayout is fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// CompletedWork is one archived completion.
type CompletedWork struct {
	ID          int64     `json:"id"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	Task        string    `json:"task,omitempty"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	CompletedAt time.Time `json:"completed_at"`
}

// Filter narrows ListCompletedWork. Zero values match everything.
type Filter struct {
	Project string // project id or name
	Since   time.Time
	Limit   int
}

// InsertCompletedWork archives one completed work item.
func (db *DB) InsertCompletedWork(item state.CompletedWorkItem) (int64, error) {
	result, err := db.conn.Exec(
		`INSERT INTO completed_work
		(agent_id, agent_name, task, project_id, project_name, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.AgentID, item.AgentName, item.Task, string(item.ProjectID), item.ProjectName,
		item.CompletedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting completed work: %w", err)
	}
	return result.LastInsertId()
}

// ListCompletedWork returns archived items, newest first.
func (db *DB) ListCompletedWork(f Filter) ([]CompletedWork, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "(project_id = ? OR project_name = ?)")
		args = append(args, f.Project, f.Project)
	}
	if !f.Since.IsZero() {
		where = append(where, "completed_at >= ?")
		args = append(args, f.Since.UTC().Format(timeLayout))
	}

	query := `SELECT id, agent_id, agent_name, task, project_id, project_name, completed_at
		FROM completed_work`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY completed_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing completed work: %w", err)
	}
	defer rows.Close()

	var out []CompletedWork
	for rows.Next() {
		var (
			c           CompletedWork
			task        *string
			completedAt string
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &c.AgentName, &task, &c.ProjectID, &c.ProjectName, &completedAt); err != nil {
			return nil, err
		}
		if task != nil {
			c.Task = *task
		}
		c.CompletedAt, _ = time.Parse(timeLayout, completedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PruneCompletedWork deletes items completed before the cutoff and returns
// how many were removed.
func (db *DB) PruneCompletedWork(before time.Time) (int64, error) {
	result, err := db.conn.Exec(
		"DELETE FROM completed_work WHERE completed_at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning completed work: %w", err)
	}
	return result.RowsAffected()
}
