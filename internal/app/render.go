package app

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/blackwell-systems/agentwatch/internal/output"
	"github.com/blackwell-systems/agentwatch/internal/server"
)

// statusRank orders projects so the ones needing attention come first.
var statusRank = map[string]int{
	"blocked":        0,
	"rate-limited":   1,
	"server-running": 2,
	"working":        3,
	"idle":           4,
}

func sortedProjects(view server.StateView) []server.ProjectView {
	projects := make([]server.ProjectView, 0, len(view.Projects))
	for _, p := range view.Projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		a, b := projects[i], projects[j]
		if statusRank[a.Status] != statusRank[b.Status] {
			return statusRank[a.Status] < statusRank[b.Status]
		}
		if a.LastActivityAt != b.LastActivityAt {
			return a.LastActivityAt > b.LastActivityAt
		}
		return a.Path < b.Path
	})
	return projects
}

func sortedAgents(p server.ProjectView) []server.AgentView {
	agents := make([]server.AgentView, 0, len(p.Agents))
	for _, a := range p.Agents {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].SpawnedAt != agents[j].SpawnedAt {
			return agents[i].SpawnedAt < agents[j].SpawnedAt
		}
		return agents[i].ID < agents[j].ID
	})
	return agents
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderState prints the project table, then every pending question.
func renderState(w io.Writer, title string, view server.StateView, now time.Time) {
	fmt.Fprintln(w, output.Section(title))
	fmt.Fprintln(w)

	projects := sortedProjects(view)
	if len(projects) == 0 {
		fmt.Fprintln(w, output.StyleMuted.Render(" No active projects."))
		return
	}

	tbl := output.NewTable("Status", "Project", "Agents", "Last Active", "Path")
	for _, p := range projects {
		status := p.Status
		if p.BlockedSince != nil {
			status = fmt.Sprintf("%s %s", p.Status, output.StyleMuted.Render(output.Ago(fromMillis(*p.BlockedSince), now)))
		}
		tbl.AddRow(
			output.StatusStyle(p.Status).Render(status),
			p.Name,
			fmt.Sprintf("%d", len(p.Agents)),
			output.Ago(fromMillis(p.LastActivityAt), now),
			output.StyleMuted.Render(p.Path),
		)
	}
	fmt.Fprint(w, tbl.Render())

	var waiting []string
	for _, p := range projects {
		for _, a := range sortedAgents(p) {
			if a.Status != "blocked" {
				continue
			}
			question := a.Question
			if question == "" {
				question = "(waiting for input)"
			}
			waiting = append(waiting, fmt.Sprintf(" %s %s: %s",
				output.StyleError.Render("?"),
				output.StyleBold.Render(p.Name+"/"+a.Name),
				output.Truncate(question, 120)))
		}
	}
	if len(waiting) > 0 {
		fmt.Fprintln(w, output.Section("Waiting on you"))
		for _, line := range waiting {
			fmt.Fprintln(w, line)
		}
	}
}

// renderAgents prints one row per agent, for --verbose.
func renderAgents(w io.Writer, view server.StateView, now time.Time) {
	tbl := output.NewTable("Project", "Agent", "Kind", "Status", "Last Active", "Activity")
	for _, p := range sortedProjects(view) {
		for _, a := range sortedAgents(p) {
			activity := a.Activity
			if activity == "" {
				activity = a.Task
			}
			tbl.AddRow(
				p.Name,
				a.Name,
				a.Kind,
				output.Status(a.Status),
				output.Ago(fromMillis(a.LastActivityAt), now),
				output.Truncate(activity, 60),
			)
		}
	}
	fmt.Fprintln(w, output.Section("Agents"))
	fmt.Fprintln(w)
	fmt.Fprint(w, tbl.Render())
}
