package models

import "time"

// RunbookCommand is one concrete shell command with its purpose.
type RunbookCommand struct {
	Description string `json:"description"`
	Command     string `json:"command"`
}

// RunbookQuery is a named PromQL investigation query.
type RunbookQuery struct {
	Name  string `json:"name"`
	Query string `json:"query"`
}

// DashboardLink points at a pre-filtered dashboard for the incident.
type DashboardLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Runbook is the actionable investigation guide generated for an incident:
// kubectl command sequences for the recommended actions, PromQL queries for
// the top hypothesis category, dashboard links, and a step-by-step guide.
// Runbooks are append-only; a re-run appends a new record.
type Runbook struct {
	ID               string           `json:"id"`
	IncidentID       string           `json:"incident_id"`
	Title            string           `json:"title"`
	TopHypothesis    string           `json:"top_hypothesis,omitempty"`
	Summary          string           `json:"summary"`
	ImmediateActions []ActionTemplate `json:"immediate_actions,omitempty"`
	Commands         []RunbookCommand `json:"commands,omitempty"`
	Queries          []RunbookQuery   `json:"queries,omitempty"`
	DashboardLinks   []DashboardLink  `json:"dashboard_links,omitempty"`
	Steps            []string         `json:"steps,omitempty"`
	GeneratedAt      time.Time        `json:"generated_at"`
}
