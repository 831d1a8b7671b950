// Package hierarchy reconciles externally-sourced task definitions into
// the Task/Sprint/Epic graph. Content fields are replaceable from the
// external source on every sync; execution state (status, assignee) is
// owned by the graph and survives resync untouched.
package hierarchy

// Status represents the lifecycle state of a task or sprint.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusComplete   Status = "complete"
	StatusPaused     Status = "paused"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusBlocked, StatusComplete, StatusPaused:
		return true
	}
	return false
}

// Node labels and relationship types for the task hierarchy.
const (
	LabelTask   = "Task"
	LabelSprint = "Sprint"
	LabelEpic   = "Epic"
	LabelADR    = "ADR"
	LabelAgent  = "Agent"

	RelBelongsTo  = "BELONGS_TO"
	RelReferences = "REFERENCES"
)

// TaskDefinition is one externally-sourced task. ID, SprintID, EpicID,
// and Title are required; everything else is optional content.
type TaskDefinition struct {
	ID                 string   `json:"id" yaml:"id"`
	SprintID           string   `json:"sprint_id" yaml:"sprint_id"`
	EpicID             string   `json:"epic_id" yaml:"epic_id"`
	Title              string   `json:"title" yaml:"title"`
	SprintTitle        string   `json:"sprint_title,omitempty" yaml:"sprint_title"`
	Priority           string   `json:"priority,omitempty" yaml:"priority"`
	Estimate           string   `json:"estimate,omitempty" yaml:"estimate"`
	Assignee           string   `json:"assignee,omitempty" yaml:"assignee"`
	Goal               string   `json:"goal,omitempty" yaml:"goal"`
	Approach           string   `json:"approach,omitempty" yaml:"approach"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria"`
	Files              []string `json:"files,omitempty" yaml:"files"`
	ADRs               []string `json:"adr_ids,omitempty" yaml:"adr_ids"`
}

// Valid reports whether the definition carries all required fields.
func (d *TaskDefinition) Valid() bool {
	return d.ID != "" && d.SprintID != "" && d.EpicID != "" && d.Title != ""
}

// Request is one synchronize call: a batch of task definitions for one
// namespace.
type Request struct {
	GraphID             string           `json:"graph_id" yaml:"graph_id"`
	Tasks               []TaskDefinition `json:"tasks" yaml:"tasks"`
	CreateRelationships bool             `json:"create_relationships" yaml:"create_relationships"`
	InitialStatus       Status           `json:"initial_status,omitempty" yaml:"initial_status"`
}

// Result aggregates what one synchronize call did. Callers detect
// partially processed batches by comparing Processed against their
// input, not by an error.
type Result struct {
	TasksCreated         int      `json:"tasks_created"`
	TasksUpdated         int      `json:"tasks_updated"`
	RelationshipsCreated int      `json:"relationships_created"`
	Processed            []string `json:"processed"`
}
