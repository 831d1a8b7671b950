// Package cursor tracks per-agent coordination records: last-seen
// event, current task, and liveness status. A cursor is position state,
// not an audit log; every update overwrites the previous record.
package cursor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
)

// Status is the reported liveness of an agent.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
)

// ValidStatus reports whether s is a known cursor status.
func ValidStatus(s Status) bool {
	return s == StatusActive || s == StatusIdle || s == StatusBusy
}

// LabelCursor is the graph label for cursor nodes.
const LabelCursor = "AgentCursor"

// Cursor is one agent's coordination record, keyed by
// (agent, project, branch, organization).
type Cursor struct {
	AgentID     string    `json:"agent_id"`
	ProjectID   string    `json:"project_id"`
	Branch      string    `json:"branch"`
	OrgID       string    `json:"organization_id"`
	Status      Status    `json:"status"`
	LastEventID string    `json:"last_event_id,omitempty"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastAction  string    `json:"last_action,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateRequest carries one heartbeat.
type UpdateRequest struct {
	AgentID     string     `json:"agent_id"`
	ProjectID   string     `json:"project_id"`
	Branch      string     `json:"branch"`
	OrgID       string     `json:"-"` // resolved from the bearer credential
	Status      Status     `json:"status"`
	LastEventID string     `json:"last_event_id,omitempty"`
	CurrentTask string     `json:"current_task,omitempty"`
	LastAction  string     `json:"last_action,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// Tracker maintains cursor nodes in the graph.
type Tracker struct {
	store  graph.Store
	bus    events.Bus
	logger *slog.Logger
}

// NewTracker creates a Tracker. bus may be nil.
func NewTracker(store graph.Store, bus events.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: store, bus: bus, logger: logger}
}

// cursorKey builds the node key for the (org, agent, branch) part of
// the cursor identity; the project is the node's namespace.
func cursorKey(org, agent, branch string) string {
	return strings.Join([]string{org, agent, branch}, "|")
}

// Update upserts the cursor for req's key. Last write wins; there is no
// conflict detection and no history.
func (t *Tracker) Update(ctx context.Context, req UpdateRequest) (*Cursor, error) {
	switch {
	case req.AgentID == "":
		return nil, graph.Validationf("agent_id is required")
	case req.ProjectID == "":
		return nil, graph.Validationf("project_id is required")
	case req.Branch == "":
		return nil, graph.Validationf("branch is required")
	case req.OrgID == "":
		return nil, graph.Validationf("organization_id is required")
	}
	if !ValidStatus(req.Status) {
		return nil, graph.Validationf("invalid cursor status %q", req.Status)
	}

	ts := time.Now().UTC()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	props := map[string]any{
		"agent_id":        req.AgentID,
		"project_id":      req.ProjectID,
		"branch":          req.Branch,
		"organization_id": req.OrgID,
		"status":          string(req.Status),
		"last_event_id":   req.LastEventID,
		"current_task":    req.CurrentTask,
		"last_action":     req.LastAction,
		"updated_at":      ts.Format(time.RFC3339Nano),
	}

	key := cursorKey(req.OrgID, req.AgentID, req.Branch)
	var out *Cursor
	err := t.store.WithTx(ctx, req.ProjectID, func(tx graph.Tx) error {
		_, err := tx.CreateNode(LabelCursor, key, props)
		if graph.IsConflict(err) {
			err = tx.SetNodeProps(LabelCursor, key, props)
		}
		if err != nil {
			return err
		}
		node, err := tx.GetNode(LabelCursor, key)
		if err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if t.bus != nil {
		_ = t.bus.Publish(ctx, &events.Event{
			Type:    events.TypeCursorUpdated,
			GraphID: req.ProjectID,
			Subject: req.AgentID,
			Payload: map[string]any{
				"branch": req.Branch,
				"status": string(req.Status),
			},
		})
	}
	return out, nil
}

// Get returns the cursor for the given key, or a not_found error if the
// agent has never reported in on that project and branch.
func (t *Tracker) Get(ctx context.Context, org, agent, project, branch string) (*Cursor, error) {
	switch {
	case agent == "":
		return nil, graph.Validationf("agent_id is required")
	case project == "":
		return nil, graph.Validationf("project_id is required")
	case branch == "":
		return nil, graph.Validationf("branch is required")
	}

	var out *Cursor
	err := t.store.WithTx(ctx, project, func(tx graph.Tx) error {
		node, err := tx.GetNode(LabelCursor, cursorKey(org, agent, branch))
		if err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func fromNode(n *graph.Node) *Cursor {
	c := &Cursor{
		AgentID:     n.StringProp("agent_id"),
		ProjectID:   n.StringProp("project_id"),
		Branch:      n.StringProp("branch"),
		OrgID:       n.StringProp("organization_id"),
		Status:      Status(n.StringProp("status")),
		LastEventID: n.StringProp("last_event_id"),
		CurrentTask: n.StringProp("current_task"),
		LastAction:  n.StringProp("last_action"),
		UpdatedAt:   n.UpdatedAt,
	}
	if ts, err := time.Parse(time.RFC3339Nano, n.StringProp("updated_at")); err == nil {
		c.UpdatedAt = ts
	}
	return c
}
