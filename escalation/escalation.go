// Package escalation implements the human-intervention workflow: an
// agent flags a task, a human acknowledges and resolves. Transitions
// are guarded inside the write itself, so two concurrent calls against
// the same escalation can never both observe the pre-transition state.
package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
	"github.com/GoCodeAlone/trellis/hierarchy"
)

// Severity orders escalations for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank maps severities to a numeric triage rank stored on the
// node at creation, so list ordering pushes down to the store.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	_, ok := severityRank[s]
	return ok
}

// Status is the state-machine position of an escalation.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// ValidStatus reports whether s is a known escalation status.
func ValidStatus(s Status) bool {
	return s == StatusOpen || s == StatusAcknowledged || s == StatusResolved
}

// Graph label and relationship types for escalations.
const (
	LabelEscalation = "Escalation"

	RelEscalates = "ESCALATES"
	RelRaisedBy  = "RAISED_BY"
)

// Escalation is one human-intervention request.
type Escalation struct {
	ID             string         `json:"id"`
	GraphID        string         `json:"graph_id"`
	TaskID         string         `json:"task_id"`
	AgentID        string         `json:"agent_id"`
	Reason         string         `json:"reason"`
	Severity       Severity       `json:"severity"`
	Status         Status         `json:"status"`
	OrgID          string         `json:"organization_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	AcknowledgedAt string         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     string         `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	Resolution     string         `json:"resolution,omitempty"`
}

// CreateRequest raises a new escalation.
type CreateRequest struct {
	GraphID  string         `json:"-"`
	OrgID    string         `json:"-"` // resolved from the bearer credential
	TaskID   string         `json:"task_id"`
	AgentID  string         `json:"agent_id"`
	Reason   string         `json:"reason"`
	Severity Severity       `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListRequest selects a page of escalations. All supplied filters must
// match.
type ListRequest struct {
	GraphID  string
	Status   Status
	Severity Severity
	TaskID   string
	AgentID  string
	Limit    int
	Offset   int
}

// MaxPageSize caps List page sizes.
const MaxPageSize = 100

const defaultPageSize = 20

// Workflow runs the escalation state machine over the graph.
type Workflow struct {
	store  graph.Store
	bus    events.Bus
	logger *slog.Logger
}

// NewWorkflow creates a Workflow. bus may be nil.
func NewWorkflow(store graph.Store, bus events.Bus, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, bus: bus, logger: logger}
}

// Create raises an escalation in the open state. The referenced Task
// and Agent must already exist: escalations are always about something
// real, so a missing reference fails the call instead of creating
// placeholder nodes. The existence checks, the node, and its links are
// one transaction.
func (w *Workflow) Create(ctx context.Context, req CreateRequest) (*Escalation, error) {
	switch {
	case req.GraphID == "":
		return nil, graph.Validationf("graph_id is required")
	case req.TaskID == "":
		return nil, graph.Validationf("task_id is required")
	case req.AgentID == "":
		return nil, graph.Validationf("agent_id is required")
	case req.Reason == "":
		return nil, graph.Validationf("reason is required")
	}
	if !ValidSeverity(req.Severity) {
		return nil, graph.Validationf("invalid severity %q", req.Severity)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, graph.Internalf("generate escalation id").Wrap(err)
	}

	var out *Escalation
	err = w.store.WithTx(ctx, req.GraphID, func(tx graph.Tx) error {
		exists, err := tx.NodeExists(hierarchy.LabelTask, req.TaskID)
		if err != nil {
			return err
		}
		if !exists {
			return graph.NotFoundf("task %s not found", req.TaskID)
		}
		exists, err = tx.NodeExists(hierarchy.LabelAgent, req.AgentID)
		if err != nil {
			return err
		}
		if !exists {
			return graph.NotFoundf("agent %s not found", req.AgentID)
		}

		node, err := tx.CreateNode(LabelEscalation, id.String(), map[string]any{
			"task_id":         req.TaskID,
			"agent_id":        req.AgentID,
			"reason":          req.Reason,
			"severity":        string(req.Severity),
			"severity_rank":   severityRank[req.Severity],
			"status":          string(StatusOpen),
			"organization_id": req.OrgID,
			"metadata":        req.Metadata,
		})
		if err != nil {
			return err
		}
		if _, err := tx.UpsertRelationship(LabelEscalation, id.String(), RelEscalates, hierarchy.LabelTask, req.TaskID); err != nil {
			return err
		}
		if _, err := tx.UpsertRelationship(LabelEscalation, id.String(), RelRaisedBy, hierarchy.LabelAgent, req.AgentID); err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.publish(ctx, events.TypeEscalationCreated, req.GraphID, out)
	return out, nil
}

// Acknowledge moves an open escalation to acknowledged. Anything other
// than an open escalation (already acknowledged, resolved, or missing)
// reports not_found: the guard and the lookup are indistinguishable to
// the caller.
func (w *Workflow) Acknowledge(ctx context.Context, graphID, id, acknowledgedBy string) (*Escalation, error) {
	switch {
	case graphID == "":
		return nil, graph.Validationf("graph_id is required")
	case id == "":
		return nil, graph.Validationf("escalation id is required")
	case acknowledgedBy == "":
		return nil, graph.Validationf("acknowledged_by is required")
	}

	var out *Escalation
	err := w.store.WithTx(ctx, graphID, func(tx graph.Tx) error {
		ok, err := tx.UpdateNodeWhere(LabelEscalation, id,
			map[string]any{"status": string(StatusOpen)},
			map[string]any{
				"status":          string(StatusAcknowledged),
				"acknowledged_by": acknowledgedBy,
				"acknowledged_at": time.Now().UTC().Format(time.RFC3339),
			})
		if err != nil {
			return err
		}
		if !ok {
			return graph.NotFoundf("escalation %s not found or not open", id)
		}
		node, err := tx.GetNode(LabelEscalation, id)
		if err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.publish(ctx, events.TypeEscalationAcknowledged, graphID, out)
	return out, nil
}

// Resolve moves an open or acknowledged escalation to resolved,
// stamping the resolver and resolution text. Resolved is terminal.
func (w *Workflow) Resolve(ctx context.Context, graphID, id, resolvedBy, resolution string) (*Escalation, error) {
	switch {
	case graphID == "":
		return nil, graph.Validationf("graph_id is required")
	case id == "":
		return nil, graph.Validationf("escalation id is required")
	case resolvedBy == "":
		return nil, graph.Validationf("resolved_by is required")
	case resolution == "":
		return nil, graph.Validationf("resolution is required")
	}

	set := map[string]any{
		"status":      string(StatusResolved),
		"resolved_by": resolvedBy,
		"resolution":  resolution,
		"resolved_at": time.Now().UTC().Format(time.RFC3339),
	}

	var out *Escalation
	err := w.store.WithTx(ctx, graphID, func(tx graph.Tx) error {
		// The guard supports one equality per property, so try each
		// legal source state; each attempt is individually atomic.
		ok, err := tx.UpdateNodeWhere(LabelEscalation, id,
			map[string]any{"status": string(StatusAcknowledged)}, set)
		if err != nil {
			return err
		}
		if !ok {
			ok, err = tx.UpdateNodeWhere(LabelEscalation, id,
				map[string]any{"status": string(StatusOpen)}, set)
			if err != nil {
				return err
			}
		}
		if !ok {
			return graph.NotFoundf("escalation %s not found or already resolved", id)
		}
		node, err := tx.GetNode(LabelEscalation, id)
		if err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.publish(ctx, events.TypeEscalationResolved, graphID, out)
	return out, nil
}

// List returns escalations ordered by severity (critical first) and
// then newest-first, so the most urgent items surface regardless of
// age.
func (w *Workflow) List(ctx context.Context, req ListRequest) ([]*Escalation, int, error) {
	if req.GraphID == "" {
		return nil, 0, graph.Validationf("graph_id is required")
	}
	if req.Status != "" && !ValidStatus(req.Status) {
		return nil, 0, graph.Validationf("invalid status filter %q", req.Status)
	}
	if req.Severity != "" && !ValidSeverity(req.Severity) {
		return nil, 0, graph.Validationf("invalid severity filter %q", req.Severity)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	filters := map[string]any{}
	if req.Status != "" {
		filters["status"] = string(req.Status)
	}
	if req.Severity != "" {
		filters["severity"] = string(req.Severity)
	}
	if req.TaskID != "" {
		filters["task_id"] = req.TaskID
	}
	if req.AgentID != "" {
		filters["agent_id"] = req.AgentID
	}

	var (
		page  []*Escalation
		total int
	)
	err := w.store.WithTx(ctx, req.GraphID, func(tx graph.Tx) error {
		nodes, n, err := tx.QueryNodes(graph.Query{
			Label:   LabelEscalation,
			Filters: filters,
			// UUIDv7 keys order by creation time, so key desc is the
			// newest-first tie-breaker within a severity group.
			OrderBy: []graph.Order{
				{Prop: "severity_rank", Desc: true},
				{Prop: "key", Desc: true},
			},
			Limit:  limit,
			Offset: req.Offset,
		})
		if err != nil {
			return err
		}
		total = n
		page = make([]*Escalation, 0, len(nodes))
		for _, node := range nodes {
			page = append(page, fromNode(node))
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

// Get returns one escalation by id.
func (w *Workflow) Get(ctx context.Context, graphID, id string) (*Escalation, error) {
	if graphID == "" {
		return nil, graph.Validationf("graph_id is required")
	}
	var out *Escalation
	err := w.store.WithTx(ctx, graphID, func(tx graph.Tx) error {
		node, err := tx.GetNode(LabelEscalation, id)
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

func (w *Workflow) publish(ctx context.Context, t events.Type, graphID string, e *Escalation) {
	if w.bus == nil {
		return
	}
	_ = w.bus.Publish(ctx, &events.Event{
		Type:    t,
		GraphID: graphID,
		Subject: e.ID,
		Payload: map[string]any{
			"task_id":  e.TaskID,
			"agent_id": e.AgentID,
			"severity": string(e.Severity),
			"status":   string(e.Status),
		},
	})
}

func fromNode(n *graph.Node) *Escalation {
	meta, _ := n.Props["metadata"].(map[string]any)
	return &Escalation{
		ID:             n.Key,
		GraphID:        n.Namespace,
		TaskID:         n.StringProp("task_id"),
		AgentID:        n.StringProp("agent_id"),
		Reason:         n.StringProp("reason"),
		Severity:       Severity(n.StringProp("severity")),
		Status:         Status(n.StringProp("status")),
		OrgID:          n.StringProp("organization_id"),
		Metadata:       meta,
		CreatedAt:      n.CreatedAt,
		AcknowledgedAt: n.StringProp("acknowledged_at"),
		AcknowledgedBy: n.StringProp("acknowledged_by"),
		ResolvedAt:     n.StringProp("resolved_at"),
		ResolvedBy:     n.StringProp("resolved_by"),
		Resolution:     n.StringProp("resolution"),
	}
}
