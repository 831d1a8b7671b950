// Package checkpoint stores immutable agent work snapshots. A
// checkpoint records the commit, modified files, and event cursor an
// agent had reached, so a successor (or the same agent after a crash)
// can check out the commit and replay events from there. Checkpoints
// are append-only: nothing in this package updates or deletes one.
package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
)

// LabelCheckpoint is the graph label for checkpoint nodes.
const LabelCheckpoint = "Checkpoint"

// MaxPageSize caps List page sizes.
const MaxPageSize = 100

// defaultPageSize applies when a List request carries no limit.
const defaultPageSize = 20

// Checkpoint is one immutable work snapshot.
type Checkpoint struct {
	ID            string         `json:"id"`
	GraphID       string         `json:"graph_id"`
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	GitCommit     string         `json:"git_commit"`
	FilesModified []string       `json:"files_modified"`
	EventsSince   string         `json:"events_since"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CreateRequest carries one checkpoint to store.
type CreateRequest struct {
	GraphID       string         `json:"-"`
	TaskID        string         `json:"task_id"`
	AgentID       string         `json:"agent_id"`
	GitCommit     string         `json:"git_commit"`
	FilesModified []string       `json:"files_modified"`
	EventsSince   string         `json:"events_since"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// ListRequest selects a page of checkpoints. TaskID and AgentID filters
// are conjunctive.
type ListRequest struct {
	GraphID string
	TaskID  string
	AgentID string
	Limit   int
	Offset  int
}

// Store persists checkpoints as graph nodes.
type Store struct {
	store  graph.Store
	bus    events.Bus
	logger *slog.Logger
}

// NewStore creates a checkpoint Store. bus may be nil.
func NewStore(store graph.Store, bus events.Bus, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{store: store, bus: bus, logger: logger}
}

// Create validates and writes one checkpoint, returning the stored
// record. Ids are UUIDv7, so within a task they sort by creation time.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Checkpoint, error) {
	switch {
	case req.GraphID == "":
		return nil, graph.Validationf("graph_id is required")
	case req.TaskID == "":
		return nil, graph.Validationf("task_id is required")
	case req.AgentID == "":
		return nil, graph.Validationf("agent_id is required")
	case req.GitCommit == "":
		return nil, graph.Validationf("git_commit is required")
	case req.EventsSince == "":
		return nil, graph.Validationf("events_since is required")
	case req.FilesModified == nil:
		return nil, graph.Validationf("files_modified must be a list")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, graph.Internalf("generate checkpoint id").Wrap(err)
	}

	props := map[string]any{
		"task_id":        req.TaskID,
		"agent_id":       req.AgentID,
		"git_commit":     req.GitCommit,
		"files_modified": req.FilesModified,
		"events_since":   req.EventsSince,
		"message":        req.Message,
		"metadata":       req.Metadata,
	}

	var out *Checkpoint
	err = s.store.WithTx(ctx, req.GraphID, func(tx graph.Tx) error {
		node, err := tx.CreateNode(LabelCheckpoint, id.String(), props)
		if err != nil {
			return err
		}
		out = fromNode(node)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, &events.Event{
			Type:    events.TypeCheckpointCreated,
			GraphID: req.GraphID,
			Subject: req.TaskID,
			Payload: map[string]any{
				"checkpoint_id": out.ID,
				"agent_id":      req.AgentID,
				"git_commit":    req.GitCommit,
			},
		})
	}
	return out, nil
}

// List returns a newest-first page of checkpoints plus the total match
// count.
func (s *Store) List(ctx context.Context, req ListRequest) ([]*Checkpoint, int, error) {
	if req.GraphID == "" {
		return nil, 0, graph.Validationf("graph_id is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if req.Offset < 0 {
		return nil, 0, graph.Validationf("offset must not be negative")
	}

	filters := map[string]any{}
	if req.TaskID != "" {
		filters["task_id"] = req.TaskID
	}
	if req.AgentID != "" {
		filters["agent_id"] = req.AgentID
	}

	var (
		page  []*Checkpoint
		total int
	)
	err := s.store.WithTx(ctx, req.GraphID, func(tx graph.Tx) error {
		// UUIDv7 keys order by creation time, so key desc is
		// newest-first.
		nodes, n, err := tx.QueryNodes(graph.Query{
			Label:   LabelCheckpoint,
			Filters: filters,
			OrderBy: []graph.Order{{Prop: "key", Desc: true}},
			Limit:   limit,
			Offset:  req.Offset,
		})
		if err != nil {
			return err
		}
		total = n
		page = make([]*Checkpoint, 0, len(nodes))
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

// Latest returns the most recent checkpoint for a task, the one resume
// and handoff flows start from.
func (s *Store) Latest(ctx context.Context, graphID, taskID string) (*Checkpoint, error) {
	if taskID == "" {
		return nil, graph.Validationf("task_id is required")
	}
	page, _, err := s.List(ctx, ListRequest{GraphID: graphID, TaskID: taskID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, graph.NotFoundf("no checkpoints for task %s", taskID)
	}
	return page[0], nil
}

func fromNode(n *graph.Node) *Checkpoint {
	return &Checkpoint{
		ID:            n.Key,
		GraphID:       n.Namespace,
		TaskID:        n.StringProp("task_id"),
		AgentID:       n.StringProp("agent_id"),
		GitCommit:     n.StringProp("git_commit"),
		FilesModified: stringSlice(n.Props["files_modified"]),
		EventsSince:   n.StringProp("events_since"),
		Message:       n.StringProp("message"),
		Metadata:      mapProp(n.Props["metadata"]),
		CreatedAt:     n.CreatedAt,
	}
}

// stringSlice coerces a decoded JSON array back to []string.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return []string{}
}

func mapProp(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
