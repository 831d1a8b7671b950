package hierarchy

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/trellis/events"
	"github.com/GoCodeAlone/trellis/graph"
)

// Synchronizer reconciles task definition batches into the graph.
type Synchronizer struct {
	store  graph.Store
	bus    events.Bus
	logger *slog.Logger
}

// NewSynchronizer creates a Synchronizer. bus may be nil to disable
// event publication.
func NewSynchronizer(store graph.Store, bus events.Bus, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{store: store, bus: bus, logger: logger}
}

// Sync reconciles req's task definitions into the graph. Each valid
// definition is one independent transaction: a failing task is logged
// and skipped, never aborting its siblings. Invalid definitions are
// skipped before any write. The returned Result reports what was
// actually processed.
func (s *Synchronizer) Sync(ctx context.Context, req Request) (*Result, error) {
	if req.GraphID == "" {
		return nil, graph.Validationf("graph_id is required")
	}
	if len(req.Tasks) == 0 {
		return nil, graph.Validationf("tasks must be a non-empty list")
	}
	initial := req.InitialStatus
	if initial == "" {
		initial = StatusNotStarted
	}
	if !ValidStatus(initial) {
		return nil, graph.Validationf("invalid initial status %q", initial)
	}

	// Fail fast before processing any task if the backend is down.
	if err := s.store.Ping(ctx); err != nil {
		return nil, err
	}

	res := &Result{}
	for i := range req.Tasks {
		def := &req.Tasks[i]
		if !def.Valid() {
			s.logger.Warn("skipping invalid task definition",
				slog.String("graph_id", req.GraphID),
				slog.String("task_id", def.ID))
			continue
		}
		// Deltas merge only after the task's transaction commits, so a
		// rolled-back task contributes nothing to the counts.
		var delta Result
		err := s.store.WithTx(ctx, req.GraphID, func(tx graph.Tx) error {
			return s.syncOne(tx, def, initial, req.CreateRelationships, &delta)
		})
		if err != nil {
			s.logger.Error("task sync failed",
				slog.String("graph_id", req.GraphID),
				slog.String("task_id", def.ID),
				slog.Any("err", err))
			continue
		}
		res.TasksCreated += delta.TasksCreated
		res.TasksUpdated += delta.TasksUpdated
		res.RelationshipsCreated += delta.RelationshipsCreated
		res.Processed = append(res.Processed, def.ID)
	}

	if s.bus != nil {
		_ = s.bus.Publish(ctx, &events.Event{
			Type:    events.TypeHierarchySynced,
			GraphID: req.GraphID,
			Payload: map[string]any{
				"tasks_created":         res.TasksCreated,
				"tasks_updated":         res.TasksUpdated,
				"relationships_created": res.RelationshipsCreated,
				"processed":             len(res.Processed),
			},
		})
	}
	return res, nil
}

// syncOne upserts one task definition and, when enabled, its sprint,
// epic, ADR references, and relationships.
func (s *Synchronizer) syncOne(tx graph.Tx, def *TaskDefinition, initial Status, rels bool, res *Result) error {
	syncedAt := time.Now().UTC().Format(time.RFC3339)

	created, err := upsertTask(tx, def, initial, syncedAt)
	if err != nil {
		return err
	}
	if created {
		res.TasksCreated++
	} else {
		res.TasksUpdated++
	}

	if !rels {
		return nil
	}

	if err := upsertSprint(tx, def, syncedAt); err != nil {
		return err
	}
	if err := upsertEpic(tx, def.EpicID, syncedAt); err != nil {
		return err
	}

	made, err := tx.UpsertRelationship(LabelTask, def.ID, RelBelongsTo, LabelSprint, def.SprintID)
	if err != nil {
		return err
	}
	if made {
		res.RelationshipsCreated++
	}
	made, err = tx.UpsertRelationship(LabelSprint, def.SprintID, RelBelongsTo, LabelEpic, def.EpicID)
	if err != nil {
		return err
	}
	if made {
		res.RelationshipsCreated++
	}

	for _, adr := range def.ADRs {
		if adr == "" {
			continue
		}
		if err := upsertADR(tx, adr); err != nil {
			return err
		}
		made, err := tx.UpsertRelationship(LabelTask, def.ID, RelReferences, LabelADR, adr)
		if err != nil {
			return err
		}
		if made {
			res.RelationshipsCreated++
		}
	}
	return nil
}

// taskContentProps is the full set of externally-supplied fields. These
// are replaced on every sync. status and assignee are deliberately NOT
// here: they are graph-owned and only the create branch below ever
// writes them.
func taskContentProps(def *TaskDefinition, syncedAt string) map[string]any {
	return map[string]any{
		"title":               def.Title,
		"priority":            def.Priority,
		"estimate":            def.Estimate,
		"goal":                def.Goal,
		"approach":            def.Approach,
		"acceptance_criteria": def.AcceptanceCriteria,
		"files":               def.Files,
		"adr_ids":             def.ADRs,
		"sprint_id":           def.SprintID,
		"epic_id":             def.EpicID,
		"synced_at":           syncedAt,
	}
}

// upsertTask creates or refreshes a Task node. Create branch sets
// content plus initial state; match branch replaces content only.
func upsertTask(tx graph.Tx, def *TaskDefinition, initial Status, syncedAt string) (bool, error) {
	exists, err := tx.NodeExists(LabelTask, def.ID)
	if err != nil {
		return false, err
	}
	if !exists {
		props := taskContentProps(def, syncedAt)
		props["status"] = string(initial)
		props["assignee"] = def.Assignee
		_, err := tx.CreateNode(LabelTask, def.ID, props)
		if graph.IsConflict(err) {
			// Lost the create race to a concurrent sync; take the
			// match path instead.
			return false, tx.SetNodeProps(LabelTask, def.ID, taskContentProps(def, syncedAt))
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, tx.SetNodeProps(LabelTask, def.ID, taskContentProps(def, syncedAt))
}

// upsertSprint creates a Sprint on first sight (title, epic, initial
// status) and afterwards only refreshes its sync timestamp; sprint
// status and title are graph-owned once created.
func upsertSprint(tx graph.Tx, def *TaskDefinition, syncedAt string) error {
	exists, err := tx.NodeExists(LabelSprint, def.SprintID)
	if err != nil {
		return err
	}
	if exists {
		return tx.SetNodeProps(LabelSprint, def.SprintID, map[string]any{"synced_at": syncedAt})
	}
	title := def.SprintTitle
	if title == "" {
		title = placeholderTitle(def.SprintID)
	}
	_, err = tx.CreateNode(LabelSprint, def.SprintID, map[string]any{
		"title":     title,
		"epic_id":   def.EpicID,
		"status":    string(StatusNotStarted),
		"synced_at": syncedAt,
	})
	if graph.IsConflict(err) {
		return tx.SetNodeProps(LabelSprint, def.SprintID, map[string]any{"synced_at": syncedAt})
	}
	return err
}

// upsertEpic creates an identity-only Epic node.
func upsertEpic(tx graph.Tx, epicID, syncedAt string) error {
	_, err := tx.CreateNode(LabelEpic, epicID, map[string]any{"synced_at": syncedAt})
	if graph.IsConflict(err) {
		return tx.SetNodeProps(LabelEpic, epicID, map[string]any{"synced_at": syncedAt})
	}
	return err
}

// upsertADR creates an identity-only ADR reference node.
func upsertADR(tx graph.Tx, adrID string) error {
	_, err := tx.CreateNode(LabelADR, adrID, map[string]any{})
	if graph.IsConflict(err) {
		return nil
	}
	return err
}

// placeholderTitle derives a readable sprint title from its id, e.g.
// "sprint-2" becomes "Sprint 2".
func placeholderTitle(id string) string {
	name := strings.ReplaceAll(id, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return cases.Title(language.English).String(name)
}
