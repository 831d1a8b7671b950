package graph

import (
	"context"
	"os"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	f, err := os.CreateTemp("", "trellis-graph-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	path := f.Name()
	t.Cleanup(func() { os.Remove(path) })

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_CreateAndGetNode(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.CreateNode("Task", "T1", map[string]any{
			"title":  "First task",
			"status": "not_started",
		}); err != nil {
			return err
		}
		node, err := tx.GetNode("Task", "T1")
		if err != nil {
			return err
		}
		if node.StringProp("title") != "First task" {
			t.Errorf("title = %q, want %q", node.StringProp("title"), "First task")
		}
		if node.Namespace != "proj-1" {
			t.Errorf("namespace = %q, want proj-1", node.Namespace)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_CreateNode_Conflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.CreateNode("Task", "T1", map[string]any{"title": "a"}); err != nil {
			return err
		}
		_, err := tx.CreateNode("Task", "T1", map[string]any{"title": "b"})
		if !IsConflict(err) {
			t.Errorf("duplicate create error = %v, want conflict", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_GetNode_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTx(context.Background(), "proj-1", func(tx Tx) error {
		_, err := tx.GetNode("Task", "missing")
		if !IsNotFound(err) {
			t.Errorf("GetNode error = %v, want not_found", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_SetNodeProps_MergesAndPreserves(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.CreateNode("Task", "T1", map[string]any{
			"title":  "old title",
			"status": "in_progress",
		}); err != nil {
			return err
		}
		if err := tx.SetNodeProps("Task", "T1", map[string]any{"title": "new title"}); err != nil {
			return err
		}
		node, err := tx.GetNode("Task", "T1")
		if err != nil {
			return err
		}
		if node.StringProp("title") != "new title" {
			t.Errorf("title = %q, want %q", node.StringProp("title"), "new title")
		}
		// Untouched props survive a partial update.
		if node.StringProp("status") != "in_progress" {
			t.Errorf("status = %q, want in_progress", node.StringProp("status"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_SetNodeProps_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTx(context.Background(), "proj-1", func(tx Tx) error {
		err := tx.SetNodeProps("Task", "missing", map[string]any{"title": "x"})
		if !IsNotFound(err) {
			t.Errorf("SetNodeProps error = %v, want not_found", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_UpdateNodeWhere_Guard(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.CreateNode("Escalation", "E1", map[string]any{"status": "open"}); err != nil {
			return err
		}

		ok, err := tx.UpdateNodeWhere("Escalation", "E1",
			map[string]any{"status": "open"},
			map[string]any{"status": "acknowledged"})
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("guarded update with matching guard did not apply")
		}

		// The guard no longer holds; a second identical update must not apply.
		ok, err = tx.UpdateNodeWhere("Escalation", "E1",
			map[string]any{"status": "open"},
			map[string]any{"status": "acknowledged"})
		if err != nil {
			return err
		}
		if ok {
			t.Error("guarded update applied twice")
		}

		node, err := tx.GetNode("Escalation", "E1")
		if err != nil {
			return err
		}
		if node.StringProp("status") != "acknowledged" {
			t.Errorf("status = %q, want acknowledged", node.StringProp("status"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_UpdateNodeWhere_MissingNode(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTx(context.Background(), "proj-1", func(tx Tx) error {
		ok, err := tx.UpdateNodeWhere("Escalation", "missing",
			map[string]any{"status": "open"},
			map[string]any{"status": "acknowledged"})
		if err != nil {
			return err
		}
		if ok {
			t.Error("update applied to a missing node")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_UpsertRelationship_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		created, err := tx.UpsertRelationship("Task", "T1", "BELONGS_TO", "Sprint", "S1")
		if err != nil {
			return err
		}
		if !created {
			t.Error("first upsert should create the relationship")
		}
		created, err = tx.UpsertRelationship("Task", "T1", "BELONGS_TO", "Sprint", "S1")
		if err != nil {
			return err
		}
		if created {
			t.Error("second upsert should not create a duplicate")
		}
		n, err := tx.CountRelationships("Task", "T1", "BELONGS_TO", "Sprint", "S1")
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("relationship count = %d, want 1", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_QueryNodes_FiltersOrderPaging(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		for _, n := range []struct {
			key  string
			rank int
			st   string
		}{
			{"e1", 1, "open"},
			{"e2", 4, "open"},
			{"e3", 2, "resolved"},
			{"e4", 4, "open"},
		} {
			if _, err := tx.CreateNode("Escalation", n.key, map[string]any{
				"severity_rank": n.rank,
				"status":        n.st,
			}); err != nil {
				return err
			}
		}

		nodes, total, err := tx.QueryNodes(Query{
			Label:   "Escalation",
			Filters: map[string]any{"status": "open"},
			OrderBy: []Order{{Prop: "severity_rank", Desc: true}, {Prop: "key", Desc: true}},
			Limit:   2,
		})
		if err != nil {
			return err
		}
		if total != 3 {
			t.Errorf("total = %d, want 3", total)
		}
		if len(nodes) != 2 {
			t.Fatalf("page size = %d, want 2", len(nodes))
		}
		if nodes[0].Key != "e4" || nodes[1].Key != "e2" {
			t.Errorf("page order = [%s %s], want [e4 e2]", nodes[0].Key, nodes[1].Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_NamespaceIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.WithTx(ctx, "proj-a", func(tx Tx) error {
		_, err := tx.CreateNode("Task", "T1", map[string]any{"title": "a"})
		return err
	}); err != nil {
		t.Fatalf("WithTx proj-a: %v", err)
	}

	err := store.WithTx(ctx, "proj-b", func(tx Tx) error {
		if _, err := tx.GetNode("Task", "T1"); !IsNotFound(err) {
			t.Errorf("cross-namespace read = %v, want not_found", err)
		}
		// Same key is free in another namespace.
		if _, err := tx.CreateNode("Task", "T1", map[string]any{"title": "b"}); err != nil {
			t.Errorf("create in second namespace: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx proj-b: %v", err)
	}
}

func TestSQLiteStore_WithTx_RollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sentinel := Internalf("boom")
	err := store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.CreateNode("Task", "T1", map[string]any{"title": "a"}); err != nil {
			return err
		}
		return sentinel
	})
	if err == nil {
		t.Fatal("expected error from WithTx")
	}

	err = store.WithTx(ctx, "proj-1", func(tx Tx) error {
		if _, err := tx.GetNode("Task", "T1"); !IsNotFound(err) {
			t.Errorf("node survived a rolled-back transaction: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestSQLiteStore_WithTx_EmptyNamespace(t *testing.T) {
	store := newTestStore(t)

	err := store.WithTx(context.Background(), "", func(Tx) error { return nil })
	if !IsValidation(err) {
		t.Errorf("empty namespace error = %v, want validation", err)
	}
}

func TestErrorCodes(t *testing.T) {
	if CodeOf(NotFoundf("x")) != CodeNotFound {
		t.Error("NotFoundf should carry CodeNotFound")
	}
	if CodeOf(Internalf("wrapped").Wrap(NotFoundf("inner"))) != CodeInternal {
		t.Error("outer code should win")
	}
	if !IsUnavailable(Unavailablef("down")) {
		t.Error("IsUnavailable failed")
	}
}
