package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/GoCodeAlone/trellis/checkpoint"
	"github.com/GoCodeAlone/trellis/escalation"
	"github.com/GoCodeAlone/trellis/graph"
	"github.com/GoCodeAlone/trellis/hierarchy"
)

func syncTask(t *testing.T, s *Server, token, graphID, taskID string) {
	t.Helper()
	rec := doJSON(t, s, "POST", "/api/graph/"+graphID+"/sync", token, map[string]any{
		"tasks": []map[string]any{{
			"id":        taskID,
			"sprint_id": "S1",
			"epic_id":   "E1",
			"title":     "integration task",
		}},
		"create_relationships": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body.String())
	}
}

func seedAgent(t *testing.T, store graph.Store, graphID, agentID string) {
	t.Helper()
	err := store.WithTx(context.Background(), graphID, func(tx graph.Tx) error {
		_, err := tx.CreateNode(hierarchy.LabelAgent, agentID, map[string]any{"name": agentID})
		return err
	})
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestSyncEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "POST", "/api/graph/proj-1/sync", token, map[string]any{
		"tasks": []map[string]any{{
			"id":        "T1",
			"sprint_id": "S1",
			"epic_id":   "E1",
			"title":     "first task",
		}},
		"create_relationships": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var res hierarchy.Result
	decodeBody(t, rec, &res)
	if res.TasksCreated != 1 || res.RelationshipsCreated != 2 {
		t.Errorf("created/rels = %d/%d, want 1/2", res.TasksCreated, res.RelationshipsCreated)
	}

	rec = doJSON(t, s, "POST", "/api/graph/proj-1/sync", token, map[string]any{"tasks": []any{}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", rec.Code)
	}
}

func TestCursorEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "PUT", "/api/cursors", token, map[string]any{
		"agent_id":   "agent-7",
		"project_id": "proj-1",
		"branch":     "main",
		"status":     "active",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/api/cursors/agent-7?project=proj-1&branch=main", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["status"] != "active" {
		t.Errorf("status = %v, want active", body["status"])
	}
	// Organization comes from the token, never the request body.
	if body["organization_id"] != testOrg {
		t.Errorf("organization_id = %v, want %q", body["organization_id"], testOrg)
	}

	rec = doJSON(t, s, "GET", "/api/cursors/agent-99?project=proj-1&branch=main", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown cursor status = %d, want 404", rec.Code)
	}
}

func TestCheckpointEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	for i := 0; i < 3; i++ {
		rec := doJSON(t, s, "POST", "/api/graph/proj-1/checkpoints", token, map[string]any{
			"task_id":        "T1",
			"agent_id":       "agent-7",
			"git_commit":     fmt.Sprintf("commit-%d", i),
			"files_modified": []string{"main.go"},
			"events_since":   "ev-1",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := doJSON(t, s, "GET", "/api/graph/proj-1/checkpoints?task=T1&limit=2", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
		Total       int                      `json:"total"`
	}
	decodeBody(t, rec, &page)
	if page.Total != 3 || len(page.Checkpoints) != 2 {
		t.Errorf("total/len = %d/%d, want 3/2", page.Total, len(page.Checkpoints))
	}
	if page.Checkpoints[0].GitCommit != "commit-2" {
		t.Errorf("first = %q, want newest commit-2", page.Checkpoints[0].GitCommit)
	}

	rec = doJSON(t, s, "POST", "/api/graph/proj-1/checkpoints", token, map[string]any{
		"task_id":      "T1",
		"agent_id":     "agent-7",
		"git_commit":   "commit-x",
		"events_since": "ev-1",
		// files_modified omitted
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing files status = %d, want 400", rec.Code)
	}
}

func TestEscalationEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	token := login(t, s)
	syncTask(t, s, token, "proj-1", "T1")
	seedAgent(t, store, "proj-1", "agent-7")

	rec := doJSON(t, s, "POST", "/api/graph/proj-1/escalations", token, map[string]any{
		"task_id":  "T1",
		"agent_id": "agent-7",
		"reason":   "stuck on migration",
		"severity": "critical",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var esc escalation.Escalation
	decodeBody(t, rec, &esc)
	if esc.Status != escalation.StatusOpen {
		t.Errorf("status = %q, want open", esc.Status)
	}
	if esc.OrgID != testOrg {
		t.Errorf("organization_id = %q, want %q (from token)", esc.OrgID, testOrg)
	}

	rec = doJSON(t, s, "POST", "/api/graph/proj-1/escalations", token, map[string]any{
		"task_id":  "T404",
		"agent_id": "agent-7",
		"reason":   "x",
		"severity": "low",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", rec.Code)
	}

	ackPath := "/api/graph/proj-1/escalations/" + esc.ID + "/acknowledge"
	rec = doJSON(t, s, "POST", ackPath, token, map[string]any{"acknowledged_by": "alice"})
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, s, "POST", ackPath, token, map[string]any{"acknowledged_by": "bob"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("double ack status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, s, "POST", "/api/graph/proj-1/escalations/"+esc.ID+"/resolve", token,
		map[string]any{"resolved_by": "alice", "resolution": "migrated by hand"})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, "GET", "/api/graph/proj-1/escalations?status=resolved", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Escalations []*escalation.Escalation `json:"escalations"`
		Total       int                      `json:"total"`
	}
	decodeBody(t, rec, &page)
	if page.Total != 1 || page.Escalations[0].ID != esc.ID {
		t.Errorf("resolved list total = %d", page.Total)
	}
	if page.Escalations[0].Resolution != "migrated by hand" {
		t.Errorf("resolution = %q", page.Escalations[0].Resolution)
	}
}

func TestErrorBodyShape(t *testing.T) {
	s, _ := newTestServer(t)
	token := login(t, s)

	rec := doJSON(t, s, "GET", "/api/cursors/agent-x?project=proj-1&branch=main", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, rec, &body)
	if body.Error.Code != "not_found" {
		t.Errorf("error code = %q, want not_found", body.Error.Code)
	}
	if body.Error.Message == "" {
		t.Error("error message is empty")
	}
}
