package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/trellis/checkpoint"
	"github.com/GoCodeAlone/trellis/cursor"
	"github.com/GoCodeAlone/trellis/escalation"
	"github.com/GoCodeAlone/trellis/graph"
	"github.com/GoCodeAlone/trellis/hierarchy"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Sync        *hierarchy.Synchronizer
	Cursors     *cursor.Tracker
	Checkpoints *checkpoint.Store
	Escalations *escalation.Workflow
	Logger      *slog.Logger
	Version     string
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/graph/{graphID}/sync", h.syncHierarchy)

	mux.HandleFunc("PUT /api/cursors", h.updateCursor)
	mux.HandleFunc("GET /api/cursors/{agentID}", h.getCursor)

	mux.HandleFunc("POST /api/graph/{graphID}/checkpoints", h.createCheckpoint)
	mux.HandleFunc("GET /api/graph/{graphID}/checkpoints", h.listCheckpoints)

	mux.HandleFunc("POST /api/graph/{graphID}/escalations", h.createEscalation)
	mux.HandleFunc("GET /api/graph/{graphID}/escalations", h.listEscalations)
	mux.HandleFunc("POST /api/graph/{graphID}/escalations/{id}/acknowledge", h.acknowledgeEscalation)
	mux.HandleFunc("POST /api/graph/{graphID}/escalations/{id}/resolve", h.resolveEscalation)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a coded JSON error response.
func writeError(w http.ResponseWriter, status int, code graph.Code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: msg}})
}

// writeDomainError maps a domain error onto an HTTP status. not_found
// and conflict both surface as 404: a failed state guard and a missing
// entity are indistinguishable to the caller. Internal details never
// reach the client.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	var ge *graph.Error
	if !errors.As(err, &ge) {
		h.Logger.Error("unhandled error", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, graph.CodeInternal, "internal error")
		return
	}
	switch ge.Code {
	case graph.CodeValidation:
		writeError(w, http.StatusBadRequest, ge.Code, ge.Message)
	case graph.CodeNotFound, graph.CodeConflict:
		writeError(w, http.StatusNotFound, ge.Code, ge.Message)
	case graph.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, ge.Code, ge.Message)
	default:
		h.Logger.Error("internal error", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, graph.CodeInternal, "internal error")
	}
}

// --- Hierarchy sync ---

type syncRequest struct {
	Tasks               []hierarchy.TaskDefinition `json:"tasks"`
	CreateRelationships bool                       `json:"create_relationships"`
	InitialStatus       hierarchy.Status           `json:"initial_status,omitempty"`
}

func (h *Handlers) syncHierarchy(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	res, err := h.Sync.Sync(r.Context(), hierarchy.Request{
		GraphID:             r.PathValue("graphID"),
		Tasks:               req.Tasks,
		CreateRelationships: req.CreateRelationships,
		InitialStatus:       req.InitialStatus,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Cursor handlers ---

func (h *Handlers) updateCursor(w http.ResponseWriter, r *http.Request) {
	var req cursor.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	id, _ := IdentityFromContext(r.Context())
	req.OrgID = id.Org

	c, err := h.Cursors.Update(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) getCursor(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()

	c, err := h.Cursors.Get(r.Context(), id.Org, r.PathValue("agentID"), q.Get("project"), q.Get("branch"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// --- Checkpoint handlers ---

func (h *Handlers) createCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req checkpoint.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	req.GraphID = r.PathValue("graphID")

	cp, err := h.Checkpoints.Create(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

type checkpointPage struct {
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
	Total       int                      `json:"total"`
}

func (h *Handlers) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := checkpoint.ListRequest{
		GraphID: r.PathValue("graphID"),
		TaskID:  q.Get("task"),
		AgentID: q.Get("agent"),
		Limit:   intParam(q.Get("limit")),
		Offset:  intParam(q.Get("offset")),
	}
	page, total, err := h.Checkpoints.List(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if page == nil {
		page = []*checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, checkpointPage{Checkpoints: page, Total: total})
}

// --- Escalation handlers ---

func (h *Handlers) createEscalation(w http.ResponseWriter, r *http.Request) {
	var req escalation.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	id, _ := IdentityFromContext(r.Context())
	req.GraphID = r.PathValue("graphID")
	req.OrgID = id.Org

	esc, err := h.Escalations.Create(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, esc)
}

type escalationPage struct {
	Escalations []*escalation.Escalation `json:"escalations"`
	Total       int                      `json:"total"`
}

func (h *Handlers) listEscalations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := escalation.ListRequest{
		GraphID:  r.PathValue("graphID"),
		Status:   escalation.Status(q.Get("status")),
		Severity: escalation.Severity(q.Get("severity")),
		TaskID:   q.Get("task"),
		AgentID:  q.Get("agent"),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}
	page, total, err := h.Escalations.List(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if page == nil {
		page = []*escalation.Escalation{}
	}
	writeJSON(w, http.StatusOK, escalationPage{Escalations: page, Total: total})
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (h *Handlers) acknowledgeEscalation(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	esc, err := h.Escalations.Acknowledge(r.Context(), r.PathValue("graphID"), r.PathValue("id"), req.AcknowledgedBy)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
	Resolution string `json:"resolution"`
}

func (h *Handlers) resolveEscalation(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, graph.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	esc, err := h.Escalations.Resolve(r.Context(), r.PathValue("graphID"), r.PathValue("id"), req.ResolvedBy, req.Resolution)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.Version,
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
