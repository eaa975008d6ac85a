package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/middleware"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
	"github.com/pesio-ai/be-hr-approvals/internal/service"
	"github.com/pesio-ai/be-hr-approvals/internal/workflow"
)

// HTTPHandler serves the approval REST API.
type HTTPHandler struct {
	approvals  *service.ApprovalService
	queues     *service.QueueRouter
	dispatcher *service.Dispatcher
	log        *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	approvals *service.ApprovalService,
	queues *service.QueueRouter,
	dispatcher *service.Dispatcher,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:  approvals,
		queues:     queues,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Register mounts the API routes on r. auth wraps every route.
func (h *HTTPHandler) Register(r *mux.Router, auth mux.MiddlewareFunc) {
	api := r.PathPrefix("/api/v1").Subrouter()
	if auth != nil {
		api.Use(auth)
	}

	api.HandleFunc("/workflows/definitions", h.ListDefinitions).Methods(http.MethodGet)
	api.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/decisions", h.SubmitDecision).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/approvals/pending", h.Pending).Methods(http.MethodGet)
	api.HandleFunc("/approvals/stats", h.Stats).Methods(http.MethodGet)
	api.HandleFunc("/payroll/queue", h.PayrollQueue).Methods(http.MethodGet)
	api.HandleFunc("/subjects/{kind}/{subject_id}/workflow", h.ActiveWorkflow).Methods(http.MethodGet)
}

// ── Workflows ────────────────────────────────────────────────────────────────

// ListDefinitions returns the registered pipelines.
func (h *HTTPHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"definitions": h.approvals.Definitions()})
}

type createWorkflowBody struct {
	Kind      workflow.Kind `json:"kind"`
	SubjectID string        `json:"subject_id"`
}

// CreateWorkflow submits a subject for approval on behalf of the caller.
func (h *HTTPHandler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body createWorkflowBody
	if !h.decode(w, r, &body) {
		return
	}

	inst, err := h.approvals.CreateInstance(r.Context(), &service.CreateRequest{
		Kind:      body.Kind,
		SubjectID: body.SubjectID,
		CreatedBy: actor.ID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

type workflowView struct {
	*repository.Instance
	Processing *service.ProcessingStatus `json:"processing,omitempty"`
}

// GetWorkflow returns an instance and its downstream processing status.
func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inst, err := h.approvals.GetInstance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	view := workflowView{Instance: inst}
	if h.dispatcher != nil {
		status, err := h.dispatcher.ProcessingStatus(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		view.Processing = status
	}
	writeJSON(w, http.StatusOK, view)
}

// ActiveWorkflow returns the non-terminal instance attached to a subject.
func (h *HTTPHandler) ActiveWorkflow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, subjectID := workflow.Kind(vars["kind"]), vars["subject_id"]

	inst, err := h.approvals.ActiveForSubject(r.Context(), kind, subjectID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if inst == nil {
		h.writeError(w, r, errors.Newf(errors.ErrCodeInstanceNotFound,
			"no active %s workflow for subject %s", kind, subjectID))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type decisionBody struct {
	Outcome       workflow.Outcome `json:"outcome"`
	Comments      string           `json:"comments"`
	ExpectedStage workflow.Stage   `json:"expected_stage"`
}

// SubmitDecision approves or rejects the instance's current stage.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body decisionBody
	if !h.decode(w, r, &body) {
		return
	}

	res, err := h.approvals.SubmitDecision(r.Context(), &service.DecisionRequest{
		InstanceID:    mux.Vars(r)["id"],
		ApproverID:    actor.ID,
		ApproverRole:  actor.Role,
		Outcome:       body.Outcome,
		Comments:      body.Comments,
		ExpectedStage: body.ExpectedStage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// CancelWorkflow withdraws the caller's own request.
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body cancelBody
	if r.ContentLength > 0 && !h.decode(w, r, &body) {
		return
	}

	res, err := h.approvals.Cancel(r.Context(), &service.CancelRequest{
		InstanceID:  mux.Vars(r)["id"],
		RequestedBy: actor.ID,
		Reason:      body.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History returns the decision ledger of an instance.
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	history, err := h.approvals.HistoryOf(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id, "decisions": history})
}

// ── Queues ───────────────────────────────────────────────────────────────────

// Pending lists what awaits the caller's role. ?kind= filters, repeatable or
// comma separated.
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.writeQueue(w, r, actor.Role, kindsParam(r)...)
}

// PayrollQueue lists payroll batches awaiting the caller's role.
func (h *HTTPHandler) PayrollQueue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	h.writeQueue(w, r, actor.Role, workflow.KindPayrollBatch)
}

func (h *HTTPHandler) writeQueue(w http.ResponseWriter, r *http.Request, role workflow.Role, kinds ...workflow.Kind) {
	items, err := h.queues.PendingFor(r.Context(), role, kinds...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"role": role, "items": items, "count": len(items)})
}

// Stats returns per-stage counts of the caller's queue.
func (h *HTTPHandler) Stats(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	stats, err := h.queues.StatsFor(r.Context(), actor.Role, kindsParam(r)...)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func kindsParam(r *http.Request) []workflow.Kind {
	var kinds []workflow.Kind
	for _, v := range r.URL.Query()["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, workflow.Kind(k))
			}
		}
	}
	return kinds
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (middleware.Actor, bool) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok || actor.ID == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "caller identity is required"))
		return middleware.Actor{}, false
	}
	return actor, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body: "+err.Error()))
		return false
	}
	return true
}

type errorBody struct {
	Code    errors.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)

	body := errorBody{Code: code, Message: err.Error()}
	var e *errors.Error
	if errors.As(err, &e) {
		body.Field = e.Field
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", middleware.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("Request failed")
		body.Message = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
