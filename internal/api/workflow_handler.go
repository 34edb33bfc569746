package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/engine"
)

// ListWorkflows возвращает список всех workflows.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := h.store.ListWorkflows(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	List(w, workflows, len(workflows))
}

// CreateWorkflow создаёт workflow.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	wf := req.ToDomain(uuid.New())
	if HandleRepoError(w, h.logger, domain.ValidateWorkflow(wf), "") {
		return
	}

	if HandleRepoError(w, h.logger, h.store.CreateWorkflow(r.Context(), wf), "") {
		return
	}

	h.logger.Info("workflow created", "workflow_id", wf.ID, "name", wf.Name, "trigger", wf.Trigger.Type)
	Created(w, wf)
}

// GetWorkflow возвращает workflow по ID.
// GET /api/v1/workflows/{id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	Success(w, wf)
}

// UpdateWorkflow заменяет определение workflow. Счётчики не меняются.
// PUT /api/v1/workflows/{id}
func (h *Handler) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	var req WorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	wf := req.ToDomain(id)
	if HandleRepoError(w, h.logger, domain.ValidateWorkflow(wf), "") {
		return
	}

	if HandleRepoError(w, h.logger, h.store.UpdateWorkflow(r.Context(), wf), "workflow not found") {
		return
	}

	// Ответ с актуальными счётчиками
	updated, err := h.store.GetWorkflow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	h.logger.Info("workflow updated", "workflow_id", id)
	Success(w, updated)
}

// DeleteWorkflow удаляет workflow. История выполнений остаётся.
// DELETE /api/v1/workflows/{id}
func (h *Handler) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	if HandleRepoError(w, h.logger, h.store.DeleteWorkflow(r.Context(), id), "workflow not found") {
		return
	}

	h.logger.Info("workflow deleted", "workflow_id", id)
	NoContent(w)
}

// SetWorkflowEnabled включает или выключает workflow.
// PUT /api/v1/workflows/{id}/enabled
func (h *Handler) SetWorkflowEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Enabled == nil {
		BadRequest(w, "enabled is required")
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	// Включаемый workflow должен быть исполнимым
	wf.Enabled = *req.Enabled
	if wf.Enabled && HandleRepoError(w, h.logger, domain.ValidateWorkflow(wf), "") {
		return
	}

	if HandleRepoError(w, h.logger, h.store.SetWorkflowEnabled(r.Context(), id, wf.Enabled), "workflow not found") {
		return
	}

	h.logger.Info("workflow toggled", "workflow_id", id, "enabled", wf.Enabled)
	Success(w, wf)
}

// TestWorkflow выполняет dry-run workflow на синтетическом событии.
// Гейты допуска, журнал и действия не затрагиваются.
// POST /api/v1/workflows/{id}/test
//
// Тело: поля события, плоско или под ключом "event".
// Пустой event_type заменяется trigger.type.
func (h *Handler) TestWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}
	if nested, ok := body["event"].(map[string]any); ok {
		body = nested
	}

	wf, err := h.store.GetWorkflow(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "workflow not found") {
		return
	}

	ev := domain.EventFromFields(body)
	if ev.Type == "" {
		ev.Type = wf.Trigger.Type
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now().UTC()
	}

	sim := engine.Simulate(wf, &ev)

	h.logger.Debug("workflow dry run",
		"workflow_id", id,
		"event_type", ev.Type,
		"would_execute", sim.WouldExecute,
	)
	Success(w, TestWorkflowResponse{
		WorkflowID: id,
		Event:      ev.Fields(),
		Simulation: sim,
	})
}
