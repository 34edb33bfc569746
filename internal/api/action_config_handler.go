package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/domain"
)

// ListActionConfigs возвращает все конфигурации действий.
// GET /api/v1/action-configs
func (h *Handler) ListActionConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListActionConfigs(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	List(w, configs, len(configs))
}

// CreateActionConfig создаёт конфигурацию действия.
// POST /api/v1/action-configs
func (h *Handler) CreateActionConfig(w http.ResponseWriter, r *http.Request) {
	var req ActionConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	cfg := req.ToDomain(uuid.New())
	if HandleRepoError(w, h.logger, domain.ValidateActionConfig(cfg), "") {
		return
	}
	if HandleRepoError(w, h.logger, h.store.CreateActionConfig(r.Context(), cfg), "") {
		return
	}

	h.logger.Info("action config created", "config_id", cfg.ID, "name", cfg.Name, "type", cfg.Type)
	Created(w, cfg)
}

// GetActionConfig возвращает конфигурацию по ID.
// GET /api/v1/action-configs/{id}
func (h *Handler) GetActionConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid action config id")
		return
	}

	cfg, err := h.store.GetActionConfig(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "action config not found") {
		return
	}
	Success(w, cfg)
}

// UpdateActionConfig заменяет конфигурацию.
// PUT /api/v1/action-configs/{id}
func (h *Handler) UpdateActionConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid action config id")
		return
	}

	var req ActionConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	cfg := req.ToDomain(id)
	if HandleRepoError(w, h.logger, domain.ValidateActionConfig(cfg), "") {
		return
	}
	if HandleRepoError(w, h.logger, h.store.UpdateActionConfig(r.Context(), cfg), "action config not found") {
		return
	}

	h.logger.Info("action config updated", "config_id", id)
	Success(w, cfg)
}

// DeleteActionConfig удаляет конфигурацию. Ссылки из workflows не проверяются:
// действие с такой ссылкой упадёт при выполнении.
// DELETE /api/v1/action-configs/{id}
func (h *Handler) DeleteActionConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid action config id")
		return
	}

	if HandleRepoError(w, h.logger, h.store.DeleteActionConfig(r.Context(), id), "action config not found") {
		return
	}

	h.logger.Info("action config deleted", "config_id", id)
	NoContent(w)
}
