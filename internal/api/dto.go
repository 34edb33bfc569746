package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/engine"
)

// WorkflowRequest: тело POST и PUT /workflows.
// Счётчики и временные метки задаёт сервер.
type WorkflowRequest struct {
	Name                 string                       `json:"name"`
	Description          string                       `json:"description"`
	Enabled              bool                         `json:"enabled"`
	Trigger              domain.Trigger               `json:"trigger"`
	Conditions           *domain.ConditionGroup       `json:"conditions"`
	Actions              []domain.ActionConfig        `json:"actions"`
	Priority             int                          `json:"priority"`
	CooldownSeconds      int                          `json:"cooldown_seconds"`
	MaxExecutionsPerHour int                          `json:"max_executions_per_hour"`
	CircuitBreaker       *domain.CircuitBreakerConfig `json:"circuit_breaker"`
}

// ToDomain собирает определение workflow из запроса.
func (req *WorkflowRequest) ToDomain(id uuid.UUID) *domain.WorkflowDefinition {
	actions := req.Actions
	if actions == nil {
		actions = []domain.ActionConfig{}
	}
	return &domain.WorkflowDefinition{
		ID:                   id,
		Name:                 req.Name,
		Description:          req.Description,
		Enabled:              req.Enabled,
		Trigger:              domain.Trigger{Type: domain.NormalizeEventType(req.Trigger.Type), Config: req.Trigger.Config},
		Conditions:           req.Conditions,
		Actions:              actions,
		Priority:             req.Priority,
		CooldownSeconds:      req.CooldownSeconds,
		MaxExecutionsPerHour: req.MaxExecutionsPerHour,
		CircuitBreaker:       req.CircuitBreaker,
	}
}

// SetEnabledRequest: тело PUT /workflows/{id}/enabled.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// ActionConfigRequest: тело POST и PUT /action-configs.
type ActionConfigRequest struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Config      map[string]any `json:"config"`
	Description string         `json:"description"`
}

// ToDomain собирает конфигурацию действия из запроса.
func (req *ActionConfigRequest) ToDomain(id uuid.UUID) *domain.ActionConfigDefinition {
	cfg := req.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return &domain.ActionConfigDefinition{
		ID:          id,
		Name:        req.Name,
		Type:        req.Type,
		Config:      cfg,
		Description: req.Description,
	}
}

// TestWorkflowResponse: результат dry-run.
type TestWorkflowResponse struct {
	WorkflowID uuid.UUID      `json:"workflow_id"`
	Event      map[string]any `json:"event"`
	*engine.Simulation
}

// pathID разбирает {id} из пути.
func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}
