package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/repo"
)

// Store: хранилище, которым пользуется API.
// Реализуется repo.PGStore и repo.MemoryStore.
type Store interface {
	Ping(ctx context.Context) error

	CreateWorkflow(ctx context.Context, wf *domain.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]domain.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, wf *domain.WorkflowDefinition) error
	SetWorkflowEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error

	CreateActionConfig(ctx context.Context, cfg *domain.ActionConfigDefinition) error
	GetActionConfig(ctx context.Context, id uuid.UUID) (*domain.ActionConfigDefinition, error)
	ListActionConfigs(ctx context.Context) ([]domain.ActionConfigDefinition, error)
	UpdateActionConfig(ctx context.Context, cfg *domain.ActionConfigDefinition) error
	DeleteActionConfig(ctx context.Context, id uuid.UUID) error

	GetExecution(ctx context.Context, id uuid.UUID) (*domain.WorkflowExecutionRecord, error)
	ListExecutionsByWorkflow(ctx context.Context, workflowID uuid.UUID, filter repo.ExecutionFilter) ([]domain.WorkflowExecutionRecord, error)
	ListRecentExecutions(ctx context.Context, filter repo.ExecutionFilter) ([]domain.WorkflowExecutionRecord, error)
}

// Handler: главный обработчик API с зависимостями.
type Handler struct {
	store       Store
	corsOrigins []string
	now         func() time.Time
	logger      *slog.Logger
}

// Config: конфигурация для создания Handler.
type Config struct {
	Store       Store
	CORSOrigins []string // пусто: CORS выключен
	Now         func() time.Time
	Logger      *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       cfg.Store,
		corsOrigins: cfg.CORSOrigins,
		now:         now,
		logger:      logger.With("component", "api"),
	}
}
