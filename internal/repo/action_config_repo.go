package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/celerywatch/internal/domain"
)

// ActionConfigRepo: репозиторий переиспользуемых конфигураций действий.
type ActionConfigRepo struct {
	pool *pgxpool.Pool
}

// NewActionConfigRepo создаёт новый ActionConfigRepo.
func NewActionConfigRepo(pool *pgxpool.Pool) *ActionConfigRepo {
	return &ActionConfigRepo{pool: pool}
}

const actionConfigColumns = `id, name, type, config, description, created_at, updated_at`

// CreateActionConfig создаёт конфигурацию.
func (r *ActionConfigRepo) CreateActionConfig(ctx context.Context, cfg *domain.ActionConfigDefinition) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	configJSON, err := marshalConfig(cfg.Config)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO action_configs (id, name, type, config, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.pool.Exec(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.Type,
		configJSON,
		cfg.Description,
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("insert action config", err)
	}
	return nil
}

// GetActionConfig возвращает конфигурацию по ID.
func (r *ActionConfigRepo) GetActionConfig(ctx context.Context, id uuid.UUID) (*domain.ActionConfigDefinition, error) {
	query := `SELECT ` + actionConfigColumns + ` FROM action_configs WHERE id = $1`
	return scanActionConfig(r.pool.QueryRow(ctx, query, id))
}

// ListActionConfigs возвращает все конфигурации.
func (r *ActionConfigRepo) ListActionConfigs(ctx context.Context) ([]domain.ActionConfigDefinition, error) {
	query := `SELECT ` + actionConfigColumns + ` FROM action_configs ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list action configs: %w", err)
	}
	defer rows.Close()

	configs := []domain.ActionConfigDefinition{}
	for rows.Next() {
		cfg, err := scanActionConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// UpdateActionConfig обновляет конфигурацию.
func (r *ActionConfigRepo) UpdateActionConfig(ctx context.Context, cfg *domain.ActionConfigDefinition) error {
	cfg.UpdatedAt = time.Now().UTC()

	configJSON, err := marshalConfig(cfg.Config)
	if err != nil {
		return err
	}

	query := `
		UPDATE action_configs
		SET name = $2, type = $3, config = $4, description = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		cfg.ID,
		cfg.Name,
		cfg.Type,
		configJSON,
		cfg.Description,
		cfg.UpdatedAt,
	)
	if err != nil {
		return mapWriteError("update action config", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteActionConfig удаляет конфигурацию. Ссылки из workflows не
// проверяются: действие с висячим config_id упадёт при выполнении.
func (r *ActionConfigRepo) DeleteActionConfig(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM action_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete action config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalConfig(config map[string]any) ([]byte, error) {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal action config: %w", err)
	}
	return data, nil
}

func scanActionConfig(row pgx.Row) (*domain.ActionConfigDefinition, error) {
	var cfg domain.ActionConfigDefinition
	var configJSON []byte

	err := row.Scan(
		&cfg.ID,
		&cfg.Name,
		&cfg.Type,
		&configJSON,
		&cfg.Description,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan action config: %w", err)
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &cfg.Config); err != nil {
			return nil, fmt.Errorf("unmarshal action config: %w", err)
		}
	}
	return &cfg, nil
}
