package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/celerywatch/internal/actions"
	"github.com/shaiso/celerywatch/internal/admission"
	"github.com/shaiso/celerywatch/internal/ledger"
	"github.com/shaiso/celerywatch/internal/orchestrator"
	"github.com/shaiso/celerywatch/internal/repo"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthy(context.Context) error { return nil }

func down(context.Context) error { return errors.New("connection refused") }

func newTestEngine(t *testing.T, loaded bool) *orchestrator.Engine {
	t.Helper()
	store := repo.NewMemoryStore()
	engine := orchestrator.New(orchestrator.Config{
		Store:     store,
		Ledger:    ledger.New(ledger.Config{Store: store}),
		Pipeline:  actions.NewPipeline(actions.PipelineConfig{Registry: actions.NewRegistry(actions.Deps{}), Configs: store}),
		Admission: admission.NewController(),
	})
	if loaded {
		require.NoError(t, engine.Reload(context.Background()))
	}
	return engine
}

func TestStatusRouter_Healthz(t *testing.T) {
	tests := []struct {
		name       string
		loaded     bool
		db         pinger
		source     pinger
		wantCode   int
		wantStatus string
	}{
		{"ok without redis", true, pingFunc(healthy), nil, http.StatusOK, "ok"},
		{"ok with redis", true, pingFunc(healthy), pingFunc(healthy), http.StatusOK, "ok"},
		{"redis down", true, pingFunc(healthy), pingFunc(down), http.StatusOK, "degraded"},
		{"database down", true, pingFunc(down), pingFunc(healthy), http.StatusServiceUnavailable, "unavailable"},
		{"index not loaded", false, pingFunc(healthy), nil, http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newStatusRouter(newTestEngine(t, tt.loaded), tt.db, tt.source, slog.Default())

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)

			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}
