package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/celerywatch/internal/api"
	"github.com/shaiso/celerywatch/internal/orchestrator"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// healthResponse: тело /healthz движка.
type healthResponse struct {
	Status string             `json:"status"`
	Error  string             `json:"error,omitempty"`
	Engine orchestrator.Stats `json:"engine"`
}

// newStatusRouter: служебные маршруты движка.
// source: источник событий с Ping (Redis) или nil.
func newStatusRouter(engine *orchestrator.Engine, db, source pinger, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()

	// GET /healthz: 503, пока индекс не загружен или БД недоступна.
	// Degraded журнал или недоступный Redis дают "degraded" с кодом 200:
	// оба восстанавливаются без рестарта.
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		resp := healthResponse{Status: "ok", Engine: engine.Stats()}
		status := http.StatusOK

		if err := engine.Ready(); err != nil {
			resp.Status, resp.Error, status = "unavailable", err.Error(), http.StatusServiceUnavailable
		} else if err := db.Ping(req.Context()); err != nil {
			logger.Warn("health check: database unavailable", "error", err)
			resp.Status, resp.Error, status = "unavailable", "database unavailable", http.StatusServiceUnavailable
		} else if source != nil && source.Ping(req.Context()) != nil {
			resp.Status, resp.Error = "degraded", "event source unavailable"
		} else if resp.Engine.LedgerDegraded {
			resp.Status = "degraded"
		}

		api.JSON(w, status, resp)
	}).Methods(http.MethodGet)

	// GET /executions/active: выполнения в процессе
	r.HandleFunc("/executions/active", func(w http.ResponseWriter, _ *http.Request) {
		active := engine.ActiveExecutions()
		api.List(w, active, len(active))
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return api.Chain(api.Recovery(logger))(r)
}
