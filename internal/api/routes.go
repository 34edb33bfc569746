package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router собирает маршрутизатор API вместе с /healthz и /metrics.
func (h *Handler) Router() http.Handler {
	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		NotFound(w, "route not found")
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w)
	})

	root.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	h.RegisterRoutes(root)

	// Recovery и Logging снаружи mux: покрывают и ответы 404/405.
	handler := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)(root)
	if len(h.corsOrigins) > 0 {
		handler = CORS(h.corsOrigins)(handler)
	}
	return handler
}

// APIPrefix: префикс всех маршрутов API.
const APIPrefix = "/api/v1"

// RegisterRoutes регистрирует маршруты API с префиксом APIPrefix.
func (h *Handler) RegisterRoutes(root *mux.Router) {
	r := prefixed{root}

	// Executions: /workflows/executions/recent регистрируется раньше /workflows/{id}
	r.HandleFunc("/workflows/executions/recent", h.ListRecentExecutions).Methods(http.MethodGet)
	r.HandleFunc("/executions/{id}", h.GetExecution).Methods(http.MethodGet)

	// Workflows
	r.HandleFunc("/workflows", h.ListWorkflows).Methods(http.MethodGet)
	r.HandleFunc("/workflows", h.CreateWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/workflows/{id}", h.UpdateWorkflow).Methods(http.MethodPut)
	r.HandleFunc("/workflows/{id}", h.DeleteWorkflow).Methods(http.MethodDelete)
	r.HandleFunc("/workflows/{id}/enabled", h.SetWorkflowEnabled).Methods(http.MethodPut)
	r.HandleFunc("/workflows/{id}/test", h.TestWorkflow).Methods(http.MethodPost)
	r.HandleFunc("/workflows/{id}/executions", h.ListWorkflowExecutions).Methods(http.MethodGet)

	// Action configs
	r.HandleFunc("/action-configs", h.ListActionConfigs).Methods(http.MethodGet)
	r.HandleFunc("/action-configs", h.CreateActionConfig).Methods(http.MethodPost)
	r.HandleFunc("/action-configs/{id}", h.GetActionConfig).Methods(http.MethodGet)
	r.HandleFunc("/action-configs/{id}", h.UpdateActionConfig).Methods(http.MethodPut)
	r.HandleFunc("/action-configs/{id}", h.DeleteActionConfig).Methods(http.MethodDelete)
}

// prefixed добавляет APIPrefix к пути маршрута.
type prefixed struct{ *mux.Router }

func (p prefixed) HandleFunc(path string, f func(http.ResponseWriter, *http.Request)) *mux.Route {
	return p.Router.HandleFunc(APIPrefix+path, f)
}

// Health проверяет доступность хранилища.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		Unavailable(w, "store unavailable")
		return
	}
	Success(w, map[string]string{"status": "ok"})
}
