package api

import (
	"net/http"
	"strconv"

	"github.com/shaiso/celerywatch/internal/domain"
	"github.com/shaiso/celerywatch/internal/repo"
)

// ListWorkflowExecutions возвращает журнал выполнений workflow, новые первыми.
// Записи удалённых workflows тоже доступны.
// GET /api/v1/workflows/{id}/executions?status=&limit=&offset=
func (h *Handler) ListWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid workflow id")
		return
	}

	filter, ok := parseExecutionFilter(w, r)
	if !ok {
		return
	}

	execs, err := h.store.ListExecutionsByWorkflow(r.Context(), id, filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	List(w, execs, len(execs))
}

// ListRecentExecutions возвращает последние выполнения всех workflows.
// GET /api/v1/workflows/executions/recent?status=&limit=&offset=
func (h *Handler) ListRecentExecutions(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseExecutionFilter(w, r)
	if !ok {
		return
	}

	execs, err := h.store.ListRecentExecutions(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	List(w, execs, len(execs))
}

// GetExecution возвращает запись журнала по ID.
// GET /api/v1/executions/{id}
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		BadRequest(w, "invalid execution id")
		return
	}

	rec, err := h.store.GetExecution(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "execution not found") {
		return
	}
	Success(w, rec)
}

// parseExecutionFilter читает status, limit и offset из query.
// При ошибке ответ уже отправлен.
func parseExecutionFilter(w http.ResponseWriter, r *http.Request) (repo.ExecutionFilter, bool) {
	q := r.URL.Query()
	var filter repo.ExecutionFilter

	if s := q.Get("status"); s != "" {
		status := domain.ExecutionStatus(s)
		if !status.IsValid() {
			BadRequest(w, "unknown status: "+s)
			return filter, false
		}
		filter.Status = status
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			BadRequest(w, "limit must be a positive integer")
			return filter, false
		}
		filter.Limit = n
	}

	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			BadRequest(w, "offset must be a non-negative integer")
			return filter, false
		}
		filter.Offset = n
	}

	return filter, true
}
