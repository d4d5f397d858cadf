package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/selfscan-checkout/internal/retry"
	"github.com/utafrali/selfscan-checkout/internal/service"
	"github.com/utafrali/selfscan-checkout/pkg/httputil"
)

// RetryQueueHandler handles HTTP requests for the retry queue endpoints.
type RetryQueueHandler struct {
	queues *service.RetryQueues
	logger *slog.Logger
}

// NewRetryQueueHandler creates a new retry queue HTTP handler.
func NewRetryQueueHandler(queues *service.RetryQueues, logger *slog.Logger) *RetryQueueHandler {
	return &RetryQueueHandler{
		queues: queues,
		logger: logger,
	}
}

type savedCartsResponse struct {
	ProjectID  string            `json:"project_id"`
	SavedCarts []retry.SavedCart `json:"saved_carts"`
}

// List handles GET /api/v1/retry-queue/{project}
func (h *RetryQueueHandler) List(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	carts, err := h.queues.Queue(project).List(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: savedCartsResponse{ProjectID: project, SavedCarts: carts}})
}

// Flush handles POST /api/v1/retry-queue/{project}/flush and waits for the
// pass to finish.
func (h *RetryQueueHandler) Flush(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	res, err := h.queues.Queue(project).Flush(r.Context())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: res})
}
