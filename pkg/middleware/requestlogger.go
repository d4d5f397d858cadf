package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/selfscan-checkout/pkg/logger"
)

// ProjectIDHeader names the tenant project a request belongs to.
const ProjectIDHeader = "X-Project-ID"

// RequestLogger stores a logger enriched with correlation_id, project_id,
// trace_id and span_id in the request context. Mount it after
// RequestLogging and Tracing so those values are already present.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if project := r.Header.Get(ProjectIDHeader); project != "" {
				ctx = logger.WithProjectID(ctx, project)
			}
			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
