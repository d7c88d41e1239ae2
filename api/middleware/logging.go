package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/dispatchcore/pkg/logger"
	"github.com/angelmondragon/dispatchcore/pkg/types"
)

// statusRecorder remembers what the handler wrote so the access log can
// report it after the fact.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// requestTrace collects facts resolved deeper in the chain (the actor) so the
// access line written by Logging can include them.
type requestTrace struct {
	actor *types.Actor
}

const ctxTrace contextKey = "request_trace"

func noteActor(ctx context.Context, actor types.Actor) {
	if trace, ok := ctx.Value(ctxTrace).(*requestTrace); ok {
		trace.actor = &actor
	}
}

// Logging writes one access line per request. Server errors log at error
// level, client errors at warn, everything else at info.
func Logging(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logg == nil {
				next.ServeHTTP(w, r)
				return
			}
			trace := &requestTrace{}
			ctx := context.WithValue(r.Context(), ctxTrace, trace)
			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()

			next.ServeHTTP(rec, r.WithContext(ctx))

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			fields := map[string]any{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       rec.bytes,
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					fields["route"] = pattern
				}
				if orderID := rctx.URLParam("orderId"); orderID != "" {
					fields["order_id"] = orderID
				}
				if driverID := rctx.URLParam("driverId"); driverID != "" {
					fields["driver_id"] = driverID
				}
			}
			logCtx := logg.WithFields(ctx, fields)
			if trace.actor != nil {
				logCtx = logg.WithActor(logCtx, string(trace.actor.Type), trace.actor.ID.String())
			}

			switch {
			case status >= http.StatusInternalServerError:
				logg.Error(logCtx, "request failed", nil)
			case status >= http.StatusBadRequest:
				logg.Warn(logCtx, "request rejected")
			default:
				logg.Info(logCtx, "request served")
			}
		})
	}
}
