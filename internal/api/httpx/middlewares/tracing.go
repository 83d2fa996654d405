package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors"
	"github.com/jcmexdev/btc-coordinator/internal/pkg/interceptors/constants"
)

// AttachTracingMetadata copies the request id and the caller-supplied
// idempotency and owner headers into the context, from where the gateway
// forwards them to participants.
func AttachTracingMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := interceptors.WithValue(r.Context(), constants.HeaderXRequestId, middleware.GetReqID(r.Context()))
		ctx = interceptors.WithValue(ctx, constants.HeaderXIdempotencyKey, r.Header.Get(constants.HeaderXIdempotencyKey))
		ctx = interceptors.WithValue(ctx, constants.HeaderXOwnerId, r.Header.Get(constants.HeaderXOwnerId))

		if id := middleware.GetReqID(ctx); id != "" {
			w.Header().Set(constants.HeaderXRequestId, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
