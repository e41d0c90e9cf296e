package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/meridian-imaging/mlgate/internal/auth"
	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

type callerKeyType struct{}

var callerKey callerKeyType

// Authenticate runs the dispatcher before any handler. A rejection is
// decided and written here; auth failures never reach business logic
// and never surface through a generic recover path.
func Authenticate(d *auth.Dispatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := d.Authenticate(r, RawBody(r.Context()))
			if err != nil {
				kind := faults.KindOf(err)
				writeRejection(w, kind, faults.Reason(err))
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the authenticated caller, or nil outside an
// authenticated route.
func CallerFromContext(ctx context.Context) *auth.Caller {
	if c, ok := ctx.Value(callerKey).(*auth.Caller); ok {
		return c
	}
	return nil
}

func writeRejection(w http.ResponseWriter, kind faults.Kind, reason string) {
	if kind == faults.ServerMisconfigured || kind == faults.Internal {
		// Operator errors keep their distinct status but leak nothing.
		reason = "server configuration error"
		if kind == faults.Internal {
			reason = "internal error"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(faults.HTTPStatus(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"kind":   string(kind),
		"reason": reason,
	})
}
