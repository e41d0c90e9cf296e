package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

type bodyKeyType struct{}

var bodyKey bodyKeyType

// CaptureBody reads the raw request body once, early, and stashes the
// exact bytes in the context. Signature verification must run over
// these bytes — re-serializing parsed JSON would change them and break
// every correctly signed request.
func CaptureBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
			if err != nil {
				http.Error(w, "failed to read request body", http.StatusBadRequest)
				return
			}
			if int64(len(raw)) > maxBytes {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(raw))
			ctx := context.WithValue(r.Context(), bodyKey, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RawBody returns the captured body bytes, or nil when none were read.
func RawBody(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyKey).([]byte); ok {
		return b
	}
	return nil
}
