package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	appanalyses "github.com/meridian-imaging/mlgate/internal/application/analyses"
	appapikeys "github.com/meridian-imaging/mlgate/internal/application/apikeys"
	"github.com/meridian-imaging/mlgate/internal/auth"
	"github.com/meridian-imaging/mlgate/internal/domain/faults"
	"github.com/meridian-imaging/mlgate/internal/middleware"
)

type Router struct {
	analysesSvc *appanalyses.Service
	keysSvc     *appapikeys.Service
	validate    *validator.Validate
	log         zerolog.Logger
}

// Options carries the pieces the HTTP layer wires together. The
// dispatcher decides auth per surface; everything else is plumbing.
type Options struct {
	Analyses   *appanalyses.Service
	ApiKeys    *appapikeys.Service
	Dispatcher *auth.Dispatcher
	Metrics    *middleware.Metrics
	Health     map[string]middleware.HealthChecker
	Log        zerolog.Logger

	AllowedOrigins []string
	RateLimit      int
	RateWindow     time.Duration
	MaxBodyBytes   int64
}

func NewRouter(opts Options) http.Handler {
	r := &Router{
		analysesSvc: opts.Analyses,
		keysSvc:     opts.ApiKeys,
		validate:    validator.New(),
		log:         opts.Log,
	}

	mux := chi.NewRouter()
	mux.Use(opts.Metrics.Middleware)
	mux.Use(middleware.Logging(opts.Log))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	mux.Use(httprate.LimitByIP(opts.RateLimit, opts.RateWindow))

	mux.Get("/health", middleware.HealthHandler(opts.Health))
	mux.Get("/ready", middleware.ReadinessHandler)
	mux.Get("/live", middleware.LivenessHandler)
	mux.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	authed := func(rt chi.Router) {
		rt.Use(middleware.CaptureBody(opts.MaxBodyBytes))
		rt.Use(middleware.Authenticate(opts.Dispatcher))
	}

	// Proxy surface: browser traffic behind the auth proxy.
	mux.Route("/api/v1", func(rt chi.Router) {
		authed(rt)
		r.mountReads(rt)
		rt.Post("/api-keys", r.wrap(r.handleCreateKey))
		rt.Get("/api-keys", r.wrap(r.handleListKeys))
		rt.Delete("/api-keys/{id}", r.wrap(r.handleRevokeKey))
	})

	// Programmatic surface: API-key callers get the same reads.
	mux.Route("/api-key/v1", func(rt chi.Router) {
		authed(rt)
		r.mountReads(rt)
	})

	// Pipeline surface: signed writes from ML workers.
	mux.Route("/api-ml/v1", func(rt chi.Router) {
		authed(rt)
		rt.Post("/images/{imageID}/analyses", r.wrap(r.handleCreateAnalysis))
		rt.Patch("/analyses/{id}/status", r.wrap(r.handleUpdateStatus))
		rt.Post("/analyses/{id}/finalize", r.wrap(r.handleFinalize))
		rt.Post("/analyses/{id}/annotations/bulk", r.wrap(r.handleBulkAnnotations))
		rt.Post("/analyses/{id}/artifacts/presign", r.wrap(r.handlePresign))
	})

	return mux
}

func (r *Router) mountReads(rt chi.Router) {
	rt.Get("/images/{imageID}/analyses", r.wrap(r.handleListForImage))
	rt.Get("/analyses/{id}", r.wrap(r.handleGetAnalysis))
	rt.Get("/analyses/{id}/annotations", r.wrap(r.handleListAnnotations))
	rt.Get("/analyses/{id}/export", r.wrap(r.handleExport))
	rt.Get("/artifacts/download", r.wrap(r.handleDownload))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap turns handler errors into the wire shape {"kind","reason"}.
// Unknown errors and validator errors are normalized first so handlers
// can return them raw.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		if _, ok := err.(validator.ValidationErrors); ok {
			err = faults.Wrap(faults.ValidationFailed, err.Error(), err)
		}
		kind := faults.KindOf(err)
		reason := faults.Reason(err)
		if kind == faults.Internal || kind == faults.ServerMisconfigured {
			r.log.Error().Err(err).
				Str("path", req.URL.Path).
				Msg("request failed")
			reason = "internal error"
			if kind == faults.ServerMisconfigured {
				reason = "server configuration error"
			}
		}
		writeJSON(w, faults.HTTPStatus(kind), map[string]string{
			"kind":   string(kind),
			"reason": reason,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode parses and validates a JSON body in one step.
func (r *Router) decode(req *http.Request, dst any) error {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		return faults.Wrap(faults.ValidationFailed, "malformed JSON body", err)
	}
	return r.validate.Struct(dst)
}
