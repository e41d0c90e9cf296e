package auth

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

// Surface identifies which of the three route surfaces a request
// arrived on. Exactly one authentication strategy is bound to each;
// there is no trial-and-fallback between them.
type Surface string

const (
	SurfaceProxy    Surface = "proxy"
	SurfaceAPIKey   Surface = "api-key"
	SurfacePipeline Surface = "pipeline"
	SurfaceNone     Surface = ""
)

// SurfaceForPath is a pure function of the route prefix.
func SurfaceForPath(path string) Surface {
	switch {
	case strings.HasPrefix(path, "/api-ml/"):
		return SurfacePipeline
	case strings.HasPrefix(path, "/api-key/"):
		return SurfaceAPIKey
	case strings.HasPrefix(path, "/api/"):
		return SurfaceProxy
	}
	return SurfaceNone
}

// Caller is the single normalized result every strategy produces.
type Caller struct {
	Subject          string
	KeyID            string
	Surface          Surface
	PipelineVerified bool
}

// strategy authenticates one request against one credential kind. The
// raw body is passed explicitly so signature checks cover the exact
// bytes the caller hashed.
type strategy interface {
	authenticate(r *http.Request, rawBody []byte) (*Caller, error)
}

// ProxyConfig carries the reverse-proxy trust boundary settings,
// injected once at construction.
type ProxyConfig struct {
	SharedSecret string
	UserHeader   string
	SecretHeader string
}

// Dispatcher routes a request to the strategy its surface is bound to.
type Dispatcher struct {
	strategies map[Surface]strategy
	log        zerolog.Logger
}

func NewDispatcher(proxy ProxyConfig, resolver *KeyResolver, verifier *Verifier, log zerolog.Logger) *Dispatcher {
	apiKey := &apiKeyStrategy{resolver: resolver}
	return &Dispatcher{
		strategies: map[Surface]strategy{
			SurfaceProxy:    &proxyStrategy{cfg: proxy},
			SurfaceAPIKey:   apiKey,
			SurfacePipeline: &pipelineStrategy{apiKey: apiKey, verifier: verifier},
		},
		log: log,
	}
}

// Authenticate decides, before any business logic runs, whether the
// request is authenticated and as whom.
func (d *Dispatcher) Authenticate(r *http.Request, rawBody []byte) (*Caller, error) {
	surface := SurfaceForPath(r.URL.Path)
	s, ok := d.strategies[surface]
	if !ok {
		return nil, faults.New(faults.NotFound, "not found")
	}
	caller, err := s.authenticate(r, rawBody)
	if err != nil {
		d.audit(r, surface, err)
		return nil, err
	}
	caller.Surface = surface
	return caller, nil
}

// audit keeps SignatureInvalid, CredentialInvalid and
// ServerMisconfigured separable in logs even though the HTTP responses
// deliberately blur some of them together.
func (d *Dispatcher) audit(r *http.Request, surface Surface, err error) {
	kind := faults.KindOf(err)
	ev := d.log.Warn()
	if kind == faults.ServerMisconfigured {
		ev = d.log.Error()
	}
	ev.Str("event", auditEvent(kind)).
		Str("surface", string(surface)).
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Msg("authentication rejected")
}

func auditEvent(kind faults.Kind) string {
	switch kind {
	case faults.SignatureInvalid:
		return "signature_invalid"
	case faults.ServerMisconfigured:
		return "server_misconfigured"
	case faults.CredentialMissing:
		return "credential_missing"
	default:
		return "auth_rejected"
	}
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// proxyStrategy trusts a reverse proxy to have stamped a verified user
// identity header plus a shared-secret header. Both are proxy-supplied;
// browsers never set them directly.
type proxyStrategy struct {
	cfg ProxyConfig
}

func (s *proxyStrategy) authenticate(r *http.Request, _ []byte) (*Caller, error) {
	if s.cfg.SharedSecret == "" {
		return nil, faults.New(faults.ServerMisconfigured, "server configuration error")
	}
	secret := r.Header.Get(s.cfg.SecretHeader)
	if secret == "" {
		return nil, faults.New(faults.CredentialMissing, "proxy credentials required")
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.SharedSecret)) != 1 {
		return nil, faults.New(faults.CredentialInvalid, "invalid proxy authentication")
	}
	user := strings.ToLower(strings.TrimSpace(r.Header.Get(s.cfg.UserHeader)))
	if user == "" {
		return nil, faults.Newf(faults.CredentialMissing, "missing %s header", s.cfg.UserHeader)
	}
	if !emailPattern.MatchString(user) {
		return nil, faults.Newf(faults.CredentialInvalid, "invalid %s header", s.cfg.UserHeader)
	}
	return &Caller{Subject: user}, nil
}

// apiKeyStrategy requires a bearer credential. No credential means
// reject; there is no fallback to the proxy strategy.
type apiKeyStrategy struct {
	resolver *KeyResolver
}

func (s *apiKeyStrategy) authenticate(r *http.Request, _ []byte) (*Caller, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, faults.New(faults.CredentialMissing, "API key required")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, faults.New(faults.CredentialMissing, "API key required")
	}
	key, err := s.resolver.Resolve(r.Context(), raw)
	if err != nil {
		return nil, faults.Wrap(faults.Internal, "internal error", err)
	}
	if key == nil {
		return nil, faults.New(faults.CredentialInvalid, "invalid API key")
	}
	return &Caller{Subject: key.UserEmail, KeyID: string(key.ID)}, nil
}

// pipelineStrategy layers an HMAC body signature on top of the api-key
// strategy. Both layers must pass; there is no partial success.
type pipelineStrategy struct {
	apiKey   *apiKeyStrategy
	verifier *Verifier
}

func (s *pipelineStrategy) authenticate(r *http.Request, rawBody []byte) (*Caller, error) {
	caller, err := s.apiKey.authenticate(r, rawBody)
	if err != nil {
		return nil, err
	}
	sig := r.Header.Get("X-ML-Signature")
	ts := r.Header.Get("X-ML-Timestamp")
	if sig == "" || ts == "" {
		return nil, faults.New(faults.CredentialMissing, "request signature required")
	}
	if err := s.verifier.Verify(SignedRequest{Body: rawBody, Timestamp: ts, Signature: sig}); err != nil {
		return nil, err
	}
	caller.PipelineVerified = true
	return caller, nil
}
