package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

// Signature header format: "sha256=<hex digest>". The digest covers
// timestamp + "." + raw body, so the server must hash the exact bytes
// the pipeline hashed — any re-serialization breaks verification.
const sigPrefix = "sha256="

// SignedRequest bundles the three inputs of a signature check into one
// value so callers cannot swap argument order and still type-check.
type SignedRequest struct {
	Body      []byte
	Timestamp string
	Signature string
}

// Verifier checks pipeline request signatures against a shared secret
// and a timestamp window. The secret is injected once at construction;
// nothing here reads ambient configuration.
type Verifier struct {
	secret []byte
	skew   time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, skew time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), skew: skew, now: time.Now}
}

// WithClock replaces the time source. For tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify returns nil when the signature matches and the timestamp is
// inside the skew window. A missing secret is an operator error and is
// reported as such — it must never look like a caller auth failure.
func (v *Verifier) Verify(req SignedRequest) error {
	if len(v.secret) == 0 {
		return faults.New(faults.ServerMisconfigured, "server configuration error")
	}
	ts, err := parseTimestamp(req.Timestamp)
	if err != nil {
		return faults.New(faults.SignatureInvalid, "invalid signature timestamp")
	}
	drift := v.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return faults.New(faults.SignatureInvalid, "signature timestamp outside allowed window")
	}
	if !strings.HasPrefix(req.Signature, sigPrefix) {
		return faults.New(faults.SignatureInvalid, "invalid signature format")
	}
	provided := strings.TrimPrefix(req.Signature, sigPrefix)
	expected := v.digest(req.Timestamp, req.Body)
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return faults.New(faults.SignatureInvalid, "signature mismatch")
	}
	return nil
}

// Sign produces the signature header value for timestamp+body. Used by
// tests and by pipeline client code.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	return sigPrefix + v.digest(timestamp, body)
}

func (v *Verifier) digest(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseTimestamp accepts unix epoch seconds or RFC3339.
func parseTimestamp(s string) (int64, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, err
	}
	return t.Unix(), nil
}
