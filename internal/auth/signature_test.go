package auth

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-imaging/mlgate/internal/domain/faults"
)

func fixedVerifier(secret string) *Verifier {
	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	return NewVerifier(secret, 300*time.Second).WithClock(func() time.Time { return at })
}

func epochAt(v *Verifier, offset time.Duration) string {
	return strconv.FormatInt(v.now().Add(offset).Unix(), 10)
}

func TestVerifyRoundtrip(t *testing.T) {
	v := fixedVerifier("shared-secret")
	body := []byte(`{"status":"completed"}`)
	ts := epochAt(v, 0)

	sig := v.Sign(ts, body)
	require.NoError(t, v.Verify(SignedRequest{Body: body, Timestamp: ts, Signature: sig}))
}

func TestVerifyRFC3339Timestamp(t *testing.T) {
	v := fixedVerifier("shared-secret")
	body := []byte(`{}`)
	ts := v.now().Format(time.RFC3339)

	sig := v.Sign(ts, body)
	require.NoError(t, v.Verify(SignedRequest{Body: body, Timestamp: ts, Signature: sig}))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := fixedVerifier("shared-secret")
	ts := epochAt(v, 0)
	sig := v.Sign(ts, []byte(`{"status":"completed"}`))

	err := v.Verify(SignedRequest{Body: []byte(`{"status":"failed"}`), Timestamp: ts, Signature: sig})
	assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := fixedVerifier("shared-secret")
	body := []byte(`{"n":1}`)
	ts := epochAt(v, 0)
	sig := v.Sign(ts, body)

	// flip one hex digit
	last := sig[len(sig)-1]
	flip := byte('0')
	if last == '0' {
		flip = '1'
	}
	bad := sig[:len(sig)-1] + string(flip)

	err := v.Verify(SignedRequest{Body: body, Timestamp: ts, Signature: bad})
	assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
}

func TestVerifyRejectsTimestampSubstitution(t *testing.T) {
	// Signature covers timestamp "." body, so the same body signed at a
	// different instant must not verify.
	v := fixedVerifier("shared-secret")
	body := []byte(`{"n":1}`)
	sig := v.Sign(epochAt(v, 0), body)

	err := v.Verify(SignedRequest{Body: body, Timestamp: epochAt(v, 10*time.Second), Signature: sig})
	assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
}

func TestVerifySkewWindow(t *testing.T) {
	v := fixedVerifier("shared-secret")
	body := []byte(`{}`)

	cases := []struct {
		offset time.Duration
		ok     bool
	}{
		{0, true},
		{-299 * time.Second, true},
		{299 * time.Second, true},
		{-301 * time.Second, false},
		{301 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("offset_%s", tc.offset), func(t *testing.T) {
			ts := epochAt(v, tc.offset)
			err := v.Verify(SignedRequest{Body: body, Timestamp: ts, Signature: v.Sign(ts, body)})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
			}
		})
	}
}

func TestVerifyRejectsBadTimestamp(t *testing.T) {
	v := fixedVerifier("shared-secret")
	err := v.Verify(SignedRequest{Body: nil, Timestamp: "yesterday", Signature: "sha256=00"})
	assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
}

func TestVerifyRejectsMissingPrefix(t *testing.T) {
	v := fixedVerifier("shared-secret")
	body := []byte(`{}`)
	ts := epochAt(v, 0)
	raw := v.Sign(ts, body)[len("sha256="):]

	err := v.Verify(SignedRequest{Body: body, Timestamp: ts, Signature: raw})
	assert.Equal(t, faults.SignatureInvalid, faults.KindOf(err))
}

func TestVerifyMissingSecretIsOperatorError(t *testing.T) {
	// An unset secret must read as a server problem, never as a caller
	// authentication failure.
	v := fixedVerifier("")
	ts := epochAt(v, 0)

	err := v.Verify(SignedRequest{Body: []byte(`{}`), Timestamp: ts, Signature: "sha256=abc"})
	assert.Equal(t, faults.ServerMisconfigured, faults.KindOf(err))
}

func TestVerifyEmptyBody(t *testing.T) {
	v := fixedVerifier("shared-secret")
	ts := epochAt(v, 0)
	sig := v.Sign(ts, nil)
	require.NoError(t, v.Verify(SignedRequest{Body: nil, Timestamp: ts, Signature: sig}))
}
