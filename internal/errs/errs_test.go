package errs

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindClassification(t *testing.T) {
	assert.True(t, IsTransient(Transient("mailbox full")))
	assert.False(t, IsTransient(Application("not_found", "missing")))
	assert.False(t, IsTransient(System("invariant broken")))

	// Wrapping preserves both kind and the underlying chain.
	base := errors.New("connection refused")
	wrapped := TransientWrap(base, "dial silo")
	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)

	// Untyped errors default to system: never retried, never surfaced
	// as a business rejection.
	assert.Equal(t, KindSystem, KindOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Application("bad_request", "nope"), http.StatusBadRequest},
		{Application("not_found", "missing"), http.StatusNotFound},
		{Auth("unauthorized", "who are you"), http.StatusUnauthorized},
		{Auth("forbidden", "admins only"), http.StatusForbidden},
		{RateLimited("standard", 30 * time.Second), http.StatusTooManyRequests},
		{Transient("try again"), http.StatusServiceUnavailable},
		{System("broken"), http.StatusInternalServerError},
		{errors.New("untyped"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "for %v", tc.err)
	}
}

func TestWireRoundTrip(t *testing.T) {
	in := RateLimited("auth", 5*time.Minute)
	out := Decode(Encode(in))

	var te *Error
	require.ErrorAs(t, out, &te)
	assert.Equal(t, KindRateLimited, te.Kind)
	assert.Equal(t, "auth", te.Policy)
	assert.Equal(t, 5*time.Minute, te.RetryAfter)

	// Application code survives the wire so the gateway can status-map it.
	out = Decode(Encode(Application("txn_aborted", "conflict")))
	require.ErrorAs(t, out, &te)
	assert.Equal(t, KindApplication, te.Kind)
	assert.Equal(t, "txn_aborted", te.Code)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(out))
}

func TestEncodeUntypedBecomesSystem(t *testing.T) {
	out := Decode(Encode(errors.New("postgres exploded")))
	var te *Error
	require.ErrorAs(t, out, &te)
	assert.Equal(t, KindSystem, te.Kind)
	assert.False(t, IsTransient(out))
}

func TestDecodeGarbageIsSystem(t *testing.T) {
	out := Decode([]byte("not json at all"))
	assert.Equal(t, KindSystem, KindOf(out))
}
