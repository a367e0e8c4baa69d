package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalWrapsCause(t *testing.T) {
	root := errors.New("disk full")
	err := Internal("persist snapshot", root)

	assert.Equal(t, KindInternal, KindOf(err))
	assert.ErrorIs(t, err, root)
	assert.Contains(t, err.Error(), "persist snapshot")
	assert.Contains(t, err.Error(), "disk full")

	// A nil cause is allowed and stays unwrappable to nothing.
	bare := Internal("invariant violated", nil)
	assert.Nil(t, errors.Unwrap(bare))
}

func TestTransientWrapsCause(t *testing.T) {
	root := fmt.Errorf("connection reset")
	err := Transient("upstream hiccup", root)
	assert.Equal(t, KindTransient, KindOf(err))
	assert.ErrorIs(t, err, root)
}

func TestWrapPreservesExistingClassification(t *testing.T) {
	inner := Validation("bad field")
	wrapped := Wrap(KindTransient, "retrying op", inner)
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("x"), http.StatusBadRequest},
		{Auth("x"), http.StatusUnauthorized},
		{NotFound("x"), http.StatusNotFound},
		{Conflict("x"), http.StatusConflict},
		{RateLimited("x", time.Second), http.StatusTooManyRequests},
		{CircuitOpen("pms", time.Now().Add(time.Minute)), http.StatusServiceUnavailable},
		{Timeout("x"), http.StatusGatewayTimeout},
		{Internal("x", errors.New("boom")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err))
	}
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, IsRetryable(Transient("x", nil)))
	assert.True(t, IsRetryable(RateLimited("x", time.Second)))
	assert.False(t, IsRetryable(Timeout("x")))
	assert.False(t, IsRetryable(Internal("x", nil)))
	assert.False(t, IsRetryable(Validation("x")))
}

func TestFromHTTPStatusUpstream5xxIsTransient(t *testing.T) {
	err := FromHTTPStatus(http.StatusBadGateway, "pms call", 0)
	require.Equal(t, KindTransient, KindOf(err))
}
