package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tr := transientErr("ltp", 503, errors.New("upstream down"))
	assert.True(t, IsTransient(tr))
	assert.False(t, IsPermanent(tr))
	assert.False(t, IsRateLimited(tr))

	rl := rateLimitedErr("option_chain")
	assert.True(t, IsRateLimited(rl))
	assert.Equal(t, 429, rl.Status)

	pm := permanentErr("place_order", 401, "token expired")
	assert.True(t, IsPermanent(pm))
	assert.False(t, IsTransient(pm))
}

func TestErrorClassificationSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := permanentErr("ltp", 400, "bad instrument key")
	wrapped := fmt.Errorf("refresh spot: %w", inner)
	assert.True(t, IsPermanent(wrapped))

	assert.False(t, IsPermanent(errors.New("plain")))
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()

	e := permanentErr("place_order", 401, "token expired")
	assert.Contains(t, e.Error(), "place_order")
	assert.Contains(t, e.Error(), "permanent")
	assert.Contains(t, e.Error(), "401")

	noStatus := transientErr("ltp", 0, errors.New("dial tcp: timeout"))
	assert.NotContains(t, noStatus.Error(), "status")
}

func TestAPIErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	e := transientErr("ohlc", 0, cause)
	assert.ErrorIs(t, e, cause)
}
