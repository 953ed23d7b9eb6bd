package cyerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(NetworkError, "dial", "range-1", nil))
}

func TestWrap_FormatsWithRangeID(t *testing.T) {
	err := Wrap(VirtualizationError, "domain.Start", "range-7", errors.New("exit status 1"))
	assert.EqualError(t, err, "virtualization: range range-7: domain.Start: exit status 1")
}

func TestWrap_FormatsWithoutRangeID(t *testing.T) {
	err := Wrap(ConfigError, "config.Load", "", errors.New("missing field"))
	assert.EqualError(t, err, "config: config.Load: missing field")
}

func TestKindOf_ExtractsThroughFmtWrap(t *testing.T) {
	base := Wrap(TaskError, "taskexec.runOne", "range-3", errors.New("timeout"))
	wrapped := fmt.Errorf("pipeline failed: %w", base)

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, TaskError, kind)
}

func TestKindOf_FalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIs_MatchesKind(t *testing.T) {
	err := Wrap(GatewayError, "gateway.Allocate", "range-2", errors.New("no ports free"))
	assert.True(t, Is(err, GatewayError))
	assert.False(t, Is(err, TunnelError))
}

func TestUnwrap_ReturnsUnderlyingCause(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(ResourceError, "registry.Save", "range-4", cause)

	var wrapped *Error
	assert.True(t, errors.As(err, &wrapped))
	assert.Same(t, cause, wrapped.Unwrap())
}
