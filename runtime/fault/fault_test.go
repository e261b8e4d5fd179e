package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(nil))
	require.Equal(t, Replay, KindOf(New(Replay, "seq already consumed")))
	require.Equal(t, HandlerError, KindOf(errors.New("boom")))
	require.Equal(t, Cancelled, KindOf(context.Canceled))
	require.Equal(t, Timeout, KindOf(context.DeadlineExceeded))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(Transient, "connection reset")
	wrapped := fmt.Errorf("dispatch node b: %w", inner)
	require.Equal(t, Transient, KindOf(wrapped))
	require.True(t, Retryable(wrapped))
	require.False(t, Retryable(New(HandlerError, "bad payload")))
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Wrap(Tampered, "gcm open failed", errors.New("cipher: message authentication failed"))
	require.True(t, errors.Is(err, &Error{Kind: Tampered}))
	require.False(t, errors.Is(err, &Error{Kind: Replay}))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: i/o timeout")
	err := Wrap(Transient, "http request failed", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "TRANSIENT: http request failed", err.Error())
}

func TestWrapEmptyMessageUsesCause(t *testing.T) {
	err := Wrap(HandlerError, "", errors.New("no such field"))
	require.Equal(t, "HANDLER_ERROR: no such field", err.Error())
}
