package llm

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaStream_MidStreamFailureIsInBand(t *testing.T) {
	var failed error
	s := SliceStream([]string{"par", "tial"}, errors.New("connection reset"))
	s.family = "X"
	s.onFail = func(err error) { failed = err }

	text, err := Collect(s)
	assert.Equal(t, "partial", text)
	require.ErrorIs(t, err, ErrStreamAborted)

	var serr *StreamError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 2, serr.Delivered)
	assert.Equal(t, FamilyID("X"), serr.Family)
	assert.EqualError(t, failed, "connection reset")

	// Not restartable.
	_, err = s.Recv()
	assert.ErrorIs(t, err, ErrStreamAborted)
}

func TestDeltaStream_FailureBeforeOutputIsRaw(t *testing.T) {
	cause := errors.New("refused")
	s := SliceStream(nil, cause)

	_, err := s.Recv()
	assert.Equal(t, cause, err)
}

func TestDeltaStream_Unread(t *testing.T) {
	s := SliceStream([]string{"a", "b"}, nil)
	first, err := s.Recv()
	require.NoError(t, err)
	s.unread(first)
	assert.Equal(t, 0, s.Delivered())

	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeltaStream_CloseOnce(t *testing.T) {
	closed := 0
	s := newDeltaStream(nil, func() (string, error) { return "", io.EOF }, func() error {
		closed++
		return nil
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, _ = s.Recv()
	assert.Equal(t, 1, closed)
}

func TestDeltaStream_CancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	s := newDeltaStream(ctx, func() (string, error) {
		calls++
		if calls == 1 {
			return "a", nil
		}
		return "", errors.New("read tcp: use of closed network connection")
	}, nil)
	failed := false
	s.onFail = func(error) { failed = true }

	_, err := s.Recv()
	require.NoError(t, err)
	cancel()

	_, err = s.Recv()
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrStreamAborted)
	assert.False(t, failed)
}
