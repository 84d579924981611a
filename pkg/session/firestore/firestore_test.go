package firestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/convostore/convostore/pkg/session"
)

func TestMarshalStateRoundTrip(t *testing.T) {
	data, err := marshalState(map[string]any{"theme": "dark", "count": float64(3)})
	require.NoError(t, err)

	got, err := unmarshalState(data)
	require.NoError(t, err)
	assert.Equal(t, "dark", got["theme"])
	assert.Equal(t, float64(3), got["count"])
}

func TestMarshalStateNil(t *testing.T) {
	data, err := marshalState(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	got, err := unmarshalState(nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestWrapMapsTransportErrors(t *testing.T) {
	err := wrap("get session", status.Error(codes.Unavailable, "down"))
	assert.ErrorIs(t, err, session.ErrUnavailable)

	err = wrap("get session", status.Error(codes.DeadlineExceeded, "slow"))
	assert.ErrorIs(t, err, session.ErrUnavailable)

	err = wrap("get session", status.Error(codes.PermissionDenied, "nope"))
	assert.NotErrorIs(t, err, session.ErrUnavailable)
	assert.Contains(t, err.Error(), "get session")
}

func TestNewRequiresProjectID(t *testing.T) {
	_, err := New(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, session.ErrUnavailable))
}
