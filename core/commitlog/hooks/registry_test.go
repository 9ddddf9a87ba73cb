package hooks

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	sendErr, commitErr error
	sends, commits     int
}

func (h *recordingHook) OnSend(string, int) error {
	h.sends++
	return h.sendErr
}

func (h *recordingHook) OnCommit(string, int) error {
	h.commits++
	return h.commitErr
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	require.Equal(t, 0, registry.Count())

	registry.Register(&recordingHook{})
	require.Equal(t, 1, registry.Count())

	require.Equal(t, 2, NewRegistry(NewDefaultHook(), NewValidationHook(8)).Count())
}

func TestRegistry_CheckSend(t *testing.T) {
	accept := &recordingHook{}
	registry := NewRegistry(accept)
	require.NoError(t, registry.CheckSend("t", 1))
	require.Equal(t, 1, accept.sends)

	registry.Register(&recordingHook{sendErr: errors.New("quota exceeded")})
	err := registry.CheckSend("t", 1)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "quota exceeded")
}

func TestRegistry_CheckCommitStopsAtFirstRejection(t *testing.T) {
	reject := &recordingHook{commitErr: errors.Wrap(ErrRejected, "frozen")}
	after := &recordingHook{}
	registry := NewRegistry(reject, after)

	require.ErrorIs(t, registry.CheckCommit("t", 3), ErrRejected)
	require.Equal(t, 1, reject.commits)
	require.Zero(t, after.commits)
}

func TestValidationHook(t *testing.T) {
	v := NewValidationHook(4)

	require.NoError(t, v.OnSend("abcd", 1))
	require.ErrorIs(t, v.OnSend("", 1), ErrRejected)
	require.ErrorIs(t, v.OnSend(strings.Repeat("a", 5), 1), ErrRejected)

	require.NoError(t, v.OnCommit("t", 0))
	require.ErrorIs(t, v.OnCommit("t", -1), ErrRejected)

	require.NoError(t, NewValidationHook(0).OnSend(strings.Repeat("a", 1000), 1))
}
