package upload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/w3car/bridge"
	"xdao.co/w3car/pack"
)

func TestSession_Transitions(t *testing.T) {
	a, err := pack.File([]byte("session"))
	require.NoError(t, err)

	s := newSession(a)
	assert.Equal(t, StateBuilt, s.State())
	assert.Equal(t, a.Size(), s.Size)

	// Nothing may skip authorization.
	_, err = s.takeAllocation()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.transferred(), ErrInvalidTransition)
	assert.ErrorIs(t, s.finalized(), ErrInvalidTransition)

	require.NoError(t, s.authorize(bridge.Allocation{URL: "https://blob.example/x"}))
	assert.Equal(t, StateAuthorized, s.State())
	assert.ErrorIs(t, s.authorize(bridge.Allocation{}), ErrInvalidTransition)
	assert.ErrorIs(t, s.finalized(), ErrInvalidTransition)

	alloc, err := s.takeAllocation()
	require.NoError(t, err)
	assert.Equal(t, "https://blob.example/x", alloc.URL)
	_, err = s.takeAllocation()
	assert.ErrorIs(t, err, ErrInvalidTransition, "an allocation is handed out once")

	require.NoError(t, s.transferred())
	require.NoError(t, s.finalized())
	assert.Equal(t, StateFinalized, s.State())
	assert.Equal(t, "finalized", s.State().String())
}

func TestSession_FailDiscardsAllocation(t *testing.T) {
	a, err := pack.File(nil)
	require.NoError(t, err)

	s := newSession(a)
	require.NoError(t, s.authorize(bridge.Allocation{URL: "https://blob.example/x"}))
	s.fail()
	assert.Equal(t, StateFailed, s.State())
	_, err = s.takeAllocation()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestError_Format(t *testing.T) {
	e := newError(KindTransfer, PhaseTransfer, "archive transfer failed",
		&TransferError{Diagnostic: bridge.Diagnostic{StatusCode: 502, Body: []byte("bad gateway")}})
	assert.Contains(t, e.Error(), "transfer")
	assert.Nil(t, e.Remote)
	require.NotNil(t, e.Destination)
	assert.Equal(t, 502, e.Destination.StatusCode)
	assert.Equal(t, KindTransfer, KindOf(e))

	e = newError(KindAuthorizationDenied, PhaseAuthorize, "denied",
		&bridge.RemoteError{Task: bridge.TaskStoreAdd, Reason: "rejected", Diagnostic: bridge.Diagnostic{StatusCode: 403}})
	require.NotNil(t, e.Remote)
	assert.Equal(t, 403, e.Remote.StatusCode)
	assert.Nil(t, e.Destination)
	assert.Equal(t, Kind(""), KindOf(assert.AnError))
}
