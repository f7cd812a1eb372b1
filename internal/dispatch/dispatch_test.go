package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

func okHandler(ctx Context, env wire.Envelope) (string, string, error) {
	return "ACK", "", nil
}

func TestDispatchUnknownCommand(t *testing.T) {
	r := New()
	_, _, err := r.Dispatch(Context{}, wire.Envelope{Command: "NOPE"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.UnknownCommand, werr.Tok)
}

// A LeaderOnly command reaching a non-leader must look exactly like an
// unknown command, not a readiness failure — spec.md §4.6 step 4's
// deliberate obfuscation.
func TestDispatchLeaderOnlyGateHidesAsUnknownCommand(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "LOCK", LeaderOnly: true, Handler: okHandler})

	_, _, err := r.Dispatch(Context{IsLeader: false}, wire.Envelope{Command: "LOCK"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.UnknownCommand, werr.Tok)
}

func TestDispatchLeaderOnlyGatePassesOnLeader(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "LOCK", LeaderOnly: true, Handler: okHandler})

	cmd, _, err := r.Dispatch(Context{IsLeader: true}, wire.Envelope{Command: "LOCK"})
	require.NoError(t, err)
	require.Equal(t, "ACK", cmd)
}

func TestDispatchReadinessGateProducesNotReady(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "COMMIT", RequiresReadiness: true, Handler: okHandler})

	_, _, err := r.Dispatch(Context{IsReady: false}, wire.Envelope{Command: "COMMIT"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.NotReady, werr.Tok)
}

// LOCK/UNLOCK carry both flags (internal/server/commands.go); spec.md §4.6
// checks readiness before leader-only, so a not-ready non-leader must see
// NOT_READY, not UNKNOWN_COMMAND.
func TestDispatchReadinessGateOutranksLeaderOnlyGate(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "LOCK", LeaderOnly: true, RequiresReadiness: true, Handler: okHandler})

	_, _, err := r.Dispatch(Context{IsLeader: false, IsReady: false}, wire.Envelope{Command: "LOCK"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.NotReady, werr.Tok)
}

func TestDispatchHandlerErrorWrappedAsCommandFailed(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "STATUS", Handler: func(ctx Context, env wire.Envelope) (string, string, error) {
		return "", "", errors.New("boom")
	}})

	_, _, err := r.Dispatch(Context{}, wire.Envelope{Command: "STATUS"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.CommandFailed, werr.Tok)
}

func TestDispatchHandlerWireErrorPassesThrough(t *testing.T) {
	r := New()
	r.Register(Descriptor{Name: "LOCK", Handler: func(ctx Context, env wire.Envelope) (string, string, error) {
		return "", "", clustererr.New(clustererr.LockError, "nope")
	}})

	_, _, err := r.Dispatch(Context{}, wire.Envelope{Command: "LOCK"})
	werr, ok := err.(*clustererr.WireError)
	require.True(t, ok)
	require.Equal(t, clustererr.LockError, werr.Tok)
}
