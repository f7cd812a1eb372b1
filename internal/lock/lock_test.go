package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/logging"
)

func TestAcquireLeaderAllOrNothing(t *testing.T) {
	m := New(logging.NewRecordingLogger(), nil)

	require.NoError(t, m.AcquireLeader(context.Background(), "t1", []string{"users", "sessions"}, time.Second))

	// A second transaction over an overlapping table must time out and hold
	// nothing afterward (invariants I3, I4).
	err := m.AcquireLeader(context.Background(), "t2", []string{"sessions", "orders"}, 50*time.Millisecond)
	require.Error(t, err)

	// "orders" must not remain held by t2 since "sessions" failed.
	require.NoError(t, m.AcquireLeader(context.Background(), "t3", []string{"orders"}, time.Second))
	m.Release("t3", []string{"orders"})

	m.Release("t1", []string{"users", "sessions"})

	require.NoError(t, m.AcquireLeader(context.Background(), "t4", []string{"users", "sessions"}, time.Second))
	m.Release("t4", []string{"users", "sessions"})
}

func TestReleaseIgnoresIDMismatch(t *testing.T) {
	m := New(logging.NewRecordingLogger(), nil)
	require.NoError(t, m.AcquireLeader(context.Background(), "owner", []string{"t"}, time.Second))

	m.Release("impostor", []string{"t"})

	// Still held by "owner"; a second acquire must time out.
	err := m.AcquireLeader(context.Background(), "other", []string{"t"}, 20*time.Millisecond)
	require.Error(t, err)

	m.Release("owner", []string{"t"})
}

func TestAcquireFollowerRetriesOnBusy(t *testing.T) {
	calls := 0
	send := func(ctx context.Context, lockID string, tables []string) (AcquireResult, error) {
		calls++
		if calls < 3 {
			return AcquireBusy, nil
		}
		return AcquireOK, nil
	}

	err := AcquireFollower(context.Background(), send, "lid", []string{"t"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestAcquireFollowerGivesUpAfterOverallTimeout(t *testing.T) {
	send := func(ctx context.Context, lockID string, tables []string) (AcquireResult, error) {
		return AcquireBusy, nil
	}

	err := AcquireFollower(context.Background(), send, "lid", []string{"t"}, 150*time.Millisecond)
	require.Error(t, err)
}
