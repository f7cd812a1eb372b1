package patch

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/bus"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/table"
)

// parsePatchPayload splits a "<lockID> <table>@<hash> <b64>" PATCHTABLE
// wire payload back into its parts and decodes the diff, mirroring what the
// real dispatcher handler would do.
func parsePatchPayload(t *testing.T, payload string) (lockID, tableName, hash string, diff table.Diff) {
	t.Helper()
	parts := strings.SplitN(payload, " ", 3)
	require.Len(t, parts, 3)
	lockID = parts[0]
	tblHash := strings.SplitN(parts[1], "@", 2)
	require.Len(t, tblHash, 2)
	tableName, hash = tblHash[0], tblHash[1]
	var err error
	diff, err = DecodeDiff(parts[2])
	require.NoError(t, err)
	return lockID, tableName, hash, diff
}

func newFakeRegistry(selfName string, peerNames ...string) *clusterstate.Registry {
	local := clusterstate.NewLocalPeer(selfName, "10.0.0.1", "", 1)
	remotes := make([]*clusterstate.RemotePeer, 0, len(peerNames))
	for i, n := range peerNames {
		rp := clusterstate.NewRemotePeer(n, "10.0.0.2", "", "", 2102+i)
		rp.Lock()
		rp.SetIngress(&clusterstate.Streams{})
		rp.SetEgress(&clusterstate.Streams{})
		rp.SetMeta(clusterstate.MetaData{Name: n, Started: 2})
		rp.Unlock()
		remotes = append(remotes, rp)
	}
	return clusterstate.NewRegistry(local, remotes)
}

func TestEngineCommitHappyPath(t *testing.T) {
	a := newMemStorage()
	b := newMemStorage()
	c := newMemStorage()
	for _, s := range []*memStorage{a, b, c} {
		s.seed("users", map[string]string{"1": `{"n":"x"}`})
	}

	peers := map[string]*memStorage{"b": b, "c": c}
	fanout := func(ctx context.Context, cmd, payload string, targets []string) bus.AwaitResult {
		responses := map[string]bus.Reply{}
		for _, peer := range targets {
			store := peers[peer]
			switch cmd {
			case "PATCHTABLE":
				lockID, tbl, hash, diff := parsePatchPayload(t, payload)
				if tok, err := HandlePatchTable(store, lockID, tbl, hash, diff); err != nil {
					responses[peer] = bus.Reply{Kind: bus.ReplyErr, Payload: string(tok)}
				} else {
					responses[peer] = bus.Reply{Kind: bus.ReplyOK}
				}
			case "COMMIT":
				if _, err := HandleCommit(store, payload); err != nil {
					responses[peer] = bus.Reply{Kind: bus.ReplyErr}
				} else {
					responses[peer] = bus.Reply{Kind: bus.ReplyOK}
				}
			}
		}
		return bus.AwaitResult{OK: true, Responses: responses}
	}

	registry := newFakeRegistry("a", "b", "c")
	engine := New(a, registry, fanout, logging.NewRecordingLogger(), nil)

	scope := Begin(a, "lid-1", []string{"users"})
	scope.Put("users", "1", []byte(`{"n":"y"}`))

	released := false
	err := engine.Commit(context.Background(), scope, "a", func() string { return "a" }, func() { released = true })
	require.NoError(t, err)
	require.True(t, released)

	require.Equal(t, a.hash("users"), b.hash("users"))
	require.Equal(t, a.hash("users"), c.hash("users"))
}

func TestEngineEmptyDiffSkipsReplication(t *testing.T) {
	a := newMemStorage()
	a.seed("users", map[string]string{"1": `{"n":"x"}`})

	fanoutCalled := false
	fanout := func(ctx context.Context, cmd, payload string, targets []string) bus.AwaitResult {
		fanoutCalled = true
		return bus.AwaitResult{OK: true}
	}

	registry := newFakeRegistry("a")
	engine := New(a, registry, fanout, logging.NewRecordingLogger(), nil)

	scope := Begin(a, "lid-2", []string{"users"})
	err := engine.Commit(context.Background(), scope, "a", func() string { return "a" }, func() {})
	require.NoError(t, err)
	require.False(t, fanoutCalled)
}

func TestEngineLeaderChangeGuardAborts(t *testing.T) {
	a := newMemStorage()
	a.seed("users", map[string]string{"1": `{"n":"x"}`})

	fanout := func(ctx context.Context, cmd, payload string, targets []string) bus.AwaitResult {
		return bus.AwaitResult{OK: true}
	}

	registry := newFakeRegistry("a")
	engine := New(a, registry, fanout, logging.NewRecordingLogger(), nil)

	scope := Begin(a, "lid-3", []string{"users"})
	scope.Put("users", "1", []byte(`{"n":"y"}`))

	err := engine.Commit(context.Background(), scope, "a", func() string { return "b" }, func() {})
	require.Error(t, err)
}

// A peer absent from the PATCHTABLE fan-out's responses (unreachable or
// timed out) must abort the commit outright, not fall back to FULLTABLE the
// way an explicit TABLE_HASH_MISMATCH reply would.
func TestEngineCommitAbortsOnMissingPeer(t *testing.T) {
	a := newMemStorage()
	b := newMemStorage()
	for _, s := range []*memStorage{a, b} {
		s.seed("users", map[string]string{"1": `{"n":"x"}`})
	}

	fanout := func(ctx context.Context, cmd, payload string, targets []string) bus.AwaitResult {
		return bus.AwaitResult{
			OK:        false,
			Responses: map[string]bus.Reply{},
			Missing:   targets,
		}
	}

	registry := newFakeRegistry("a", "b")
	engine := New(a, registry, fanout, logging.NewRecordingLogger(), nil)

	scope := Begin(a, "lid-missing", []string{"users"})
	scope.Put("users", "1", []byte(`{"n":"y"}`))

	err := engine.Commit(context.Background(), scope, "a", func() string { return "a" }, func() {})
	require.Error(t, err)
	require.Equal(t, a.hash("users"), b.hash("users"), "rollback must leave replicas untouched")
}

func TestRoundTripEncodeDiff(t *testing.T) {
	a := newMemStorage()
	a.seed("users", map[string]string{"1": `{"n":"x"}`})
	scope := Begin(a, "lid-4", []string{"users"})
	scope.Put("users", "2", []byte(`{"n":"z"}`))

	diffs := scope.Diffs()
	payload, err := EncodeDiff(diffs["users"])
	require.NoError(t, err)

	decoded, err := DecodeDiff(payload)
	require.NoError(t, err)
	require.Equal(t, diffs["users"], decoded)
}
