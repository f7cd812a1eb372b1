package election

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
)

func establish(t *testing.T, p *clusterstate.RemotePeer, meta clusterstate.MetaData) {
	t.Helper()
	p.Lock()
	defer p.Unlock()
	p.SetIngress(&clusterstate.Streams{})
	p.SetEgress(&clusterstate.Streams{})
	p.SetMeta(meta)
}

func TestQuorum(t *testing.T) {
	require.Equal(t, 1, Quorum(1))
	require.Equal(t, 2, Quorum(3))
	require.Equal(t, 3, Quorum(5))
}

func TestAbandonsBelowQuorum(t *testing.T) {
	local := clusterstate.NewLocalPeer("a", "10.0.0.1", "", 100)
	b := clusterstate.NewRemotePeer("b", "10.0.0.2", "", "", 2102)
	c := clusterstate.NewRemotePeer("c", "10.0.0.3", "", "", 2102)
	reg := clusterstate.NewRegistry(local, []*clusterstate.RemotePeer{b, c})

	e := New(reg, logging.NewRecordingLogger(), nil)
	e.Run()

	snap := local.View()
	require.Equal(t, clusterstate.RoleFollower, snap.Role)
	require.Empty(t, snap.Leader)
	require.False(t, snap.ClusterComplete)
}

func TestSelfElectedWhenSmallestStarted(t *testing.T) {
	local := clusterstate.NewLocalPeer("a", "10.0.0.1", "", 100)
	b := clusterstate.NewRemotePeer("b", "10.0.0.2", "", "", 2102)
	c := clusterstate.NewRemotePeer("c", "10.0.0.3", "", "", 2102)
	reg := clusterstate.NewRegistry(local, []*clusterstate.RemotePeer{b, c})

	establish(t, b, clusterstate.MetaData{Name: "b", Started: 200, Leader: "", Cluster: "a;b;c"})
	establish(t, c, clusterstate.MetaData{Name: "c", Started: 300, Leader: "", Cluster: "a;b;c"})

	e := New(reg, logging.NewRecordingLogger(), nil)
	e.Run()

	snap := local.View()
	require.Equal(t, clusterstate.RoleLeader, snap.Role)
	require.Equal(t, "a", snap.Leader)
	require.True(t, snap.ClusterComplete)
	require.Equal(t, "a;b;c", snap.Cluster)
}

func TestAdoptsSelfAffirmedLeader(t *testing.T) {
	local := clusterstate.NewLocalPeer("b", "10.0.0.2", "", 200)
	a := clusterstate.NewRemotePeer("a", "10.0.0.1", "", "", 2102)
	c := clusterstate.NewRemotePeer("c", "10.0.0.3", "", "", 2102)
	reg := clusterstate.NewRegistry(local, []*clusterstate.RemotePeer{a, c})

	establish(t, a, clusterstate.MetaData{Name: "a", Started: 100, Leader: "a", Cluster: "a;b;c"})
	establish(t, c, clusterstate.MetaData{Name: "c", Started: 300, Leader: "a", Cluster: "a;b;c"})

	e := New(reg, logging.NewRecordingLogger(), nil)
	e.Run()

	snap := local.View()
	require.Equal(t, clusterstate.RoleFollower, snap.Role)
	require.Equal(t, "a", snap.Leader)
	require.True(t, snap.ClusterComplete)
}

func TestAbandonsWhenChosenLeaderConfused(t *testing.T) {
	local := clusterstate.NewLocalPeer("b", "10.0.0.2", "", 200)
	a := clusterstate.NewRemotePeer("a", "10.0.0.1", "", "", 2102)
	c := clusterstate.NewRemotePeer("c", "10.0.0.3", "", "", 2102)
	reg := clusterstate.NewRegistry(local, []*clusterstate.RemotePeer{a, c})

	establish(t, a, clusterstate.MetaData{Name: "a", Started: 100, Leader: ""})
	establish(t, c, clusterstate.MetaData{Name: "c", Started: 300, Leader: ""})

	e := New(reg, logging.NewRecordingLogger(), nil)
	e.Run()

	snap := local.View()
	require.Empty(t, snap.Leader)
	require.False(t, snap.ClusterComplete)
}
