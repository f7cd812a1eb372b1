// Package clusterstate holds the data model shared by every cluster
// component: LocalPeer, RemotePeer and MetaData (spec.md §3).
package clusterstate

import (
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// NamePattern is the validation pattern for a peer name (spec.md §3):
// at least 3 characters of letters, digits, dot, underscore or hyphen.
var NamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,}$`)

// Role is a peer's position in the cluster.
type Role string

const (
	RoleLeader   Role = "LEADER"
	RoleFollower Role = "FOLLOWER"
)

// Streams holds a reader/writer pair for one direction of a peer
// connection. A nil *Streams means "not attached".
type Streams struct {
	Reader io.Reader
	Writer io.Writer
	Closer io.Closer
}

// Close tears down the underlying connection, if any.
func (s *Streams) Close() error {
	if s == nil || s.Closer == nil {
		return nil
	}
	return s.Closer.Close()
}

// MetaData is the envelope metadata reported by every message from a peer
// (spec.md §3).
type MetaData struct {
	Name    string
	Cluster string // empty decodes from ?CONFUSED
	Started float64
	Leader  string // empty decodes from ?CONFUSED
}

// LocalPeer is this process's view of itself.
type LocalPeer struct {
	mu sync.RWMutex

	Name    string
	IP4     string
	IP6     string
	Started float64

	leader          string
	role            Role
	cluster         string
	clusterComplete bool
}

// NewLocalPeer builds a LocalPeer starting as a FOLLOWER with no leader.
func NewLocalPeer(name, ip4, ip6 string, started float64) *LocalPeer {
	return &LocalPeer{
		Name:    name,
		IP4:     ip4,
		IP6:     ip6,
		Started: started,
		role:    RoleFollower,
	}
}

// Snapshot is a consistent, point-in-time copy of the local peer's derived
// election state.
type Snapshot struct {
	Leader          string
	Role            Role
	Cluster         string
	ClusterComplete bool
}

// View returns a consistent snapshot of the local peer's election state.
func (l *LocalPeer) View() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{
		Leader:          l.leader,
		Role:            l.role,
		Cluster:         l.cluster,
		ClusterComplete: l.clusterComplete,
	}
}

// SetLeader records name as the elected leader and role as this peer's
// role (RoleLeader when name is self, RoleFollower when adopting another
// peer).
func (l *LocalPeer) SetLeader(name string, role Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = name
	l.role = role
}

// Abandon clears all election-derived state (spec.md §4.4 step 1).
func (l *LocalPeer) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leader = ""
	l.role = RoleFollower
	l.cluster = ""
	l.clusterComplete = false
}

// SetCluster updates the cluster membership string and completeness latch.
func (l *LocalPeer) SetCluster(cluster string, complete bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cluster = cluster
	l.clusterComplete = complete
}

// ClearClusterComplete drops the completeness latch without disturbing the
// leader/role fields (used when membership strings disagree).
func (l *LocalPeer) ClearClusterComplete() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clusterComplete = false
}

// RemotePeer is the registry's view of one configured peer.
type RemotePeer struct {
	mu sync.Mutex

	Name  string
	IP4   string
	IP6   string
	NatIP string
	Port  int

	ingress *Streams
	egress  *Streams
	meta    *MetaData

	GracefulShutdown bool
}

// NewRemotePeer builds a RemotePeer from static configuration.
func NewRemotePeer(name, ip4, ip6, natIP string, port int) *RemotePeer {
	return &RemotePeer{
		Name:  name,
		IP4:   ip4,
		IP6:   ip6,
		NatIP: natIP,
		Port:  port,
	}
}

// Lock exposes the per-peer exclusive guard required by spec.md §4.2/§5 to
// serialize connect/reconnect and stream-slot mutation.
func (r *RemotePeer) Lock()   { r.mu.Lock() }
func (r *RemotePeer) Unlock() { r.mu.Unlock() }

// Addresses returns every configured address this peer may be observed
// connecting from.
func (r *RemotePeer) Addresses() []string {
	var out []string
	for _, a := range []string{r.IP4, r.IP6, r.NatIP} {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Ingress returns the current ingress stream slot. Caller must hold the
// peer's lock.
func (r *RemotePeer) Ingress() *Streams { return r.ingress }

// SetIngress installs or clears the ingress stream slot. Caller must hold
// the peer's lock.
func (r *RemotePeer) SetIngress(s *Streams) { r.ingress = s }

// Egress returns the current egress stream slot. Caller must hold the
// peer's lock.
func (r *RemotePeer) Egress() *Streams { return r.egress }

// SetEgress installs or clears the egress stream slot. Caller must hold the
// peer's lock.
func (r *RemotePeer) SetEgress(s *Streams) { r.egress = s }

// Meta returns the last observed MetaData from this peer, or nil.
// Caller must hold the peer's lock.
func (r *RemotePeer) Meta() *MetaData { return r.meta }

// SetMeta records the envelope metadata from the peer's latest message.
// Caller must hold the peer's lock.
func (r *RemotePeer) SetMeta(m MetaData) { r.meta = &m }

// ClearMeta drops the last observed metadata. Caller must hold the peer's
// lock.
func (r *RemotePeer) ClearMeta() { r.meta = nil }

// Established reports whether both streams are attached and meta is known.
// Caller must hold the peer's lock.
func (r *RemotePeer) Established() bool {
	return r.ingress != nil && r.egress != nil && r.meta != nil
}

// Reset clears every per-connection slot, as done when the health monitor
// declares a peer failed or a BYE is received. Caller must hold the peer's
// lock.
func (r *RemotePeer) Reset() {
	r.ingress = nil
	r.egress = nil
	r.meta = nil
}

// SortedJoin renders a sorted, semicolon-joined name list, the encoding
// used for the wire CLUSTER field (spec.md §3).
func SortedJoin(names []string) string {
	cp := append([]string(nil), names...)
	sort.Strings(cp)
	return strings.Join(cp, ";")
}
