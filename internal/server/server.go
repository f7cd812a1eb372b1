// Package server wires every other internal package into the single
// external-facing facade spec.md §1 describes: a Lock/modify/commit-or-abort
// scope, SendCommand, File{Put,Get,Del}, and leader/cluster-complete
// callbacks. It is the composition root, modeled on
// original_source/components/cluster/server.py.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/bus"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/config"
	"github.com/andryyy/thatcat-sub000/internal/dispatch"
	"github.com/andryyy/thatcat-sub000/internal/election"
	"github.com/andryyy/thatcat-sub000/internal/fileshare"
	"github.com/andryyy/thatcat-sub000/internal/lock"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
	"github.com/andryyy/thatcat-sub000/internal/patch"
	"github.com/andryyy/thatcat-sub000/internal/transport"
)

// Cluster is the composition root: one running cluster member. Its public
// methods are the entire surface an external collaborator uses (spec.md §1).
type Cluster struct {
	cfg      *config.Config
	registry *clusterstate.Registry
	bus      *bus.Bus
	dispatch *dispatch.Registry
	lockMgr  *lock.Manager
	elector  *election.Elector
	trans    *transport.Manager
	files    *fileshare.Service
	patch    *patch.Engine
	store    *Store
	log      logging.Logger
	metrics  *metrics.Registry

	mu              sync.Mutex
	monitorCancel   map[string]context.CancelFunc
	stopped         bool
	listener        interface{ Close() error }
	wg              sync.WaitGroup
	runCtx          context.Context
	runCancel       context.CancelFunc

	callbackMu        sync.Mutex
	onLeaderChangeFns []func(leader string)
	onCompleteFns     []func(complete bool)
	lastLeader        string
	lastComplete      bool

	chunkMu   sync.Mutex
	chunkMeta map[string]fileshare.ChunkMeta
}

// NewCluster builds a Cluster from static configuration, a started
// timestamp (stamped by the caller, not read from config — spec.md §6), and
// a TLS configuration for the peer transport. log and m may be supplied by
// the caller or built from defaults with logging.NewLogrusLogger /
// metrics.NewRegistry.
func NewCluster(cfg *config.Config, started float64, tlsConfig *tls.Config, log logging.Logger, m *metrics.Registry) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	local := clusterstate.NewLocalPeer(cfg.Self.Name, cfg.Self.IP4, cfg.Self.IP6, started)
	remotes := make([]*clusterstate.RemotePeer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		remotes = append(remotes, clusterstate.NewRemotePeer(p.Name, p.IP4, p.IP6, p.NatIP4, p.Port))
	}
	registry := clusterstate.NewRegistry(local, remotes)

	store := NewStore()
	c := &Cluster{
		cfg:           cfg,
		registry:      registry,
		bus:           bus.New(nil),
		dispatch:      dispatch.New(),
		lockMgr:       lock.New(log, m),
		elector:       election.New(registry, log, m),
		trans:         transport.New(registry, tlsConfig, log, cfg.Server.Limit(), cfg.Timeouts.PeerTimeout()/2),
		files:         fileshare.New(log, m),
		store:         store,
		log:           log,
		metrics:       m,
		monitorCancel: map[string]context.CancelFunc{},
		chunkMeta:     map[string]fileshare.ChunkMeta{},
	}
	c.patch = patch.New(store, registry, c.fanout, log, m)
	store.OnInvalidate(func(tableName string) {
		c.log.Debugf("server: table %s invalidated after commit", tableName)
	})

	c.registerCommands()
	return c, nil
}

// Store exposes the cluster's default in-memory table storage so an
// embedding process can seed or inspect it directly.
func (c *Cluster) Store() *Store { return c.store }

// Self returns the local peer's current election snapshot.
func (c *Cluster) Self() clusterstate.Snapshot { return c.registry.Local.View() }

// OnLeaderChange registers fn to be called whenever the local peer's
// observed leader name changes (spec.md §1 "callbacks announcing
// leader/cluster-complete transitions").
func (c *Cluster) OnLeaderChange(fn func(leader string)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onLeaderChangeFns = append(c.onLeaderChangeFns, fn)
}

// OnClusterComplete registers fn to be called whenever cluster_complete
// flips.
func (c *Cluster) OnClusterComplete(fn func(complete bool)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onCompleteFns = append(c.onCompleteFns, fn)
}

func (c *Cluster) localMeta() clusterstate.MetaData {
	snap := c.registry.Local.View()
	return clusterstate.MetaData{
		Name:    c.registry.Local.Name,
		Cluster: snap.Cluster,
		Started: c.registry.Local.Started,
		Leader:  snap.Leader,
	}
}

func (c *Cluster) isLeader() bool {
	snap := c.registry.Local.View()
	return snap.Role == clusterstate.RoleLeader
}

func (c *Cluster) isReady() bool {
	return c.registry.Local.View().ClusterComplete
}

func (c *Cluster) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// resolveTargets expands "*" into every non-graceful-shutdown remote peer
// name and deduplicates an explicit list (spec.md §4.5 SendCommand).
func (c *Cluster) resolveTargets(peers []string) []string {
	if len(peers) == 1 && peers[0] == "*" {
		var out []string
		for name, p := range c.registry.Remotes {
			p.Lock()
			grace := p.GracefulShutdown
			p.Unlock()
			if !grace {
				out = append(out, name)
			}
		}
		return out
	}
	seen := map[string]bool{}
	var out []string
	for _, p := range peers {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (c *Cluster) peerByName(name string) (*clusterstate.RemotePeer, error) {
	p, ok := c.registry.Remotes[name]
	if !ok {
		return nil, fmt.Errorf("server: unknown peer %q", name)
	}
	return p, nil
}

func (c *Cluster) rememberChunkMeta(ticket string, meta fileshare.ChunkMeta) {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	c.chunkMeta[ticket] = meta
}

func (c *Cluster) takeChunkMeta(ticket string) (fileshare.ChunkMeta, bool) {
	c.chunkMu.Lock()
	defer c.chunkMu.Unlock()
	meta, ok := c.chunkMeta[ticket]
	delete(c.chunkMeta, ticket)
	return meta, ok
}

// lockingTimeout and peerTimeout are small readability wrappers over the
// config durations used across lifecycle.go/api.go.
func (c *Cluster) lockingTimeout() time.Duration { return c.cfg.Timeouts.LockingTimeout() }
func (c *Cluster) peerTimeout() time.Duration    { return c.cfg.Timeouts.PeerTimeout() }
