// Package election implements the started-timestamp leader election
// described in spec.md §4.4: a deterministic choice among established peers,
// gated by a 51% quorum of total fixed membership.
package election

import (
	"math"
	"sort"

	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/metrics"
)

// candidate is the minimal view of a peer election needs, read from either
// the local peer or a RemotePeer's last-observed meta.
type candidate struct {
	name    string
	started float64
	leader  string // last-reported leader field, "" if confused/unknown
}

// Quorum computes ceil(0.51 * nTotal), the minimum established-peer count
// (self included) required to claim leadership (spec.md §4.4).
func Quorum(nTotal int) int {
	return int(math.Ceil(0.51 * float64(nTotal)))
}

// Elector runs the election algorithm against a clusterstate.Registry.
type Elector struct {
	registry *clusterstate.Registry
	log      logging.Logger
	metrics  *metrics.Registry
}

// New builds an Elector. metrics may be nil.
func New(registry *clusterstate.Registry, log logging.Logger, m *metrics.Registry) *Elector {
	return &Elector{registry: registry, log: log, metrics: m}
}

// Run executes one pass of the election algorithm (spec.md §4.4 steps 1-6)
// and updates the local peer's election state accordingly.
func (e *Elector) Run() {
	local := e.registry.Local
	nTotal := e.registry.NTotal()

	establishedPeers := e.registry.Established()
	quorum := Quorum(nTotal)

	if len(establishedPeers)+1 < quorum {
		local.Abandon()
		e.log.Debugf("election: abandoning leadership, established=%d quorum=%d", len(establishedPeers)+1, quorum)
		e.updateMetrics(local)
		return
	}

	candidates := make([]candidate, 0, len(establishedPeers))
	for _, p := range establishedPeers {
		p.Lock()
		meta := p.Meta()
		p.Unlock()
		if meta == nil {
			continue
		}
		candidates = append(candidates, candidate{name: meta.Name, started: meta.Started, leader: meta.Leader})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].started != candidates[j].started {
			return candidates[i].started < candidates[j].started
		}
		return candidates[i].name < candidates[j].name
	})

	var chosen *candidate
	if len(candidates) > 0 {
		chosen = &candidates[0]
	}

	if chosen == nil || local.Started < chosen.started {
		local.SetLeader(local.Name, clusterstate.RoleLeader)
		e.log.Infof("election: self elected leader (started=%v)", local.Started)
	} else {
		if chosen.leader == "" || chosen.leader != chosen.name {
			local.Abandon()
			e.log.Debugf("election: chosen peer %s is confused or not self-affirmed, abandoning", chosen.name)
			e.updateMetrics(local)
			return
		}
		local.SetLeader(chosen.name, clusterstate.RoleFollower)
		e.log.Debugf("election: adopting %s as leader", chosen.name)
	}

	names := make([]string, 0, len(establishedPeers)+1)
	for _, p := range establishedPeers {
		names = append(names, p.Name)
	}
	names = append(names, local.Name)
	cluster := clusterstate.SortedJoin(names)

	complete := len(establishedPeers)+1 == nTotal
	if complete {
		for _, p := range establishedPeers {
			p.Lock()
			meta := p.Meta()
			p.Unlock()
			if meta == nil || meta.Cluster != cluster {
				complete = false
				break
			}
		}
	}

	local.SetCluster(cluster, complete)
	e.updateMetrics(local)
}

func (e *Elector) updateMetrics(local *clusterstate.LocalPeer) {
	if e.metrics == nil {
		return
	}
	snap := local.View()
	e.metrics.EstablishedPeers.Set(float64(len(e.registry.Established())))
	if snap.Role == clusterstate.RoleLeader {
		e.metrics.Role.Set(1)
	} else {
		e.metrics.Role.Set(0)
	}
}
