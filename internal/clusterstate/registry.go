package clusterstate

import "sort"

// Registry is the fixed, static-from-configuration set of remote peers plus
// the local peer's own view of itself (spec.md §4.2). Membership is not
// mutable at runtime (spec.md §5).
type Registry struct {
	Local   *LocalPeer
	Remotes map[string]*RemotePeer
}

// NewRegistry builds a Registry from a local peer and a fixed peer list.
func NewRegistry(local *LocalPeer, remotes []*RemotePeer) *Registry {
	r := &Registry{
		Local:   local,
		Remotes: make(map[string]*RemotePeer, len(remotes)),
	}
	for _, p := range remotes {
		r.Remotes[p.Name] = p
	}
	return r
}

// NTotal is the fixed total membership size (remotes + self), used by the
// quorum computation in spec.md §4.4.
func (r *Registry) NTotal() int {
	return len(r.Remotes) + 1
}

// EstablishedNames returns the names of established remote peers.
// includeLocal appends the local peer's own name. sorted controls output
// order.
func (r *Registry) EstablishedNames(includeLocal, sorted bool) []string {
	var names []string
	for name, p := range r.Remotes {
		p.Lock()
		established := p.Established()
		p.Unlock()
		if established {
			names = append(names, name)
		}
	}
	if includeLocal {
		names = append(names, r.Local.Name)
	}
	if sorted {
		sort.Strings(names)
	}
	return names
}

// Established returns the established remote peers themselves (not
// names), optionally including a synthetic view of self is not supported
// since LocalPeer has no RemotePeer-shaped metadata; callers needing self's
// started-timestamp use r.Local directly (see internal/election).
func (r *Registry) Established() []*RemotePeer {
	var out []*RemotePeer
	for _, p := range r.Remotes {
		p.Lock()
		established := p.Established()
		p.Unlock()
		if established {
			out = append(out, p)
		}
	}
	return out
}

// OfflinePeers returns the names of remote peers that are not established.
func (r *Registry) OfflinePeers() []string {
	established := map[string]bool{}
	for _, n := range r.EstablishedNames(false, false) {
		established[n] = true
	}
	var offline []string
	for name := range r.Remotes {
		if !established[name] {
			offline = append(offline, name)
		}
	}
	return offline
}

// PeerByAddress finds the configured peer whose address set contains addr.
func (r *Registry) PeerByAddress(addr string) *RemotePeer {
	for _, p := range r.Remotes {
		for _, a := range p.Addresses() {
			if a == addr {
				return p
			}
		}
	}
	return nil
}
