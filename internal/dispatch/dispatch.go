// Package dispatch implements the pluggable command registry described in
// spec.md §4.6: named handlers, gated by leader-only and readiness-required
// flags, invoked from the ingress reader loop.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

// Context is passed to every Handler invocation; it carries just enough of
// the connection/cluster state for a handler to answer without the
// dispatcher knowing any handler's internals.
type Context struct {
	Peer        string // remote peer name the envelope arrived from
	IsLeader    bool
	IsReady     bool // cluster_complete latched, spec.md §4.4
	LocalLeader string
}

// Handler answers one envelope, returning the wire command name and payload
// to send back (e.g. "OK", "") or an error to translate into an ERR reply.
type Handler func(ctx Context, env wire.Envelope) (replyCommand string, replyPayload string, err error)

// Descriptor is one registered command's metadata and handler.
type Descriptor struct {
	Name               string
	LeaderOnly         bool
	RequiresReadiness  bool
	Handler            Handler
}

// Registry holds the command table. It is built once at startup and is
// safe for concurrent read-only Dispatch calls; Register is intended to be
// called only during setup but is still mutex-guarded for defensiveness.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{commands: make(map[string]Descriptor)}
}

// Register adds or replaces a command descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[d.Name] = d
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.commands[name]
	return d, ok
}

// Dispatch resolves env.Command and invokes its handler, applying the
// readiness and leader-only gates in spec.md §4.6's order: step 3 checks
// cluster readiness first, step 4 checks leader-only second. An unknown
// command, and a LeaderOnly command reaching a non-leader, both produce
// UNKNOWN_COMMAND (a follower deliberately hides that it recognizes the
// command); a readiness-gate failure produces NOT_READY.
func (r *Registry) Dispatch(ctx Context, env wire.Envelope) (replyCommand, replyPayload string, err error) {
	d, ok := r.Lookup(env.Command)
	if !ok {
		return "", "", clustererr.New(clustererr.UnknownCommand, env.Command)
	}
	if d.RequiresReadiness && !ctx.IsReady {
		return "", "", clustererr.New(clustererr.NotReady, fmt.Sprintf("%s requires cluster readiness", env.Command))
	}
	if d.LeaderOnly && !ctx.IsLeader {
		// spec.md §4.6 step 4: a non-leader deliberately answers as if the
		// command didn't exist, rather than admitting it knows but won't run it.
		return "", "", clustererr.New(clustererr.UnknownCommand, env.Command)
	}

	replyCommand, replyPayload, err = d.Handler(ctx, env)
	if err != nil {
		if _, isWire := err.(*clustererr.WireError); isWire {
			return "", "", err
		}
		return "", "", clustererr.New(clustererr.CommandFailed, err.Error())
	}
	return replyCommand, replyPayload, nil
}
