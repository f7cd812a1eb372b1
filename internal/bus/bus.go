// Package bus implements the ticket/callback rendezvous described in
// spec.md §4.5: SendCommand registers a callback keyed by ticket, and
// AwaitReceivers blocks on a shared condition until every expected peer has
// answered, the deadline elapses, or an ERR arrives.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ReplyKind distinguishes the reply commands that feed the bus from
// ordinary (non-reply) commands.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyErr
	ReplyData
)

// Reply is one peer's answer to an outstanding ticket.
type Reply struct {
	Kind    ReplyKind
	Payload string
}

// Callback is the record kept for one in-flight request/response cycle
// (spec.md §3 Ticket/Callback).
type Callback struct {
	Ticket  string
	Command string
	Peers   map[string]bool // peers expected to reply
	Replies map[string]Reply

	// ExpectsChunks marks a ticket as a FileGet chunk collector rather than
	// a single-reply callback (spec.md §9 Open Question 3).
	ExpectsChunks bool
	ChunksTotal   int
	ChunksSeen    map[int]string
}

func newCallback(ticket, command string, peers []string) *Callback {
	c := &Callback{
		Ticket:  ticket,
		Command: command,
		Peers:   make(map[string]bool, len(peers)),
		Replies: make(map[string]Reply),
	}
	for _, p := range peers {
		c.Peers[p] = true
	}
	return c
}

func (c *Callback) complete() bool {
	if c.ExpectsChunks {
		return c.ChunksTotal > 0 && len(c.ChunksSeen) >= c.ChunksTotal
	}
	for p := range c.Peers {
		if _, ok := c.Replies[p]; !ok {
			return false
		}
	}
	return true
}

func (c *Callback) hasErr() (string, bool) {
	for p, r := range c.Replies {
		if r.Kind == ReplyErr {
			return p, true
		}
	}
	return "", false
}

// Bus owns the callback map and the single condition variable every
// incoming reply signals (spec.md §9: "single condition associated with
// the callbacks map").
type Bus struct {
	mu        sync.Mutex
	cond      *sync.Cond
	callbacks map[string]*Callback
	clock     func() float64
	shutdown  bool
}

// New builds an empty Bus. clock, if non-nil, supplies the float reading
// tickets are allocated from; if nil, tickets are random UUIDs.
func New(clock func() float64) *Bus {
	b := &Bus{
		callbacks: make(map[string]*Callback),
		clock:     clock,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NextTicket allocates a new ticket string. With a clock it is the clock
// reading formatted to six decimal places; two calls that see the same
// reading get the same ticket, as no collision suffix is added. Without a
// clock it is a random UUID (this module's use of github.com/google/uuid,
// see DESIGN.md).
func (b *Bus) NextTicket() string {
	if b.clock != nil {
		return fmt.Sprintf("%.6f", b.clock())
	}
	return uuid.NewString()
}

// SetShutdown marks the bus as draining; Register refuses new callbacks
// for commands other than BYE once set (spec.md §4.5, §4.10).
func (b *Bus) SetShutdown(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = v
}

// ErrShuttingDown is returned by Register when the bus is shutting down and
// the command is not BYE.
var ErrShuttingDown = fmt.Errorf("bus: shutting down")

// Register creates a callback for ticket unless command is itself a reply
// command, in which case Register is a no-op and returns nil.
func (b *Bus) Register(ticket, command string, peers []string) (*Callback, error) {
	if command == "ACK" || command == "OK" || command == "ERR" || command == "DATA" {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown && command != "BYE" {
		return nil, ErrShuttingDown
	}
	cb := newCallback(ticket, command, peers)
	b.callbacks[ticket] = cb
	return cb, nil
}

// RegisterChunkCollector creates a callback in chunk-collecting mode for a
// FileGet ticket (spec.md §4.9, §9 Open Question 3).
func (b *Bus) RegisterChunkCollector(ticket, peer string) *Callback {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := newCallback(ticket, "DATA", []string{peer})
	cb.ExpectsChunks = true
	cb.ChunksSeen = map[int]string{}
	b.callbacks[ticket] = cb
	return cb
}

// Deliver records a peer's reply against its ticket's callback and wakes
// every waiter. A reply for a ticket with no registered callback is
// silently dropped (the caller is no longer listening).
func (b *Bus) Deliver(ticket, peer string, reply Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.callbacks[ticket]
	if !ok {
		return
	}
	cb.Replies[peer] = reply
	b.cond.Broadcast()
}

// DeliverChunk records one chunk of a chunked DATA reply.
func (b *Bus) DeliverChunk(ticket string, index, total int, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.callbacks[ticket]
	if !ok || !cb.ExpectsChunks {
		return
	}
	cb.ChunksTotal = total
	cb.ChunksSeen[index] = chunk
	b.cond.Broadcast()
}

// AwaitResult is the outcome of AwaitReceivers.
type AwaitResult struct {
	OK        bool
	Responses map[string]Reply
	Missing   []string
}

// wakeOn broadcasts b.cond once ctx is done or the timer fires, whichever
// comes first; stop releases the goroutine when the caller is done waiting.
func (b *Bus) wakeOn(ctx context.Context, timer *time.Timer, stop chan struct{}) {
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-stop:
		return
	}
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

// AwaitReceivers waits for every peer in receivers to answer cb's ticket,
// or for timeout/ctx to expire, or for any ERR reply to arrive (spec.md
// §4.5, §9: waiters block on the bus's single condition variable and are
// woken by Deliver/DeliverChunk or by deadline/cancellation). The callback
// entry is always discarded before returning.
func (b *Bus) AwaitReceivers(ctx context.Context, cb *Callback, receivers []string, timeout time.Duration) AwaitResult {
	if cb == nil || len(receivers) == 0 {
		if cb != nil {
			b.Discard(cb.Ticket)
		}
		return AwaitResult{OK: true, Responses: map[string]Reply{}}
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go b.wakeOn(ctx, timer, stop)

	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if cb.complete() {
			break
		}
		if _, errored := cb.hasErr(); errored {
			break
		}
		if ctx.Err() != nil || !time.Now().Before(deadline) {
			break
		}
		b.cond.Wait()
	}

	responses := make(map[string]Reply, len(cb.Replies))
	for p, r := range cb.Replies {
		responses[p] = r
	}

	var missing []string
	for _, p := range receivers {
		if _, ok := responses[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Strings(missing)

	_, errored := cb.hasErr()
	ok := len(missing) == 0 && !errored
	delete(b.callbacks, cb.Ticket)

	return AwaitResult{OK: ok, Responses: responses, Missing: missing}
}

// AwaitChunks blocks until every chunk 1..N of a chunked collector has
// arrived (N learned from the first chunk) or ctx expires, then returns the
// concatenated payload.
func (b *Bus) AwaitChunks(ctx context.Context, cb *Callback) (string, bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	b.mu.Lock()
	defer b.mu.Unlock()
	defer delete(b.callbacks, cb.Ticket)

	for !cb.complete() {
		if ctx.Err() != nil {
			return "", false
		}
		b.cond.Wait()
	}

	indices := make([]int, 0, len(cb.ChunksSeen))
	for i := range cb.ChunksSeen {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := ""
	for _, i := range indices {
		out += cb.ChunksSeen[i]
	}
	return out, true
}

// Discard drops a callback without waiting on it (used when SendCommand
// produced zero receivers, spec.md §4.5).
func (b *Bus) Discard(ticket string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.callbacks, ticket)
}
