package server

import (
	"context"
	"fmt"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/bus"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/fileshare"
	"github.com/andryyy/thatcat-sub000/internal/lock"
	"github.com/andryyy/thatcat-sub000/internal/patch"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

func toWireMeta(m clusterstate.MetaData) wire.Meta {
	return wire.Meta{Name: m.Name, Cluster: m.Cluster, Started: m.Started, Leader: m.Leader}
}

// send frames one envelope to target over its egress stream, dialing first
// if needed (spec.md §4.5 "under that peer's mutex, dial if needed,
// serialize the envelope, frame-write").
func (c *Cluster) send(ctx context.Context, target, ticket, cmd, payload string) error {
	peer, err := c.peerByName(target)
	if err != nil {
		return err
	}
	if _, err := c.trans.DialEgress(ctx, peer); err != nil {
		return err
	}
	peer.Lock()
	defer peer.Unlock()
	eg := peer.Egress()
	if eg == nil {
		return fmt.Errorf("server: no egress stream to %s after dial", target)
	}
	env := wire.Envelope{Ticket: ticket, Command: cmd, Payload: payload, Meta: toWireMeta(c.localMeta())}
	return wire.WriteEnvelope(eg.Writer, env)
}

// SendCommand implements spec.md §4.5: resolve targets (explicit list or
// "*"), dial-and-send to each, then register a callback over the peers that
// actually received the frame. Dial/write failures are logged and the peer
// is simply omitted from the returned receivers list.
func (c *Cluster) SendCommand(ctx context.Context, cmd, payload string, peers []string) (*bus.Callback, []string, error) {
	if c.isShuttingDown() && cmd != "BYE" {
		return nil, nil, bus.ErrShuttingDown
	}

	ticket := c.bus.NextTicket()
	targets := c.resolveTargets(peers)

	var receivers []string
	for _, t := range targets {
		if err := c.send(ctx, t, ticket, cmd, payload); err != nil {
			c.log.Warnf("server: SendCommand %s to %s failed: %v", cmd, t, err)
			continue
		}
		receivers = append(receivers, t)
	}

	cb, err := c.bus.Register(ticket, cmd, receivers)
	if err != nil {
		return nil, receivers, err
	}
	return cb, receivers, nil
}

// AwaitReceivers is a thin forwarding wrapper so callers outside this
// package never need to reach into c.bus directly.
func (c *Cluster) AwaitReceivers(ctx context.Context, cb *bus.Callback, receivers []string, timeout time.Duration) bus.AwaitResult {
	return c.bus.AwaitReceivers(ctx, cb, receivers, timeout)
}

// fanout is the patch.FanoutFunc this cluster's Engine is built with: send
// plus await in one round trip (spec.md §4.8 PATCH_FANOUT/COMMIT_FANOUT).
func (c *Cluster) fanout(ctx context.Context, cmd, payload string, peers []string) bus.AwaitResult {
	cb, receivers, err := c.SendCommand(ctx, cmd, payload, peers)
	if err != nil {
		return bus.AwaitResult{OK: false, Responses: map[string]bus.Reply{}, Missing: peers}
	}
	return c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout()*3)
}

// sendLock is the lock.SendLockFunc this cluster uses for the follower path
// of spec.md §4.7: ask the current leader over the wire and translate its
// reply into an AcquireResult.
func (c *Cluster) sendLock(ctx context.Context, lockID string, tables []string) (lock.AcquireResult, error) {
	leader := c.registry.Local.View().Leader
	if leader == "" || leader == c.registry.Local.Name {
		return lock.AcquireErr, fmt.Errorf("server: no known leader to ask for LOCK")
	}
	payload := fmt.Sprintf("%s %s", lockID, joinTables(tables))
	cb, receivers, err := c.SendCommand(ctx, "LOCK", payload, []string{leader})
	if err != nil {
		return lock.AcquireErr, err
	}
	res := c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
	if !res.OK {
		return lock.AcquireErr, fmt.Errorf("server: LOCK request to %s did not complete", leader)
	}
	reply := res.Responses[leader]
	switch {
	case reply.Kind == bus.ReplyErr:
		return lock.AcquireErr, fmt.Errorf("server: %s", reply.Payload)
	case reply.Payload == "BUSY":
		return lock.AcquireBusy, nil
	default:
		return lock.AcquireOK, nil
	}
}

func joinTables(tables []string) string {
	out := ""
	for i, t := range tables {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

// sendUnlock asks the current leader to release lockID's tables (spec.md
// §4.7 Release, follower path).
func (c *Cluster) sendUnlock(ctx context.Context, lockID string, tables []string) error {
	leader := c.registry.Local.View().Leader
	if leader == "" {
		return nil
	}
	if leader == c.registry.Local.Name {
		c.lockMgr.Release(lockID, tables)
		return nil
	}
	payload := fmt.Sprintf("%s %s", lockID, joinTables(tables))
	cb, receivers, err := c.SendCommand(ctx, "UNLOCK", payload, []string{leader})
	if err != nil {
		return err
	}
	res := c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
	if !res.OK {
		return fmt.Errorf("server: UNLOCK request to %s did not complete", leader)
	}
	return nil
}

// acquireLock runs the leader-vs-follower branch of spec.md §4.7: on the
// leader, acquire directly; otherwise ask over the wire with retry-on-busy.
func (c *Cluster) acquireLock(ctx context.Context, lockID string, tables []string) error {
	if c.isLeader() {
		return c.lockMgr.AcquireLeader(ctx, lockID, tables, c.lockingTimeout())
	}
	return lock.AcquireFollower(ctx, c.sendLock, lockID, tables, c.lockingTimeout())
}

// Transaction is the caller-facing scoped transaction handle: acquire,
// mutate via the embedded *patch.Scope, then Commit or Abort (spec.md §1
// "Lock(tables) / modify / commit-or-abort").
type Transaction struct {
	*patch.Scope
	cluster *Cluster
	leader  string
}

// Lock acquires tables (on the leader directly, or via the wire on a
// follower), snapshots them, and returns a Transaction the caller mutates
// before Commit or Abort.
func (c *Cluster) Lock(ctx context.Context, lockID string, tables []string) (*Transaction, error) {
	if err := c.acquireLock(ctx, lockID, tables); err != nil {
		return nil, err
	}
	scope := patch.Begin(c.store, lockID, tables)
	return &Transaction{Scope: scope, cluster: c, leader: c.registry.Local.View().Leader}, nil
}

// Commit runs the replicated DIFFED→COMMIT pipeline and always releases the
// transaction's locks, regardless of outcome.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.cluster.patch.Commit(ctx, t.Scope, t.leader, func() string {
		return t.cluster.registry.Local.View().Leader
	}, func() {
		t.cluster.releaseLock(t.Scope.LockID, t.Scope.Tables)
	})
}

// Abort discards the transaction's staged mutations and releases its locks
// without replicating anything.
func (t *Transaction) Abort() {
	t.cluster.store.Rollback(t.Scope.LockID)
	t.cluster.releaseLock(t.Scope.LockID, t.Scope.Tables)
}

func (c *Cluster) releaseLock(lockID string, tables []string) {
	if c.isLeader() {
		c.lockMgr.Release(lockID, tables)
		return
	}
	if err := c.sendUnlock(context.Background(), lockID, tables); err != nil {
		c.log.Warnf("server: releasing lock %s failed: %v", lockID, err)
	}
}

// FilePut implements spec.md §4.9: advertise localPath/destPath to peer,
// which pulls the file back via its own FileGet (inverted control).
func (c *Cluster) FilePut(ctx context.Context, localPath, destPath, peer string) error {
	payload := fmt.Sprintf("%s %s", localPath, destPath)
	cb, receivers, err := c.SendCommand(ctx, "FILEPUT", payload, []string{peer})
	if err != nil {
		return err
	}
	res := c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
	if !res.OK {
		return fmt.Errorf("server: FILEPUT to %s did not complete", peer)
	}
	return nil
}

// FileGet implements spec.md §4.9: request a byte range of path from peer
// and write the reassembled content to dest.
func (c *Cluster) FileGet(ctx context.Context, path, dest, peer string, start, end int64) error {
	payload := fmt.Sprintf("%d %d %s", start, end, path)
	ticket := c.bus.NextTicket()
	if err := c.send(ctx, peer, ticket, "FILEGET", payload); err != nil {
		return err
	}
	cb := c.bus.RegisterChunkCollector(ticket, peer)
	concatenated, ok := c.bus.AwaitChunks(ctx, cb)
	if !ok {
		return fmt.Errorf("server: FILEGET from %s timed out", peer)
	}
	meta, ok := c.takeChunkMeta(ticket)
	if !ok {
		meta = fileshare.ChunkMeta{}
	}
	return c.files.WriteGet(dest, start, meta, concatenated)
}

// FileDel implements spec.md §4.9: ask peer to unlink path.
func (c *Cluster) FileDel(ctx context.Context, path, peer string) error {
	cb, receivers, err := c.SendCommand(ctx, "FILEDEL", path, []string{peer})
	if err != nil {
		return err
	}
	res := c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
	if !res.OK {
		return fmt.Errorf("server: FILEDEL on %s at %s did not complete", peer, path)
	}
	return nil
}
