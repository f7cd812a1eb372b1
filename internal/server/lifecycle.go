package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/bus"
	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/dispatch"
	"github.com/andryyy/thatcat-sub000/internal/fileshare"
	"github.com/andryyy/thatcat-sub000/internal/health"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

// Start implements spec.md §4.10: bind the TLS listener, begin accepting,
// broadcast INIT, then start the periodic election/status monitor.
func (c *Cluster) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return fmt.Errorf("server: already started")
	}
	c.runCtx, c.runCancel = context.WithCancel(ctx)
	c.mu.Unlock()

	ln, err := c.trans.Listen(c.cfg.Server.BindAddr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.listener = ln
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.acceptLoop(ln)
	}()

	c.runElection()

	cb, receivers, err := c.SendCommand(c.runCtx, "INIT", "", []string{"*"})
	if err != nil {
		c.log.Warnf("server: initial INIT broadcast failed: %v", err)
	} else {
		c.bus.AwaitReceivers(c.runCtx, cb, receivers, c.peerTimeout())
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.electionLoop(c.runCtx)
	}()

	return nil
}

// Shutdown implements spec.md §4.10: stop accepting, broadcast BYE, cancel
// every monitor, close the listener, and wait for all spawned goroutines.
func (c *Cluster) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	listener := c.listener
	c.mu.Unlock()

	c.bus.SetShutdown(true)

	cb, receivers, err := c.SendCommand(ctx, "BYE", "", []string{"*"})
	if err == nil {
		c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
	}

	c.mu.Lock()
	for name, cancel := range c.monitorCancel {
		cancel()
		delete(c.monitorCancel, name)
	}
	runCancel := c.runCancel
	c.mu.Unlock()

	if runCancel != nil {
		runCancel()
	}
	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cluster) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if c.runCtx.Err() != nil {
				return
			}
			c.log.Warnf("server: accept error: %v", err)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.acceptOne(conn)
		}()
	}
}

// acceptOne implements the ingress half of spec.md §4.2: validate and
// install the ingress slot, spawn the peer's monitor, process the
// handshake frame, then enter the per-connection command-read loop until it
// ends.
func (c *Cluster) acceptOne(conn net.Conn) {
	result, err := c.trans.HandleIngress(conn)
	if err != nil {
		c.log.Debugf("server: ingress rejected: %v", err)
		return
	}
	peer := result.Peer

	c.registerMonitor(peer)

	if !c.onEnvelope(peer.Name, result.Env) {
		c.cancelMonitor(peer.Name)
		c.trans.Teardown(peer)
		c.runElection()
		return
	}

	peer.Lock()
	ingress := peer.Ingress()
	peer.Unlock()
	bufReader, ok := ingress.Reader.(*bufio.Reader)
	if !ok {
		c.log.Errorf("server: ingress reader for %s is not buffered", peer.Name)
		c.cancelMonitor(peer.Name)
		c.trans.Teardown(peer)
		c.runElection()
		return
	}

	c.trans.ServeIngress(c.runCtx, peer, bufReader, func(env wire.Envelope) bool {
		return c.onEnvelope(peer.Name, env)
	})

	c.cancelMonitor(peer.Name)
	c.trans.Teardown(peer)
	c.runElection()
}

// onEnvelope implements spec.md §4.6 steps 1 and 6-7: update the sender's
// meta, route reply commands (ACK/OK/ERR/DATA) straight to the bus, and
// dispatch everything else through the command registry, sending back
// whatever reply the handler produced.
func (c *Cluster) onEnvelope(peerName string, env wire.Envelope) bool {
	peer, err := c.peerByName(peerName)
	if err != nil {
		return false
	}

	peer.Lock()
	peer.SetMeta(clusterstate.MetaData{
		Name:    env.Meta.Name,
		Cluster: env.Meta.Cluster,
		Started: env.Meta.Started,
		Leader:  env.Meta.Leader,
	})
	peer.Unlock()

	if env.Meta.Name != peerName {
		c.log.Warnf("server: peer %s reported meta name %q, closing connection", peerName, env.Meta.Name)
		return false
	}

	switch env.Command {
	case "ACK", "OK":
		c.bus.Deliver(env.Ticket, peerName, bus.Reply{Kind: bus.ReplyOK, Payload: env.Payload})
		return true
	case "ERR":
		c.bus.Deliver(env.Ticket, peerName, bus.Reply{Kind: bus.ReplyErr, Payload: env.Payload})
		return true
	case "DATA":
		chunk, err := fileshare.DecodeChunk(env.Payload)
		if err != nil {
			c.log.Warnf("server: malformed DATA from %s: %v", peerName, err)
			return true
		}
		c.rememberChunkMeta(env.Ticket, chunk.Meta)
		c.bus.DeliverChunk(env.Ticket, chunk.Index, chunk.Total, chunk.Chunk)
		return true
	}

	dctx := dispatch.Context{
		Peer:        peerName,
		IsLeader:    c.isLeader(),
		IsReady:     c.isReady(),
		LocalLeader: c.registry.Local.View().Leader,
	}
	replyCmd, replyPayload, err := c.dispatch.Dispatch(dctx, env)
	if err != nil {
		werr, ok := err.(*clustererr.WireError)
		if !ok {
			werr = clustererr.New(clustererr.CommandFailed, err.Error())
		}
		payload := string(werr.Tok)
		if werr.Message != "" {
			payload += " " + werr.Message
		}
		if sendErr := c.sendReply(peerName, env.Ticket, "ERR", payload); sendErr != nil {
			c.log.Warnf("server: failed to send ERR reply to %s: %v", peerName, sendErr)
		}
		return true
	}
	if replyCmd != "" {
		if sendErr := c.sendReply(peerName, env.Ticket, replyCmd, replyPayload); sendErr != nil {
			c.log.Warnf("server: failed to send %s reply to %s: %v", replyCmd, peerName, sendErr)
		}
	}
	return true
}

// sendReply answers a request over the connection it arrived on (the
// peer's ingress stream), not egress, matching the wire convention that a
// reply shares its ticket with the request that prompted it.
func (c *Cluster) sendReply(peerName, ticket, cmd, payload string) error {
	peer, err := c.peerByName(peerName)
	if err != nil {
		return err
	}
	peer.Lock()
	defer peer.Unlock()
	ig := peer.Ingress()
	if ig == nil {
		return fmt.Errorf("server: no ingress stream to %s to reply on", peerName)
	}
	env := wire.Envelope{Ticket: ticket, Command: cmd, Payload: payload, Meta: toWireMeta(c.localMeta())}
	return wire.WriteEnvelope(ig.Writer, env)
}

func (c *Cluster) registerMonitor(peer *clusterstate.RemotePeer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.monitorCancel[peer.Name]; exists {
		return
	}
	monCtx, cancel := context.WithCancel(c.runCtx)
	c.monitorCancel[peer.Name] = cancel
	mon := health.New(peer.Name, peer, c.peerTimeout(), c.log, c.onPeerFailed)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		mon.Run(monCtx)
	}()
}

func (c *Cluster) cancelMonitor(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.monitorCancel[name]; ok {
		cancel()
		delete(c.monitorCancel, name)
	}
}

// onPeerFailed is the health.FailureHandler hook: the monitor has already
// torn down the peer's streams, so only re-election remains (spec.md §4.3
// last sentence).
func (c *Cluster) onPeerFailed(name string) {
	c.cancelMonitor(name)
	c.runElection()
}

// runElection runs one election pass and fires any leader/completeness
// transition callbacks it produced.
func (c *Cluster) runElection() {
	c.elector.Run()
	c.fireTransitions()
}

func (c *Cluster) fireTransitions() {
	snap := c.registry.Local.View()

	c.callbackMu.Lock()
	leaderChanged := snap.Leader != c.lastLeader
	completeChanged := snap.ClusterComplete != c.lastComplete
	c.lastLeader = snap.Leader
	c.lastComplete = snap.ClusterComplete
	leaderFns := append([]func(string){}, c.onLeaderChangeFns...)
	completeFns := append([]func(bool){}, c.onCompleteFns...)
	c.callbackMu.Unlock()

	if leaderChanged {
		for _, fn := range leaderFns {
			fn(snap.Leader)
		}
	}
	if completeChanged {
		for _, fn := range completeFns {
			fn(snap.ClusterComplete)
		}
	}
}

// electionLoop implements the periodic half of spec.md §4.4/§4.10: while
// cluster_complete is false, probe every non-gracefully-shut-down peer with
// STATUS (lazily reconnecting) and re-run the election, once per second.
func (c *Cluster) electionLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.isReady() {
			continue
		}

		for name, p := range c.registry.Remotes {
			p.Lock()
			grace := p.GracefulShutdown
			p.Unlock()
			if grace {
				continue
			}
			cb, receivers, err := c.SendCommand(ctx, "STATUS", "", []string{name})
			if err != nil {
				continue
			}
			c.bus.AwaitReceivers(ctx, cb, receivers, c.peerTimeout())
		}

		c.runElection()
	}
}
