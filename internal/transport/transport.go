// Package transport implements the peer connection manager described in
// spec.md §4.2: dialing egress in IPv4-then-IPv6 preference order, accepting
// ingress with zombie-duplicate rejection, and running the per-peer
// command-read loop that feeds frames upward to the dispatcher.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/clustererr"
	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

// ConnectionStatus reports the outcome of a dial attempt (SPEC_FULL.md §3.1,
// supplemented from original_source/components/cluster/models.py) so the
// caller gets more than a bare error out of a reconnect cycle.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusOKWithPreviousErrors
	StatusSocketRefused
	StatusAllAvailableFailed
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusOKWithPreviousErrors:
		return "OK_WITH_PREVIOUS_ERRORS"
	case StatusSocketRefused:
		return "SOCKET_REFUSED"
	case StatusAllAvailableFailed:
		return "ALL_AVAILABLE_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Manager owns dial/accept/teardown for every configured peer connection.
type Manager struct {
	registry   *clusterstate.Registry
	tlsConfig  *tls.Config
	log        logging.Logger
	limitBytes uint32
	dialTimeout time.Duration
}

// New builds a Manager. dialTimeout should be roughly half the configured
// peer probe interval (spec.md §4.2).
func New(registry *clusterstate.Registry, tlsConfig *tls.Config, log logging.Logger, limitBytes uint32, dialTimeout time.Duration) *Manager {
	return &Manager{
		registry:    registry,
		tlsConfig:   tlsConfig,
		log:         log,
		limitBytes:  limitBytes,
		dialTimeout: dialTimeout,
	}
}

// Listen opens the TLS listener this process accepts ingress connections on.
func (m *Manager) Listen(addr string) (net.Listener, error) {
	return tls.Listen("tcp", addr, m.tlsConfig)
}

// DialEgress connects (or reconnects) the egress stream to peer, per the
// rule in spec.md §4.2: acquire the peer's mutex; tear down a closed/EOF'd
// writer; otherwise dial IPv4 then IPv6 with dialTimeout; store the (reader,
// writer) pair on success.
//
// Caller must NOT already hold peer's lock; DialEgress acquires and releases
// it internally so it composes with SendCommand's per-target dial-if-needed
// step (spec.md §4.5).
func (m *Manager) DialEgress(ctx context.Context, peer *clusterstate.RemotePeer) (ConnectionStatus, error) {
	peer.Lock()
	defer peer.Unlock()

	if eg := peer.Egress(); eg != nil {
		if !isAlive(eg) {
			eg.Close()
			peer.SetEgress(nil)
		} else {
			return StatusConnected, nil
		}
	}

	addrs := peer.Addresses()
	if len(addrs) == 0 {
		return StatusAllAvailableFailed, fmt.Errorf("transport: peer %s has no configured addresses", peer.Name)
	}

	var lastErr error
	sawError := false
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", addr, peer.Port))
		cancel()
		if err != nil {
			sawError = true
			lastErr = &clustererr.TransportError{Peer: peer.Name, Err: err}
			m.log.Debugf("transport: dial %s@%s failed: %v", peer.Name, addr, err)
			continue
		}

		tlsConn := tls.Client(conn, m.tlsConfig)
		tlsConn.SetDeadline(time.Now().Add(m.dialTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			sawError = true
			lastErr = &clustererr.TransportError{Peer: peer.Name, Err: err}
			continue
		}
		tlsConn.SetDeadline(time.Time{})

		peer.SetEgress(&clusterstate.Streams{Reader: tlsConn, Writer: tlsConn, Closer: tlsConn})
		peer.GracefulShutdown = false

		if sawError {
			return StatusOKWithPreviousErrors, nil
		}
		return StatusConnected, nil
	}

	return StatusAllAvailableFailed, lastErr
}

// isAlive does a near-non-blocking liveness probe of an established
// net.Conn by attempting a one-byte read with a 1ms deadline; a timeout
// counts as alive, while a clean EOF or closed-pipe error means the peer
// side has gone away.
func isAlive(s *clusterstate.Streams) bool {
	conn, ok := s.Reader.(net.Conn)
	if !ok {
		return true
	}
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	n, err := conn.Read(one)
	if n > 0 {
		return true
	}
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	return false
}

// AcceptResult is what HandleIngress learned about a newly accepted
// connection before handing it to the caller's read loop.
type AcceptResult struct {
	Peer *clusterstate.RemotePeer
	Env  wire.Envelope
}

// HandleIngress performs the accept-time validation of spec.md §4.2: read
// one full frame, resolve the claimed peer by name, reject an address
// mismatch or an already-occupied ingress slot (ZOMBIE), then install the
// ingress slot.
func (m *Manager) HandleIngress(conn net.Conn) (*AcceptResult, error) {
	reader := bufio.NewReader(conn)
	env, err := wire.ReadEnvelope(reader, m.limitBytes)
	if err != nil {
		conn.Close()
		return nil, &clustererr.ProtocolError{Tok: clustererr.UnknownCommand, Err: err}
	}

	peer, ok := m.registry.Remotes[env.Meta.Name]
	if !ok {
		conn.Close()
		return nil, &clustererr.ProtocolError{Tok: clustererr.UnknownPeer, Err: fmt.Errorf("unknown peer %q", env.Meta.Name)}
	}

	remoteHost := hostOf(conn.RemoteAddr())
	if !addressMatches(peer.Addresses(), remoteHost) {
		conn.Close()
		return nil, &clustererr.ProtocolError{Tok: clustererr.UnknownPeer, Err: fmt.Errorf("peer %s dialed from unconfigured address %s", peer.Name, remoteHost)}
	}

	peer.Lock()
	defer peer.Unlock()
	if peer.Ingress() != nil {
		conn.Close()
		return nil, &clustererr.ProtocolError{Tok: clustererr.Zombie, Err: fmt.Errorf("peer %s already has an ingress stream", peer.Name)}
	}

	peer.SetIngress(&clusterstate.Streams{Reader: reader, Writer: conn, Closer: conn})
	return &AcceptResult{Peer: peer, Env: env}, nil
}

func hostOf(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func addressMatches(configured []string, observed string) bool {
	for _, a := range configured {
		if a == observed {
			return true
		}
	}
	return false
}

// ServeIngress runs the per-connection command-read loop: decode envelopes
// from peer's ingress reader and invoke onEnvelope for each, until the
// stream errors, ctx is cancelled, or onEnvelope asks to stop by returning
// false.
func (m *Manager) ServeIngress(ctx context.Context, peer *clusterstate.RemotePeer, reader *bufio.Reader, onEnvelope func(wire.Envelope) bool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		env, err := wire.ReadEnvelope(reader, m.limitBytes)
		if err != nil {
			return err
		}
		if !onEnvelope(env) {
			return nil
		}
	}
}

// Teardown closes both stream slots of peer and clears its meta, as done on
// health-monitor failure declaration or BYE (spec.md §4.3, §4.10).
func (m *Manager) Teardown(peer *clusterstate.RemotePeer) {
	peer.Lock()
	defer peer.Unlock()
	if ig := peer.Ingress(); ig != nil {
		ig.Close()
	}
	if eg := peer.Egress(); eg != nil {
		eg.Close()
	}
	peer.Reset()
}
