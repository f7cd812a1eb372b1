// Package health implements the per-peer heartbeat monitor from spec.md
// §4.3: write a probe byte on ingress, read an echo on egress, tolerate up
// to 3 consecutive timeouts, then declare the peer failed.
package health

import (
	"context"
	"time"

	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
)

// MaxConsecutiveTimeouts is the failure threshold (spec.md §4.3).
const MaxConsecutiveTimeouts = 3

// PeerView is the narrow interface the monitor needs from a peer, inverting
// the monitor→registry dependency called out in spec.md §9's "cyclic
// references" redesign note.
type PeerView interface {
	Lock()
	Unlock()
	Ingress() *clusterstate.Streams
	Egress() *clusterstate.Streams
}

// FailureHandler is invoked once a peer is declared failed, after its
// streams have already been closed (and, when the view is a
// *clusterstate.RemotePeer, its ingress/egress/meta slots cleared); it is
// the hook the caller uses to re-run election (spec.md §4.3 last sentence).
type FailureHandler func(peerName string)

// Monitor runs one peer's heartbeat loop.
type Monitor struct {
	peerName    string
	view        PeerView
	interval    time.Duration
	probeByte   byte
	log         logging.Logger
	onFailure   FailureHandler
}

// New builds a Monitor for one peer. interval is the configured
// peer_timeout_s; the read deadline applied per probe is 3× interval
// (spec.md §4.3).
func New(peerName string, view PeerView, interval time.Duration, log logging.Logger, onFailure FailureHandler) *Monitor {
	return &Monitor{
		peerName:  peerName,
		view:      view,
		interval:  interval,
		probeByte: 0x00,
		log:       log,
		onFailure: onFailure,
	}
}

// Run loops probes at the configured interval until ctx is cancelled or the
// peer is declared failed, at which point Run returns.
func (m *Monitor) Run(ctx context.Context) {
	consecutiveTimeouts := 0
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok := m.probeOnce(ctx)
		if ok {
			consecutiveTimeouts = 0
			continue
		}

		consecutiveTimeouts++
		m.log.Debugf("health: peer %s missed probe (%d/%d)", m.peerName, consecutiveTimeouts, MaxConsecutiveTimeouts)
		if consecutiveTimeouts >= MaxConsecutiveTimeouts {
			m.log.Warnf("health: peer %s failed after %d consecutive timeouts", m.peerName, consecutiveTimeouts)
			m.teardown()
			if m.onFailure != nil {
				m.onFailure(m.peerName)
			}
			return
		}
	}
}

// probeOnce writes one probe byte on ingress and reads one byte back on
// egress, bounded by 3x the configured interval. Equality of written and
// read byte is not required — this is a keepalive, not an echo protocol
// (spec.md §4.3).
func (m *Monitor) probeOnce(ctx context.Context) bool {
	m.view.Lock()
	ingress := m.view.Ingress()
	egress := m.view.Egress()
	m.view.Unlock()

	if ingress == nil || egress == nil {
		return false
	}

	deadline := time.Now().Add(3 * m.interval)
	type deadliner interface{ SetDeadline(time.Time) error }

	if dl, ok := ingress.Writer.(deadliner); ok {
		dl.SetDeadline(deadline)
	}
	if _, err := ingress.Writer.Write([]byte{m.probeByte}); err != nil {
		return false
	}

	if dl, ok := egress.Reader.(deadliner); ok {
		dl.SetDeadline(deadline)
	}
	buf := make([]byte, 1)
	if _, err := egress.Reader.Read(buf); err != nil {
		return false
	}
	return true
}

func (m *Monitor) teardown() {
	m.view.Lock()
	defer m.view.Unlock()
	if ig := m.view.Ingress(); ig != nil {
		ig.Close()
	}
	if eg := m.view.Egress(); eg != nil {
		eg.Close()
	}
	if rp, ok := m.view.(*clusterstate.RemotePeer); ok {
		rp.Reset()
	}
}
