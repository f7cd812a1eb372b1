package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
	"github.com/andryyy/thatcat-sub000/internal/wire"
)

func newManager(t *testing.T, peers ...*clusterstate.RemotePeer) *Manager {
	t.Helper()
	local := clusterstate.NewLocalPeer("self", "pipe", "", 1)
	reg := clusterstate.NewRegistry(local, peers)
	return New(reg, nil, logging.NewRecordingLogger(), 1<<20, 50*time.Millisecond)
}

func writeInitFrame(t *testing.T, conn net.Conn, name string) {
	t.Helper()
	env := wire.Envelope{
		Ticket:  "1",
		Command: "INIT",
		Meta:    wire.Meta{Name: name, Started: 1},
	}
	require.NoError(t, wire.WriteEnvelope(conn, env))
}

func TestHandleIngressEstablishesSlot(t *testing.T) {
	peer := clusterstate.NewRemotePeer("b", "pipe", "", "", 0)
	m := newManager(t, peer)

	server, client := net.Pipe()
	defer client.Close()

	go writeInitFrame(t, client, "b")

	res, err := m.HandleIngress(server)
	require.NoError(t, err)
	require.Equal(t, "b", res.Peer.Name)
	require.Equal(t, "INIT", res.Env.Command)

	peer.Lock()
	defer peer.Unlock()
	require.NotNil(t, peer.Ingress())
}

func TestHandleIngressRejectsZombie(t *testing.T) {
	peer := clusterstate.NewRemotePeer("b", "pipe", "", "", 0)
	peer.Lock()
	peer.SetIngress(&clusterstate.Streams{})
	peer.Unlock()

	m := newManager(t, peer)

	server, client := net.Pipe()
	defer client.Close()
	go writeInitFrame(t, client, "b")

	_, err := m.HandleIngress(server)
	require.Error(t, err)
}

func TestHandleIngressRejectsUnknownPeer(t *testing.T) {
	m := newManager(t)

	server, client := net.Pipe()
	defer client.Close()
	go writeInitFrame(t, client, "ghost")

	_, err := m.HandleIngress(server)
	require.Error(t, err)
}

func TestServeIngressStopsOnFalse(t *testing.T) {
	peer := clusterstate.NewRemotePeer("b", "pipe", "", "", 0)
	m := newManager(t, peer)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		writeInitFrame(t, client, "b")
	}()

	reader := bufio.NewReader(server)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	seen := 0
	err := m.ServeIngress(ctx, peer, reader, func(env wire.Envelope) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
}

func TestConnectionStatusString(t *testing.T) {
	require.Equal(t, "CONNECTED", StatusConnected.String())
	require.Equal(t, "ALL_AVAILABLE_FAILED", StatusAllAvailableFailed.String())
}
