package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andryyy/thatcat-sub000/internal/clusterstate"
	"github.com/andryyy/thatcat-sub000/internal/logging"
)

func pipePeer(t *testing.T) (*clusterstate.RemotePeer, net.Conn, net.Conn) {
	t.Helper()
	peer := clusterstate.NewRemotePeer("b", "10.0.0.2", "", "", 2102)
	ingressServer, ingressClient := net.Pipe()
	egressServer, egressClient := net.Pipe()

	peer.Lock()
	peer.SetIngress(&clusterstate.Streams{Reader: ingressServer, Writer: ingressServer, Closer: ingressServer})
	peer.SetEgress(&clusterstate.Streams{Reader: egressServer, Writer: egressServer, Closer: egressServer})
	peer.SetMeta(clusterstate.MetaData{Name: "b", Started: 1})
	peer.Unlock()

	return peer, ingressClient, egressClient
}

func TestMonitorSurvivesEchoedProbe(t *testing.T) {
	peer, ingressClient, egressClient := pipePeer(t)
	defer ingressClient.Close()
	defer egressClient.Close()

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		buf := make([]byte, 1)
		for i := 0; i < 2; i++ {
			if _, err := ingressClient.Read(buf); err != nil {
				return
			}
			if _, err := egressClient.Write([]byte{0x00}); err != nil {
				return
			}
		}
	}()

	failed := false
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	m := New("b", peer, 10*time.Millisecond, logging.NewRecordingLogger(), func(string) { failed = true })
	m.Run(ctx)

	require.False(t, failed)
	<-stop
}

func TestMonitorDeclaresFailureAfterThreeTimeouts(t *testing.T) {
	peer, ingressClient, egressClient := pipePeer(t)
	defer ingressClient.Close()
	defer egressClient.Close()

	// Nothing reads the ingress side or writes the egress side, so every
	// probe blocks until its deadline.
	failedCh := make(chan string, 1)
	m := New("b", peer, 2*time.Millisecond, logging.NewRecordingLogger(), func(name string) { failedCh <- name })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Run(ctx)

	select {
	case name := <-failedCh:
		require.Equal(t, "b", name)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never declared failure")
	}

	peer.Lock()
	defer peer.Unlock()
	require.Nil(t, peer.Ingress())
	require.Nil(t, peer.Egress())
}
