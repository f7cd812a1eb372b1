package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{
			Ticket:  "100.5",
			Command: "STATUS",
			Payload: "",
			Meta:    Meta{Name: "alpha", Cluster: "alpha;beta", Started: 100.25, Leader: "alpha"},
		},
		{
			Ticket:  "200",
			Command: "LOCK",
			Payload: "100 users,forms",
			Meta:    Meta{Name: "beta", Cluster: "", Started: 200, Leader: ""},
		},
	}

	for _, c := range cases {
		body := Encode(c)
		got, err := Decode(body)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	e := Envelope{
		Ticket:  "1",
		Command: "INIT",
		Meta:    Meta{Name: "alpha", Started: 1},
	}
	require.NoError(t, WriteEnvelope(&buf, e))

	got, err := ReadEnvelope(bufio.NewReader(&buf), 0)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestReadFrameEnforcesLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))
	_, err := ReadFrame(&buf, 10)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeRejectsMalformedFrame(t *testing.T) {
	_, err := Decode([]byte("1 STATUS no meta here"))
	require.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeConfusedSentinels(t *testing.T) {
	body := Encode(Envelope{
		Ticket:  "1",
		Command: "STATUS",
		Meta:    Meta{Name: "alpha", Started: 1},
	})
	got, err := Decode(body)
	require.NoError(t, err)
	require.Equal(t, "", got.Meta.Cluster)
	require.Equal(t, "", got.Meta.Leader)
}
