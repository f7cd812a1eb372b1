// Package wire implements the frame codec and envelope grammar described in
// spec.md §4.1 and §6: a four-byte big-endian length prefix followed by a
// UTF-8 body of the form
//
//	<ticket> <CMD> <payload> :META NAME <n> CLUSTER <c> STARTED <s> LEADER <l>
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// LengthPrefixSize is the size, in bytes, of the frame's length prefix.
const LengthPrefixSize = 4

// MetaSentinel terminates the command payload and introduces the envelope
// metadata block. It is the unambiguous payload terminator referenced in
// spec.md §4.1.
const MetaSentinel = " :META "

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured server limit.
var ErrFrameTooLarge = errors.New("wire: frame exceeds configured size limit")

// ErrMalformedFrame is returned when a frame's body cannot be parsed into an
// Envelope.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// ConfusedSentinel is the token a peer reports for cluster/leader fields it
// cannot currently determine.
const ConfusedSentinel = "?CONFUSED"

// Meta carries the envelope metadata reported by every message.
type Meta struct {
	Name    string
	Cluster string // empty string decodes from ConfusedSentinel
	Started float64
	Leader  string // empty string decodes from ConfusedSentinel
}

// Envelope is one parsed wire message.
type Envelope struct {
	Ticket  string
	Command string
	Payload string
	Meta    Meta
}

// ReadFrame reads one length-prefixed frame from r, enforcing limit (in
// bytes, on the body length declared by the prefix, not counting the
// prefix itself) when limit > 0.
func ReadFrame(r io.Reader, limit uint32) ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if limit > 0 && n > limit {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as one length-prefixed frame to w. A single call
// to the underlying writer is used so the length prefix and body are never
// interleaved with another message (spec.md §5, per-peer serialization).
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(body)))
	copy(buf[LengthPrefixSize:], body)
	_, err := w.Write(buf)
	return err
}

// Encode renders an Envelope into its wire body (without the length
// prefix).
func Encode(e Envelope) []byte {
	var b strings.Builder
	b.WriteString(e.Ticket)
	b.WriteByte(' ')
	b.WriteString(e.Command)
	if e.Payload != "" {
		b.WriteByte(' ')
		b.WriteString(e.Payload)
	}
	b.WriteString(MetaSentinel)
	b.WriteString("NAME ")
	b.WriteString(e.Meta.Name)
	b.WriteString(" CLUSTER ")
	b.WriteString(encodeConfusable(e.Meta.Cluster))
	b.WriteString(" STARTED ")
	b.WriteString(strconv.FormatFloat(e.Meta.Started, 'f', -1, 64))
	b.WriteString(" LEADER ")
	b.WriteString(encodeConfusable(e.Meta.Leader))
	return []byte(b.String())
}

func encodeConfusable(s string) string {
	if s == "" {
		return ConfusedSentinel
	}
	return s
}

func decodeConfusable(s string) string {
	if s == ConfusedSentinel {
		return ""
	}
	return s
}

// Decode parses a raw frame body into an Envelope, per the grammar in
// spec.md §4.1 and §6.
func Decode(body []byte) (Envelope, error) {
	text := strings.TrimRight(string(body), "\r\n")
	head, meta, ok := strings.Cut(text, MetaSentinel)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing META sentinel", ErrMalformedFrame)
	}

	ticket, rest, ok := strings.Cut(head, " ")
	if !ok {
		ticket = head
		rest = ""
	}
	cmd, payload, _ := strings.Cut(rest, " ")
	if cmd == "" {
		return Envelope{}, fmt.Errorf("%w: missing command", ErrMalformedFrame)
	}

	m, err := parseMeta(meta)
	if err != nil {
		return Envelope{}, err
	}

	return Envelope{
		Ticket:  ticket,
		Command: cmd,
		Payload: payload,
		Meta:    m,
	}, nil
}

func parseMeta(meta string) (Meta, error) {
	fields := map[string]string{}
	tokens := strings.Fields(meta)
	keys := []string{"NAME", "CLUSTER", "STARTED", "LEADER"}
	i := 0
	for _, key := range keys {
		if i >= len(tokens) || tokens[i] != key {
			return Meta{}, fmt.Errorf("%w: expected meta key %s", ErrMalformedFrame, key)
		}
		i++
		if i >= len(tokens) {
			return Meta{}, fmt.Errorf("%w: missing value for meta key %s", ErrMalformedFrame, key)
		}
		fields[key] = tokens[i]
		i++
	}

	started, err := strconv.ParseFloat(fields["STARTED"], 64)
	if err != nil {
		return Meta{}, fmt.Errorf("%w: invalid STARTED value: %v", ErrMalformedFrame, err)
	}

	return Meta{
		Name:    fields["NAME"],
		Cluster: decodeConfusable(fields["CLUSTER"]),
		Started: started,
		Leader:  decodeConfusable(fields["LEADER"]),
	}, nil
}

// ReadEnvelope reads and decodes one envelope from a buffered reader.
func ReadEnvelope(r *bufio.Reader, limit uint32) (Envelope, error) {
	body, err := ReadFrame(r, limit)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}

// WriteEnvelope encodes and writes one envelope as a framed message.
func WriteEnvelope(w io.Writer, e Envelope) error {
	return WriteFrame(w, Encode(e))
}
