// Package wire implements the intercom endpoint's length-framed binary
// wire protocol: a fixed 4-byte little-endian header followed by a
// bounded payload. It provides exact-count framed reads over a
// non-blocking-shaped net.Conn, retrying transient "would block" errors
// within a bounded wall-clock budget rather than surfacing them.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// MessageType identifies the kind of frame on the wire. Values are fixed
// for wire compatibility.
type MessageType byte

const (
	Audio  MessageType = 0x01
	Start  MessageType = 0x02
	Stop   MessageType = 0x03
	Ping   MessageType = 0x04
	Pong   MessageType = 0x05
	Error  MessageType = 0x06
	Ring   MessageType = 0x07
	Answer MessageType = 0x08
)

func (t MessageType) String() string {
	switch t {
	case Audio:
		return "AUDIO"
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case Error:
		return "ERROR"
	case Ring:
		return "RING"
	case Answer:
		return "ANSWER"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
	}
}

// Flag bits carried in the header's flags byte.
const (
	// FlagNoRing on a START frame tells the receiver not to ring: treat
	// the frame as an ACK-to-caller in a relayed call.
	FlagNoRing byte = 0x02
)

// ErrorReason is the single-byte payload of an ERROR frame.
type ErrorReason byte

const (
	ReasonOK         ErrorReason = 0x00
	ReasonBusy       ErrorReason = 0x01
	ReasonInvalidMsg ErrorReason = 0x02
	ReasonNotReady   ErrorReason = 0x03
	ReasonInternal   ErrorReason = 0xFF
)

const (
	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 4

	// MaxPayload is the largest payload that Encode will accept.
	// DecodeStream accepts up to bufferCapacity on the wire.
	MaxPayload = 2048

	// bufferCapacity is the largest payload length DecodeStream accepts,
	// slightly above MaxPayload to leave some slack on the receive side.
	bufferCapacity = 2112

	// defaultReadBudget is the wall-clock budget DecodeStream retries
	// transient would-block conditions for, measured since the last
	// byte of progress, before giving up.
	defaultReadBudget = 50 * time.Millisecond

	// attemptSlice is the per-attempt read deadline readExact sets on
	// the connection; it bounds how long a single Read blocks so the
	// overall budget can be re-checked, emulating the retry-on-EAGAIN
	// loop a non-blocking C socket would run.
	attemptSlice = 5 * time.Millisecond
)

// Sentinel errors returned by DecodeStream. Use errors.Is to classify.
var (
	// ErrClosed indicates clean EOF was observed mid-read.
	ErrClosed = errors.New("wire: connection closed")

	// ErrOversize indicates the header declared a payload larger than
	// the receive buffer can hold; the caller must close the peer.
	ErrOversize = errors.New("wire: payload exceeds maximum size")

	// ErrIncomplete indicates the retry budget was exhausted before a
	// full frame could be read.
	ErrIncomplete = errors.New("wire: incomplete frame, retry budget exhausted")

	// ErrPayloadTooLarge is returned by Encode for oversize payloads.
	ErrPayloadTooLarge = errors.New("wire: payload too large to encode")
)

// Header is the fixed 4-byte frame header.
type Header struct {
	Type   MessageType
	Flags  byte
	Length uint16
}

// Frame is one decoded header + payload pair.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode writes the 4-byte little-endian header followed by payload into
// a freshly allocated byte slice. It rejects payloads longer than
// MaxPayload.
func Encode(msgType MessageType, flags byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}

	out := make([]byte, HeaderSize+len(payload))
	out[0] = byte(msgType)
	out[1] = flags
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out, nil
}

// isTransient reports whether err is a timeout-shaped error that
// DecodeStream should retry rather than surface, matching the
// "would-block" contract in spec.md §4.2/§4.3.
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// DecodeStream reads exactly one frame from conn: 4 header bytes, then
// header.Length payload bytes. It manages conn's read deadline itself.
// It first blocks, with no deadline, until the first header byte
// arrives, so an idle connection between frames is not an error. From
// then on it emulates the retry-on-would-block loop a non-blocking C
// socket would run: each individual read is bounded so transient
// timeouts surface quickly, and retries continue until
// defaultReadBudget has elapsed with no progress at all. A caller-set
// deadline on conn is overwritten and should not be relied upon.
func DecodeStream(conn net.Conn) (Frame, error) {
	var header [HeaderSize]byte
	_ = conn.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(conn, header[:1]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, ErrClosed
		}
		return Frame{}, fmt.Errorf("wire: io error: %w", err)
	}
	if err := readExact(conn, header[1:], defaultReadBudget); err != nil {
		return Frame{}, err
	}

	h := Header{
		Type:   MessageType(header[0]),
		Flags:  header[1],
		Length: binary.LittleEndian.Uint16(header[2:4]),
	}

	if int(h.Length) > bufferCapacity {
		logrus.WithFields(logrus.Fields{
			"function": "DecodeStream",
			"length":   h.Length,
			"max":      bufferCapacity,
		}).Error("oversize frame header, closing peer")
		return Frame{}, fmt.Errorf("%w: %d", ErrOversize, h.Length)
	}

	payload := make([]byte, h.Length)
	if err := readExact(conn, payload, defaultReadBudget); err != nil {
		return Frame{}, err
	}

	return Frame{Header: h, Payload: payload}, nil
}

// readExact loops over conn.Read until dst is fully populated. Each
// individual Read is bounded by attemptSlice (via SetReadDeadline) so a
// would-block condition surfaces quickly; the loop keeps retrying until
// budget wall-clock time has elapsed with no progress at all, at which
// point it gives up. Any byte of progress resets the budget, matching
// the "resetting its retry budget on any progress" contract.
func readExact(conn net.Conn, dst []byte, budget time.Duration) error {
	if len(dst) == 0 {
		return nil
	}

	giveUpAt := time.Now().Add(budget)
	read := 0
	for read < len(dst) {
		_ = conn.SetReadDeadline(time.Now().Add(attemptSlice))
		n, err := conn.Read(dst[read:])
		if n > 0 {
			read += n
			giveUpAt = time.Now().Add(budget)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrClosed
			}
			if isTransient(err) {
				if time.Now().After(giveUpAt) {
					return fmt.Errorf("%w: got %d/%d bytes", ErrIncomplete, read, len(dst))
				}
				continue
			}
			return fmt.Errorf("wire: io error: %w", err)
		}
		if n == 0 {
			// Some implementations signal closure via (0, nil); treat as EOF.
			return ErrClosed
		}
	}
	return nil
}
