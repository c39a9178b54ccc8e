// Package rcon implements the engine's binary console protocol: a
// length-prefixed frame codec and a client that multiplexes concurrent
// requests over a single TCP connection.
//
// Frame format, all fields little-endian int32:
//
//	0        4        8       12              size+4-2  size+4
//	┌────────┬────────┬────────┬──────────────┬─────────┐
//	│  size  │   id   │  kind  │   body ...   │ 00  00  │
//	└────────┴────────┴────────┴──────────────┴─────────┘
//
// size counts everything after itself: id + kind + body + the two
// trailing NUL bytes. The receiver reads the 12-byte prefix first, then
// exactly size-8 remaining bytes.
package rcon

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Kind identifies the role of a packet. Values overlap between the two
// directions of the stream: 2 is an auth request from the client but an
// auth response from the engine.
type Kind int32

const (
	KindCommandResponse Kind = 0
	KindAuthResponse    Kind = 2
	KindCommand         Kind = 2
	KindAuth            Kind = 3
)

// AuthFailedID is the reserved request id carried by an AuthResponse
// packet when the engine rejects the password. Regular ids are never
// negative.
const AuthFailedID int32 = -1

// MaxID is the largest value the id counter reaches before wrapping to 0.
const MaxID int32 = math.MaxInt32

const (
	// id + kind + trailing NULs; the minimum legal size value.
	packetOverhead = 10
	prefixLen      = 12

	// Upper bound on a frame's size field. Responses carrying world
	// state can run to megabytes; anything past this is stream garbage.
	maxFrameSize = 1 << 24
)

// Packet is one console protocol frame.
type Packet struct {
	ID   int32
	Kind Kind
	Body []byte
}

// Encode writes p to w as a single frame. Callers sharing w across
// goroutines must serialize Encode calls or frames will interleave.
func Encode(w io.Writer, p Packet) error {
	size := packetOverhead + len(p.Body)
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Kind))
	copy(buf[12:], p.Body)
	// buf's final two bytes stay zero: the frame terminator.
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r. Short reads surface as the
// underlying I/O error; a size field outside the legal range means the
// stream is not speaking this protocol.
func Decode(r io.Reader) (Packet, error) {
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Packet{}, err
	}

	size := int32(binary.LittleEndian.Uint32(prefix[0:4]))
	if size < packetOverhead || size > maxFrameSize {
		return Packet{}, fmt.Errorf("console frame size %d out of range", size)
	}

	rest := make([]byte, size-8)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Packet{}, err
	}

	return Packet{
		ID:   int32(binary.LittleEndian.Uint32(prefix[4:8])),
		Kind: Kind(binary.LittleEndian.Uint32(prefix[8:12])),
		Body: rest[:len(rest)-2],
	}, nil
}
