// Package wire implements the byte-exact frame protocol carried by any
// custom-envelope transport (in-memory, WebSocket, NATS): a per-stream
// envelope header plus a restartable message-frame codec for the payload
// body. HTTP/2-native transports bypass this package and use native
// framing, per spec.
package wire

import (
	"encoding/binary"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// FrameType distinguishes a metadata-only envelope from a data-carrying one.
type FrameType uint8

const (
	FrameMetadata FrameType = 0
	FrameData     FrameType = 1
)

const envelopeFixedLen = 1 + 4 + 1 + 2 // type + streamId + flags + pathLen

const endOfStreamFlag = 1 << 0

// Envelope is the transport-level header described in spec section 6.
type Envelope struct {
	StreamID    uint32
	Type        FrameType
	EndOfStream bool
	MethodPath  string // only required on the first metadata frame of a call
}

// Encode renders e in the wire format:
//
//	[1 byte type][4 bytes streamId BE][1 byte flags][2 bytes pathLen LE][path]
func (e Envelope) Encode() []byte {
	path := []byte(e.MethodPath)
	buf := make([]byte, envelopeFixedLen+len(path))
	buf[0] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[1:5], e.StreamID)
	var flags byte
	if e.EndOfStream {
		flags |= endOfStreamFlag
	}
	buf[5] = flags
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(path)))
	copy(buf[8:], path)
	return buf
}

// DecodeEnvelope parses one envelope from the front of b and returns the
// number of bytes consumed. It returns a malformed-frame error when b is
// too short to hold the declared method path.
func DecodeEnvelope(b []byte) (Envelope, int, error) {
	if len(b) < envelopeFixedLen {
		return Envelope{}, 0, rpcerr.MalformedFrame("envelope shorter than fixed header")
	}
	pathLen := int(binary.LittleEndian.Uint16(b[6:8]))
	total := envelopeFixedLen + pathLen
	if len(b) < total {
		return Envelope{}, 0, rpcerr.MalformedFrame("envelope truncated before method path end")
	}
	e := Envelope{
		StreamID:    binary.BigEndian.Uint32(b[1:5]),
		Type:        FrameType(b[0]),
		EndOfStream: b[5]&endOfStreamFlag != 0,
	}
	if pathLen > 0 {
		e.MethodPath = string(b[8:total])
	}
	return e, total, nil
}
