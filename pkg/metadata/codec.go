package metadata

import (
	"encoding/binary"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// Encode renders l as the wire metadata body from spec section 6:
// repeated [2 byte name length BE][name][2 byte value length BE][value].
func Encode(l List) []byte {
	var size int
	for _, p := range l.pairs {
		size += 2 + len(p.Name) + 2 + len(p.Value)
	}
	buf := make([]byte, size)
	off := 0
	for _, p := range l.pairs {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(p.Name)))
		off += 2
		off += copy(buf[off:], p.Name)
		binary.BigEndian.PutUint16(buf[off:], uint16(len(p.Value)))
		off += 2
		off += copy(buf[off:], p.Value)
	}
	return buf
}

// Decode parses the wire metadata body format produced by Encode.
func Decode(b []byte) (List, error) {
	var l List
	off := 0
	for off < len(b) {
		if off+2 > len(b) {
			return List{}, rpcerr.MalformedFrame("truncated metadata name length")
		}
		nameLen := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+nameLen > len(b) {
			return List{}, rpcerr.MalformedFrame("truncated metadata name")
		}
		name := string(b[off : off+nameLen])
		off += nameLen

		if off+2 > len(b) {
			return List{}, rpcerr.MalformedFrame("truncated metadata value length")
		}
		valueLen := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+valueLen > len(b) {
			return List{}, rpcerr.MalformedFrame("truncated metadata value")
		}
		value := string(b[off : off+valueLen])
		off += valueLen

		l.pairs = append(l.pairs, Pair{name, value})
	}
	return l, nil
}
