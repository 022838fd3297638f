package wire

import (
	"encoding/binary"

	"github.com/cloudwebrtc/rpcmesh/pkg/rpcerr"
)

// DefaultMaxMessageLength bounds a single message-frame payload. It can be
// overridden per Reader via WithMaxMessageLength.
const DefaultMaxMessageLength = 4 << 20 // 4 MiB

const messageHeaderLen = 1 + 4 // compressed flag + length

// EncodeMessage frames payload as the spec's data body unit:
//
//	[1 byte compressed][4 bytes length BE][payload]
func EncodeMessage(payload []byte, compressed bool) []byte {
	buf := make([]byte, messageHeaderLen+len(payload))
	if compressed {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// Reader is the restartable message-frame parser from spec section 4.1: it
// buffers partial frames across Feed calls, so one fed chunk may complete
// zero, one, or many payloads. Next pops one at a time; Drain pops them all.
type Reader struct {
	buf    []byte
	maxLen uint32
}

// NewReader builds a Reader with DefaultMaxMessageLength.
func NewReader() *Reader {
	return &Reader{maxLen: DefaultMaxMessageLength}
}

// WithMaxMessageLength overrides the maximum accepted payload length.
func (r *Reader) WithMaxMessageLength(n uint32) *Reader {
	r.maxLen = n
	return r
}

// Feed appends a copy of chunk to the internal buffer; the caller may reuse
// chunk afterwards.
func (r *Reader) Feed(chunk []byte) {
	r.buf = append(r.buf, chunk...)
}

// Next pops the next complete message frame, if any. ok is false when the
// buffer holds less than one full frame; err is non-nil only on a
// malformed frame (declared length over the configured maximum).
func (r *Reader) Next() (payload []byte, compressed bool, ok bool, err error) {
	if len(r.buf) < messageHeaderLen {
		return nil, false, false, nil
	}
	length := binary.BigEndian.Uint32(r.buf[1:5])
	if length > r.maxLen {
		return nil, false, false, rpcerr.MalformedFrame("declared message length exceeds maximum")
	}
	total := messageHeaderLen + int(length)
	if len(r.buf) < total {
		return nil, false, false, nil
	}
	compressed = r.buf[0] == 1
	payload = make([]byte, length)
	copy(payload, r.buf[messageHeaderLen:total])
	r.buf = r.buf[total:]
	return payload, compressed, true, nil
}

// Drain repeatedly calls Next, invoking fn for every complete frame found
// after the most recent Feed. It stops at the first error or the first
// incomplete frame.
func (r *Reader) Drain(fn func(payload []byte, compressed bool) error) error {
	for {
		payload, compressed, ok, err := r.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(payload, compressed); err != nil {
			return err
		}
	}
}
