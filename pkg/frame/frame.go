// Package frame implements the relay's length-prefixed wire format and the
// per-connection byte-stream reassembler that turns a raw TCP stream into
// whole frames.
//
// Every frame (in both directions, post-handshake) has the same 6-byte
// header:
//
//	+----------+----------+------------------------+----------------------+
//	| tolen    | msglen   | recipient (ciphertext)  | message (ciphertext) |
//	| u16 BE   | u32 BE   | tolen bytes             | msglen bytes         |
//	+----------+----------+------------------------+----------------------+
//
// In client→server frames the first body segment carries the sealed
// recipient name; in server→client frames it carries the sealed sender
// name. Header lengths are always the on-wire (ciphertext) lengths.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed size of a frame header in bytes.
const HeaderSize = 2 + 4

// DefaultMaxFrameSize bounds the total size (header + both body segments)
// of a single frame the reassembler will agree to buffer for. It exists to
// give a malicious or broken peer a small, bounded amount of memory rather
// than none at all — spec end-to-end scenario 6 (a peer claiming a 1 MiB
// recipient field and sending 100 bytes before closing) stays well under
// it, so that scenario is resolved by the eventual TCP close, not by this
// limit.
const DefaultMaxFrameSize = 64 * 1024 * 1024

var (
	// ErrShortHeader is returned by Decode when buf is shorter than HeaderSize.
	ErrShortHeader = errors.New("frame: buffer shorter than header")

	// ErrIncomplete is returned by Decode when buf does not yet contain a
	// whole frame (i.e. the header's lengths claim more data than is present).
	ErrIncomplete = errors.New("frame: incomplete frame")

	// ErrTooLarge is returned by the reassembler when a frame's declared
	// length exceeds its configured maximum.
	ErrTooLarge = errors.New("frame: declared frame size exceeds maximum")
)

// Encode builds a complete frame with to as the first (recipient/sender)
// body segment and msg as the second (message) body segment. Both are
// expected to already be sealed ciphertext (or, for the one plaintext-framed
// exception in the handshake, raw bytes).
func Encode(to, msg []byte) []byte {
	buf := make([]byte, HeaderSize+len(to)+len(msg))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(to)))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(msg)))
	copy(buf[HeaderSize:], to)
	copy(buf[HeaderSize+len(to):], msg)
	return buf
}

// Header is a decoded frame header.
type Header struct {
	ToLen  uint16
	MsgLen uint32
}

// DecodeHeader parses the 6-byte header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		ToLen:  binary.BigEndian.Uint16(buf[0:2]),
		MsgLen: binary.BigEndian.Uint32(buf[2:6]),
	}, nil
}

// Len returns the total size in bytes of the frame described by h.
func (h Header) Len() int {
	return HeaderSize + int(h.ToLen) + int(h.MsgLen)
}

// Decode parses one whole frame from the start of buf, returning the two
// body segments. It fails if buf is shorter than the frame the header
// describes; it does not check for (and ignores) any trailing bytes.
func Decode(buf []byte) (to, msg []byte, err error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(buf) < h.Len() {
		return nil, nil, ErrIncomplete
	}
	to = buf[HeaderSize : HeaderSize+int(h.ToLen)]
	msg = buf[HeaderSize+int(h.ToLen) : h.Len()]
	return to, msg, nil
}

// Reassembler buffers bytes read off a socket and extracts whole frames as
// they become available, implementing spec.md's "expected-length cursor"
// per-connection state: at most one header is decoded ahead of the data
// that has actually arrived.
type Reassembler struct {
	buf         []byte
	expectedLen int // -1 means "unknown" (no header decoded yet)
	maxFrame    int
}

// NewReassembler creates a Reassembler that refuses to buffer a frame
// larger than maxFrame bytes. A maxFrame of 0 uses DefaultMaxFrameSize.
func NewReassembler(maxFrame int) *Reassembler {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reassembler{
		expectedLen: -1,
		maxFrame:    maxFrame,
	}
}

// Feed appends newly-read bytes to the reassembler's buffer.
func (r *Reassembler) Feed(b []byte) {
	r.buf = append(r.buf, b...)
}

// Next extracts one whole frame from the front of the buffer, if one is
// present. It returns ok == false (with a nil error) when more data is
// needed. It returns ErrTooLarge, without consuming anything, if the
// buffered header declares a frame bigger than the configured maximum —
// callers should treat this as a fatal protocol error for the connection.
func (r *Reassembler) Next() (toMsg []byte, ok bool, err error) {
	if r.expectedLen < 0 {
		if len(r.buf) < HeaderSize {
			return nil, false, nil
		}
		h, herr := DecodeHeader(r.buf)
		if herr != nil {
			return nil, false, herr
		}
		if n := h.Len(); n > r.maxFrame {
			return nil, false, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, r.maxFrame)
		} else {
			r.expectedLen = n
		}
	}

	if len(r.buf) < r.expectedLen {
		return nil, false, nil
	}

	frame := r.buf[:r.expectedLen]
	rest := make([]byte, len(r.buf)-r.expectedLen)
	copy(rest, r.buf[r.expectedLen:])
	r.buf = rest
	r.expectedLen = -1

	return frame, true, nil
}

// Buffered returns the number of bytes currently held that have not yet
// formed a whole frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}
