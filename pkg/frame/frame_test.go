package frame

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, c := range []struct{ to, msg string }{
		{"alice", "hello"},
		{"", ""},
		{"bob", ""},
		{"", "no recipient?"},
	} {
		buf := Encode([]byte(c.to), []byte(c.msg))

		if len(buf) < HeaderSize {
			t.Fatalf("encoded frame shorter than header: %d", len(buf))
		}

		to, msg, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode(%q, %q): %v", c.to, c.msg, err)
		}
		if string(to) != c.to || string(msg) != c.msg {
			t.Fatalf("decode(%q, %q): got (%q, %q)", c.to, c.msg, to, msg)
		}
	}
}

func TestHeaderLenMatchesEncodedSegments(t *testing.T) {
	buf := Encode([]byte("alice"), []byte("hello world"))
	h, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if int(h.ToLen) != len("alice") || int(h.MsgLen) != len("hello world") {
		t.Fatalf("header lengths: got (%d, %d), want (5, 11)", h.ToLen, h.MsgLen)
	}
	if h.Len() != len(buf) {
		t.Fatalf("header.Len() = %d, want %d", h.Len(), len(buf))
	}
}

func TestDecodeShortHeader(t *testing.T) {
	if _, _, err := Decode([]byte{0, 1, 2}); err != ErrShortHeader {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestDecodeIncomplete(t *testing.T) {
	buf := Encode([]byte("alice"), []byte("hello"))
	if _, _, err := Decode(buf[:len(buf)-1]); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestReassemblerSingleFrameAcrossReads(t *testing.T) {
	buf := Encode([]byte("alice"), []byte("hello, this is a test message"))

	r := NewReassembler(0)
	// feed one byte at a time to exercise partial-header and
	// partial-body states.
	for i := 0; i < len(buf); i++ {
		r.Feed(buf[i : i+1])
		frame, ok, err := r.Next()
		if err != nil {
			t.Fatalf("next at byte %d: %v", i, err)
		}
		if i < len(buf)-1 {
			if ok {
				t.Fatalf("got a complete frame after only %d/%d bytes", i+1, len(buf))
			}
			continue
		}
		if !ok {
			t.Fatal("expected complete frame on final byte")
		}
		to, msg, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode extracted frame: %v", err)
		}
		if string(to) != "alice" || string(msg) != "hello, this is a test message" {
			t.Fatalf("got (%q, %q)", to, msg)
		}
	}
}

func TestReassemblerTwoFramesBackToBack(t *testing.T) {
	msg1 := bytes.Repeat([]byte{'a'}, 700)
	msg2 := bytes.Repeat([]byte{'b'}, 700)
	f1 := Encode([]byte("bob"), msg1)
	f2 := Encode([]byte("bob"), msg2)

	r := NewReassembler(0)
	r.Feed(append(append([]byte{}, f1...), f2...))

	var got [][]byte
	for {
		frame, ok, err := r.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		_, msg, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, append([]byte{}, msg...))
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[0], msg1) || !bytes.Equal(got[1], msg2) {
		t.Fatal("frame contents or order mismatch")
	}
}

func TestReassemblerRandomChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	var frames [][2]string
	var wire []byte
	for i := 0; i < 20; i++ {
		to := "user"
		msg := bytes.Repeat([]byte{byte('A' + i)}, rng.Intn(2000))
		frames = append(frames, [2]string{to, string(msg)})
		wire = append(wire, Encode([]byte(to), msg)...)
	}

	r := NewReassembler(0)
	var extracted [][2]string
	for len(wire) > 0 {
		n := 1 + rng.Intn(64)
		if n > len(wire) {
			n = len(wire)
		}
		r.Feed(wire[:n])
		wire = wire[n:]

		for {
			frame, ok, err := r.Next()
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if !ok {
				break
			}
			to, msg, err := Decode(frame)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			extracted = append(extracted, [2]string{string(to), string(msg)})
		}
	}

	if len(extracted) != len(frames) {
		t.Fatalf("expected %d frames, extracted %d", len(frames), len(extracted))
	}
	for i := range frames {
		if extracted[i] != frames[i] {
			t.Fatalf("frame %d mismatch: got %v, want %v", i, extracted[i], frames[i])
		}
	}
}

func TestReassemblerRejectsOversizedFrame(t *testing.T) {
	r := NewReassembler(16)
	r.Feed(Encode([]byte("alice"), bytes.Repeat([]byte{0}, 100)))

	_, _, err := r.Next()
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestReassemblerToleratesClaimedLengthWithoutEnoughData(t *testing.T) {
	// A peer claims a 4096-byte recipient field but sends only 100 bytes
	// before going silent; the reassembler must wait, not error, and
	// must buffer only the bytes that actually arrived.
	header := Encode(make([]byte, 0), nil)
	binHeader := make([]byte, HeaderSize)
	copy(binHeader, header)
	// craft a header claiming tolen = 0x1000 (4096), msglen = 0
	binHeader[0] = 0x10
	binHeader[1] = 0x00

	r := NewReassembler(0)
	r.Feed(binHeader)
	r.Feed(make([]byte, 100))

	_, ok, err := r.Next()
	if err != nil {
		t.Fatalf("expected no error while incomplete, got %v", err)
	}
	if ok {
		t.Fatal("expected incomplete frame, got a complete one")
	}
	if r.Buffered() != HeaderSize+100 {
		t.Fatalf("buffered = %d, want %d", r.Buffered(), HeaderSize+100)
	}
}
