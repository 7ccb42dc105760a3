package wire

import (
	"bytes"
	"testing"
)

func TestFrameNextNeedsMoreData(t *testing.T) {
	for _, buf := range [][]byte{
		nil,
		{0x01, 0x00},
		{0x02, 0x00, 0x00, 0x01, 0xAB},
	} {
		if _, _, err := FrameNext(buf); !IsNeedMoreData(err) {
			t.Fatalf("FrameNext(%v): want need-more-data, got %v", buf, err)
		}
	}
}

func TestFrameNextRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0xFF}
	framed := WritePacket(payload, 7)

	pkt, n, err := FrameNext(framed)
	if err != nil {
		t.Fatalf("FrameNext: %v", err)
	}
	if n != len(framed) {
		t.Fatalf("consumed %d bytes, want %d", n, len(framed))
	}
	if pkt.Seq != 7 {
		t.Fatalf("seq = %d, want 7", pkt.Seq)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Fatalf("payload = %v, want %v", pkt.Payload, payload)
	}
}

func TestFrameNextLeavesTrailingBytes(t *testing.T) {
	first := WritePacket([]byte{0xAA}, 0)
	second := WritePacket([]byte{0xBB, 0xCC}, 1)
	buf := append(append([]byte{}, first...), second...)

	pkt, n, err := FrameNext(buf)
	if err != nil {
		t.Fatalf("FrameNext: %v", err)
	}
	if n != len(first) {
		t.Fatalf("consumed %d, want %d", n, len(first))
	}
	rest := buf[n:]
	pkt2, n2, err := FrameNext(rest)
	if err != nil {
		t.Fatalf("FrameNext second: %v", err)
	}
	if pkt.Seq == pkt2.Seq {
		t.Fatalf("sequences should differ")
	}
	if n2 != len(second) {
		t.Fatalf("consumed %d, want %d", n2, len(second))
	}
}

func TestClassifyReply(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    ReplyKind
	}{
		{"empty", nil, ReplyUnknown},
		{"ok", []byte{0x00, 0, 0}, ReplyOK},
		{"err", []byte{0xFF, 0x15, 0x04, '#', 'H', 'Y', '0', '0', '0'}, ReplyErr},
		{"eof-short", []byte{0xFE, 0, 0, 2, 0}, ReplyEOF},
		{"auth-switch-long", append([]byte{0xFE}, make([]byte, 20)...), ReplyAuthSwitch},
		{"other", []byte{0x3, 1, 2}, ReplyUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ClassifyReply(c.payload); got != c.want {
				t.Fatalf("ClassifyReply(%v) = %v, want %v", c.payload, got, c.want)
			}
		})
	}
}

func TestCheckChangeUserOK(t *testing.T) {
	good := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	if !CheckChangeUserOK(good) {
		t.Fatalf("expected good OK reply to pass")
	}
	bad := []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00}
	if CheckChangeUserOK(bad) {
		t.Fatalf("nonzero affected-rows byte should fail")
	}
	tooShort := []byte{0x00, 0x00, 0x00}
	if CheckChangeUserOK(tooShort) {
		t.Fatalf("short payload should fail")
	}
	errPkt := []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if CheckChangeUserOK(errPkt) {
		t.Fatalf("non-OK header should fail")
	}
}

func TestDecodeOKPacketStatusFlags(t *testing.T) {
	ok := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	flags, decoded := DecodeOKPacket(ok)
	if !decoded {
		t.Fatalf("expected OK packet to decode")
	}
	if flags != 0x0002 {
		t.Fatalf("flags = %#x, want 0x0002", flags)
	}

	eof := []byte{0xFE, 0x00, 0x00, 0x01, 0x00}
	flags, decoded = DecodeOKPacket(eof)
	if !decoded {
		t.Fatalf("expected EOF packet to decode")
	}
	if flags != 0x0001 {
		t.Fatalf("eof flags = %#x, want 0x0001", flags)
	}

	if _, decoded = DecodeOKPacket([]byte{0xFF}); decoded {
		t.Fatalf("ERR packet should not decode as OK")
	}
}

func TestDecodeErrPacket(t *testing.T) {
	payload := append([]byte{0xFF, 0x19, 0x04, '#', '2', '8', '0', '0', '0'}, []byte("Access denied")...)
	code, state, msg, ok := DecodeErrPacket(payload)
	if !ok {
		t.Fatalf("expected ERR packet to decode")
	}
	if code != 0x0419 {
		t.Fatalf("code = %#x, want 0x0419", code)
	}
	if state != "28000" {
		t.Fatalf("state = %q, want 28000", state)
	}
	if msg != "Access denied" {
		t.Fatalf("msg = %q", msg)
	}
}
