package bgp

import "testing"

func TestWriteHeaderReadHeaderRoundTrip(t *testing.T) {
	msg := WriteHeader(MsgTypeKeepalive, 0)
	msgType, totalLen, err := ReadHeader(msg)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if msgType != MsgTypeKeepalive || totalLen != BGPHeaderSize {
		t.Fatalf("expected type %d len %d, got %d %d", MsgTypeKeepalive, BGPHeaderSize, msgType, totalLen)
	}
}

func TestReadHeaderRejectsBadMarker(t *testing.T) {
	msg := WriteHeader(MsgTypeKeepalive, 0)
	msg[0] = 0x00
	if _, _, err := ReadHeader(msg); err == nil {
		t.Fatal("expected error for corrupted marker")
	}
}

func TestReadHeaderRejectsOversizeLength(t *testing.T) {
	msg := WriteHeader(MsgTypeKeepalive, 0)
	msg[16] = 0xFF
	msg[17] = 0xFF
	if _, _, err := ReadHeader(msg); err == nil {
		t.Fatal("expected error for declared length exceeding max message length")
	}
}

func TestReadHeaderRejectsTruncatedMessage(t *testing.T) {
	if _, _, err := ReadHeader(make([]byte, 10)); err == nil {
		t.Fatal("expected error for header shorter than BGPHeaderSize")
	}
}
