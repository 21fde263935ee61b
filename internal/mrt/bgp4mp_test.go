package mrt

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func marker() []byte {
	m := make([]byte, 16)
	for i := range m {
		m[i] = 0xFF
	}
	return m
}

func buildBGP4MP(as4 bool, peerAS, localAS uint32, ifIndex, afi uint16, peerIP, localIP []byte, bgpBytes []byte) []byte {
	var buf []byte
	if as4 {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, peerAS)
		buf = append(buf, b...)
		binary.BigEndian.PutUint32(b, localAS)
		buf = append(buf, b...)
	} else {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(peerAS))
		buf = append(buf, b...)
		binary.BigEndian.PutUint16(b, uint16(localAS))
		buf = append(buf, b...)
	}
	b2 := make([]byte, 2)
	binary.BigEndian.PutUint16(b2, ifIndex)
	buf = append(buf, b2...)
	binary.BigEndian.PutUint16(b2, afi)
	buf = append(buf, b2...)
	buf = append(buf, peerIP...)
	buf = append(buf, localIP...)
	buf = append(buf, bgpBytes...)
	return buf
}

func TestDecodeBGP4MPMessageAS2(t *testing.T) {
	bgpBytes := append(marker(), 0x00, 0x13, 0x04) // 19-byte KEEPALIVE
	data := buildBGP4MP(false, 65001, 65002, 1, 1, []byte{192, 0, 2, 1}, []byte{192, 0, 2, 2}, bgpBytes)

	msg, err := DecodeBGP4MPMessage(data, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.PeerAS != 65001 || msg.LocalAS != 65002 {
		t.Fatalf("unexpected AS numbers: %+v", msg)
	}
	if !msg.PeerIP.Equal([]byte{192, 0, 2, 1}) {
		t.Fatalf("unexpected peer IP: %v", msg.PeerIP)
	}
	if !msg.IsEmptyKeepalive() {
		t.Fatal("expected header-only bgp_bytes to be treated as a keepalive")
	}
}

func TestDecodeBGP4MPMessageAS4(t *testing.T) {
	bgpBytes := append(marker(), 0x00, 0x13, 0x04)
	data := buildBGP4MP(true, 4200000001, 4200000002, 2, 2, bytes.Repeat([]byte{0xAB}, 16), bytes.Repeat([]byte{0xCD}, 16), bgpBytes)

	msg, err := DecodeBGP4MPMessage(data, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.PeerAS != 4200000001 {
		t.Fatalf("unexpected 4-byte peer AS: %d", msg.PeerAS)
	}
	if msg.AFI != 2 {
		t.Fatalf("unexpected AFI: %d", msg.AFI)
	}
}

func TestDecodeBGP4MPMessageRejectsBadMarker(t *testing.T) {
	bgpBytes := append(bytes.Repeat([]byte{0x00}, 16), 0x00, 0x13, 0x04)
	data := buildBGP4MP(false, 1, 2, 0, 1, []byte{10, 0, 0, 1}, []byte{10, 0, 0, 2}, bgpBytes)

	if _, err := DecodeBGP4MPMessage(data, false); err == nil {
		t.Fatal("expected error for bgp_bytes not beginning with the BGP marker")
	}
}

func TestDecodeBGP4MPMessageRejectsUnsupportedAFI(t *testing.T) {
	data := buildBGP4MP(false, 1, 2, 0, 99, []byte{10, 0, 0, 1}, []byte{10, 0, 0, 2}, nil)
	if _, err := DecodeBGP4MPMessage(data, false); err == nil {
		t.Fatal("expected error for unsupported AFI")
	}
}

func TestDecodeBGP4MPMessageTooShort(t *testing.T) {
	if _, err := DecodeBGP4MPMessage([]byte{1, 2, 3}, false); err == nil {
		t.Fatal("expected error for truncated message")
	}
}
