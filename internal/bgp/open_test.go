package bgp

import (
	"bytes"
	"net"
	"testing"
)

func TestOpenRoundTrip(t *testing.T) {
	o := &Open{
		Version:  4,
		ASNumber: 65001,
		HoldTime: 180,
		BGPID:    net.ParseIP("192.0.2.1"),
		Caps: []Capability{
			{Code: CapRouteRefresh},
			{Code: CapFourOctetASN, Value: []byte{0, 1, 0x8c, 0xa1}},
		},
	}
	encoded, err := EncodeOpen(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOpen(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version != 4 || decoded.ASNumber != 65001 || decoded.HoldTime != 180 {
		t.Fatalf("fixed fields mismatch: %+v", decoded)
	}
	if !decoded.BGPID.Equal(o.BGPID) {
		t.Fatalf("bgp id mismatch: got %v want %v", decoded.BGPID, o.BGPID)
	}
	if _, ok := decoded.HasCapability(CapRouteRefresh); !ok {
		t.Fatal("expected route-refresh capability")
	}
	asn, ok := decoded.FourOctetASN()
	if !ok || asn != 101537 {
		t.Fatalf("expected 4-octet ASN 101537, got %d ok=%v", asn, ok)
	}
}

func TestOpenEncodeRejectsInvalidBGPID(t *testing.T) {
	o := &Open{Version: 4, ASNumber: 1, HoldTime: 90, BGPID: net.ParseIP("::1")}
	if _, err := EncodeOpen(o); err == nil {
		t.Fatal("expected error for non-IPv4 BGP-id")
	}
}

func TestOpenDecodeASTransSentinel(t *testing.T) {
	o := &Open{
		Version:  4,
		ASNumber: ASTransSentinel,
		HoldTime: 180,
		BGPID:    net.ParseIP("192.0.2.2"),
		Caps:     []Capability{{Code: CapFourOctetASN, Value: []byte{0, 2, 0, 1}}},
	}
	encoded, err := EncodeOpen(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOpen(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ASNumber != ASTransSentinel {
		t.Fatalf("expected AS_TRANS sentinel preserved, got %d", decoded.ASNumber)
	}
}

func TestOpenDecodeRejectsTruncatedBody(t *testing.T) {
	msg := append(WriteHeader(MsgTypeOpen, 3), 4, 0, 1)
	if _, err := DecodeOpen(msg); err == nil {
		t.Fatal("expected error for truncated OPEN body")
	}
}

func TestOpenNoCapabilities(t *testing.T) {
	o := &Open{Version: 4, ASNumber: 65001, HoldTime: 90, BGPID: net.ParseIP("10.0.0.1")}
	encoded, err := EncodeOpen(o)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeOpen(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Caps) != 0 {
		t.Fatalf("expected no capabilities, got %+v", decoded.Caps)
	}
	if !bytes.Equal(decoded.BGPID.To4(), o.BGPID.To4()) {
		t.Fatalf("bgp id round trip mismatch")
	}
}
