package bmp

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/queue"
	"github.com/bgpmon/collector/internal/registry"
)

type fakeSession struct{ id uint16 }

func (f *fakeSession) ID() uint16 { return f.id }

func newTestReader(t *testing.T) (*Reader, *queue.Queue, int) {
	t.Helper()
	reg := registry.New()
	q := queue.New("test")
	readerID := q.CreateReader(queue.ModeNonBlocking)
	factory := func(id uint16, _ registry.FeedTuple) (registry.Session, error) {
		return &fakeSession{id: id}, nil
	}
	r := NewReader("test-feed", reg, q, netip.MustParseAddr("198.51.100.1"), factory, zap.NewNop())
	return r, q, readerID
}

// buildEncodedBGPUpdate builds a well-formed BGP UPDATE carrying one NLRI
// prefix, using the structured codec so the reader's re-encode step has
// something valid to round-trip.
func buildEncodedBGPUpdate(t *testing.T) []byte {
	t.Helper()
	u := &bgp.Update{
		Attrs: []bgp.Attribute{
			{Code: 1, Flags: 0x40, Value: []byte{0}},
			{Code: 3, Flags: 0x40, Value: []byte{192, 0, 2, 1}},
		},
		NLRI: []bgp.Prefix{{Length: 24, Bytes: []byte{192, 0, 2}}},
	}
	encoded, err := bgp.EncodeUpdate(u, bgp.DefaultASWidth)
	if err != nil {
		t.Fatalf("encode update: %v", err)
	}
	return encoded
}

// buildRouteMonitoringFrame wraps a BMP Route Monitoring message (with a
// populated global peer header) in a v2 OpenBMP frame.
func buildRouteMonitoringFrame(t *testing.T, peerAS uint32, peerIP [4]byte, bgpPayload []byte) []byte {
	t.Helper()
	perPeerHdr := make([]byte, PerPeerHeaderSize)
	perPeerHdr[0] = PeerTypeGlobal
	copy(perPeerHdr[peerAddrOffset+12:peerAddrOffset+16], peerIP[:])
	binary.BigEndian.PutUint32(perPeerHdr[peerASOffset:peerASOffset+4], peerAS)

	bmpMsg := make([]byte, CommonHeaderSize)
	bmpMsg[0] = BMPVersion
	bmpMsg[5] = MsgTypeRouteMonitoring
	bmpMsg = append(bmpMsg, perPeerHdr...)
	bmpMsg = append(bmpMsg, bgpPayload...)
	binary.BigEndian.PutUint32(bmpMsg[1:5], uint32(len(bmpMsg)))

	return buildOpenBMPV2Frame(bmpMsg)
}

func TestReaderEnqueuesUpdateAndBindsSessionID(t *testing.T) {
	r, q, readerID := newTestReader(t)
	frame := buildRouteMonitoringFrame(t, 65001, [4]byte{192, 0, 2, 1}, buildEncodedBGPUpdate(t))
	r.Feed(frame)

	if err := r.Pump(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item, err := q.Read(context.Background(), readerID)
	if err != nil {
		t.Fatalf("expected a record to be enqueued: %v", err)
	}
	rec, ok := item.(*bmf.Record)
	if !ok {
		t.Fatalf("expected *bmf.Record, got %T", item)
	}
	if rec.Type != bmf.MsgFromPeer {
		t.Fatalf("unexpected record type: %v", rec.Type)
	}
	if rec.SessionID != 0 {
		t.Fatalf("expected session id 0 from the registry's first allocation, got %d", rec.SessionID)
	}
}

func TestReaderReusesSessionAcrossMessages(t *testing.T) {
	r, q, readerID := newTestReader(t)
	bgpPayload := buildEncodedBGPUpdate(t)
	r.Feed(buildRouteMonitoringFrame(t, 65001, [4]byte{192, 0, 2, 1}, bgpPayload))
	r.Feed(buildRouteMonitoringFrame(t, 65001, [4]byte{192, 0, 2, 1}, bgpPayload))

	if err := r.Pump(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := q.Read(context.Background(), readerID)
	if err != nil {
		t.Fatalf("expected first record: %v", err)
	}
	second, err := q.Read(context.Background(), readerID)
	if err != nil {
		t.Fatalf("expected second record: %v", err)
	}
	if first.(*bmf.Record).SessionID != second.(*bmf.Record).SessionID {
		t.Fatalf("expected the same peer to reuse one session id across messages")
	}
}

func TestReaderSkipsNonUpdateBGPMessage(t *testing.T) {
	r, q, readerID := newTestReader(t)
	keepalive := append(marker(), 0x00, 0x13, 0x04)
	r.Feed(buildRouteMonitoringFrame(t, 65001, [4]byte{192, 0, 2, 1}, keepalive))

	if err := r.Pump(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Read(context.Background(), readerID); err != queue.ErrWouldBlock {
		t.Fatalf("expected no record enqueued for a non-UPDATE BGP message, got err=%v", err)
	}
}

func marker() []byte {
	m := make([]byte, 16)
	for i := range m {
		m[i] = 0xFF
	}
	return m
}

func TestReaderDropsFrameWithUnresolvablePeerAddress(t *testing.T) {
	r, q, readerID := newTestReader(t)

	// Loc-RIB peer with both address and BGP ID all-zero: RouterIDFromPeerHeader
	// returns "", which can't be parsed as a netip.Addr.
	perPeerHdr := make([]byte, PerPeerHeaderSize)
	perPeerHdr[0] = PeerTypeLocRIB

	bmpMsg := make([]byte, CommonHeaderSize)
	bmpMsg[0] = BMPVersion
	bmpMsg[5] = MsgTypeRouteMonitoring
	bmpMsg = append(bmpMsg, perPeerHdr...)
	bmpMsg = append(bmpMsg, buildEncodedBGPUpdate(t)...)
	binary.BigEndian.PutUint32(bmpMsg[1:5], uint32(len(bmpMsg)))

	r.Feed(buildOpenBMPV2Frame(bmpMsg))
	if err := r.Pump(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Read(context.Background(), readerID); err != queue.ErrWouldBlock {
		t.Fatalf("expected no record enqueued when the peer address can't be resolved, got err=%v", err)
	}
}
