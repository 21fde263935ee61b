package bmp

import (
	"context"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
	"github.com/bgpmon/collector/internal/registry"
)

// maxPayloadBytes bounds a single OpenBMP frame's declared BMP payload
// size, mirroring internal/mrt's MaxPayloadLen guard against a corrupt or
// hostile length field forcing an enormous allocation.
const maxPayloadBytes = 1 << 20

// SessionFactory creates the registry.Session bound to a feed tuple the
// first time the reader sees it. Mirrors internal/mrt.SessionFactory: BMP
// only needs the session's id to stamp onto a bmf.Record.
type SessionFactory func(id uint16, feed registry.FeedTuple) (registry.Session, error)

// Reader pumps one BMP feed (a TCP stream carrying OpenBMP-framed BMP
// messages) through framing, decoding, and BMF emission, the same role
// internal/mrt.Reader plays for MRT feeds. One Reader per feed.
type Reader struct {
	name        string
	backlog     *Backlog
	registry    *registry.Registry
	out         *queue.Queue
	newSession  SessionFactory
	collectorIP netip.Addr
	logger      *zap.Logger
}

// NewReader builds a Reader. collectorIP is the fallback collector address
// used when a v1.7 OpenBMP frame doesn't carry one (v2 frames never do).
func NewReader(name string, reg *registry.Registry, out *queue.Queue, collectorIP netip.Addr, newSession SessionFactory, logger *zap.Logger) *Reader {
	r := &Reader{
		name:        name,
		backlog:     New(),
		registry:    reg,
		out:         out,
		newSession:  newSession,
		collectorIP: collectorIP,
		logger:      logger,
	}
	r.backlog.OnDrop(func(n int) {
		metrics.BMPBacklogDroppedTotal.WithLabelValues(name).Add(float64(n))
	})
	return r
}

// Feed appends newly received bytes to the reader's backlog. Safe to call
// from the feed's own socket-reading goroutine; Pump drains independently.
func (r *Reader) Feed(data []byte) {
	r.backlog.Write(data)
}

// Pump drains every fully framed OpenBMP frame currently in the backlog
// and returns once the backlog holds no further complete frame.
func (r *Reader) Pump(ctx context.Context) error {
	for {
		result, frame := r.backlog.Read()
		switch result {
		case ReadEmpty:
			return nil
		case ReadCorrupt:
			metrics.BMPCorruptionEventsTotal.WithLabelValues(r.name, "bad_header").Inc()
			continue
		case ReadFrame:
			if err := r.processFrame(ctx, frame); err != nil {
				r.logger.Warn("bmp: dropping malformed frame", zap.String("feed", r.name), zap.Error(err))
				metrics.BMPCorruptionEventsTotal.WithLabelValues(r.name, "decode_error").Inc()
			}
		}
	}
}

func (r *Reader) processFrame(ctx context.Context, frame []byte) error {
	payload, err := DecodeOpenBMPFrame(frame, maxPayloadBytes)
	if err != nil {
		return err
	}

	collectorIP := r.collectorIP
	if ip := RouterIPFromOpenBMPV17(frame); ip != "" {
		if addr, err := netip.ParseAddr(ip); err == nil {
			collectorIP = addr
		}
	}

	msgs, err := ParseAll(payload)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		metrics.BMPMessagesTotal.WithLabelValues(r.name, fmt.Sprintf("%d", m.MsgType)).Inc()
		if m.MsgType != MsgTypeRouteMonitoring || m.BGPData == nil {
			continue
		}
		if err := r.emitRouteMonitoring(ctx, payload, m, collectorIP); err != nil {
			r.logger.Warn("bmp: dropping route monitoring message", zap.String("feed", r.name), zap.Error(err))
			metrics.BMPCorruptionEventsTotal.WithLabelValues(r.name, "decode_error").Inc()
		}
	}
	return nil
}

// emitRouteMonitoring resolves the session a Route Monitoring message's
// per-peer header identifies, decodes its embedded BGP UPDATE, and
// re-encodes it through the structured codec before enqueuing so every
// front-end (MRT or BMP) hands the labeling engine the same canonical
// attribute ordering.
func (r *Reader) emitRouteMonitoring(ctx context.Context, payload []byte, m *ParsedBMP, collectorIP netip.Addr) error {
	peerHdrOffset := m.Offset + CommonHeaderSize
	if peerHdrOffset+PerPeerHeaderSize > len(payload) {
		return fmt.Errorf("bmp: per-peer header out of range")
	}
	peerHdr := payload[peerHdrOffset : peerHdrOffset+PerPeerHeaderSize]

	peerAS := PeerASFromPeerHeader(peerHdr)
	peerIPStr := RouterIDFromPeerHeader(peerHdr)
	peerAddr, err := netip.ParseAddr(peerIPStr)
	if err != nil {
		return fmt.Errorf("bmp: unparseable peer address %q: %w", peerIPStr, err)
	}
	tuple := registry.FeedTuple{PeerAS: peerAS, PeerIP: peerAddr.Unmap(), CollectorIP: collectorIP}

	sess, _, err := r.registry.FindOrCreate(tuple, func(id uint16) (registry.Session, error) {
		return r.newSession(id, tuple)
	})
	if err != nil {
		return fmt.Errorf("bmp: session lookup: %w", err)
	}

	if len(m.BGPData) < bgp.BGPHeaderSize || m.BGPData[18] != bgp.BGPMsgTypeUpdate {
		return nil // KEEPALIVE or other non-UPDATE BGP message riding the session; nothing to emit
	}

	update, err := bgp.DecodeUpdate(m.BGPData)
	if err != nil {
		return fmt.Errorf("bmp: embedded BGP UPDATE: %w", err)
	}
	reencoded, err := bgp.EncodeUpdate(update, bgp.DefaultASWidth)
	if err != nil {
		return fmt.Errorf("bmp: re-encoding embedded BGP UPDATE: %w", err)
	}

	ts, usec := PeerTimestampFromPeerHeader(peerHdr)
	rec := &bmf.Record{
		Timestamp:     ts,
		PrecisionTime: usec,
		SessionID:     sess.ID(),
		Type:          bmf.MsgFromPeer,
		Payload:       reencoded,
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err = r.out.Write(ctx, rec)
	return err
}
