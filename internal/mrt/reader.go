package mrt

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
	"github.com/bgpmon/collector/internal/registry"
)

// SessionFactory creates the registry.Session bound to a feed tuple the
// first time the reader sees it. The MRT package only needs the session's
// id to stamp onto a bmf.Record, so it depends on registry.Session rather
// than the concrete session type, avoiding an import of internal/session.
type SessionFactory func(id uint16, feed registry.FeedTuple) (registry.Session, error)

// errKeepaliveSkipped marks a BGP4MP keepalive that was skipped; Pump does
// not count it as a corruption and does not record it in prevMsg.
var errKeepaliveSkipped = errors.New("mrt: empty keepalive skipped")

// Reader pumps one MRT byte feed (a TCP stream or a file being replayed)
// through framing, decoding, and BMF emission. One Reader per feed.
type Reader struct {
	name        string
	backlog     *Backlog
	registry    *registry.Registry
	out         *queue.Queue
	newSession  SessionFactory
	collectorIP netip.Addr
	logger      *zap.Logger

	peerIndex *PeerIndexTable // most recent PEER_INDEX_TABLE, scoping subsequent RIB_* records
	prevMsg   []byte          // last successfully parsed raw message, for the two-message-window rule

	corruptionEvents int
}

// NewReader builds a Reader. newSession is consulted only for MRT-synthesized
// sessions (TABLE_DUMP_V2 peers and BGP4MP peers not already tracked from a
// live session).
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
		metrics.MRTBacklogDroppedTotal.WithLabelValues(name).Add(float64(n))
	})
	return r
}

// Feed appends newly received bytes to the reader's backlog. Safe to call
// from the feed's own socket-reading goroutine; Pump drains independently.
func (r *Reader) Feed(data []byte) {
	r.backlog.Write(data)
}

// Pump drains every fully framed message currently in the backlog,
// processing each in turn, and returns once the backlog holds no further
// complete message. Callers loop Pump after each Feed, or on a timer for
// file-replay sources.
func (r *Reader) Pump(ctx context.Context) error {
	for {
		result, raw := r.backlog.Read()
		switch result {
		case ReadEmpty:
			return nil
		case ReadTooLarge:
			metrics.MRTCorruptionEventsTotal.WithLabelValues(r.name, "too_large").Inc()
			r.onCorruption()
			continue
		case ReadCorrupt:
			metrics.MRTCorruptionEventsTotal.WithLabelValues(r.name, "bad_header").Inc()
			r.onCorruption()
			continue
		case ReadMessage:
			if err := r.processMessage(ctx, raw); err != nil {
				if errors.Is(err, errKeepaliveSkipped) {
					continue
				}
				r.logger.Warn("mrt: dropping malformed message", zap.String("feed", r.name), zap.Error(err))
				metrics.MRTCorruptionEventsTotal.WithLabelValues(r.name, "decode_error").Inc()
				r.onCorruption()
				continue
			}
			r.prevMsg = raw
		}
	}
}

// onCorruption records a corrupt or unparseable message: it counts the
// event and clears prevMsg, so the previously accepted message no longer
// counts as the last good one. That message has already been written to
// the output queue when it was accepted and is not withdrawn.
func (r *Reader) onCorruption() {
	r.corruptionEvents++
	r.prevMsg = nil
}

func (r *Reader) processMessage(ctx context.Context, raw []byte) error {
	h, err := DecodeHeader(raw[:HeaderSize])
	if err != nil {
		return err
	}
	body := raw[HeaderSize:]
	metrics.MRTMessagesTotal.WithLabelValues(r.name, fmt.Sprintf("%d/%d", h.Type, h.Subtype)).Inc()

	switch h.Type {
	case TypeBGP4MP, TypeBGP4MPET:
		return r.processBGP4MP(ctx, h, body)
	case TypeTableDumpV2:
		return r.processTableDumpV2(ctx, h, body)
	default:
		return fmt.Errorf("mrt: unhandled type %d", h.Type)
	}
}

func (r *Reader) processBGP4MP(ctx context.Context, h *Header, body []byte) error {
	as4 := h.Subtype == SubtypeBGP4MPMessageAS4
	msg, err := DecodeBGP4MPMessage(body, as4)
	if err != nil {
		return err
	}
	if msg.IsEmptyKeepalive() {
		return errKeepaliveSkipped // skip without advancing prevMsg
	}

	peerAddr, ok := netip.AddrFromSlice(msg.PeerIP)
	if !ok {
		return fmt.Errorf("mrt: invalid peer address")
	}
	tuple := registry.FeedTuple{PeerAS: msg.PeerAS, PeerIP: peerAddr.Unmap(), CollectorIP: r.collectorIP}

	sess, _, err := r.registry.FindOrCreate(tuple, func(id uint16) (registry.Session, error) {
		return r.newSession(id, tuple)
	})
	if err != nil {
		return fmt.Errorf("mrt: session lookup: %w", err)
	}

	update, err := bgp.DecodeUpdate(msg.BGPBytes)
	if err != nil {
		return fmt.Errorf("mrt: embedded BGP message: %w", err)
	}
	payload, err := bgp.EncodeUpdate(update, bgp.DefaultASWidth)
	if err != nil {
		return fmt.Errorf("mrt: re-encoding embedded BGP message: %w", err)
	}

	rec := &bmf.Record{
		Timestamp: int64(h.Timestamp),
		SessionID: sess.ID(),
		Type:      bmf.MsgFromPeer,
		Payload:   payload,
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err = r.out.Write(ctx, rec)
	return err
}

func (r *Reader) processTableDumpV2(ctx context.Context, h *Header, body []byte) error {
	switch h.Subtype {
	case SubtypePeerIndexTable:
		pit, err := DecodePeerIndexTable(body)
		if err != nil {
			return err
		}
		r.peerIndex = pit
		return nil
	case SubtypeRIBIPv4Unicast, SubtypeRIBIPv4Multicast, SubtypeRIBIPv6Unicast, SubtypeRIBIPv6Multicast, SubtypeRIBGeneric:
		if r.peerIndex == nil {
			return fmt.Errorf("mrt: RIB record before PEER_INDEX_TABLE")
		}
		rib, err := DecodeRIB(body, h.Subtype)
		if err != nil {
			return err
		}
		return r.emitRIBEntries(ctx, h, rib)
	default:
		return fmt.Errorf("mrt: unhandled TABLE_DUMP_V2 subtype %d", h.Subtype)
	}
}

// emitRIBEntries synthesizes one BGP UPDATE per peer row in a RIB record,
// each carrying that single prefix as NLRI (or, for AFI/SAFI other than
// IPv4 unicast, as MP_REACH_NLRI), enqueued against the session the row's
// peer index resolves to, using the RIB entry's own origination timestamp.
func (r *Reader) emitRIBEntries(ctx context.Context, h *Header, rib *RIB) error {
	for _, entry := range rib.Entries {
		if int(entry.PeerIndex) >= len(r.peerIndex.Peers) {
			return fmt.Errorf("mrt: RIB entry references unknown peer index %d", entry.PeerIndex)
		}
		peer := r.peerIndex.Peers[entry.PeerIndex]

		peerAddr, ok := netip.AddrFromSlice(peer.IP)
		if !ok {
			return fmt.Errorf("mrt: invalid peer address in PEER_INDEX_TABLE")
		}
		tuple := registry.FeedTuple{PeerAS: peer.AS, PeerIP: peerAddr.Unmap(), CollectorIP: r.collectorIP}
		sess, _, err := r.registry.FindOrCreate(tuple, func(id uint16) (registry.Session, error) {
			return r.newSession(id, tuple)
		})
		if err != nil {
			return fmt.Errorf("mrt: session lookup: %w", err)
		}

		u := &bgp.Update{Attrs: entry.Attrs}
		if rib.AFI == bgp.AFIIPv4 && rib.SAFI == bgp.SAFIUnicast {
			u.NLRI = []bgp.Prefix{rib.Prefix}
		} else {
			mp := bgp.MPReach{AFI: rib.AFI, SAFI: rib.SAFI, NLRI: []bgp.Prefix{rib.Prefix}}
			if len(entry.MPReach) > 0 {
				mp.NextHop = entry.MPReach[0].NextHop
			}
			u.MPReach = []bgp.MPReach{mp}
		}

		payload, err := bgp.EncodeUpdate(u, bgp.DefaultASWidth)
		if err != nil {
			return fmt.Errorf("mrt: encoding synthetic RIB update: %w", err)
		}

		ts := entry.OriginatedAt
		if ts == 0 {
			ts = h.Timestamp
		}
		rec := &bmf.Record{
			Timestamp: int64(ts),
			SessionID: sess.ID(),
			Type:      bmf.MsgFromPeer,
			Payload:   payload,
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		if _, err := r.out.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
