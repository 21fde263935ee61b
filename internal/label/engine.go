package label

import (
	"context"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
)

// Engine reads MSG_FROM_PEER records off one peer queue, classifies every
// prefix they carry against that peer's tables, and forwards a single
// MSG_LABELED record per input record carrying one label per prefix, in
// the order processed.
type Engine struct {
	tables *Manager
	in     *queue.Queue
	out    *queue.Queue
	logger *zap.Logger
}

func NewEngine(tables *Manager, in, out *queue.Queue, logger *zap.Logger) *Engine {
	return &Engine{tables: tables, in: in, out: out, logger: logger}
}

// Run drains in until ctx is cancelled, applying classification to every
// MSG_FROM_PEER record and skipping everything else untouched (status and
// control records pass straight through the pipeline via other readers).
func (e *Engine) Run(ctx context.Context) error {
	readerID := e.in.CreateReader(queue.ModeBlocking)
	defer e.in.CancelReader(readerID)

	for {
		item, err := e.in.Read(ctx, readerID)
		if err != nil {
			return err
		}
		rec, ok := item.(*bmf.Record)
		if !ok || rec.Type != bmf.MsgFromPeer {
			continue
		}
		e.process(rec)
	}
}

func (e *Engine) process(rec *bmf.Record) {
	update, err := bgp.DecodeUpdate(rec.Payload)
	if err != nil {
		// Not a parseable UPDATE (e.g. a ROUTE-REFRESH riding the same
		// record type) — nothing to classify.
		return
	}

	st, ok := e.tables.Get(rec.SessionID)
	if !ok {
		e.logger.Warn("no tables for session", zap.Uint16("session_id", rec.SessionID))
		return
	}

	asPath := asPathBytes(update.Attrs)
	basicAttrBytes := encodeBasicAttrs(update.Attrs)

	var labels []bmf.Label

	for _, p := range update.Withdrawn {
		key := NewPrefixKey(bgp.AFIIPv4, bgp.SAFIUnicast, p.Length, p.Bytes)
		labels = append(labels, st.applyUnreachable(key))
	}
	for _, mp := range update.MPUnreach {
		for _, p := range mp.NLRI {
			key := NewPrefixKey(mp.AFI, mp.SAFI, p.Length, p.Bytes)
			labels = append(labels, st.applyUnreachable(key))
		}
	}

	for _, p := range update.NLRI {
		// Each prefix takes its own reference on the shared attribute
		// node; applyReachable consumes exactly one per call.
		node := st.Attrs.SearchAttr(asPath, basicAttrBytes, update.Attrs, nil)
		key := NewPrefixKey(bgp.AFIIPv4, bgp.SAFIUnicast, p.Length, p.Bytes)
		labels = append(labels, st.applyReachable(key, node, rec.Timestamp))
	}

	for _, mp := range update.MPReach {
		header := &bgp.MPReach{AFI: mp.AFI, SAFI: mp.SAFI, NextHop: mp.NextHop}
		attrBytes := append(append([]byte(nil), basicAttrBytes...), encodeMPReachHeader(header)...)
		for _, p := range mp.NLRI {
			node := st.Attrs.SearchAttr(asPath, attrBytes, update.Attrs, header)
			key := NewPrefixKey(mp.AFI, mp.SAFI, p.Length, p.Bytes)
			labels = append(labels, st.applyReachable(key, node, rec.Timestamp))
		}
	}

	for _, l := range labels {
		metrics.LabelsAppliedTotal.WithLabelValues(l.String()).Inc()
	}

	labeled := &bmf.Record{
		Timestamp:     rec.Timestamp,
		PrecisionTime: rec.PrecisionTime,
		SessionID:     rec.SessionID,
		Type:          bmf.MsgLabeled,
		Labels:        labels,
		Payload:       rec.Payload,
	}
	if e.out != nil {
		_, _ = e.out.Write(context.Background(), labeled)
	}
}

// TriggerTableTransfer re-serialises every prefix currently held for
// sessionID into a bracketed TABLE_START / TABLE_TRANSFER.../TABLE_STOP
// sequence on the labeled queue, driven by the scheduler's periodic
// route-refresh sweep in place of the original's sendRibTable call.
func (e *Engine) TriggerTableTransfer(sessionID uint16) {
	st, ok := e.tables.Get(sessionID)
	if !ok {
		return
	}

	write := func(rec *bmf.Record) {
		if e.out != nil {
			_, _ = e.out.Write(context.Background(), rec)
		}
	}

	write(&bmf.Record{SessionID: sessionID, Type: bmf.TableStart})
	st.Attrs.Each(func(n *attrNode) {
		for _, rec := range BuildTableTransfer(sessionID, n) {
			write(rec)
		}
	})
	write(&bmf.Record{SessionID: sessionID, Type: bmf.TableStop})
}
