// Package clientio implements the client writer: one goroutine per
// subscriber, each with its own reader on a labeled/RIB queue, writing a
// stream-opening token followed by one serialised record per dequeue.
// Grounded on original_source/Clients/clientinstance.c's clientUThread/
// clientRThread pair (two listener classes, UPDATA and RIB, sharing the
// same per-subscriber loop shape) and clientscontrol.c's accept-loop/
// active-count bookkeeping.
package clientio

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
)

// streamOpenToken is written once at the start of every subscriber
// connection, matching the original's literal "<xml>" stream preamble.
const streamOpenToken = "<xml>"

// Serializer turns a labeled record into its wire form. The concrete XML
// serialiser is an explicit non-goal (treated as an opaque external
// encoder); clientio only depends on this interface.
type Serializer interface {
	Serialize(rec *bmf.Record) ([]byte, error)
}

// Listener accepts subscriber connections on one address and fans the
// contents of one source queue out to each, serialising independently per
// subscriber (each subscriber is its own reader, so a slow subscriber only
// throttles the writer once its own unread count reaches queue.Capacity).
type Listener struct {
	name           string
	addr           string
	source         *queue.Queue
	serializer     Serializer
	maxSubscribers int
	logger         *zap.Logger

	mu     sync.Mutex
	active map[int64]*subscriber
	nextID int64
}

func NewListener(name, addr string, source *queue.Queue, serializer Serializer, maxSubscribers int, logger *zap.Logger) *Listener {
	return &Listener{
		name:           name,
		addr:           addr,
		source:         source,
		serializer:     serializer,
		maxSubscribers: maxSubscribers,
		logger:         logger,
		active:         make(map[int64]*subscriber),
	}
}

// ActiveCount reports the number of connected subscribers, for
// QUEUES_STATUS/SESSION_STATUS expansion.
func (l *Listener) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("clientio: listen %s on %s: %w", l.name, l.addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("clientio: accept on %s: %w", l.name, err)
		}

		if l.ActiveCount() >= l.maxSubscribers {
			l.logger.Warn("rejecting subscriber: max_subscribers reached", zap.String("listener", l.name))
			conn.Close()
			continue
		}

		l.acceptSubscriber(ctx, conn)
	}
}

func (l *Listener) acceptSubscriber(ctx context.Context, conn net.Conn) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	readerID := l.source.CreateReader(queue.ModeBlocking)
	sub := &subscriber{
		id:         id,
		conn:       conn,
		readerID:   readerID,
		source:     l.source,
		serializer: l.serializer,
		logger:     l.logger.With(zap.String("listener", l.name), zap.Int64("subscriber_id", id)),
	}
	l.active[id] = sub
	l.mu.Unlock()

	metrics.ClientSubscribersActive.WithLabelValues().Inc()

	go func() {
		sub.run(ctx)
		l.mu.Lock()
		delete(l.active, id)
		l.mu.Unlock()
		metrics.ClientSubscribersActive.WithLabelValues().Dec()
	}()
}

// subscriber is one connected client: its own queue reader plus the
// socket it writes serialised records to.
type subscriber struct {
	id         int64
	conn       net.Conn
	readerID   int
	source     *queue.Queue
	serializer Serializer
	logger     *zap.Logger
}

func (s *subscriber) run(ctx context.Context) {
	defer s.conn.Close()
	defer s.source.CancelReader(s.readerID)

	w := bufio.NewWriter(s.conn)
	if err := writeAll(w, []byte(streamOpenToken)); err != nil {
		s.logger.Debug("subscriber: stream-open write failed", zap.Error(err))
		return
	}
	if err := w.Flush(); err != nil {
		return
	}

	for {
		item, err := s.source.Read(ctx, s.readerID)
		if err != nil {
			return
		}
		rec, ok := item.(*bmf.Record)
		if !ok {
			continue
		}

		payload, err := s.serializer.Serialize(rec)
		if err != nil {
			s.logger.Warn("subscriber: serialize failed", zap.Error(err))
			continue
		}
		if err := writeAll(w, payload); err != nil {
			s.logger.Debug("subscriber: write failed, tearing down", zap.Error(err))
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
		metrics.ClientBytesWrittenTotal.WithLabelValues(fmt.Sprintf("%d", s.id)).Add(float64(len(payload)))
	}
}

// writeAll mirrors the original's writen: loop until every byte is
// written or an error occurs, since a single net.Conn.Write is not
// guaranteed to consume the whole buffer.
func writeAll(w *bufio.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
