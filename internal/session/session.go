// Package session implements the per-peer BGP-4 engine: one goroutine pair
// (reader + driver) per peer, driving the pure internal/fsm transition
// table and executing the actions it returns.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/fsm"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
)

// Conn is the minimal socket surface a session needs, satisfied by
// *net.TCPConn in production and by an in-memory pipe in tests.
type Conn interface {
	io.ReadWriteCloser
}

// Dialer opens an outbound TCP connection to a configured peer.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// DialTCP is the production Dialer.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// TableManager owns the per-session prefix/attribute tables. The labeling
// engine supplies the concrete implementation; session only needs to
// create and release them at the moments RFC 4271 calls for it.
type TableManager interface {
	CreateTables(sessionID uint16, maxCollisions int) error
	ReleaseTables(sessionID uint16)
}

// Config carries one peer's static configuration plus the local
// identity it is negotiated against.
type Config struct {
	PeerAddr         string
	PeerASConfigured uint32 // 0 = accept whatever the peer offers
	LocalAS          uint32
	LocalBGPID       net.IP
	HoldTime         time.Duration // offered in our OPEN
	MinHoldTime      time.Duration // smallest remote hold-time we accept
	ConnectRetryTime time.Duration
	RouteRefresh     bool
	FourOctetASN     bool
	MaxCollisions    int
}

// Stats mirrors the statistics block RFC 4271 session data keeps.
type Stats struct {
	EstablishTime time.Time
	DownCount     int
	LastDownTime  time.Time
}

// Session drives a single peer through the FSM and owns its socket.
type Session struct {
	id     uint16
	cfg    Config
	dialer Dialer
	tables TableManager
	out    *queue.Queue
	logger *zap.Logger
	clock  func() time.Time

	mu    sync.Mutex
	state fsm.State
	stats Stats

	remoteAS           uint32
	remoteBGPID        net.IP
	remoteRouteRefresh bool
	remoteFourOctet    bool
	negotiatedHold     time.Duration

	routeRefreshRequested atomic.Bool

	conn   Conn
	connCh chan connResult
}

type connResult struct {
	conn Conn
	err  error
}

// New constructs a session that actively dials its peer once Run starts.
func New(id uint16, cfg Config, dialer Dialer, tables TableManager, out *queue.Queue, logger *zap.Logger) *Session {
	if dialer == nil {
		dialer = DialTCP
	}
	return &Session{
		id:     id,
		cfg:    cfg,
		dialer: dialer,
		tables: tables,
		out:    out,
		logger: logger,
		clock:  time.Now,
		state:  fsm.StateIdle,
		connCh: make(chan connResult, 1),
	}
}

// NewPassive constructs a session around an already-accepted connection,
// entering the FSM at Active as RFC 4271 prescribes for a passively opened
// session, then immediately supplying TcpConnectionConfirmed.
func NewPassive(id uint16, cfg Config, conn Conn, tables TableManager, out *queue.Queue, logger *zap.Logger) *Session {
	s := New(id, cfg, nil, tables, out, logger)
	s.state = fsm.StateActive
	s.conn = conn
	return s
}

// ID satisfies registry.Session.
func (s *Session) ID() uint16 { return s.id }

func (s *Session) State() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RequestRouteRefresh arms the route-refresh flag consulted at the top of
// the FSM loop; it is a no-op until the session reaches Established with a
// peer that advertised the capability.
func (s *Session) RequestRouteRefresh() {
	s.routeRefreshRequested.Store(true)
}

// Run drives the session until ctx is cancelled or the connection is torn
// down terminally.
func (s *Session) Run(ctx context.Context) {
	recvCh := make(chan []byte, 1)
	errCh := make(chan error, 1)

	connectRetryTimer := newStoppedTimer()
	holdTimer := newStoppedTimer()
	keepaliveTimer := newStoppedTimer()
	defer connectRetryTimer.Stop()
	defer holdTimer.Stop()
	defer keepaliveTimer.Stop()

	if s.conn != nil {
		go s.readLoop(ctx, recvCh, errCh)
		s.applyEvent(ctx, fsm.EventTcpConnectionConfirmed, connectRetryTimer, holdTimer, keepaliveTimer)
	} else {
		s.applyEvent(ctx, fsm.EventManualStart, connectRetryTimer, holdTimer, keepaliveTimer)
	}

	s.runLoop(ctx, recvCh, errCh, connectRetryTimer, holdTimer, keepaliveTimer)
}

func (s *Session) runLoop(
	ctx context.Context,
	recvCh chan []byte,
	errCh chan error,
	connectRetryTimer, holdTimer, keepaliveTimer *time.Timer,
) {
	for {
		select {
		case <-ctx.Done():
			s.teardownConn()
			return

		case r := <-s.connCh:
			if r.err != nil {
				s.logger.Warn("connect failed", zap.Uint16("session_id", s.id), zap.Error(r.err))
				s.applyEvent(ctx, fsm.EventTcpConnectionFails, connectRetryTimer, holdTimer, keepaliveTimer)
				continue
			}
			s.conn = r.conn
			go s.readLoop(ctx, recvCh, errCh)
			s.applyEvent(ctx, fsm.EventTcpConnectionConfirmed, connectRetryTimer, holdTimer, keepaliveTimer)

		case raw := <-recvCh:
			s.handleMessage(ctx, raw, connectRetryTimer, holdTimer, keepaliveTimer)

		case err := <-errCh:
			s.logger.Warn("session read failed", zap.Uint16("session_id", s.id), zap.Error(err))
			s.applyEvent(ctx, fsm.EventTcpConnectionFails, connectRetryTimer, holdTimer, keepaliveTimer)

		case <-connectRetryTimer.C:
			s.applyEvent(ctx, fsm.EventConnectRetryTimerExpire, connectRetryTimer, holdTimer, keepaliveTimer)

		case <-holdTimer.C:
			s.applyEvent(ctx, fsm.EventHoldTimerExpire, connectRetryTimer, holdTimer, keepaliveTimer)

		case <-keepaliveTimer.C:
			s.applyEvent(ctx, fsm.EventKeepaliveTimerExpire, connectRetryTimer, holdTimer, keepaliveTimer)
		}

		s.maybeSendRouteRefresh()
	}
}

// readLoop frames one BGP message at a time off the wire and hands it to
// the driver goroutine. A short read at any point is fatal to the session,
// per RFC 4271's TCP-failure handling.
func (s *Session) readLoop(ctx context.Context, recvCh chan<- []byte, errCh chan<- error) {
	conn := s.conn
	for {
		msg, err := readRawMessage(conn)
		if err != nil {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case recvCh <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// readRawMessage reads exactly one framed BGP message (header + body).
func readRawMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, bgp.BGPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("session: reading header: %w", err)
	}
	for i := 0; i < bgp.MarkerLen; i++ {
		if header[i] != 0xFF {
			return nil, fmt.Errorf("session: marker byte %d is not 0xFF", i)
		}
	}
	totalLen := int(binary.BigEndian.Uint16(header[16:18]))
	if totalLen < bgp.BGPHeaderSize || totalLen > bgp.MaxMessageLen {
		return nil, fmt.Errorf("session: declared length %d out of range", totalLen)
	}
	msg := make([]byte, totalLen)
	copy(msg, header)
	if totalLen > bgp.BGPHeaderSize {
		if _, err := io.ReadFull(r, msg[bgp.BGPHeaderSize:]); err != nil {
			return nil, fmt.Errorf("session: reading body: %w", err)
		}
	}
	return msg, nil
}

// handleMessage classifies an inbound wire message into an FSM event and
// applies it.
func (s *Session) handleMessage(
	ctx context.Context,
	raw []byte,
	connectRetryTimer, holdTimer, keepaliveTimer *time.Timer,
) {
	if len(raw) < bgp.BGPHeaderSize {
		s.applyEvent(ctx, fsm.EventBgpHeaderErr, connectRetryTimer, holdTimer, keepaliveTimer)
		return
	}
	switch raw[18] {
	case bgp.MsgTypeOpen:
		open, err := bgp.DecodeOpen(raw)
		if err != nil {
			s.sendNotification(bgp.NotifErrOpenMessage, 0, nil)
			s.applyEvent(ctx, fsm.EventBgpOpenMsgErr, connectRetryTimer, holdTimer, keepaliveTimer)
			return
		}
		s.handleOpen(ctx, open, connectRetryTimer, holdTimer, keepaliveTimer)

	case bgp.MsgTypeKeepalive:
		if err := bgp.DecodeKeepalive(raw); err != nil {
			s.applyEvent(ctx, fsm.EventBgpHeaderErr, connectRetryTimer, holdTimer, keepaliveTimer)
			return
		}
		s.applyEvent(ctx, fsm.EventKeepAliveMsg, connectRetryTimer, holdTimer, keepaliveTimer)

	case bgp.MsgTypeUpdate:
		if _, err := bgp.DecodeUpdate(raw); err != nil {
			s.applyEvent(ctx, fsm.EventUpdateMsgErr, connectRetryTimer, holdTimer, keepaliveTimer)
			return
		}
		metrics.UpdatesReceivedTotal.WithLabelValues(strconv.Itoa(int(s.id))).Inc()
		s.emitRecord(bmf.MsgFromPeer, raw)
		s.applyEvent(ctx, fsm.EventUpdateMsg, connectRetryTimer, holdTimer, keepaliveTimer)

	case bgp.MsgTypeNotification:
		s.applyEvent(ctx, fsm.EventNotifMsg, connectRetryTimer, holdTimer, keepaliveTimer)

	case bgp.MsgTypeRouteRefresh:
		// ROUTE-REFRESH carries no FSM event of its own; it only triggers
		// a table re-advertisement, handled by the labeling engine off
		// the peer queue.
		s.emitRecord(bmf.MsgFromPeer, raw)

	default:
		s.applyEvent(ctx, fsm.EventBgpHeaderErr, connectRetryTimer, holdTimer, keepaliveTimer)
	}
}

// handleOpen runs the validation sequence from RFC 4271 section 6.2.
func (s *Session) handleOpen(
	ctx context.Context,
	open *bgp.Open,
	connectRetryTimer, holdTimer, keepaliveTimer *time.Timer,
) {
	if open.Version != 4 {
		s.sendNotification(bgp.NotifErrOpenMessage, bgp.NotifSubUnsupportedVersion, nil)
		s.applyEvent(ctx, fsm.EventNotifMsgVerErr, connectRetryTimer, holdTimer, keepaliveTimer)
		return
	}

	remoteAS := uint32(open.ASNumber)
	remoteFourOctet := false
	if v, ok := open.FourOctetASN(); ok {
		remoteFourOctet = true
		if open.ASNumber == bgp.ASTransSentinel {
			remoteAS = v
		}
	}
	if s.cfg.PeerASConfigured != 0 && remoteAS != s.cfg.PeerASConfigured {
		s.sendNotification(bgp.NotifErrOpenMessage, bgp.NotifSubBadPeerAS, nil)
		s.applyEvent(ctx, fsm.EventBgpOpenMsgErr, connectRetryTimer, holdTimer, keepaliveTimer)
		return
	}

	remoteHold := time.Duration(open.HoldTime) * time.Second
	if open.HoldTime != 0 && remoteHold < s.cfg.MinHoldTime {
		s.sendNotification(bgp.NotifErrOpenMessage, bgp.NotifSubUnacceptableHoldTime, nil)
		s.applyEvent(ctx, fsm.EventBgpOpenMsgErr, connectRetryTimer, holdTimer, keepaliveTimer)
		return
	}

	if open.BGPID.Equal(net.IPv4zero) || open.BGPID.Equal(s.cfg.LocalBGPID) {
		s.sendNotification(bgp.NotifErrOpenMessage, bgp.NotifSubBadBGPIdentifier, nil)
		s.applyEvent(ctx, fsm.EventBgpOpenMsgErr, connectRetryTimer, holdTimer, keepaliveTimer)
		return
	}

	s.mu.Lock()
	s.remoteAS = remoteAS
	s.remoteBGPID = open.BGPID
	s.remoteRouteRefresh = false
	if _, ok := open.HasCapability(bgp.CapRouteRefresh); ok {
		s.remoteRouteRefresh = true
	}
	s.remoteFourOctet = remoteFourOctet
	s.negotiatedHold = minDuration(s.cfg.HoldTime, remoteHold)
	s.mu.Unlock()

	s.applyEvent(ctx, fsm.EventBgpOpen, connectRetryTimer, holdTimer, keepaliveTimer)
}

func minDuration(a, b time.Duration) time.Duration {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// applyEvent drives the pure FSM and executes every action it returns.
func (s *Session) applyEvent(
	ctx context.Context,
	event fsm.Event,
	connectRetryTimer, holdTimer, keepaliveTimer *time.Timer,
) {
	s.mu.Lock()
	cur := s.state
	s.mu.Unlock()

	result := fsm.ApplyEvent(cur, event)
	if !result.Changed && len(result.Actions) == 0 {
		return
	}

	s.mu.Lock()
	s.state = result.NewState
	s.mu.Unlock()

	if result.Changed {
		metrics.SessionStateTransitionsTotal.WithLabelValues(result.OldState.String(), result.NewState.String()).Inc()
		metrics.SessionsActive.WithLabelValues(result.OldState.String()).Dec()
		metrics.SessionsActive.WithLabelValues(result.NewState.String()).Inc()
	}

	for _, action := range result.Actions {
		s.executeAction(ctx, action, event, result, connectRetryTimer, holdTimer, keepaliveTimer)
	}
}

func (s *Session) executeAction(
	ctx context.Context,
	action fsm.Action,
	event fsm.Event,
	result fsm.Result,
	connectRetryTimer, holdTimer, keepaliveTimer *time.Timer,
) {
	switch action {
	case fsm.ActionStartConnectRetryTimer:
		resetTimer(connectRetryTimer, jitterConnectRetry(s.cfg.ConnectRetryTime))

	case fsm.ActionStopConnectRetryTimer:
		stopTimer(connectRetryTimer)

	case fsm.ActionInitiateTcpConnect:
		go s.dial(ctx)

	case fsm.ActionSendOpen:
		s.sendOpen()

	case fsm.ActionSendKeepalive:
		s.sendKeepalive()

	case fsm.ActionSendNotification:
		// The specific code/subcode was already sent by the validation
		// path that produced this event; a bare transition-table
		// SendNotification (hold-timer expiry, manual stop) still owes
		// the peer a NOTIFICATION of its own.
		switch event {
		case fsm.EventHoldTimerExpire:
			s.sendNotification(bgp.NotifErrHoldTimerExpired, 0, nil)
		case fsm.EventManualStop:
			s.sendNotification(bgp.NotifErrCease, 0, nil)
		}

	case fsm.ActionStartHoldTimer:
		hold := s.cfg.HoldTime
		s.mu.Lock()
		if s.negotiatedHold > 0 {
			hold = s.negotiatedHold
		}
		s.mu.Unlock()
		if hold > 0 {
			resetTimer(holdTimer, hold)
		} else {
			stopTimer(holdTimer)
		}

	case fsm.ActionStartKeepaliveTimer:
		s.mu.Lock()
		hold := s.negotiatedHold
		s.mu.Unlock()
		if hold == 0 {
			stopTimer(keepaliveTimer)
		} else {
			resetTimer(keepaliveTimer, hold/3)
		}

	case fsm.ActionStopTimers:
		stopTimer(connectRetryTimer)
		stopTimer(holdTimer)
		stopTimer(keepaliveTimer)

	case fsm.ActionReleaseTables:
		if s.tables != nil {
			s.tables.ReleaseTables(s.id)
		}

	case fsm.ActionCreateTables:
		if s.tables != nil {
			if err := s.tables.CreateTables(s.id, s.cfg.MaxCollisions); err != nil {
				s.logger.Error("create tables", zap.Uint16("session_id", s.id), zap.Error(err))
			}
		}

	case fsm.ActionRecordEstablishTime:
		s.mu.Lock()
		s.stats.EstablishTime = s.clock()
		s.mu.Unlock()

	case fsm.ActionRecordDownTime:
		s.mu.Lock()
		s.stats.LastDownTime = s.clock()
		s.stats.DownCount++
		s.mu.Unlock()
		metrics.SessionsDownTotal.WithLabelValues(event.String()).Inc()

	case fsm.ActionCloseConnection:
		s.teardownConn()

	case fsm.ActionEmitStateChange:
		s.emitStateChange(result, event)
	}
}

func (s *Session) dial(ctx context.Context) {
	conn, err := s.dialer(ctx, s.cfg.PeerAddr)
	select {
	case s.connCh <- connResult{conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

func (s *Session) teardownConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Session) sendOpen() {
	asField := uint16(s.cfg.LocalAS)
	var caps []bgp.Capability
	if s.cfg.LocalAS > 0xFFFF {
		asField = bgp.ASTransSentinel
	}
	if s.cfg.FourOctetASN {
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, s.cfg.LocalAS)
		caps = append(caps, bgp.Capability{Code: bgp.CapFourOctetASN, Value: v})
	}
	if s.cfg.RouteRefresh {
		caps = append(caps, bgp.Capability{Code: bgp.CapRouteRefresh})
	}
	open := &bgp.Open{
		Version:  4,
		ASNumber: asField,
		HoldTime: uint16(s.cfg.HoldTime / time.Second),
		BGPID:    s.cfg.LocalBGPID,
		Caps:     caps,
	}
	msg, err := bgp.EncodeOpen(open)
	if err != nil {
		s.logger.Error("encode open", zap.Uint16("session_id", s.id), zap.Error(err))
		return
	}
	s.write(msg)
}

func (s *Session) sendKeepalive() {
	s.write(bgp.EncodeKeepalive())
}

func (s *Session) sendNotification(code, subcode uint8, data []byte) {
	msg := bgp.EncodeNotification(&bgp.Notification{ErrorCode: code, ErrorSubcode: subcode, Data: data})
	s.write(msg)
}

func (s *Session) write(msg []byte) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(msg); err != nil {
		s.logger.Warn("write failed", zap.Uint16("session_id", s.id), zap.Error(err))
	}
}

// maybeSendRouteRefresh implements the "route-refresh flag consulted at
// the top of the FSM loop" contract.
func (s *Session) maybeSendRouteRefresh() {
	if !s.routeRefreshRequested.Load() {
		return
	}
	s.mu.Lock()
	established := s.state == fsm.StateEstablished
	peerSupports := s.remoteRouteRefresh
	s.mu.Unlock()
	if !established || !peerSupports {
		return
	}
	s.write(bgp.EncodeRouteRefresh(&bgp.RouteRefresh{AFI: bgp.AFIIPv4, SAFI: bgp.SAFIUnicast}))
	s.routeRefreshRequested.Store(false)
}

func (s *Session) emitRecord(typ bmf.Type, payload []byte) {
	if s.out == nil {
		return
	}
	rec := &bmf.Record{
		Timestamp: s.clock().Unix(),
		SessionID: s.id,
		Type:      typ,
		Payload:   append([]byte(nil), payload...),
	}
	if err := rec.Validate(); err != nil {
		s.logger.Warn("record validation", zap.Error(err))
		return
	}
	becameFull, err := s.out.Write(context.Background(), rec)
	if err != nil {
		return
	}
	if becameFull {
		metrics.QueueWritesBlockedTotal.WithLabelValues(s.out.Name()).Inc()
	}
}

func (s *Session) emitStateChange(result fsm.Result, event fsm.Event) {
	payload := fmt.Sprintf("%s->%s:%s", result.OldState, result.NewState, event)
	s.emitRecord(bmf.FSMStateChange, []byte(payload))
}

// jitterConnectRetry reduces interval by 0-25%, matching the 75-100% band
// RFC 4271 calls for on each connect-retry restart.
func jitterConnectRetry(interval time.Duration) time.Duration {
	if interval <= 0 {
		return interval
	}
	reduction := time.Duration(int64(interval) * int64(rand.IntN(26)) / 100) //nolint:gosec // no cryptographic need
	return interval - reduction
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
