// Package scheduler implements the periodic sweeps spec.md §4.7: staggered
// route refresh, status-message stubs, and chain-cache aging, grounded on
// original_source/PeriodicEvents/periodic.c's three cooperating tasks —
// narrowed here to one goroutine driven by one ticker instead of three OS
// threads, since none of the three sweeps blocks for long enough to need
// its own thread in Go's model.
package scheduler

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/chain"
	"github.com/bgpmon/collector/internal/config"
	"github.com/bgpmon/collector/internal/fsm"
	"github.com/bgpmon/collector/internal/metrics"
	"github.com/bgpmon/collector/internal/queue"
	"github.com/bgpmon/collector/internal/registry"
)

// RefreshableSession is the subset of a session the scheduler needs:
// enough to decide whether it is due for refresh and to arm its
// route-refresh flag, without importing internal/session (which would
// create a package cycle, since internal/session only depends on
// registry.Session and a narrow TableManager).
type RefreshableSession interface {
	ID() uint16
	State() fsm.State
	RequestRouteRefresh()
}

// TableTransferTrigger drives the labeling engine's table-transfer
// emission for a single session, satisfied by *label.Engine.
type TableTransferTrigger interface {
	TriggerTableTransfer(sessionID uint16)
}

// Scheduler runs the periodic sweeps off one base tick.
type Scheduler struct {
	registry *registry.Registry
	chains   *chain.Cache
	transfer TableTransferTrigger
	out      *queue.Queue
	logger   *zap.Logger

	tick                 time.Duration
	routeRefreshInterval time.Duration
	statusInterval       time.Duration
	cacheAgingInterval   time.Duration

	nextRefresh map[uint16]time.Time
	nextStatus  time.Time
	nextAging   time.Time
	clock       func() time.Time
}

// New constructs a scheduler. transfer may be nil in deployments (or tests)
// that don't wire the labeling engine in; the route-refresh sweep then only
// arms sessions' flags without emitting a table transfer.
func New(reg *registry.Registry, chains *chain.Cache, transfer TableTransferTrigger, out *queue.Queue, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		registry:             reg,
		chains:               chains,
		transfer:             transfer,
		out:                  out,
		logger:               logger,
		tick:                 time.Duration(cfg.TickIntervalMs) * time.Millisecond,
		routeRefreshInterval: time.Duration(cfg.RouteRefreshIntervalSecs) * time.Second,
		statusInterval:       time.Duration(cfg.StatusIntervalSecs) * time.Second,
		cacheAgingInterval:   time.Second,
		nextRefresh:          make(map[uint16]time.Time),
		clock:                time.Now,
	}
}

// WithCacheAgingInterval overrides the default 1s cache-sweep cadence
// (tests use this to avoid a real wall-clock wait).
func (s *Scheduler) WithCacheAgingInterval(d time.Duration) *Scheduler {
	s.cacheAgingInterval = d
	return s
}

// Run drives all three sweeps until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	now := s.clock()
	s.nextStatus = now.Add(s.statusInterval)
	s.nextAging = now.Add(s.cacheAgingInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.routeRefreshSweep(now)
			s.statusSweep(now)
			s.cacheAgingSweep(now)
		}
	}
}

// routeRefreshSweep distributes route-refresh across established sessions
// so that each is refreshed exactly once per routeRefreshInterval: a
// session newly seen is staggered by its rank among established peers
// (matching periodic.c's even-distribution intent), and thereafter is due
// again exactly routeRefreshInterval after its last refresh.
func (s *Scheduler) routeRefreshSweep(now time.Time) {
	if s.routeRefreshInterval <= 0 {
		return
	}

	var established []RefreshableSession
	s.registry.Each(func(sess registry.Session) {
		rs, ok := sess.(RefreshableSession)
		if !ok {
			return
		}
		switch rs.State() {
		case fsm.StateEstablished, fsm.StateMrtEstablished:
			established = append(established, rs)
		}
	})
	if len(established) == 0 {
		return
	}
	sort.Slice(established, func(i, j int) bool { return established[i].ID() < established[j].ID() })

	live := make(map[uint16]bool, len(established))
	for i, sess := range established {
		id := sess.ID()
		live[id] = true

		due, ok := s.nextRefresh[id]
		if !ok {
			offset := time.Duration(i) * s.routeRefreshInterval / time.Duration(len(established))
			s.nextRefresh[id] = now.Add(offset)
			continue
		}
		if now.Before(due) {
			continue
		}

		if s.transfer != nil {
			s.transfer.TriggerTableTransfer(id)
		}
		sess.RequestRouteRefresh()
		s.nextRefresh[id] = now.Add(s.routeRefreshInterval)
	}

	for id := range s.nextRefresh {
		if !live[id] {
			delete(s.nextRefresh, id)
		}
	}
}

// statusSweep enqueues the four status-stub records every statusInterval;
// the serialiser expands each against live state when it reaches a
// subscriber.
func (s *Scheduler) statusSweep(now time.Time) {
	if s.out == nil || now.Before(s.nextStatus) {
		return
	}
	s.nextStatus = now.Add(s.statusInterval)

	for _, typ := range []bmf.Type{bmf.SessionStatus, bmf.QueuesStatus, bmf.ChainsStatus, bmf.MrtStatus} {
		_, _ = s.out.Write(context.Background(), &bmf.Record{Type: typ, Timestamp: now.Unix()})
	}
	metrics.SchedulerTicksTotal.WithLabelValues("status").Inc()
}

// cacheAgingSweep walks the chain-owner cache and drops entries past their
// lifetime.
func (s *Scheduler) cacheAgingSweep(now time.Time) {
	if s.chains == nil || now.Before(s.nextAging) {
		return
	}
	s.nextAging = now.Add(s.cacheAgingInterval)

	removed := s.chains.Expire()
	if removed > 0 && s.logger != nil {
		s.logger.Debug("chain cache aged", zap.Int("removed", removed), zap.Int("remaining", s.chains.Len()))
	}
	metrics.SchedulerTicksTotal.WithLabelValues("cache_aging").Inc()
}
