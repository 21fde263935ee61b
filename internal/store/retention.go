package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetentionManager periodically purges RIB snapshots older than the
// configured retention window. Snapshots are not partitioned — unlike the
// teacher's per-day route_events partitions, a session's snapshot is
// replaced in place on every table-transfer, so retention here only needs
// to catch snapshots for sessions that were destroyed without ever being
// replaced.
type RetentionManager struct {
	store         *Store
	retentionDays int
	timezone      string
	logger        *zap.Logger
}

func NewRetentionManager(s *Store, retentionDays int, timezone string, logger *zap.Logger) *RetentionManager {
	return &RetentionManager{store: s, retentionDays: retentionDays, timezone: timezone, logger: logger}
}

// Run executes one retention sweep.
func (rm *RetentionManager) Run(ctx context.Context) error {
	loc, err := time.LoadLocation(rm.timezone)
	if err != nil {
		return fmt.Errorf("maintenance: loading timezone %s: %w", rm.timezone, err)
	}

	cutoff := time.Now().In(loc).AddDate(0, 0, -rm.retentionDays)
	purged, err := rm.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("maintenance: purging snapshots: %w", err)
	}
	if purged > 0 {
		rm.logger.Info("purged stale rib snapshots", zap.Int64("purged", purged), zap.Time("cutoff", cutoff))
	}
	return nil
}
