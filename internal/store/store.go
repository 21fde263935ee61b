// Package store persists the two pieces of BGPmon state that must survive
// a restart: the collector's 32-bit monitor identifier, and compressed
// RIB/table-transfer snapshots used to reseed a subscriber without a full
// route-refresh.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/metrics"
)

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd encoder init: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("store: zstd decoder init: %v", err))
	}
}

// Store wraps the connection pool used for monitor-identity persistence
// and RIB snapshot storage.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// MonitorID returns the collector's persisted 32-bit identifier,
// allocating one on first call. The value must remain bit-exact across
// restarts so downstream consumers can recognise a reconnecting
// collector.
func (s *Store) MonitorID(ctx context.Context, instanceName string) (uint32, error) {
	var id int32
	err := s.pool.QueryRow(ctx, `
		INSERT INTO monitor_identity (instance_name)
		VALUES ($1)
		ON CONFLICT (instance_name) DO UPDATE SET instance_name = EXCLUDED.instance_name
		RETURNING monitor_id`,
		instanceName,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: monitor id: %w", err)
	}
	return uint32(id), nil
}

// Snapshot is a compressed RIB/table-transfer image for one session.
type Snapshot struct {
	SessionID uint16
	PeerKey   string // (peer_as, peer_ip, collector_ip) tuple rendered as a stable string
	Payload   []byte // uncompressed BMF bytes; compressed before storage
	TakenAt   time.Time
}

// SaveSnapshot compresses and upserts a RIB snapshot for a session,
// replacing any previously stored snapshot for the same peer key.
func (s *Store) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	start := time.Now()
	compressed := zstdEncoder.EncodeAll(snap.Payload, nil)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rib_snapshots (peer_key, session_id, payload, payload_len, taken_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_key) DO UPDATE SET
			session_id  = EXCLUDED.session_id,
			payload     = EXCLUDED.payload,
			payload_len = EXCLUDED.payload_len,
			taken_at    = EXCLUDED.taken_at`,
		snap.PeerKey, snap.SessionID, compressed, len(snap.Payload), snap.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("store: save snapshot for %s: %w", snap.PeerKey, err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("store", "snapshot").Observe(dur)
	metrics.SnapshotBytesTotal.WithLabelValues(snap.PeerKey).Add(float64(len(compressed)))
	return nil
}

// LoadSnapshot fetches and decompresses the stored snapshot for a peer
// key, if any.
func (s *Store) LoadSnapshot(ctx context.Context, peerKey string) (*Snapshot, error) {
	var (
		sessionID  uint16
		compressed []byte
		takenAt    time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, payload, taken_at FROM rib_snapshots WHERE peer_key = $1`,
		peerKey,
	).Scan(&sessionID, &compressed, &takenAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load snapshot for %s: %w", peerKey, err)
	}

	payload, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("store: decompress snapshot for %s: %w", peerKey, err)
	}
	return &Snapshot{SessionID: sessionID, PeerKey: peerKey, Payload: payload, TakenAt: takenAt}, nil
}

// DeleteSnapshot removes a stored snapshot, e.g. when a session is
// permanently destroyed.
func (s *Store) DeleteSnapshot(ctx context.Context, peerKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rib_snapshots WHERE peer_key = $1`, peerKey)
	if err != nil {
		return fmt.Errorf("store: delete snapshot for %s: %w", peerKey, err)
	}
	return nil
}

// PurgeOlderThan removes snapshots taken before cutoff, used by the
// retention sweep.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rib_snapshots WHERE taken_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: purge snapshots older than %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}
