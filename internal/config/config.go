// Package config loads and validates the collector's typed configuration:
// peer definitions, MRT/subscriber listener settings, storage, and the
// optional Kafka fan-out sink.
package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig         `koanf:"service"`
	Peers      map[string]PeerConfig `koanf:"peers"`
	MRT        MRTConfig             `koanf:"mrt"`
	BMP        BMPConfig             `koanf:"bmp"`
	Subscriber SubscriberConfig      `koanf:"subscriber"`
	Control    ControlConfig         `koanf:"control"`
	Postgres   PostgresConfig        `koanf:"postgres"`
	Kafka      KafkaConfig           `koanf:"kafka"`
	Scheduler  SchedulerConfig       `koanf:"scheduler"`
	Chain      ChainConfig           `koanf:"chain"`
	Retention  RetentionConfig       `koanf:"retention"`
}

// PeerConfig is one statically configured BGP peer this collector dials or
// accepts.
type PeerConfig struct {
	PeerAddr          string `koanf:"peer_addr"`
	PeerAS            uint32 `koanf:"peer_as"`
	LocalAS           uint32 `koanf:"local_as"`
	HoldTimeSeconds   int    `koanf:"hold_time_seconds"`
	MD5Key            string `koanf:"md5_key"`
	RouteRefresh      bool   `koanf:"route_refresh"`
	FourOctetASN      bool   `koanf:"four_octet_asn"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	RouterID               string `koanf:"router_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type MRTConfig struct {
	ListenAddr      string `koanf:"listen_addr"`
	BacklogCapBytes int    `koanf:"backlog_cap_bytes"`
}

// BMPConfig configures the BMP (RFC 7854) front-end: an alternate way of
// learning peers and routes, alongside MRT, for collectors fed by an
// OpenBMP-speaking router or route-collector rather than dialing a live
// BGP session.
type BMPConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ListenAddr string `koanf:"listen_addr"`
}

type SubscriberConfig struct {
	UpdatesListenAddr string `koanf:"updates_listen_addr"`
	RIBListenAddr     string `koanf:"rib_listen_addr"`
	MaxSubscribers    int    `koanf:"max_subscribers"`
}

type ControlConfig struct {
	ListenAddr string `koanf:"listen_addr"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type KafkaConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Brokers  []string `koanf:"brokers"`
	ClientID string   `koanf:"client_id"`
	Topic    string   `koanf:"topic"`
}

type SchedulerConfig struct {
	TickIntervalMs           int `koanf:"tick_interval_ms"`
	RouteRefreshIntervalSecs int `koanf:"route_refresh_interval_secs"`
	StatusIntervalSecs       int `koanf:"status_interval_secs"`
}

type ChainConfig struct {
	CacheExpirationSecs int `koanf:"cache_expiration_secs"`
	EntryLifetimeSecs   int `koanf:"entry_lifetime_secs"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load reads path (a YAML file) then overlays BGPMON_-prefixed environment
// variables, applying defaults for anything neither source set.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: BGPMON_POSTGRES__DSN → postgres.dsn
	if err := k.Load(env.Provider("BGPMON_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGPMON_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgpmon-1",
			RouterID:               "0.0.0.1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		MRT: MRTConfig{
			ListenAddr:      ":6969",
			BacklogCapBytes: 16 * 1024 * 1024,
		},
		BMP: BMPConfig{
			Enabled:    false,
			ListenAddr: ":11019",
		},
		Subscriber: SubscriberConfig{
			UpdatesListenAddr: ":50001",
			RIBListenAddr:     ":50002",
			MaxSubscribers:    64,
		},
		Control: ControlConfig{
			ListenAddr: ":50000",
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Kafka: KafkaConfig{
			ClientID: "bgpmon",
		},
		Scheduler: SchedulerConfig{
			TickIntervalMs:           1000,
			RouteRefreshIntervalSecs: 3600,
			StatusIntervalSecs:       60,
		},
		Chain: ChainConfig{
			CacheExpirationSecs: 60,
			EntryLifetimeSecs:   600,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if net.ParseIP(c.Service.RouterID).To4() == nil {
		return fmt.Errorf("config: service.router_id must be a dotted-quad IPv4 address (got %q)", c.Service.RouterID)
	}
	if c.MRT.BacklogCapBytes <= 0 {
		return fmt.Errorf("config: mrt.backlog_cap_bytes must be > 0 (got %d)", c.MRT.BacklogCapBytes)
	}
	if c.BMP.Enabled && c.BMP.ListenAddr == "" {
		return fmt.Errorf("config: bmp.listen_addr is required when bmp.enabled is true")
	}
	if c.Subscriber.MaxSubscribers <= 0 {
		return fmt.Errorf("config: subscriber.max_subscribers must be > 0 (got %d)", c.Subscriber.MaxSubscribers)
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("config: scheduler.tick_interval_ms must be > 0 (got %d)", c.Scheduler.TickIntervalMs)
	}
	if c.Scheduler.RouteRefreshIntervalSecs <= 0 {
		return fmt.Errorf("config: scheduler.route_refresh_interval_secs must be > 0 (got %d)", c.Scheduler.RouteRefreshIntervalSecs)
	}
	if c.Scheduler.StatusIntervalSecs <= 0 {
		return fmt.Errorf("config: scheduler.status_interval_secs must be > 0 (got %d)", c.Scheduler.StatusIntervalSecs)
	}
	if c.Chain.CacheExpirationSecs <= 0 {
		return fmt.Errorf("config: chain.cache_expiration_secs must be > 0 (got %d)", c.Chain.CacheExpirationSecs)
	}
	if c.Chain.EntryLifetimeSecs <= 0 {
		return fmt.Errorf("config: chain.entry_lifetime_secs must be > 0 (got %d)", c.Chain.EntryLifetimeSecs)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required when kafka.enabled is true")
	}
	for name, p := range c.Peers {
		if p.PeerAddr == "" {
			return fmt.Errorf("config: peers.%s.peer_addr is required", name)
		}
		if p.PeerAS == 0 {
			return fmt.Errorf("config: peers.%s.peer_as is required", name)
		}
	}
	return nil
}
