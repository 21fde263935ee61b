package process

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bgpmon/collector/internal/bmf"
	"github.com/bgpmon/collector/internal/config"
	"github.com/bgpmon/collector/internal/control"
)

type stubSerializer struct{}

func (stubSerializer) Serialize(rec *bmf.Record) ([]byte, error) { return rec.Payload, nil }

func testConfig() *config.Config {
	return &config.Config{
		Service: config.ServiceConfig{RouterID: "192.0.2.9"},
		Peers: map[string]config.PeerConfig{
			"r1": {PeerAddr: "192.0.2.1:179", PeerAS: 65001, HoldTimeSeconds: 90},
		},
		MRT:        config.MRTConfig{ListenAddr: "127.0.0.1:0"},
		Subscriber: config.SubscriberConfig{UpdatesListenAddr: "127.0.0.1:0", RIBListenAddr: "127.0.0.1:0", MaxSubscribers: 4},
		Control:    config.ControlConfig{ListenAddr: "127.0.0.1:0"},
		Scheduler:  config.SchedulerConfig{TickIntervalMs: 1000, RouteRefreshIntervalSecs: 60, StatusIntervalSecs: 60},
		Chain:      config.ChainConfig{CacheExpirationSecs: 60, EntryLifetimeSecs: 60},
	}
}

func newTestProcess(t *testing.T) *Process {
	t.Helper()
	p, err := New(testConfig(), nil, stubSerializer{}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNewWiresStaticPeerIntoRegistryAndSessions(t *testing.T) {
	p := newTestProcess(t)

	peers := p.ListPeers()
	if len(peers) != 1 {
		t.Fatalf("expected 1 static peer wired, got %d", len(peers))
	}
	if peers[0].PeerAS != 65001 {
		t.Fatalf("expected peer AS 65001, got %d", peers[0].PeerAS)
	}

	if _, ok := p.registry.Get(peers[0].ID); !ok {
		t.Fatalf("expected session %d registered", peers[0].ID)
	}
	if _, ok := p.labelMgr.Get(peers[0].ID); !ok {
		t.Fatalf("expected labeling tables created for session %d", peers[0].ID)
	}
}

func TestCreatePeerAddsSessionAndStats(t *testing.T) {
	p := newTestProcess(t)
	before := len(p.ListPeers())

	if err := p.CreatePeer(control.PeerSpec{Addr: "198.51.100.1:179", PeerAS: 65099, HoldTimeSecs: 120}); err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}

	after := p.ListPeers()
	if len(after) != before+1 {
		t.Fatalf("expected %d peers after create, got %d", before+1, len(after))
	}

	var found bool
	for _, peer := range after {
		if peer.PeerAS == 65099 {
			found = true
			if _, ok := p.Stats(peer.ID); !ok {
				t.Fatalf("expected stats for newly created peer %d", peer.ID)
			}
		}
	}
	if !found {
		t.Fatal("expected to find the newly created peer in ListPeers")
	}
}

func TestDeletePeerRemovesSessionAndTables(t *testing.T) {
	p := newTestProcess(t)
	peers := p.ListPeers()
	id := peers[0].ID

	if err := p.DeletePeer(id); err != nil {
		t.Fatalf("DeletePeer: %v", err)
	}
	if _, ok := p.Stats(id); ok {
		t.Fatal("expected no stats for deleted peer")
	}
	if _, ok := p.registry.Get(id); ok {
		t.Fatal("expected registry entry removed")
	}
	if _, ok := p.labelMgr.Get(id); ok {
		t.Fatal("expected labeling tables released")
	}
}

func TestDeletePeerUnknownReturnsError(t *testing.T) {
	p := newTestProcess(t)
	if err := p.DeletePeer(9999); err == nil {
		t.Fatal("expected error deleting unknown peer")
	}
}

func TestTriggerRefreshKnownAndUnknownSession(t *testing.T) {
	p := newTestProcess(t)
	id := p.ListPeers()[0].ID

	if !p.TriggerRefresh(id) {
		t.Fatal("expected refresh to succeed for a known session")
	}
	if p.TriggerRefresh(9999) {
		t.Fatal("expected refresh to fail for an unknown session")
	}
}

func TestEnableDisableModuleRoundTrip(t *testing.T) {
	p := newTestProcess(t)
	if err := p.DisableModule("scheduler"); err != nil {
		t.Fatalf("DisableModule: %v", err)
	}
	if !p.disabled["scheduler"] {
		t.Fatal("expected scheduler recorded as disabled")
	}
	if err := p.EnableModule("scheduler"); err != nil {
		t.Fatalf("EnableModule: %v", err)
	}
	if p.disabled["scheduler"] {
		t.Fatal("expected scheduler no longer disabled")
	}
	if err := p.EnableModule("bogus"); err == nil {
		t.Fatal("expected error enabling unknown module")
	}
}

func TestSetMaxSubscribersValidatesPositive(t *testing.T) {
	p := newTestProcess(t)
	if err := p.SetMaxSubscribers(10); err != nil {
		t.Fatalf("SetMaxSubscribers: %v", err)
	}
	if p.cfg.Subscriber.MaxSubscribers != 10 {
		t.Fatalf("expected max subscribers updated, got %d", p.cfg.Subscriber.MaxSubscribers)
	}
	if err := p.SetMaxSubscribers(0); err == nil {
		t.Fatal("expected error for non-positive max-subscribers")
	}
}

func TestListChainsReflectsCacheContents(t *testing.T) {
	p := newTestProcess(t)
	p.chains.Seen(1, 1, "owner")
	p.chains.Seen(1, 2, "owner")

	got := p.ListChains()
	if got.Entries != 2 {
		t.Fatalf("expected 2 chain entries, got %d", got.Entries)
	}
}

func TestMRTCollectorAddrFallsBackOnUnparseableHost(t *testing.T) {
	cfg := &config.Config{MRT: config.MRTConfig{ListenAddr: ":6969"}}
	addr := mrtCollectorAddr(cfg)
	if !addr.IsUnspecified() {
		t.Fatalf("expected unspecified address fallback, got %v", addr)
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(90); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
}
