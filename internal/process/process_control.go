package process

import (
	"fmt"
	"net"

	"github.com/bgpmon/collector/internal/control"
	"github.com/bgpmon/collector/internal/registry"
	"github.com/bgpmon/collector/internal/session"
)

// This file implements control.Controller on *Process, the bridge between
// the login/control listener's command surface and the process's actual
// registry/session/scheduler state.

func (p *Process) ListPeers() []control.PeerSummary {
	p.mu.Lock()
	defer p.mu.Unlock()

	peers := make([]control.PeerSummary, 0, len(p.sessions))
	for id, sess := range p.sessions {
		peers = append(peers, p.summaryLocked(id, sess))
	}
	return peers
}

func (p *Process) Stats(id uint16) (control.PeerSummary, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[id]
	if !ok {
		return control.PeerSummary{}, false
	}
	return p.summaryLocked(id, sess), true
}

func (p *Process) summaryLocked(id uint16, sess *session.Session) control.PeerSummary {
	stats := sess.Stats()
	return control.PeerSummary{
		ID:               id,
		State:            sess.State().String(),
		PeerAS:           p.peerConfigs[id].PeerASConfigured,
		EstablishedSince: stats.EstablishTime,
		DownCount:        stats.DownCount,
	}
}

func (p *Process) CreatePeer(spec control.PeerSpec) error {
	cfg := session.Config{
		PeerAddr:         spec.Addr,
		PeerASConfigured: spec.PeerAS,
		LocalBGPID:       net.ParseIP(p.cfg.Service.RouterID),
		HoldTime:         secondsToDuration(spec.HoldTimeSecs),
		MinHoldTime:      secondsToDuration(spec.HoldTimeSecs),
		ConnectRetryTime: secondsToDuration(30),
		MaxCollisions:    defaultMaxCollisions,
	}
	_, err := p.createPeerLocked(cfg)
	return err
}

func (p *Process) DeletePeer(id uint16) error {
	p.mu.Lock()
	_, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
		delete(p.peerConfigs, id)
	}
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("process: no such peer %d", id)
	}
	p.registry.Remove(id, nil, nil)
	p.labelMgr.ReleaseTables(id)
	return nil
}

func (p *Process) TriggerRefresh(id uint16) bool {
	sess, ok := p.registry.Get(id)
	if !ok {
		return false
	}
	refreshable, ok := sess.(interface{ RequestRouteRefresh() })
	if !ok {
		return false
	}
	refreshable.RequestRouteRefresh()
	p.labelEngine.TriggerTableTransfer(id)
	return true
}

func (p *Process) ListChains() control.ChainSummary {
	return control.ChainSummary{Entries: p.chains.Len()}
}

func (p *Process) EnableModule(name string) error {
	if !isKnownModule(name) {
		return fmt.Errorf("process: unknown module %q", name)
	}
	p.mu.Lock()
	delete(p.disabled, name)
	p.mu.Unlock()
	return nil
}

func (p *Process) DisableModule(name string) error {
	if !isKnownModule(name) {
		return fmt.Errorf("process: unknown module %q", name)
	}
	p.mu.Lock()
	p.disabled[name] = true
	p.mu.Unlock()
	return nil
}

func isKnownModule(name string) bool {
	switch name {
	case "scheduler", "mrt", "clientio", "kafka":
		return true
	default:
		return false
	}
}

// SetListenAddr records a new bind address for the named listener. Taking
// effect requires a restart: none of the TCP listeners this process owns
// support rebinding a live socket, matching the stored config's role as
// the source of truth for the next start rather than a live-reload knob.
func (p *Process) SetListenAddr(listener, addr string) error {
	switch listener {
	case "updates":
		p.cfg.Subscriber.UpdatesListenAddr = addr
	case "rib":
		p.cfg.Subscriber.RIBListenAddr = addr
	case "mrt":
		p.cfg.MRT.ListenAddr = addr
	case "control":
		p.cfg.Control.ListenAddr = addr
	default:
		return fmt.Errorf("process: unknown listener %q", listener)
	}
	return nil
}

func (p *Process) SetMaxSubscribers(n int) error {
	if n <= 0 {
		return fmt.Errorf("process: max-subscribers must be > 0")
	}
	p.cfg.Subscriber.MaxSubscribers = n
	return nil
}

var _ registry.Session = (*mrtSession)(nil)
