// Package control implements the line-oriented command listener spec.md
// §6 names: list/create/delete peers and chains, enable/disable modules,
// set listen address/port, set max-subscribers, query per-session
// statistics, trigger route-refresh. Grounded on
// original_source/Clients/clientscontrol.c's accept-loop shape (one
// goroutine per connection, an ACL check before the connection is
// serviced) — the command surface itself has no single original_source
// file to port since "Login" is not present in the retrieved pack, so the
// verb set here is built directly from spec.md §6's bullet list.
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PeerSpec describes a peer to create via the CREATE PEER command.
type PeerSpec struct {
	Addr         string
	PeerAS       uint32
	HoldTimeSecs int
}

// PeerSummary is the STATS/LIST response shape for one session.
type PeerSummary struct {
	ID               uint16
	State            string
	PeerAS           uint32
	EstablishedSince time.Time
	DownCount        int
}

// ChainSummary is the LIST CHAINS response shape.
type ChainSummary struct {
	Entries int
}

// Controller is the command surface the listener dispatches against,
// implemented by the process wiring (internal/process) so this package
// never needs to know about the registry, scheduler, or session types
// directly — the same narrow-interface decoupling used between
// internal/session and internal/label.
type Controller interface {
	ListPeers() []PeerSummary
	Stats(id uint16) (PeerSummary, bool)
	CreatePeer(spec PeerSpec) error
	DeletePeer(id uint16) error
	TriggerRefresh(id uint16) bool
	ListChains() ChainSummary
	EnableModule(name string) error
	DisableModule(name string) error
	SetListenAddr(listener, addr string) error
	SetMaxSubscribers(n int) error
}

// ACL is a pure predicate over the remote address, per spec.md §1's
// treatment of ACL evaluation as an external collaborator. A nil ACL
// allows every connection.
type ACL func(remote netip.Addr) bool

// Listener accepts control connections on one address.
type Listener struct {
	addr       string
	controller Controller
	acl        ACL
	logger     *zap.Logger
}

func NewListener(addr string, controller Controller, acl ACL, logger *zap.Logger) *Listener {
	return &Listener{addr: addr, controller: controller, acl: acl, logger: logger}
}

// Run accepts connections until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", l.addr, err)
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
			return fmt.Errorf("control: accept: %w", err)
		}

		if l.acl != nil {
			remote, ok := addrOf(conn)
			if !ok || !l.acl(remote) {
				l.logger.Warn("control: rejecting connection, ACL denied", zap.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}
		}

		go l.handleConn(ctx, conn)
	}
}

func addrOf(conn net.Conn) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(host)
	return addr, err == nil
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := Dispatch(l.controller, line)
		if _, err := conn.Write([]byte(resp + "\n")); err != nil {
			return
		}
		if strings.EqualFold(strings.Fields(line)[0], "quit") {
			return
		}
	}
}

// Dispatch parses one command line and executes it against controller,
// returning the response text (without a trailing newline). Exposed
// separately from the network loop so the command surface is unit
// testable without sockets.
func Dispatch(controller Controller, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}
	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "QUIT":
		return "OK bye"

	case "LIST":
		return dispatchList(controller, args)

	case "CREATE":
		return dispatchCreate(controller, args)

	case "DELETE":
		return dispatchDelete(controller, args)

	case "ENABLE":
		if len(args) != 1 {
			return "ERR usage: ENABLE <module>"
		}
		if err := controller.EnableModule(args[0]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK enabled " + args[0]

	case "DISABLE":
		if len(args) != 1 {
			return "ERR usage: DISABLE <module>"
		}
		if err := controller.DisableModule(args[0]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK disabled " + args[0]

	case "SET":
		return dispatchSet(controller, args)

	case "STATS":
		return dispatchStats(controller, args)

	case "REFRESH":
		if len(args) != 1 {
			return "ERR usage: REFRESH <session-id>"
		}
		id, err := parseSessionID(args[0])
		if err != nil {
			return "ERR " + err.Error()
		}
		if !controller.TriggerRefresh(id) {
			return fmt.Sprintf("ERR no such session %d", id)
		}
		return fmt.Sprintf("OK refresh scheduled for %d", id)

	default:
		return "ERR unknown command " + fields[0]
	}
}

func dispatchList(controller Controller, args []string) string {
	if len(args) != 1 {
		return "ERR usage: LIST PEERS|CHAINS"
	}
	switch strings.ToUpper(args[0]) {
	case "PEERS":
		peers := controller.ListPeers()
		var b strings.Builder
		fmt.Fprintf(&b, "OK %d peers", len(peers))
		for _, p := range peers {
			fmt.Fprintf(&b, "\n%d %s AS%d down=%d", p.ID, p.State, p.PeerAS, p.DownCount)
		}
		return b.String()
	case "CHAINS":
		cs := controller.ListChains()
		return fmt.Sprintf("OK %d chain entries", cs.Entries)
	default:
		return "ERR usage: LIST PEERS|CHAINS"
	}
}

func dispatchCreate(controller Controller, args []string) string {
	if len(args) < 3 || strings.ToUpper(args[0]) != "PEER" {
		return "ERR usage: CREATE PEER <addr> <peer-as> [hold-time-secs]"
	}
	peerAS, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return "ERR invalid peer-as: " + err.Error()
	}
	hold := 180
	if len(args) >= 4 {
		h, err := strconv.Atoi(args[3])
		if err != nil {
			return "ERR invalid hold-time: " + err.Error()
		}
		hold = h
	}
	spec := PeerSpec{Addr: args[1], PeerAS: uint32(peerAS), HoldTimeSecs: hold}
	if err := controller.CreatePeer(spec); err != nil {
		return "ERR " + err.Error()
	}
	return "OK peer created"
}

func dispatchDelete(controller Controller, args []string) string {
	if len(args) != 2 || strings.ToUpper(args[0]) != "PEER" {
		return "ERR usage: DELETE PEER <session-id>"
	}
	id, err := parseSessionID(args[1])
	if err != nil {
		return "ERR " + err.Error()
	}
	if err := controller.DeletePeer(id); err != nil {
		return "ERR " + err.Error()
	}
	return "OK peer deleted"
}

func dispatchSet(controller Controller, args []string) string {
	if len(args) < 1 {
		return "ERR usage: SET LISTEN-ADDR|MAX-SUBSCRIBERS ..."
	}
	switch strings.ToUpper(args[0]) {
	case "LISTEN-ADDR":
		if len(args) != 3 {
			return "ERR usage: SET LISTEN-ADDR <listener> <addr>"
		}
		if err := controller.SetListenAddr(args[1], args[2]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK listen address updated"
	case "MAX-SUBSCRIBERS":
		if len(args) != 2 {
			return "ERR usage: SET MAX-SUBSCRIBERS <n>"
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "ERR invalid count: " + err.Error()
		}
		if err := controller.SetMaxSubscribers(n); err != nil {
			return "ERR " + err.Error()
		}
		return "OK max-subscribers updated"
	default:
		return "ERR usage: SET LISTEN-ADDR|MAX-SUBSCRIBERS ..."
	}
}

func dispatchStats(controller Controller, args []string) string {
	if len(args) != 1 {
		return "ERR usage: STATS <session-id>"
	}
	id, err := parseSessionID(args[0])
	if err != nil {
		return "ERR " + err.Error()
	}
	p, ok := controller.Stats(id)
	if !ok {
		return fmt.Sprintf("ERR no such session %d", id)
	}
	return fmt.Sprintf("OK %d %s AS%d down=%d established_since=%s", p.ID, p.State, p.PeerAS, p.DownCount, p.EstablishedSince.UTC().Format(time.RFC3339))
}

func parseSessionID(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", s)
	}
	return uint16(n), nil
}
