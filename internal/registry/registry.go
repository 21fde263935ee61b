// Package registry implements the global session table: a dense id space,
// a fast id-to-session lookup, and the two tuple-keyed lookups MRT ingest
// needs to decide whether a peer is already known.
package registry

import (
	"fmt"
	"net/netip"
	"sync"
)

// Session is the minimal surface the registry needs from a session; the
// session package supplies the concrete implementation.
type Session interface {
	ID() uint16
}

// ConnTuple identifies a session by its TCP-session four-tuple plus the
// negotiated AS numbers, used by find().
type ConnTuple struct {
	PeerAS    uint32
	LocalAS   uint32
	PeerPort  uint16
	LocalPort uint16
	PeerIP    netip.Addr
	LocalIP   netip.Addr
}

// FeedTuple identifies a session synthesised from an MRT feed by its
// (peer-AS, peer-IP, collector-IP) triple, used by find_or_create().
type FeedTuple struct {
	PeerAS      uint32
	PeerIP      netip.Addr
	CollectorIP netip.Addr
}

// Registry owns the id space and both lookup indexes. A single mutex
// guards all three maps and the free-id list so find_or_create can be
// atomic: check and insert happen under one lock acquisition.
type Registry struct {
	mu sync.RWMutex

	byID   map[uint16]Session
	byConn map[ConnTuple]uint16
	byFeed map[FeedTuple]uint16

	nextID uint16
	free   []uint16
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[uint16]Session),
		byConn: make(map[ConnTuple]uint16),
		byFeed: make(map[FeedTuple]uint16),
	}
}

// allocID returns the most recently freed id, preferring reclaimed ids
// over growing the id space.
func (r *Registry) allocID() (uint16, error) {
	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		return id, nil
	}
	if r.nextID == 0 && len(r.byID) > 0 {
		return 0, fmt.Errorf("registry: id space exhausted")
	}
	id := r.nextID
	if id == 1<<16-1 {
		r.nextID = 0 // signal exhaustion on next call if nothing frees up
	} else {
		r.nextID++
	}
	return id, nil
}

// Insert allocates a dense id, hands it to create so the returned session
// can self-report the same id via Session.ID(), and registers it under
// both tuple indexes (either may be the zero value when not applicable to
// the session's origin).
func (r *Registry) Insert(conn *ConnTuple, feed *FeedTuple, create func(id uint16) (Session, error)) (uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.allocID()
	if err != nil {
		return 0, err
	}
	sess, err := create(id)
	if err != nil {
		r.free = append(r.free, id)
		return 0, err
	}
	r.byID[id] = sess
	if conn != nil {
		r.byConn[*conn] = id
	}
	if feed != nil {
		r.byFeed[*feed] = id
	}
	return id, nil
}

// Remove destroys a session's registry entry, freeing its id for reuse and
// dropping both tuple-index entries.
func (r *Registry) Remove(id uint16, conn *ConnTuple, feed *FeedTuple) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byID, id)
	if conn != nil {
		delete(r.byConn, *conn)
	}
	if feed != nil {
		delete(r.byFeed, *feed)
	}
	r.free = append(r.free, id)
}

// Get looks a session up by id.
func (r *Registry) Get(id uint16) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Find looks a session up by connection tuple.
func (r *Registry) Find(t ConnTuple) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[t]
	if !ok {
		return nil, false
	}
	return r.byID[id], true
}

// FindOrCreate performs the atomic check-then-insert the TABLE_DUMP_V2
// PEER_INDEX_TABLE path requires: if a session already exists for t, it is
// returned; otherwise the id it will be registered under is allocated
// first and handed to create, so the session it returns can self-report
// the same id via Session.ID(). create must not itself call back into the
// registry.
func (r *Registry) FindOrCreate(t FeedTuple, create func(id uint16) (Session, error)) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byFeed[t]; ok {
		return r.byID[id], false, nil
	}

	id, err := r.allocID()
	if err != nil {
		return nil, false, err
	}
	sess, err := create(id)
	if err != nil {
		r.free = append(r.free, id)
		return nil, false, err
	}
	r.byID[id] = sess
	r.byFeed[t] = id
	return sess, true, nil
}

// Each calls fn for every active session. fn must not call back into the
// registry; Each holds the read lock for its duration.
func (r *Registry) Each(fn func(Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byID {
		fn(s)
	}
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
