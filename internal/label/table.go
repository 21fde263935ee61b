package label

import (
	"fmt"
	"sync"

	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
)

// SessionTable is one peer's prefix and attribute tables, created the
// moment the session reaches Established and released the moment it
// leaves it.
type SessionTable struct {
	Prefixes *PrefixTable
	Attrs    *AttrTable
}

// Manager owns every session's tables and satisfies the session package's
// TableManager interface, keeping internal/session decoupled from
// internal/label the same way internal/mrt stays decoupled from
// internal/session (an injected narrow interface instead of a direct
// import).
type Manager struct {
	mu              sync.Mutex
	tables          map[uint16]*SessionTable
	prefixTableSize int
	attrTableSize   int
}

func NewManager(prefixTableSize, attrTableSize int) *Manager {
	return &Manager{
		tables:          make(map[uint16]*SessionTable),
		prefixTableSize: prefixTableSize,
		attrTableSize:   attrTableSize,
	}
}

func (m *Manager) CreateTables(sessionID uint16, maxCollisions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[sessionID]; ok {
		return fmt.Errorf("label: tables already exist for session %d", sessionID)
	}
	m.tables[sessionID] = &SessionTable{
		Prefixes: NewPrefixTable(m.prefixTableSize),
		Attrs:    NewAttrTable(m.attrTableSize, maxCollisions),
	}
	return nil
}

func (m *Manager) ReleaseTables(sessionID uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, sessionID)
}

func (m *Manager) Get(sessionID uint16) (*SessionTable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[sessionID]
	return t, ok
}

// applyReachable resolves node's classification against the table's
// current holder for key and installs node as the new holder.
func (st *SessionTable) applyReachable(key PrefixKey, node *attrNode, ts int64) bmf.Label {
	existing, ok := st.Prefixes.get(key)
	if !ok {
		pn := &prefixNode{key: key, attr: node, originatedAt: ts}
		node.addPrefixRef(pn)
		st.Prefixes.entries[key] = pn
		return bmf.AnnNew
	}

	if existing.attr == node {
		// Same attribute node already held: the reference search_attr
		// just took on our behalf is redundant with the one this prefix
		// already holds.
		st.Attrs.Release(node)
		existing.originatedAt = ts
		return bmf.AnnDuplicate
	}

	samePath := existing.attr.asPath == node.asPath
	existing.attr.removePrefixRef(existing)
	st.Attrs.Release(existing.attr)

	pn := &prefixNode{key: key, attr: node, originatedAt: ts}
	node.addPrefixRef(pn)
	st.Prefixes.entries[key] = pn

	if samePath {
		return bmf.AnnSpath
	}
	return bmf.AnnDpath
}

// applyUnreachable withdraws key, if present.
func (st *SessionTable) applyUnreachable(key PrefixKey) bmf.Label {
	existing, ok := st.Prefixes.get(key)
	if !ok {
		return bmf.WdrDuplicate
	}
	existing.attr.removePrefixRef(existing)
	st.Attrs.Release(existing.attr)
	delete(st.Prefixes.entries, key)
	return bmf.WdrNew
}

// asPathBytes extracts the raw AS_PATH attribute value from a decoded
// attribute list, or nil when absent (a bare NEXT_HOP-only UPDATE, for
// instance, has none).
func asPathBytes(attrs []bgp.Attribute) []byte {
	for _, a := range attrs {
		if a.Code == bgp.AttrTypeASPath {
			return a.Value
		}
	}
	return nil
}
