// Package label implements the labeling engine: per-session prefix and
// attribute tables, announcement/withdrawal classification, and
// table-transfer emission, per the original collector's rtable.h design
// reworked onto Go's garbage collector (pointer-linked nodes, not the
// arena/index-table redesign spec.md floats — see DESIGN.md).
package label

import (
	"bytes"
	"hash/fnv"
	"sync"

	"github.com/bgpmon/collector/internal/bgp"
)

// asPathEntry is the shared, refcounted AS_PATH bytes an attribute node
// points to. Several attrNodes in the same bucket may carry the same
// AS_PATH with different remaining attributes (ANN_SPATH) and share one
// asPathEntry.
type asPathEntry struct {
	bytes    []byte
	id       uint16
	refCount int
}

// attrNode is one distinct attribute set (basic attributes plus, for a
// non-IPv4-unicast family, the MP_REACH header with its NLRI stripped).
// Its back-reference list is exactly the original's PrefixRefNode chain:
// every prefixNode currently pointing at this attrNode.
type attrNode struct {
	mu sync.RWMutex

	asPath     *asPathEntry
	attrBytes  []byte // full bytes used for exact-match comparison
	basicAttrs []bgp.Attribute
	mpReach    *bgp.MPReach // AFI/SAFI/NextHop only, NLRI always empty; nil for plain IPv4 unicast

	refCount   int
	prefixRefs []*prefixNode
}

type attrBucket struct {
	mu    sync.RWMutex
	nodes []*attrNode
}

// AttrTable is a session's attribute hash table: fixed bucket count,
// AS_PATH-keyed hashing, and a configured max-collision depth that is
// stored but not checked: a bucket grows without bound, and nothing is
// rejected or logged when it passes that depth.
type AttrTable struct {
	buckets      []*attrBucket
	maxCollision int
}

// NewAttrTable allocates size buckets.
func NewAttrTable(size int, maxCollision int) *AttrTable {
	if size <= 0 {
		size = 1024
	}
	buckets := make([]*attrBucket, size)
	for i := range buckets {
		buckets[i] = &attrBucket{}
	}
	return &AttrTable{buckets: buckets, maxCollision: maxCollision}
}

func (t *AttrTable) bucketFor(asPathBytes []byte) *attrBucket {
	h := fnv.New32a()
	h.Write(asPathBytes)
	return t.buckets[h.Sum32()%uint32(len(t.buckets))]
}

// SearchAttr resolves attrBytes (and its owning AS_PATH) to an attrNode,
// creating one if necessary, and returns it with its reference count
// already incremented for the caller's new use. basicAttrs/mpReach are
// the decoded form kept for table-transfer re-encoding; asPathBytes and
// attrBytes are the raw wire bytes used for equality.
func (t *AttrTable) SearchAttr(asPathBytes, attrBytes []byte, basicAttrs []bgp.Attribute, mpReach *bgp.MPReach) *attrNode {
	b := t.bucketFor(asPathBytes)
	b.mu.Lock()
	defer b.mu.Unlock()

	var sameASPath *asPathEntry
	var maxID uint16
	for _, n := range b.nodes {
		if bytes.Equal(n.attrBytes, attrBytes) && bytes.Equal(n.asPath.bytes, asPathBytes) {
			n.refCount++
			n.asPath.refCount++ // the caller's new reference also touches the AS_PATH
			return n
		}
		if n.asPath.id > maxID {
			maxID = n.asPath.id
		}
		if bytes.Equal(n.asPath.bytes, asPathBytes) {
			sameASPath = n.asPath
		}
	}

	ap := sameASPath
	if ap == nil {
		id := uint16(0)
		if len(b.nodes) > 0 {
			id = maxID + 1
		}
		ap = &asPathEntry{bytes: append([]byte(nil), asPathBytes...), id: id}
	}
	ap.refCount++

	node := &attrNode{
		asPath:     ap,
		attrBytes:  append([]byte(nil), attrBytes...),
		basicAttrs: basicAttrs,
		mpReach:    mpReach,
		refCount:   1,
	}
	b.nodes = append(b.nodes, node)
	return node
}

// Each calls fn once for every live attrNode across all buckets, used by
// table-transfer generation to walk a session's full attribute set.
func (t *AttrTable) Each(fn func(*attrNode)) {
	for _, b := range t.buckets {
		b.mu.RLock()
		nodes := append([]*attrNode(nil), b.nodes...)
		b.mu.RUnlock()
		for _, n := range nodes {
			fn(n)
		}
	}
}

// Release drops one reference to node, removing it from its bucket (and
// its AS_PATH, if that too reaches zero) once the count hits zero.
func (t *AttrTable) Release(node *attrNode) {
	b := t.bucketFor(node.asPath.bytes)
	b.mu.Lock()
	defer b.mu.Unlock()

	node.refCount--
	node.asPath.refCount--
	if node.refCount > 0 {
		return
	}
	for i, n := range b.nodes {
		if n == node {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			break
		}
	}
}

// addPrefixRef / removePrefixRef maintain an attrNode's back-reference
// list, guarded by the node's own lock (the original's per-attrEntry
// rwlock, narrowed to per-node since Go attrNodes are individually
// addressable rather than slots in a fixed array).
func (n *attrNode) addPrefixRef(p *prefixNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prefixRefs = append(n.prefixRefs, p)
}

func (n *attrNode) removePrefixRef(p *prefixNode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, r := range n.prefixRefs {
		if r == p {
			n.prefixRefs = append(n.prefixRefs[:i], n.prefixRefs[i+1:]...)
			return
		}
	}
}

// prefixRefsSnapshot returns a copy of the back-reference list for
// table-transfer, taken under the node's read lock.
func (n *attrNode) prefixRefsSnapshot() []*prefixNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*prefixNode(nil), n.prefixRefs...)
}
