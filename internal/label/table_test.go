package label

import (
	"testing"

	"github.com/bgpmon/collector/internal/bmf"
)

func testKey(b byte) PrefixKey {
	return NewPrefixKey(1, 1, 24, []byte{10, 0, b})
}

func TestApplyReachableNewPrefix(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	node := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)

	label := st.applyReachable(testKey(1), node, 100)
	if label != bmf.AnnNew {
		t.Fatalf("expected ANN_NEW, got %s", label)
	}
}

func TestApplyReachableSameNodeIsDuplicate(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	key := testKey(1)

	n1 := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)
	st.applyReachable(key, n1, 100)

	n2 := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil) // same bytes, same node
	label := st.applyReachable(key, n2, 200)

	if label != bmf.AnnDuplicate {
		t.Fatalf("expected ANN_DUPLICATE, got %s", label)
	}
	if n1.refCount != 1 {
		t.Fatalf("expected the redundant reference released, refcount %d", n1.refCount)
	}
}

func TestApplyReachableSameASPathDifferentAttrsIsSpath(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	key := testKey(1)

	n1 := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)
	st.applyReachable(key, n1, 100)

	n2 := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xBB}, nil, nil) // same AS_PATH, different attrs
	label := st.applyReachable(key, n2, 200)

	if label != bmf.AnnSpath {
		t.Fatalf("expected ANN_SPATH, got %s", label)
	}
}

func TestApplyReachableDifferentASPathIsDpath(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	key := testKey(1)

	n1 := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)
	st.applyReachable(key, n1, 100)

	n2 := st.Attrs.SearchAttr([]byte{0x02}, []byte{0xBB}, nil, nil) // different AS_PATH
	label := st.applyReachable(key, n2, 200)

	if label != bmf.AnnDpath {
		t.Fatalf("expected ANN_DPATH, got %s", label)
	}
}

func TestApplyUnreachableAbsentPrefixIsDuplicate(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	if label := st.applyUnreachable(testKey(1)); label != bmf.WdrDuplicate {
		t.Fatalf("expected WDR_DUPLICATE, got %s", label)
	}
}

func TestApplyUnreachablePresentPrefixIsNew(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	key := testKey(1)
	node := st.Attrs.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)
	st.applyReachable(key, node, 100)

	if label := st.applyUnreachable(key); label != bmf.WdrNew {
		t.Fatalf("expected WDR_NEW, got %s", label)
	}
	if _, ok := st.Prefixes.get(key); ok {
		t.Fatal("expected prefix removed after withdrawal")
	}
}

func TestManagerCreateAndReleaseTables(t *testing.T) {
	m := NewManager(16, 16)
	if err := m.CreateTables(1, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get(1); !ok {
		t.Fatal("expected tables for session 1")
	}
	if err := m.CreateTables(1, 4); err == nil {
		t.Fatal("expected error creating tables twice for the same session")
	}
	m.ReleaseTables(1)
	if _, ok := m.Get(1); ok {
		t.Fatal("expected tables released")
	}
}
