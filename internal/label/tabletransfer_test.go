package label

import (
	"testing"

	"github.com/bgpmon/collector/internal/bgp"
)

func TestBuildTableTransferSinglePrefix(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(16), Attrs: NewAttrTable(16, 4)}
	attrs := []bgp.Attribute{{Code: bgp.AttrTypeOrigin, Flags: 0x40, Value: []byte{0}}}
	node := st.Attrs.SearchAttr([]byte{0x02, 0x01, 0x00, 0x01}, encodeBasicAttrs(attrs), attrs, nil)
	st.applyReachable(NewPrefixKey(bgp.AFIIPv4, bgp.SAFIUnicast, 24, []byte{10, 0, 1}), node, 100)

	records := BuildTableTransfer(1, node)
	if len(records) != 1 {
		t.Fatalf("expected a single TABLE_TRANSFER record, got %d", len(records))
	}

	update, err := bgp.DecodeUpdate(records[0].Payload)
	if err != nil {
		t.Fatalf("decode table transfer payload: %v", err)
	}
	if len(update.NLRI) != 1 {
		t.Fatalf("expected 1 NLRI prefix, got %d", len(update.NLRI))
	}
}

func TestBuildTableTransferSplitsWhenTooLarge(t *testing.T) {
	st := &SessionTable{Prefixes: NewPrefixTable(4096), Attrs: NewAttrTable(16, 4)}
	attrs := []bgp.Attribute{{Code: bgp.AttrTypeOrigin, Flags: 0x40, Value: []byte{0}}}
	asPath := []byte{0x02, 0x01, 0x00, 0x01}

	const prefixCount = 1500
	node := st.Attrs.SearchAttr(asPath, encodeBasicAttrs(attrs), attrs, nil)
	// SearchAttr above already acquired one reference; acquire the rest so
	// every prefix added below holds its own.
	for i := 1; i < prefixCount; i++ {
		st.Attrs.SearchAttr(asPath, encodeBasicAttrs(attrs), attrs, nil)
	}

	for i := 0; i < prefixCount; i++ {
		b1 := byte(i >> 8)
		b2 := byte(i)
		key := NewPrefixKey(bgp.AFIIPv4, bgp.SAFIUnicast, 24, []byte{10, b1, b2})
		st.applyReachable(key, node, int64(i))
	}

	records := BuildTableTransfer(1, node)
	if len(records) < 2 {
		t.Fatalf("expected the transfer to split across multiple messages, got %d", len(records))
	}

	total := 0
	for _, rec := range records {
		if len(rec.Payload) > bgp.MaxMessageLen {
			t.Fatalf("chunk exceeds MaxMessageLen: %d bytes", len(rec.Payload))
		}
		update, err := bgp.DecodeUpdate(rec.Payload)
		if err != nil {
			t.Fatalf("decode table transfer chunk: %v", err)
		}
		total += len(update.NLRI)
	}
	if total != prefixCount {
		t.Fatalf("expected %d total prefixes across chunks, got %d", prefixCount, total)
	}
}

func TestBuildTableTransferEmptyWithNoPrefixes(t *testing.T) {
	at := NewAttrTable(16, 4)
	node := at.SearchAttr([]byte{0x01}, []byte{0xAA}, nil, nil)
	if records := BuildTableTransfer(1, node); records != nil {
		t.Fatalf("expected nil records for a node with no prefix references, got %d", len(records))
	}
}
