package label

import (
	"github.com/bgpmon/collector/internal/bgp"
	"github.com/bgpmon/collector/internal/bmf"
)

// BuildTableTransfer re-serialises every prefix currently referencing
// node into one or more TABLE_TRANSFER BMF records, splitting into a
// fresh UPDATE whenever the next prefix would push the message past
// bgp.MaxMessageLen — the original's NLRI/MP-NLRI buffer-flush rule,
// expressed here as incremental bgp.EncodeUpdate attempts rather than
// hand-tracked byte counters, since Go gives us a cheap way to ask
// "does this fit" instead of pre-computing it.
func BuildTableTransfer(sessionID uint16, node *attrNode) []*bmf.Record {
	refs := node.prefixRefsSnapshot()
	if len(refs) == 0 {
		return nil
	}

	var records []*bmf.Record
	var chunk []bgp.Prefix

	flush := func() {
		if len(chunk) == 0 {
			return
		}
		msg := encodeTransferUpdate(node, chunk)
		if msg != nil {
			records = append(records, &bmf.Record{
				SessionID: sessionID,
				Type:      bmf.TableTransfer,
				Payload:   msg,
			})
		}
		chunk = nil
	}

	for _, ref := range refs {
		key := ref.key
		prefixBytes := []byte(key.Bytes[1:])
		length := key.Bytes[0]
		trial := append(append([]bgp.Prefix(nil), chunk...), bgp.Prefix{Length: uint8(length), Bytes: prefixBytes})
		if encodeTransferUpdate(node, trial) == nil && len(chunk) > 0 {
			flush()
			trial = []bgp.Prefix{{Length: uint8(length), Bytes: prefixBytes}}
		}
		chunk = trial
	}
	flush()

	return records
}

// encodeTransferUpdate builds the UPDATE for one chunk of prefixes
// sharing node's attribute set, returning nil if it would not fit in a
// single BGP message.
func encodeTransferUpdate(node *attrNode, prefixes []bgp.Prefix) []byte {
	u := &bgp.Update{Attrs: node.basicAttrs}
	if node.mpReach != nil {
		u.MPReach = []bgp.MPReach{{
			AFI:     node.mpReach.AFI,
			SAFI:    node.mpReach.SAFI,
			NextHop: node.mpReach.NextHop,
			NLRI:    prefixes,
		}}
	} else {
		u.NLRI = prefixes
	}
	msg, err := bgp.EncodeUpdate(u, bgp.DefaultASWidth)
	if err != nil {
		return nil
	}
	return msg
}
