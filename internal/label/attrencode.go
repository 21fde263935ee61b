package label

import (
	"encoding/binary"
	"sort"

	"github.com/bgpmon/collector/internal/bgp"
)

// encodeBasicAttrs produces a canonical byte form of a basic attribute
// list for attrNode equality/hashing: sorted by code so that the same
// attribute set always encodes identically regardless of wire order.
func encodeBasicAttrs(attrs []bgp.Attribute) []byte {
	sorted := append([]bgp.Attribute(nil), attrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	var out []byte
	for _, a := range sorted {
		out = append(out, a.Flags, a.Code)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(a.Value)))
		out = append(out, lenBuf...)
		out = append(out, a.Value...)
	}
	return out
}

// encodeMPReachHeader canonicalises the AFI/SAFI/next-hop portion of an
// MP_REACH_NLRI attribute, with its NLRI already stripped.
func encodeMPReachHeader(mp *bgp.MPReach) []byte {
	out := make([]byte, 3, 3+1+len(mp.NextHop))
	binary.BigEndian.PutUint16(out[0:2], mp.AFI)
	out[2] = mp.SAFI
	out = append(out, uint8(len(mp.NextHop)))
	out = append(out, mp.NextHop...)
	return out
}
