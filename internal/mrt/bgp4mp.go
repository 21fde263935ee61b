package mrt

import (
	"encoding/binary"
	"fmt"
	"net"
)

// BGP4MPMessage is a decoded BGP4MP_MESSAGE / BGP4MP_MESSAGE_AS4 payload.
type BGP4MPMessage struct {
	PeerAS   uint32
	LocalAS  uint32
	IfIndex  uint16
	AFI      uint16
	PeerIP   net.IP
	LocalIP  net.IP
	BGPBytes []byte
}

// DecodeBGP4MPMessage parses the BGP4MP_MESSAGE (2-byte AS) or
// BGP4MP_MESSAGE_AS4 (4-byte AS) payload that follows the MRT common
// header, validating that bgp_bytes begins with the 16-byte all-ones
// marker.
func DecodeBGP4MPMessage(data []byte, as4 bool) (*BGP4MPMessage, error) {
	asWidth := 2
	if as4 {
		asWidth = 4
	}
	// peer_as + local_as + ifindex(2) + afi(2)
	fixedLen := 2*asWidth + 2 + 2
	if len(data) < fixedLen {
		return nil, fmt.Errorf("mrt: BGP4MP message too short for fixed header (%d bytes)", len(data))
	}

	offset := 0
	var peerAS, localAS uint32
	if as4 {
		peerAS = binary.BigEndian.Uint32(data[0:4])
		localAS = binary.BigEndian.Uint32(data[4:8])
		offset = 8
	} else {
		peerAS = uint32(binary.BigEndian.Uint16(data[0:2]))
		localAS = uint32(binary.BigEndian.Uint16(data[2:4]))
		offset = 4
	}

	ifIndex := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	afi := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2

	var ipLen int
	switch afi {
	case 1:
		ipLen = 4
	case 2:
		ipLen = 16
	default:
		return nil, fmt.Errorf("mrt: BGP4MP unsupported AFI %d", afi)
	}

	if len(data) < offset+2*ipLen {
		return nil, fmt.Errorf("mrt: BGP4MP message too short for addresses (%d bytes)", len(data))
	}
	peerIP := net.IP(append([]byte(nil), data[offset:offset+ipLen]...))
	offset += ipLen
	localIP := net.IP(append([]byte(nil), data[offset:offset+ipLen]...))
	offset += ipLen

	bgpBytes := data[offset:]
	if len(bgpBytes) > 0 {
		if len(bgpBytes) < 16 {
			return nil, fmt.Errorf("mrt: BGP4MP bgp_bytes shorter than marker (%d bytes)", len(bgpBytes))
		}
		for i := 0; i < 16; i++ {
			if bgpBytes[i] != 0xFF {
				return nil, fmt.Errorf("mrt: BGP4MP bgp_bytes does not begin with the BGP marker")
			}
		}
	}

	return &BGP4MPMessage{
		PeerAS: peerAS, LocalAS: localAS, IfIndex: ifIndex, AFI: afi,
		PeerIP: peerIP, LocalIP: localIP, BGPBytes: bgpBytes,
	}, nil
}

// IsEmptyKeepalive reports whether bgp_bytes is a header-only payload or
// entirely absent, i.e. it should be treated as a KEEPALIVE and skipped
// without advancing the parser's "previous message" window. A 0-byte
// bgp_bytes is an empty BGP payload in the MRT sense (no header at all,
// not just no body) and is skipped the same way.
func (m *BGP4MPMessage) IsEmptyKeepalive() bool {
	return len(m.BGPBytes) == 0 || len(m.BGPBytes) == 19 // no payload, or marker + length + type with no body
}
