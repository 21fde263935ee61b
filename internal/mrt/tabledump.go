package mrt

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/bgpmon/collector/internal/bgp"
)

// PeerEntry is one row of a TABLE_DUMP_V2 PEER_INDEX_TABLE.
type PeerEntry struct {
	Type  uint8 // bit 0: IP is IPv6, bit 1: AS is 4-byte
	BGPID uint32
	IP    net.IP
	AS    uint32
}

// PeerIndexTable is a decoded PEER_INDEX_TABLE, the header record that
// precedes every RIB dump in a TABLE_DUMP_V2 file and that the subsequent
// RIB_* entries reference by peer index.
type PeerIndexTable struct {
	CollectorBGPID uint32
	ViewName       string
	Peers          []PeerEntry
}

// DecodePeerIndexTable parses a TABLE_DUMP_V2 PEER_INDEX_TABLE payload.
func DecodePeerIndexTable(data []byte) (*PeerIndexTable, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE too short (%d bytes)", len(data))
	}
	pit := &PeerIndexTable{CollectorBGPID: binary.BigEndian.Uint32(data[0:4])}
	offset := 4

	viewLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+viewLen > len(data) {
		return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE view name truncated")
	}
	pit.ViewName = string(data[offset : offset+viewLen])
	offset += viewLen

	if offset+2 > len(data) {
		return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE missing peer count")
	}
	peerCount := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	pit.Peers = make([]PeerEntry, 0, peerCount)
	for i := 0; i < peerCount; i++ {
		if offset+5 > len(data) {
			return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE entry %d truncated (fixed header)", i)
		}
		peerType := data[offset]
		bgpID := binary.BigEndian.Uint32(data[offset+1 : offset+5])
		offset += 5

		ipLen := 4
		if peerType&0x01 != 0 { // bit 0 set: IPv6 address
			ipLen = 16
		}
		if offset+ipLen > len(data) {
			return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE entry %d truncated (ip)", i)
		}
		ip := net.IP(append([]byte(nil), data[offset:offset+ipLen]...))
		offset += ipLen

		asWidth := 2
		if peerType&0x02 != 0 { // bit 1 set: 4-byte AS
			asWidth = 4
		}
		if offset+asWidth > len(data) {
			return nil, fmt.Errorf("mrt: PEER_INDEX_TABLE entry %d truncated (as)", i)
		}
		var as uint32
		if asWidth == 4 {
			as = binary.BigEndian.Uint32(data[offset : offset+4])
		} else {
			as = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
		}
		offset += asWidth

		pit.Peers = append(pit.Peers, PeerEntry{Type: peerType, BGPID: bgpID, IP: ip, AS: as})
	}

	return pit, nil
}

// RIBEntry is one peer's route for a given prefix within a TABLE_DUMP_V2
// RIB_* record.
type RIBEntry struct {
	PeerIndex   uint16
	OriginatedAt uint32
	Attrs       []bgp.Attribute
	MPReach     []bgp.MPReach
}

// RIB is a decoded TABLE_DUMP_V2 RIB_IPV4_UNICAST / RIB_IPV4_MULTICAST /
// RIB_IPV6_UNICAST / RIB_IPV6_MULTICAST / RIB_GENERIC record: one prefix
// with one row per peer that carries it.
type RIB struct {
	SequenceNumber uint32
	Prefix         bgp.Prefix
	AFI            uint16 // read from the record for RIB_GENERIC; otherwise implied by subtype
	SAFI           uint8
	Entries        []RIBEntry
}

// DecodeRIB parses a single TABLE_DUMP_V2 RIB_* record. subtype selects the
// AFI/SAFI and prefix width implied by the record's own type, except for
// RIB_GENERIC where the AFI/SAFI are carried explicitly in the record.
func DecodeRIB(data []byte, subtype uint16) (*RIB, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("mrt: RIB record too short (%d bytes)", len(data))
	}
	r := &RIB{SequenceNumber: binary.BigEndian.Uint32(data[0:4])}
	offset := 4

	switch subtype {
	case SubtypeRIBIPv4Unicast, SubtypeRIBIPv4Multicast:
		r.AFI, r.SAFI = bgp.AFIIPv4, bgp.SAFIUnicast
		if subtype == SubtypeRIBIPv4Multicast {
			r.SAFI = 2 // multicast
		}
		if offset >= len(data) {
			return nil, fmt.Errorf("mrt: RIB record missing prefix length")
		}
		plen := data[offset]
		offset++
		n := (int(plen) + 7) / 8
		if offset+n > len(data) {
			return nil, fmt.Errorf("mrt: RIB prefix truncated")
		}
		r.Prefix = bgp.Prefix{Length: plen, Bytes: append([]byte(nil), data[offset:offset+n]...)}
		offset += n
	case SubtypeRIBIPv6Unicast, SubtypeRIBIPv6Multicast:
		r.AFI, r.SAFI = bgp.AFIIPv6, bgp.SAFIUnicast
		if subtype == SubtypeRIBIPv6Multicast {
			r.SAFI = 2 // multicast
		}
		if offset >= len(data) {
			return nil, fmt.Errorf("mrt: RIB record missing prefix length")
		}
		plen := data[offset]
		offset++
		n := (int(plen) + 7) / 8
		if offset+n > len(data) {
			return nil, fmt.Errorf("mrt: RIB prefix truncated")
		}
		r.Prefix = bgp.Prefix{Length: plen, Bytes: append([]byte(nil), data[offset:offset+n]...)}
		offset += n
	case SubtypeRIBGeneric:
		if offset+3 > len(data) {
			return nil, fmt.Errorf("mrt: RIB_GENERIC missing AFI/SAFI")
		}
		r.AFI = binary.BigEndian.Uint16(data[offset : offset+2])
		r.SAFI = data[offset+2]
		offset += 3
		if offset >= len(data) {
			return nil, fmt.Errorf("mrt: RIB_GENERIC missing prefix length")
		}
		plen := data[offset]
		offset++
		n := (int(plen) + 7) / 8
		if offset+n > len(data) {
			return nil, fmt.Errorf("mrt: RIB_GENERIC prefix truncated")
		}
		r.Prefix = bgp.Prefix{Length: plen, Bytes: append([]byte(nil), data[offset:offset+n]...)}
		offset += n
	default:
		return nil, fmt.Errorf("mrt: unsupported RIB subtype %d", subtype)
	}

	if offset+2 > len(data) {
		return nil, fmt.Errorf("mrt: RIB record missing entry count")
	}
	entryCount := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	r.Entries = make([]RIBEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		if offset+8 > len(data) {
			return nil, fmt.Errorf("mrt: RIB entry %d truncated (fixed header)", i)
		}
		entry := RIBEntry{
			PeerIndex:    binary.BigEndian.Uint16(data[offset : offset+2]),
			OriginatedAt: binary.BigEndian.Uint32(data[offset+2 : offset+6]),
		}
		offset += 6
		attrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+attrLen > len(data) {
			return nil, fmt.Errorf("mrt: RIB entry %d attribute data truncated", i)
		}
		attrs, mpreach, err := decodeRIBAttributes(data[offset : offset+attrLen])
		if err != nil {
			return nil, fmt.Errorf("mrt: RIB entry %d: %w", i, err)
		}
		entry.Attrs = attrs
		entry.MPReach = mpreach
		offset += attrLen
		r.Entries = append(r.Entries, entry)
	}

	return r, nil
}

// decodeRIBAttributes parses the bare BGP path-attribute list a RIB entry
// carries (no withdrawn/NLRI framing, unlike a full UPDATE body), splitting
// out MP_REACH_NLRI the way DecodeUpdate does.
func decodeRIBAttributes(data []byte) ([]bgp.Attribute, []bgp.MPReach, error) {
	var attrs []bgp.Attribute
	var mpreach []bgp.MPReach
	byCode := make(map[uint8]int)

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, nil, fmt.Errorf("attribute header truncated at %d", offset)
		}
		flags := data[offset]
		code := data[offset+1]
		offset += 2

		var alen int
		if flags&0x10 != 0 {
			if offset+2 > len(data) {
				return nil, nil, fmt.Errorf("extended attribute length truncated")
			}
			alen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, nil, fmt.Errorf("attribute length truncated")
			}
			alen = int(data[offset])
			offset++
		}
		if offset+alen > len(data) {
			return nil, nil, fmt.Errorf("attribute %d data truncated (need %d, have %d)", code, alen, len(data)-offset)
		}
		value := data[offset : offset+alen]
		offset += alen

		if code == bgp.AttrTypeMPReachNLRI {
			// TABLE_DUMP_V2 omits the NLRI from the stored MP_REACH_NLRI
			// value (the prefix is already the RIB record's own key), so
			// only AFI/SAFI/next-hop are present; reuse the common struct
			// with an empty NLRI list.
			if len(value) < 4 {
				return nil, nil, fmt.Errorf("MP_REACH_NLRI too short (%d bytes)", len(value))
			}
			afi := binary.BigEndian.Uint16(value[0:2])
			safi := value[2]
			nhLen := int(value[3])
			if 4+nhLen > len(value) {
				return nil, nil, fmt.Errorf("MP_REACH_NLRI next-hop truncated")
			}
			nh := append([]byte(nil), value[4:4+nhLen]...)
			mpreach = append(mpreach, bgp.MPReach{AFI: afi, SAFI: safi, NextHop: nh})
			continue
		}

		attr := bgp.Attribute{Code: code, Flags: flags, Value: append([]byte(nil), value...)}
		if idx, ok := byCode[code]; ok {
			attrs[idx] = attr
		} else {
			byCode[code] = len(attrs)
			attrs = append(attrs, attr)
		}
	}

	return attrs, mpreach, nil
}
