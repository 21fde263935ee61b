package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Parse parses a complete BMP message from raw bytes.
func Parse(data []byte) (*ParsedBMP, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	version := data[0]
	if version != BMPVersion {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", version, BMPVersion)
	}

	msgLength := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLength < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLength, CommonHeaderSize)
	}
	if int(msgLength) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLength, len(data))
	}

	result := &ParsedBMP{
		MsgType:   msgType,
		TableName: "UNKNOWN",
	}

	switch msgType {
	case MsgTypeRouteMonitoring:
		return parseRouteMonitoring(data[CommonHeaderSize:msgLength], result)
	case MsgTypePeerDown:
		return parsePeerDown(data[CommonHeaderSize:msgLength], result)
	case MsgTypeTermination:
		result.MsgType = MsgTypeTermination
		return result, nil
	default:
		// Skip other message types.
		return result, nil
	}
}

func parseRouteMonitoring(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: route monitoring too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.PeerFlags = data[1]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB
	result.HasAddPath = (result.PeerFlags & PeerFlagAddPath) != 0

	// After per-peer header (42 bytes), the BGP message follows.
	// But for Loc-RIB, we need to extract the BGP UPDATE first, then parse TLVs after.
	bgpStart := 42

	if bgpStart >= len(data) {
		return nil, fmt.Errorf("bmp: no data after per-peer header")
	}

	// Parse the BGP message to find its end.
	bgpData := data[bgpStart:]

	if result.IsLocRIB {
		// For Loc-RIB (RFC 9069), the structure is:
		// per-peer header (42) + BGP UPDATE + TLVs
		// We need to parse the BGP message header to find its length,
		// then parse TLVs after.
		bgpMsgLen, err := bgpMessageLength(bgpData)
		if err != nil {
			// If we can't parse BGP header, treat all remaining as BGP data.
			result.BGPData = bgpData
			return result, nil
		}

		if bgpMsgLen > len(bgpData) {
			result.BGPData = bgpData
			return result, nil
		}

		result.BGPData = bgpData[:bgpMsgLen]

		// Parse TLVs after BGP message for table name.
		tlvData := bgpData[bgpMsgLen:]
		parseTLVs(tlvData, result)
	} else {
		result.BGPData = bgpData
	}

	return result, nil
}

func parsePeerDown(data []byte, result *ParsedBMP) (*ParsedBMP, error) {
	if len(data) < 42 {
		return nil, fmt.Errorf("bmp: peer down too short for per-peer header (%d bytes)", len(data))
	}

	result.PeerType = data[0]
	result.IsLocRIB = result.PeerType == PeerTypeLocRIB

	if len(data) > 42 {
		result.PeerDownReason = data[42]
		if result.IsLocRIB {
			// Loc-RIB Peer Down carries TLVs (table name) after the reason code.
			parseTLVs(data[43:], result)
		}
	}

	return result, nil
}

// bgpMessageLength reads the length field from a BGP message header.
// BGP header: marker(16) + length(2) + type(1) = 19 bytes minimum.
func bgpMessageLength(data []byte) (int, error) {
	if len(data) < 19 {
		return 0, fmt.Errorf("bmp: bgp message too short (%d bytes)", len(data))
	}
	// Length is at offset 16-17 (after the 16-byte marker).
	length := int(binary.BigEndian.Uint16(data[16:18]))
	if length < 19 {
		return 0, fmt.Errorf("bmp: invalid bgp message length %d", length)
	}
	return length, nil
}

// parseTLVs extracts Table Name and other TLVs from data following the BGP message.
func parseTLVs(data []byte, result *ParsedBMP) {
	offset := 0
	for offset+4 <= len(data) {
		tlvType := binary.BigEndian.Uint16(data[offset : offset+2])
		tlvLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+tlvLen > len(data) {
			break
		}

		if tlvType == TLVTypeTableName && tlvLen > 0 {
			result.TableName = string(data[offset : offset+tlvLen])
		}

		offset += tlvLen
	}
}

// RouterIDFromPeerHeader extracts the originating router's address from a
// per-peer header, for logging. Loc-RIB peers (RFC 9069 section 4.1) carry
// an all-zero Peer Address and Peer AS, with the router's own identity
// instead in Peer BGP ID; when the address field is zero this falls back
// to formatting Peer BGP ID as a dotted-quad, matching what a collector
// receiving Loc-RIB feeds actually has to key its display on.
func RouterIDFromPeerHeader(data []byte) string {
	if len(data) < PerPeerHeaderSize {
		return ""
	}

	addr := data[peerAddrOffset : peerAddrOffset+16]
	if !isZero(addr) {
		// An IPv4 peer address occupies the last 4 bytes, the first 12 zero.
		if isZero(addr[:12]) {
			return net.IP(addr[12:]).String()
		}
		ip := net.IP(addr)
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}

	bgpID := data[peerBGPIDOffset : peerBGPIDOffset+4]
	if isZero(bgpID) {
		return ""
	}
	return net.IP(bgpID).String()
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Per-peer header field offsets (RFC 7854 section 4.2): peer_type(1) +
// peer_flags(1) + peer_distinguisher(8), then the 16-byte address, the
// 4-byte peer AS, and the 4-byte peer BGP ID.
const (
	peerAddrOffset          = 10
	peerASOffset            = 26
	peerBGPIDOffset         = 30
	peerTimestampSecOffset  = 34
	peerTimestampUsecOffset = 38
)

// PeerTimestampFromPeerHeader reads the per-peer header's timestamp field:
// whole seconds since the epoch, plus a microsecond refinement (0 if the
// originating router didn't set one).
func PeerTimestampFromPeerHeader(data []byte) (seconds int64, micros uint32) {
	if len(data) < PerPeerHeaderSize {
		return 0, 0
	}
	seconds = int64(binary.BigEndian.Uint32(data[peerTimestampSecOffset : peerTimestampSecOffset+4]))
	micros = binary.BigEndian.Uint32(data[peerTimestampUsecOffset : peerTimestampUsecOffset+4])
	return seconds, micros
}

// PeerASFromPeerHeader reads the peer AS field of a per-peer header.
func PeerASFromPeerHeader(data []byte) uint32 {
	if len(data) < PerPeerHeaderSize {
		return 0
	}
	return binary.BigEndian.Uint32(data[peerASOffset : peerASOffset+4])
}

// ParseAll splits a decoded OpenBMP/BMP payload into its constituent BMP
// messages (a single OpenBMP frame may carry more than one, back to back)
// and parses each, recording its byte offset within data on the returned
// ParsedBMP. The common header's msg_length is trusted to advance the
// scan even when Parse itself rejects the message body, so one malformed
// message doesn't desynchronize the framing of the messages after it;
// only when the trailing bytes can't even support a common header, or a
// declared length overruns what's left, does the scan stop. It errors
// only if nothing at all was successfully parsed.
func ParseAll(data []byte) ([]*ParsedBMP, error) {
	var msgs []*ParsedBMP
	offset := 0
	for offset < len(data) {
		remaining := data[offset:]
		if len(remaining) < CommonHeaderSize {
			break
		}
		msgLength := binary.BigEndian.Uint32(remaining[1:5])
		if msgLength < uint32(CommonHeaderSize) || uint64(msgLength) > uint64(len(remaining)) {
			break
		}

		parsed, err := Parse(remaining[:msgLength])
		if err != nil {
			offset += int(msgLength)
			continue
		}
		parsed.Offset = offset
		msgs = append(msgs, parsed)
		offset += int(msgLength)
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("bmp: no valid messages parsed from %d bytes", len(data))
	}
	return msgs, nil
}
