package bmp

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
)

const (
	OpenBMPHeaderSize      = 10 // v2: version(2) + collector_hash(4) + msg_len(4)
	openBMPVersionExpected = 2

	// OpenBMP v1.7 binary format (used by goBMP -bmp-raw=true)
	openBMPV17Magic      = 0x4F424D50 // "OBMP"
	openBMPV17MinHdrSize = 12         // magic(4) + ver(2) + hdr_len(2) + msg_len(4)
)

// DecodeOpenBMPFrame decodes an OpenBMP frame and extracts the BMP payload.
// Supports both the v2 format (10-byte header) and v1.7 binary format ("OBMP" magic).
func DecodeOpenBMPFrame(data []byte, maxPayloadBytes int) ([]byte, error) {
	if len(data) < OpenBMPHeaderSize {
		return nil, fmt.Errorf("openbmp: frame too short (%d bytes, need %d)", len(data), OpenBMPHeaderSize)
	}

	// Auto-detect format: v1.7 starts with "OBMP" magic (0x4F424D50).
	if binary.BigEndian.Uint32(data[0:4]) == openBMPV17Magic {
		return decodeV17(data, maxPayloadBytes)
	}

	return decodeV2(data, maxPayloadBytes)
}

// decodeV2 decodes the simple 10-byte OpenBMP v2 header.
func decodeV2(data []byte, maxPayloadBytes int) ([]byte, error) {
	version := binary.BigEndian.Uint16(data[0:2])
	if version != openBMPVersionExpected {
		return nil, fmt.Errorf("openbmp: unexpected version %d (expected %d)", version, openBMPVersionExpected)
	}

	msgLen := binary.BigEndian.Uint32(data[6:10])

	if msgLen == 0 {
		return nil, fmt.Errorf("openbmp: msg_len is 0")
	}
	if uint64(msgLen) > uint64(math.MaxInt)-uint64(OpenBMPHeaderSize) {
		return nil, fmt.Errorf("openbmp: msg_len %d overflows addressable size", msgLen)
	}
	if maxPayloadBytes > 0 && int(msgLen) > maxPayloadBytes {
		return nil, fmt.Errorf("openbmp: msg_len %d exceeds max_payload_bytes %d", msgLen, maxPayloadBytes)
	}

	totalLen := OpenBMPHeaderSize + int(msgLen)
	if len(data) < totalLen {
		return nil, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), totalLen)
	}

	return data[OpenBMPHeaderSize:totalLen], nil
}

// decodeV17 decodes the OpenBMP v1.7 binary header ("OBMP" magic).
// Header layout:
//
//	Offset 0:    Magic "OBMP" (4 bytes)
//	Offset 4:    Major version (1 byte)
//	Offset 5:    Minor version (1 byte)
//	Offset 6:    Header length (2 bytes, uint16) — total header size
//	Offset 8:    BMP message length (4 bytes, uint32) — payload size
//	Offset 12+:  Flags, type, timestamps, hashes, router info (variable)
//	Offset hdrLen: Raw BMP message bytes
func decodeV17(data []byte, maxPayloadBytes int) ([]byte, error) {
	if len(data) < openBMPV17MinHdrSize {
		return nil, fmt.Errorf("openbmp v1.7: frame too short (%d bytes, need %d)", len(data), openBMPV17MinHdrSize)
	}

	hdrLen := binary.BigEndian.Uint16(data[6:8])
	msgLen := binary.BigEndian.Uint32(data[8:12])

	if hdrLen < openBMPV17MinHdrSize {
		return nil, fmt.Errorf("openbmp v1.7: header_len %d is too small", hdrLen)
	}
	if msgLen == 0 {
		return nil, fmt.Errorf("openbmp v1.7: msg_len is 0")
	}
	if uint64(msgLen) > uint64(math.MaxInt)-uint64(hdrLen) {
		return nil, fmt.Errorf("openbmp v1.7: msg_len %d overflows addressable size", msgLen)
	}
	if maxPayloadBytes > 0 && int(msgLen) > maxPayloadBytes {
		return nil, fmt.Errorf("openbmp v1.7: msg_len %d exceeds max_payload_bytes %d", msgLen, maxPayloadBytes)
	}

	totalLen := int(hdrLen) + int(msgLen)
	if len(data) < totalLen {
		return nil, fmt.Errorf("openbmp v1.7: frame truncated (have %d, need %d)", len(data), totalLen)
	}

	return data[hdrLen:totalLen], nil
}

// openBMPV17AdminIDLenOffset/openBMPV17RouterIPBaseOffset locate the
// collector-admin-id length field and the start of the (admin-id-length-
// dependent) router IP field in the v1.7 fixed header, per goBMP's
// -bmp-raw=true wire layout: flags(1)+type(1)+ts_sec(4)+ts_usec(4)+
// collector_hash(16)+collector_admin_id_len(2) ends at offset 40, then
// collector_admin_id(variable)+router_hash(16) precede the 16-byte router
// IP field.
const (
	openBMPV17AdminIDLenOffset   = 38
	openBMPV17RouterIPBaseOffset = 56 // admin_id_len(0) + router_hash(16) + ... from offset 40
)

// RouterIPFromOpenBMPV17 extracts the originating router's IP address from
// a v1.7 OpenBMP frame, returning "" if the frame lacks the "OBMP" magic or
// is too short to contain the field.
func RouterIPFromOpenBMPV17(data []byte) string {
	if len(data) < openBMPV17AdminIDLenOffset+2 {
		return ""
	}
	if binary.BigEndian.Uint32(data[0:4]) != openBMPV17Magic {
		return ""
	}

	adminIDLen := int(binary.BigEndian.Uint16(data[openBMPV17AdminIDLenOffset : openBMPV17AdminIDLenOffset+2]))
	routerIPOffset := openBMPV17RouterIPBaseOffset + adminIDLen
	if len(data) < routerIPOffset+16 {
		return ""
	}

	ip := net.IP(data[routerIPOffset : routerIPOffset+16])
	// An IPv4 router address occupies the first 4 bytes, the rest zero.
	if isZero(ip[4:]) {
		return ip[:4].String()
	}
	return ip.String()
}
