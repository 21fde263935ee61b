// Package mrt implements MRT (RFC 6396) framing and decoding for the
// BGP4MP and TABLE_DUMP_V2 message classes the collector ingests.
package mrt

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed MRT common header: timestamp(4) + type(2) +
// subtype(2) + length(4).
const HeaderSize = 12

// MaxPayloadLen bounds BGP4MP-class MRT payloads.
const MaxPayloadLen = 4096

// MRT type codes (RFC 6396).
const (
	TypeBGP4MP     uint16 = 16
	TypeBGP4MPET   uint16 = 17
	TypeTableDumpV2 uint16 = 13
)

// BGP4MP subtypes.
const (
	SubtypeBGP4MPMessage    uint16 = 1
	SubtypeBGP4MPMessageAS4 uint16 = 4
)

// TABLE_DUMP_V2 subtypes.
const (
	SubtypePeerIndexTable  uint16 = 1
	SubtypeRIBIPv4Unicast  uint16 = 2
	SubtypeRIBIPv4Multicast uint16 = 3
	SubtypeRIBIPv6Unicast  uint16 = 4
	SubtypeRIBIPv6Multicast uint16 = 5
	SubtypeRIBGeneric      uint16 = 6
)

// Header is a decoded MRT common header.
type Header struct {
	Timestamp uint32
	Type      uint16
	Subtype   uint16
	Length    uint32
}

// supportedPairs is the closed set of type/subtype pairs this collector
// understands; anything else is treated as a framing error so the reader
// realigns rather than attempting to skip an unknown-length payload.
var supportedPairs = map[[2]uint16]bool{
	{TypeBGP4MP, SubtypeBGP4MPMessage}:        true,
	{TypeBGP4MP, SubtypeBGP4MPMessageAS4}:     true,
	{TypeTableDumpV2, SubtypePeerIndexTable}:  true,
	{TypeTableDumpV2, SubtypeRIBIPv4Unicast}:  true,
	{TypeTableDumpV2, SubtypeRIBIPv4Multicast}: true,
	{TypeTableDumpV2, SubtypeRIBIPv6Unicast}:  true,
	{TypeTableDumpV2, SubtypeRIBIPv6Multicast}: true,
	{TypeTableDumpV2, SubtypeRIBGeneric}:      true,
}

// DecodeHeader parses and validates a 12-byte MRT common header.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("mrt: header truncated (%d bytes)", len(data))
	}
	h := &Header{
		Timestamp: binary.BigEndian.Uint32(data[0:4]),
		Type:      binary.BigEndian.Uint16(data[4:6]),
		Subtype:   binary.BigEndian.Uint16(data[6:8]),
		Length:    binary.BigEndian.Uint32(data[8:12]),
	}
	if !supportedPairs[[2]uint16{h.Type, h.Subtype}] {
		return nil, fmt.Errorf("mrt: unsupported type/subtype pair (%d, %d)", h.Type, h.Subtype)
	}
	return h, nil
}

// IsBGP4MP reports whether the header's type is one of the BGP4MP
// subtypes, the only class spec.md's 4096-byte payload cap applies to.
func (h *Header) IsBGP4MP() bool {
	return h.Type == TypeBGP4MP || h.Type == TypeBGP4MPET
}
