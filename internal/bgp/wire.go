package bgp

import (
	"encoding/binary"
	"fmt"
)

// MarkerLen is the width of the all-ones compatibility marker that
// precedes every BGP message.
const MarkerLen = 16

// MaxMessageLen is the largest BGP-4 message permitted on the wire.
const MaxMessageLen = 4096

// BGP message type codes (RFC 4271 §4.1, RFC 2918 for ROUTE-REFRESH).
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
	MsgTypeRouteRefresh uint8 = 5
)

// WriteHeader emits the 16-octet marker, 2-octet total length, and 1-octet
// type that precede every BGP message. totalLen includes the header.
func WriteHeader(msgType uint8, bodyLen int) []byte {
	totalLen := BGPHeaderSize + bodyLen
	buf := make([]byte, BGPHeaderSize, totalLen)
	for i := 0; i < MarkerLen; i++ {
		buf[i] = 0xFF
	}
	binary.BigEndian.PutUint16(buf[16:18], uint16(totalLen))
	buf[18] = msgType
	return buf
}

// ReadHeader validates and parses the fixed BGP header, returning the
// declared message type and total length (header included).
func ReadHeader(data []byte) (msgType uint8, totalLen int, err error) {
	if len(data) < BGPHeaderSize {
		return 0, 0, fmt.Errorf("bgp: header truncated (%d bytes)", len(data))
	}
	for i := 0; i < MarkerLen; i++ {
		if data[i] != 0xFF {
			return 0, 0, fmt.Errorf("bgp: marker byte %d is not 0xFF", i)
		}
	}
	totalLen = int(binary.BigEndian.Uint16(data[16:18]))
	if totalLen < BGPHeaderSize || totalLen > MaxMessageLen {
		return 0, 0, fmt.Errorf("bgp: declared length %d out of range", totalLen)
	}
	if len(data) < totalLen {
		return 0, 0, fmt.Errorf("bgp: message truncated (have %d, need %d)", len(data), totalLen)
	}
	msgType = data[18]
	return msgType, totalLen, nil
}
