package bgp

import (
	"encoding/binary"
	"fmt"
)

// EncodeKeepalive returns a complete KEEPALIVE message (header only, no body).
func EncodeKeepalive() []byte {
	return WriteHeader(MsgTypeKeepalive, 0)
}

// DecodeKeepalive validates a complete KEEPALIVE message.
func DecodeKeepalive(data []byte) error {
	msgType, totalLen, err := ReadHeader(data)
	if err != nil {
		return err
	}
	if msgType != MsgTypeKeepalive {
		return fmt.Errorf("bgp: not a KEEPALIVE message (type %d)", msgType)
	}
	if totalLen != BGPHeaderSize {
		return fmt.Errorf("bgp: KEEPALIVE carries a body (length %d)", totalLen)
	}
	return nil
}

// Notification error codes (RFC 4271 §4.5) relevant to the session engine's
// failure handling.
const (
	NotifErrMessageHeader    uint8 = 1
	NotifErrOpenMessage      uint8 = 2
	NotifErrUpdateMessage    uint8 = 3
	NotifErrHoldTimerExpired uint8 = 4
	NotifErrFSM              uint8 = 5
	NotifErrCease            uint8 = 6
)

// Notification subcodes used by OPEN validation (RFC 4271 §6.2).
const (
	NotifSubUnsupportedVersion     uint8 = 1
	NotifSubBadPeerAS              uint8 = 2
	NotifSubBadBGPIdentifier       uint8 = 3
	NotifSubUnsupportedOptionalParm uint8 = 4
	NotifSubUnacceptableHoldTime   uint8 = 6
	NotifSubUnsupportedCapability  uint8 = 7
)

// Notification is the structured form of a BGP NOTIFICATION message.
type Notification struct {
	ErrorCode    uint8
	ErrorSubcode uint8
	Data         []byte
}

// EncodeNotification serialises a Notification into a complete BGP message.
func EncodeNotification(n *Notification) []byte {
	body := make([]byte, 2, 2+len(n.Data))
	body[0] = n.ErrorCode
	body[1] = n.ErrorSubcode
	body = append(body, n.Data...)
	msg := WriteHeader(MsgTypeNotification, len(body))
	return append(msg, body...)
}

// DecodeNotification parses a complete BGP NOTIFICATION message.
func DecodeNotification(data []byte) (*Notification, error) {
	msgType, totalLen, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if msgType != MsgTypeNotification {
		return nil, fmt.Errorf("bgp: not a NOTIFICATION message (type %d)", msgType)
	}
	body := data[BGPHeaderSize:totalLen]
	if len(body) < 2 {
		return nil, fmt.Errorf("bgp: NOTIFICATION body truncated (%d bytes)", len(body))
	}
	return &Notification{
		ErrorCode:    body[0],
		ErrorSubcode: body[1],
		Data:         append([]byte(nil), body[2:]...),
	}, nil
}

// RouteRefresh is the structured form of a BGP ROUTE-REFRESH message
// (RFC 2918).
type RouteRefresh struct {
	AFI  uint16
	SAFI uint8
}

// EncodeRouteRefresh serialises a RouteRefresh into a complete BGP message.
func EncodeRouteRefresh(r *RouteRefresh) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], r.AFI)
	body[2] = 0 // reserved
	body[3] = r.SAFI
	msg := WriteHeader(MsgTypeRouteRefresh, len(body))
	return append(msg, body...)
}

// DecodeRouteRefresh parses a complete BGP ROUTE-REFRESH message.
func DecodeRouteRefresh(data []byte) (*RouteRefresh, error) {
	msgType, totalLen, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if msgType != MsgTypeRouteRefresh {
		return nil, fmt.Errorf("bgp: not a ROUTE-REFRESH message (type %d)", msgType)
	}
	body := data[BGPHeaderSize:totalLen]
	if len(body) != 4 {
		return nil, fmt.Errorf("bgp: ROUTE-REFRESH body must be 4 bytes, got %d", len(body))
	}
	return &RouteRefresh{
		AFI:  binary.BigEndian.Uint16(body[0:2]),
		SAFI: body[3],
	}, nil
}
