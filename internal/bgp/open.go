package bgp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Capability codes relevant to session negotiation (RFC 5492, RFC 4893,
// RFC 2918).
const (
	CapMultiprotocol  uint8 = 1
	CapRouteRefresh   uint8 = 2
	CapFourOctetASN   uint8 = 65
)

// ASTransSentinel is the reserved AS number (RFC 6793) a 4-byte-AS speaker
// substitutes into the 2-byte AS field of OPEN/AS_PATH when its real ASN
// does not fit.
const ASTransSentinel uint16 = 23456

// Capability is a single TLV from the OPEN Optional Parameters.
type Capability struct {
	Code  uint8
	Value []byte
}

// Open is the structured form of a BGP OPEN message.
type Open struct {
	Version  uint8
	ASNumber uint16 // 2-byte AS field; AS_TRANS when the real AS needs 4 bytes
	HoldTime uint16
	BGPID    net.IP // always 4 bytes
	Caps     []Capability
}

// HasCapability reports whether code is present, returning its value.
func (o *Open) HasCapability(code uint8) ([]byte, bool) {
	for _, c := range o.Caps {
		if c.Code == code {
			return c.Value, true
		}
	}
	return nil, false
}

// FourOctetASN extracts the real ASN from the 4-byte-AS capability payload,
// when present.
func (o *Open) FourOctetASN() (uint32, bool) {
	v, ok := o.HasCapability(CapFourOctetASN)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// EncodeOpen serialises an Open into a complete BGP message (header included).
func EncodeOpen(o *Open) ([]byte, error) {
	if len(o.BGPID) != 4 && o.BGPID.To4() == nil {
		return nil, fmt.Errorf("bgp: OPEN BGP-ID must be 4 bytes")
	}
	bgpid := o.BGPID.To4()

	var optParams []byte
	if len(o.Caps) > 0 {
		var capsBuf []byte
		for _, c := range o.Caps {
			capsBuf = append(capsBuf, c.Code, uint8(len(c.Value)))
			capsBuf = append(capsBuf, c.Value...)
		}
		// Optional Parameter type 2 = Capabilities.
		optParams = append(optParams, 2, uint8(len(capsBuf)))
		optParams = append(optParams, capsBuf...)
	}

	body := make([]byte, 10, 10+len(optParams))
	body[0] = o.Version
	binary.BigEndian.PutUint16(body[1:3], o.ASNumber)
	binary.BigEndian.PutUint16(body[3:5], o.HoldTime)
	copy(body[5:9], bgpid)
	body[9] = uint8(len(optParams))
	body = append(body, optParams...)

	msg := WriteHeader(MsgTypeOpen, len(body))
	return append(msg, body...), nil
}

// DecodeOpen parses a complete BGP OPEN message (header included).
func DecodeOpen(data []byte) (*Open, error) {
	msgType, totalLen, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if msgType != MsgTypeOpen {
		return nil, fmt.Errorf("bgp: not an OPEN message (type %d)", msgType)
	}
	body := data[BGPHeaderSize:totalLen]
	if len(body) < 10 {
		return nil, fmt.Errorf("bgp: OPEN body truncated (%d bytes)", len(body))
	}

	o := &Open{
		Version:  body[0],
		ASNumber: binary.BigEndian.Uint16(body[1:3]),
		HoldTime: binary.BigEndian.Uint16(body[3:5]),
		BGPID:    net.IP(append([]byte(nil), body[5:9]...)),
	}
	optLen := int(body[9])
	if 10+optLen > len(body) {
		return nil, fmt.Errorf("bgp: OPEN optional parameters length %d exceeds body", optLen)
	}

	offset := 10
	end := 10 + optLen
	for offset < end {
		if offset+2 > end {
			return nil, fmt.Errorf("bgp: OPEN optional parameter header truncated")
		}
		paramType := body[offset]
		paramLen := int(body[offset+1])
		offset += 2
		if offset+paramLen > end {
			return nil, fmt.Errorf("bgp: OPEN optional parameter truncated")
		}
		if paramType == 2 { // Capabilities
			capData := body[offset : offset+paramLen]
			capOffset := 0
			for capOffset < len(capData) {
				if capOffset+2 > len(capData) {
					return nil, fmt.Errorf("bgp: OPEN capability header truncated")
				}
				code := capData[capOffset]
				clen := int(capData[capOffset+1])
				capOffset += 2
				if capOffset+clen > len(capData) {
					return nil, fmt.Errorf("bgp: OPEN capability value truncated")
				}
				o.Caps = append(o.Caps, Capability{
					Code:  code,
					Value: append([]byte(nil), capData[capOffset:capOffset+clen]...),
				})
				capOffset += clen
			}
		}
		offset += paramLen
	}

	return o, nil
}
