package bgp

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeCommunity       uint8 = 8
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeExtCommunity    uint8 = 16
	AttrTypeLargeCommunity  uint8 = 32
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast uint8 = 1
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// DefaultASWidth is the AS-number width EncodeUpdate callers should pass
// when re-serialising a decoded Update without downcasting: every feed
// this collector ingests (MRT, BMP, live sessions) carries 4-octet ASes,
// so the pipeline round-trips at full width and only a 2-byte-AS peer or
// export path needs to ask for the narrower encoding.
const DefaultASWidth = 4

// BGP message types.
const (
	BGPMsgTypeUpdate uint8 = 2
)

// BGP UPDATE header size: marker(16) + length(2) + type(1) = 19
const BGPHeaderSize = 19
