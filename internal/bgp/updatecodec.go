package bgp

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Prefix is a single NLRI/withdrawn-route entry: length in bits plus the
// minimal byte-packed representation (round up to the nearest byte).
type Prefix struct {
	Length uint8
	Bytes  []byte // len(Bytes) == ceil(Length/8), high bits first
}

// EncodePrefix serialises a single prefix as <length, prefix-bytes>.
func EncodePrefix(p Prefix) []byte {
	n := byteLen(p.Length)
	out := make([]byte, 1+n)
	out[0] = p.Length
	copy(out[1:], p.Bytes[:n])
	return out
}

// DecodePrefixes parses a sequence of <length, prefix> tuples until data is
// exhausted, validating each declared length against the remaining buffer
// before reading it.
func DecodePrefixes(data []byte, maxBits int) ([]Prefix, error) {
	var out []Prefix
	offset := 0
	for offset < len(data) {
		length := data[offset]
		offset++
		if int(length) > maxBits {
			return nil, fmt.Errorf("bgp: prefix length %d exceeds max %d", length, maxBits)
		}
		n := byteLen(length)
		if offset+n > len(data) {
			return nil, fmt.Errorf("bgp: prefix truncated at offset %d (need %d, have %d)", offset, n, len(data)-offset)
		}
		out = append(out, Prefix{Length: length, Bytes: append([]byte(nil), data[offset:offset+n]...)})
		offset += n
	}
	return out, nil
}

func byteLen(bits uint8) int {
	return (int(bits) + 7) / 8
}

// Attribute is one path attribute, decoded or ready to encode.
type Attribute struct {
	Code  uint8
	Flags uint8
	Value []byte
}

// MPReach is the MP_REACH_NLRI attribute with its NLRI bytes separated from
// the remaining (AFI/SAFI/next-hop) header, as the labeling engine and
// table-transfer emitter require.
type MPReach struct {
	AFI     uint16
	SAFI    uint8
	NextHop []byte
	NLRI    []Prefix
}

// MPUnreach is the MP_UNREACH_NLRI attribute with its NLRI separated.
type MPUnreach struct {
	AFI  uint16
	SAFI uint8
	NLRI []Prefix
}

// ASPathSegment is one SEQUENCE or SET segment of an AS_PATH attribute,
// with its AS numbers held at full 4-byte width regardless of the wire
// width EncodeUpdate is eventually asked to emit them at.
type ASPathSegment struct {
	Type uint8 // ASPathSegmentSequence or ASPathSegmentSet
	ASNs []uint32
}

// Update is the fully structured form of a BGP UPDATE message.
type Update struct {
	Withdrawn []Prefix
	Attrs     []Attribute // basic attributes, duplicates disallowed (last wins on decode)
	ASPath    []ASPathSegment
	NLRI      []Prefix
	MPReach   []MPReach
	MPUnreach []MPUnreach
}

// DecodeUpdate parses a complete BGP UPDATE message (header included). Basic
// path attributes are deduplicated by code (a later copy of the same code
// replaces an earlier one); MP_REACH/MP_UNREACH are collected separately
// with their NLRI bytes split out from the rest of the attribute.
func DecodeUpdate(data []byte) (*Update, error) {
	msgType, totalLen, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if msgType != MsgTypeUpdate {
		return nil, fmt.Errorf("bgp: not an UPDATE message (type %d)", msgType)
	}
	body := data[BGPHeaderSize:totalLen]
	if len(body) < 2 {
		return nil, fmt.Errorf("bgp: UPDATE body too short (%d bytes)", len(body))
	}

	offset := 0
	wLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+wLen > len(body) {
		return nil, fmt.Errorf("bgp: withdrawn length %d exceeds body", wLen)
	}
	withdrawn, err := DecodePrefixes(body[offset:offset+wLen], 32)
	if err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	offset += wLen

	if offset+2 > len(body) {
		return nil, fmt.Errorf("bgp: no room for path attribute length")
	}
	paLen := int(binary.BigEndian.Uint16(body[offset : offset+2]))
	offset += 2
	if offset+paLen > len(body) {
		return nil, fmt.Errorf("bgp: path attribute length %d exceeds body", paLen)
	}
	attrData := body[offset : offset+paLen]
	offset += paLen

	u := &Update{Withdrawn: withdrawn}
	byCode := make(map[uint8]int) // code -> index in u.Attrs, for dedup

	aoff := 0
	for aoff < len(attrData) {
		if aoff+2 > len(attrData) {
			return nil, fmt.Errorf("bgp: attribute header truncated at %d", aoff)
		}
		flags := attrData[aoff]
		code := attrData[aoff+1]
		aoff += 2

		var alen int
		if flags&0x10 != 0 {
			if aoff+2 > len(attrData) {
				return nil, fmt.Errorf("bgp: extended attribute length truncated")
			}
			alen = int(binary.BigEndian.Uint16(attrData[aoff : aoff+2]))
			aoff += 2
		} else {
			if aoff+1 > len(attrData) {
				return nil, fmt.Errorf("bgp: attribute length truncated")
			}
			alen = int(attrData[aoff])
			aoff++
		}
		if aoff+alen > len(attrData) {
			return nil, fmt.Errorf("bgp: attribute %d data truncated (need %d, have %d)", code, alen, len(attrData)-aoff)
		}
		value := attrData[aoff : aoff+alen]
		aoff += alen

		switch code {
		case AttrTypeMPReachNLRI:
			mp, err := decodeMPReach(value)
			if err != nil {
				return nil, fmt.Errorf("bgp: MP_REACH_NLRI: %w", err)
			}
			u.MPReach = append(u.MPReach, *mp)
		case AttrTypeMPUnreachNLRI:
			mp, err := decodeMPUnreach(value)
			if err != nil {
				return nil, fmt.Errorf("bgp: MP_UNREACH_NLRI: %w", err)
			}
			u.MPUnreach = append(u.MPUnreach, *mp)
		default:
			attr := Attribute{Code: code, Flags: flags, Value: append([]byte(nil), value...)}
			if idx, ok := byCode[code]; ok {
				u.Attrs[idx] = attr // later copy replaces earlier
			} else {
				byCode[code] = len(u.Attrs)
				u.Attrs = append(u.Attrs, attr)
			}
			if code == AttrTypeASPath {
				// AS_PATH ASes are always decoded at 4-byte width: every
				// peer and feed this collector ingests negotiates or
				// carries 4-octet AS numbers, and EncodeUpdate's caller-
				// selected width downcasts on the way back out where a
				// 2-byte-AS form is actually required. The raw bytes stay
				// in Attrs too, since the attribute table keys off them
				// directly rather than the parsed segment form.
				segs, err := decodeASPath(value)
				if err != nil {
					return nil, fmt.Errorf("bgp: AS_PATH: %w", err)
				}
				u.ASPath = segs
			}
		}
	}

	nlri, err := DecodePrefixes(body[offset:], 32)
	if err != nil {
		return nil, fmt.Errorf("bgp: NLRI: %w", err)
	}
	u.NLRI = nlri

	return u, nil
}

func decodeMPReach(data []byte) (*MPReach, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("too short (%d bytes)", len(data))
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	nhLen := int(data[3])
	offset := 4
	if offset+nhLen > len(data) {
		return nil, fmt.Errorf("next-hop length %d exceeds data", nhLen)
	}
	nh := append([]byte(nil), data[offset:offset+nhLen]...)
	offset += nhLen

	if offset >= len(data) {
		return nil, fmt.Errorf("truncated before SNPA count")
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("truncated SNPA entry")
		}
		snpaLen := int(data[offset])
		offset++
		byteLen := (snpaLen + 1) / 2
		if offset+byteLen > len(data) {
			return nil, fmt.Errorf("truncated SNPA data")
		}
		offset += byteLen
	}

	maxBits := 32
	if afi == AFIIPv6 {
		maxBits = 128
	}
	nlri, err := DecodePrefixes(data[offset:], maxBits)
	if err != nil {
		return nil, err
	}
	return &MPReach{AFI: afi, SAFI: safi, NextHop: nh, NLRI: nlri}, nil
}

// decodeASPath parses the AS_PATH attribute value as a sequence of
// <type, count, AS...> segments, ASes always read at 4-byte width.
func decodeASPath(data []byte) ([]ASPathSegment, error) {
	var segs []ASPathSegment
	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("segment header truncated at offset %d", offset)
		}
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2
		if offset+segLen*4 > len(data) {
			return nil, fmt.Errorf("segment truncated (need %d ASes, have %d bytes)", segLen, len(data)-offset)
		}
		asns := make([]uint32, segLen)
		for i := 0; i < segLen; i++ {
			asns[i] = binary.BigEndian.Uint32(data[offset : offset+4])
			offset += 4
		}
		segs = append(segs, ASPathSegment{Type: segType, ASNs: asns})
	}
	return segs, nil
}

func decodeMPUnreach(data []byte) (*MPUnreach, error) {
	if len(data) < 3 {
		return nil, fmt.Errorf("too short (%d bytes)", len(data))
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	maxBits := 32
	if afi == AFIIPv6 {
		maxBits = 128
	}
	nlri, err := DecodePrefixes(data[3:], maxBits)
	if err != nil {
		return nil, err
	}
	return &MPUnreach{AFI: afi, SAFI: safi, NLRI: nlri}, nil
}

// EncodeUpdate reserialises a structured Update into a complete BGP message.
// Attributes are emitted in ascending code order (basic attributes first by
// code, MP_REACH/MP_UNREACH/AS_PATH interleaved by their own code position).
// asWidth selects the wire width (2 or 4 octets) AS_PATH's AS numbers are
// encoded at; downcasting a 4-byte AS to 2 bytes truncates the high-order
// two bytes and keeps the low 16 bits as-is, including when those low 16
// bits happen to equal the AS_TRANS sentinel.
func EncodeUpdate(u *Update, asWidth int) ([]byte, error) {
	var withdrawnBuf []byte
	for _, p := range u.Withdrawn {
		withdrawnBuf = append(withdrawnBuf, EncodePrefix(p)...)
	}

	attrBuf, err := encodeAttributes(u, asWidth)
	if err != nil {
		return nil, err
	}

	var nlriBuf []byte
	for _, p := range u.NLRI {
		nlriBuf = append(nlriBuf, EncodePrefix(p)...)
	}

	body := make([]byte, 0, 4+len(withdrawnBuf)+len(attrBuf)+len(nlriBuf))
	wLenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(wLenBuf, uint16(len(withdrawnBuf)))
	body = append(body, wLenBuf...)
	body = append(body, withdrawnBuf...)

	paLenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(paLenBuf, uint16(len(attrBuf)))
	body = append(body, paLenBuf...)
	body = append(body, attrBuf...)
	body = append(body, nlriBuf...)

	if BGPHeaderSize+len(body) > MaxMessageLen {
		return nil, fmt.Errorf("bgp: encoded UPDATE exceeds max message length")
	}

	msg := WriteHeader(MsgTypeUpdate, len(body))
	return append(msg, body...), nil
}

func encodeAttributes(u *Update, asWidth int) ([]byte, error) {
	type coded struct {
		code uint8
		buf  []byte
	}
	var all []coded

	for _, a := range u.Attrs {
		if a.Code == AttrTypeASPath && len(u.ASPath) > 0 {
			continue // superseded by the width-selectable encoding below
		}
		all = append(all, coded{code: a.Code, buf: encodeOneAttr(a.Flags, a.Code, a.Value)})
	}
	if len(u.ASPath) > 0 {
		buf, err := encodeASPath(u.ASPath, asWidth)
		if err != nil {
			return nil, err
		}
		all = append(all, coded{code: AttrTypeASPath, buf: encodeOneAttr(0x40, AttrTypeASPath, buf)})
	}
	for _, mp := range u.MPReach {
		buf, err := encodeMPReach(mp)
		if err != nil {
			return nil, err
		}
		all = append(all, coded{code: AttrTypeMPReachNLRI, buf: encodeOneAttr(0x80, AttrTypeMPReachNLRI, buf)})
	}
	for _, mp := range u.MPUnreach {
		all = append(all, coded{code: AttrTypeMPUnreachNLRI, buf: encodeOneAttr(0x80, AttrTypeMPUnreachNLRI, encodeMPUnreach(mp))})
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].code < all[j].code })

	var out []byte
	for _, c := range all {
		out = append(out, c.buf...)
	}
	return out, nil
}

func encodeOneAttr(flags, code uint8, value []byte) []byte {
	if len(value) > 255 {
		flags |= 0x10
		out := make([]byte, 4, 4+len(value))
		out[0] = flags
		out[1] = code
		binary.BigEndian.PutUint16(out[2:4], uint16(len(value)))
		return append(out, value...)
	}
	out := make([]byte, 3, 3+len(value))
	out[0] = flags
	out[1] = code
	out[2] = uint8(len(value))
	return append(out, value...)
}

func encodeMPReach(mp MPReach) ([]byte, error) {
	out := make([]byte, 4, 4+len(mp.NextHop)+1)
	binary.BigEndian.PutUint16(out[0:2], mp.AFI)
	out[2] = mp.SAFI
	out[3] = uint8(len(mp.NextHop))
	out = append(out, mp.NextHop...)
	out = append(out, 0) // SNPA count, always zero on encode
	for _, p := range mp.NLRI {
		out = append(out, EncodePrefix(p)...)
	}
	return out, nil
}

// encodeASPath serialises segs as <type, count, AS...> tuples at asWidth
// octets per AS (2 or 4). Downcasting from the segment's stored 4-byte AS
// to 2 bytes truncates the high-order half and keeps the low 16 bits,
// whatever value they hold.
func encodeASPath(segs []ASPathSegment, asWidth int) ([]byte, error) {
	if asWidth != 2 && asWidth != 4 {
		return nil, fmt.Errorf("bgp: unsupported AS_PATH width %d (must be 2 or 4)", asWidth)
	}
	var out []byte
	for _, seg := range segs {
		out = append(out, seg.Type, uint8(len(seg.ASNs)))
		for _, asn := range seg.ASNs {
			if asWidth == 2 {
				out = append(out, byte(asn>>8), byte(asn))
				continue
			}
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, asn)
			out = append(out, buf...)
		}
	}
	return out, nil
}

func encodeMPUnreach(mp MPUnreach) []byte {
	out := make([]byte, 3)
	binary.BigEndian.PutUint16(out[0:2], mp.AFI)
	out[2] = mp.SAFI
	for _, p := range mp.NLRI {
		out = append(out, EncodePrefix(p)...)
	}
	return out
}
