package ipsum

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// ErrBadRecord marks recoverable trace format problems. The offending record
// or directive is dropped and replay continues with the next line.
var ErrBadRecord = errors.New("malformed record")

// Decoder interprets summary dump lines against the active field schema.
// Data lines become packets; !data directives replace the schema in place.
type Decoder struct {
	schema   []FieldKind
	zeroFill bool
	proto    uint8
	filler   *rand.Rand
}

// NewDecoder builds a decoder with the given starting schema (which may be
// empty until the stream declares one). defaultProto fills the protocol field
// of records whose schema omits one. With zeroFill unset, bytes the trace
// does not specify are primed with filler instead of zeros.
func NewDecoder(schema []FieldKind, zeroFill bool, defaultProto uint8) *Decoder {
	return &Decoder{
		schema:   schema,
		zeroFill: zeroFill,
		proto:    defaultProto,
		filler:   rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Schema returns the active schema. Callers must not modify it.
func (d *Decoder) Schema() []FieldKind { return d.schema }

// IsDirective reports whether the line is a directive or comment rather than
// a data record.
func IsDirective(line []byte) bool {
	return len(line) > 0 && (line[0] == '!' || line[0] == '#')
}

// ApplyDirective processes a directive or comment line. "!data" (or its
// alias "!contents") replaces the active schema; every other directive and
// all comments are inert. A directive naming an unknown field fails with an
// ErrBadRecord-wrapped error and leaves the schema unchanged.
func (d *Decoder) ApplyDirective(line []byte) error {
	words := strings.Fields(string(line))
	if len(words) == 0 || (words[0] != "!data" && words[0] != "!contents") {
		return nil
	}
	schema := make([]FieldKind, 0, len(words)-1)
	for _, w := range words[1:] {
		k, ok := LookupField(w)
		if !ok {
			return fmt.Errorf("%s: unknown field %q: %w", words[0], w, ErrBadRecord)
		}
		schema = append(schema, k)
	}
	d.schema = schema
	return nil
}

// Decode builds one packet from a data line. The returned count is the
// record's replica count (1 when the trace had none). Errors wrap
// ErrBadRecord and mean the record was dropped; the following line decodes
// against the same schema.
func (d *Decoder) Decode(line []byte) (*Packet, int, error) {
	if len(d.schema) == 0 {
		return nil, 0, fmt.Errorf("record before any contents declaration: %w", ErrBadRecord)
	}

	p := newPacket(d.zeroFill, d.proto, d.filler)

	var (
		tsSec, tsNsec int64
		hasTS         bool
		wireLen       int64
		hasLen        bool
		payloadLen    int64
		hasPayloadLen bool
		payload       []byte
		hasPayload    bool
		count         = 1
	)

	pos := 0
	for _, kind := range d.schema {
		// The payload field swallows the remainder of the line.
		if kind == FieldPayload {
			rest := remainder(line, &pos)
			if rest == nil {
				break
			}
			b, err := parsePayload(rest)
			if err != nil {
				return nil, 0, fmt.Errorf("bad payload %q: %w", rest, ErrBadRecord)
			}
			payload, hasPayload = b, true
			continue
		}

		tok := nextToken(line, &pos)
		if tok == nil {
			break // missing trailing fields keep their primed defaults
		}
		if len(tok) == 1 && tok[0] == '-' {
			continue // explicit placeholder column
		}

		var err error
		switch kind {
		case FieldTimestamp:
			tsSec, tsNsec, err = parseTimestamp(tok)
			hasTS = err == nil
		case FieldTimestampSec:
			var v uint64
			v, err = parseUint(tok, 63)
			if err == nil {
				tsSec = int64(v)
				hasTS = true
			}
		case FieldTimestampUsec:
			var v uint64
			v, err = parseUint(tok, 31)
			if err == nil {
				tsNsec = int64(v) * 1000
				hasTS = true
			}
		case FieldSrc:
			var a netip.Addr
			a, err = parseAddr(tok)
			if err == nil {
				a4 := a.As4()
				copy(p.Data[offSrc:], a4[:])
			}
		case FieldDst:
			var a netip.Addr
			a, err = parseAddr(tok)
			if err == nil {
				a4 := a.As4()
				copy(p.Data[offDst:], a4[:])
			}
		case FieldLength:
			var v uint64
			v, err = parseUint(tok, 32)
			if err == nil {
				wireLen = int64(v)
				hasLen = true
			}
		case FieldProto:
			var v uint8
			v, err = parseProto(tok)
			if err == nil {
				p.Data[offProto] = v
			}
		case FieldIPID:
			var v uint64
			v, err = parseUint(tok, 16)
			if err == nil {
				binary.BigEndian.PutUint16(p.Data[offIPID:], uint16(v))
			}
		case FieldSport:
			var v uint64
			v, err = parseUint(tok, 16)
			if err == nil {
				binary.BigEndian.PutUint16(p.Data[offSport:], uint16(v))
			}
		case FieldDport:
			var v uint64
			v, err = parseUint(tok, 16)
			if err == nil {
				binary.BigEndian.PutUint16(p.Data[offDport:], uint16(v))
			}
		case FieldTCPSeq:
			var v uint64
			v, err = parseUint(tok, 32)
			if err == nil {
				binary.BigEndian.PutUint32(p.Data[offSeq:], uint32(v))
			}
		case FieldTCPAck:
			var v uint64
			v, err = parseUint(tok, 32)
			if err == nil {
				binary.BigEndian.PutUint32(p.Data[offAck:], uint32(v))
			}
		case FieldTCPFlags:
			var v uint8
			v, err = parseTCPFlags(tok)
			if err == nil {
				p.Data[offTCPFlags] = v
			}
		case FieldPayloadLength:
			var v uint64
			v, err = parseUint(tok, 31)
			if err == nil {
				payloadLen = int64(v)
				hasPayloadLen = true
				p.PayloadLen = int(v)
			}
		case FieldCount:
			var v uint64
			v, err = parseUint(tok, 16)
			if err == nil && v == 0 {
				err = errors.New("count cannot be zero")
			}
			if err == nil {
				count = int(v)
				p.Count = count
			}
		case FieldFrag:
			var w uint16
			w, err = parseFrag(tok)
			if err == nil {
				binary.BigEndian.PutUint16(p.Data[offFragWord:], w)
			}
		case FieldFragOff:
			var w uint16
			w, err = parseFragOff(tok)
			if err == nil {
				binary.BigEndian.PutUint16(p.Data[offFragWord:], w)
			}
		}
		if err != nil {
			return nil, 0, fmt.Errorf("bad %s %q: %v: %w", kind, tok, err, ErrBadRecord)
		}
	}
	// Tokens beyond the schema are ignored.

	if hasPayload {
		p.Data = append(p.Data, payload...)
		if !hasPayloadLen {
			p.PayloadLen = len(payload)
		}
	}
	p.Info.CaptureLength = len(p.Data)
	switch {
	case hasLen:
		p.Info.Length = int(wireLen)
	case hasPayloadLen:
		p.Info.Length = packetHdrLen + int(payloadLen)
	default:
		p.Info.Length = len(p.Data)
	}
	if v := p.Info.Length; v > 0 {
		if v > 0xffff {
			v = 0xffff
		}
		binary.BigEndian.PutUint16(p.Data[offTotalLen:], uint16(v))
	}
	if hasTS {
		p.Info.Timestamp = time.Unix(tsSec, tsNsec)
	}
	return p, count, nil
}

// nextToken returns the next whitespace-delimited token starting at *pos and
// advances *pos past it. nil means the line is exhausted.
func nextToken(line []byte, pos *int) []byte {
	i := *pos
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	if i >= len(line) {
		*pos = i
		return nil
	}
	start := i
	for i < len(line) && line[i] != ' ' && line[i] != '\t' {
		i++
	}
	*pos = i
	return line[start:i]
}

// remainder returns everything from the next token to the end of the line.
func remainder(line []byte, pos *int) []byte {
	i := *pos
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	*pos = len(line)
	if i >= len(line) {
		return nil
	}
	return line[i:]
}

func parseUint(tok []byte, bits int) (uint64, error) {
	return strconv.ParseUint(string(tok), 10, bits)
}

// parseTimestamp reads "sec" or "sec.frac" with up to nine fractional
// digits.
func parseTimestamp(tok []byte) (sec, nsec int64, err error) {
	intPart, frac, dotted := strings.Cut(string(tok), ".")
	sec, err = strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if !dotted {
		return sec, 0, nil
	}
	if len(frac) > 9 {
		return 0, 0, fmt.Errorf("more than nine fractional digits")
	}
	v, err := strconv.ParseUint(frac, 10, 32)
	if err != nil {
		return 0, 0, err
	}
	for i := len(frac); i < 9; i++ {
		v *= 10
	}
	return sec, int64(v), nil
}

func parseAddr(tok []byte) (netip.Addr, error) {
	a, err := netip.ParseAddr(string(tok))
	if err != nil {
		return netip.Addr{}, err
	}
	if !a.Is4() {
		return netip.Addr{}, fmt.Errorf("not an IPv4 address")
	}
	return a, nil
}

// parseProto accepts a protocol number or the single-letter shorthands the
// dump format uses for the common transports.
func parseProto(tok []byte) (uint8, error) {
	if len(tok) == 1 {
		switch tok[0] {
		case 'T':
			return 6, nil
		case 'U':
			return 17, nil
		case 'I':
			return 1, nil
		}
	}
	v, err := strconv.ParseUint(string(tok), 10, 8)
	return uint8(v), err
}

// parseTCPFlags accepts the compact letter code ("SA", "." for none) or a
// plain decimal flags byte.
func parseTCPFlags(tok []byte) (uint8, error) {
	if len(tok) == 1 && tok[0] == '.' {
		return 0, nil
	}
	if isDigits(tok) {
		v, err := strconv.ParseUint(string(tok), 10, 8)
		return uint8(v), err
	}
	var flags uint8
	for _, c := range tok {
		idx := strings.IndexByte(tcpFlagCodes, c)
		if idx < 0 {
			return 0, fmt.Errorf("unknown flag character %q", c)
		}
		flags |= 1 << idx
	}
	return flags, nil
}

// parseFrag reads the one-letter fragment code: F first fragment, f later
// fragment, . unfragmented.
func parseFrag(tok []byte) (uint16, error) {
	if len(tok) == 1 {
		switch tok[0] {
		case 'F':
			return fragMoreFragments, nil
		case 'f':
			return laterFragWord, nil
		case '.':
			return 0, nil
		}
	}
	return 0, fmt.Errorf("unknown fragment code")
}

// parseFragOff reads a byte offset, a multiple of 8, with an optional
// trailing "+" meaning more fragments follow.
func parseFragOff(tok []byte) (uint16, error) {
	mf := false
	if n := len(tok); n > 0 && tok[n-1] == '+' {
		mf = true
		tok = tok[:n-1]
	}
	v, err := strconv.ParseUint(string(tok), 10, 32)
	if err != nil {
		return 0, err
	}
	if v%8 != 0 {
		return 0, fmt.Errorf("offset %d not a multiple of 8", v)
	}
	v >>= 3
	if v > fragOffsetMask {
		return 0, fmt.Errorf("offset out of range")
	}
	word := uint16(v)
	if mf {
		word |= fragMoreFragments
	}
	return word, nil
}

// parsePayload takes the remainder of a line as payload bytes, unquoting a
// double-quoted form with the usual escapes; anything else is used verbatim.
func parsePayload(rest []byte) ([]byte, error) {
	if len(rest) > 0 && rest[0] == '"' {
		s, err := strconv.Unquote(string(bytes.TrimRight(rest, " \t")))
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	}
	return append([]byte(nil), rest...), nil
}

func isDigits(tok []byte) bool {
	if len(tok) == 0 {
		return false
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
