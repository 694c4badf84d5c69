package ipsum

import (
	"fmt"
	"strings"
)

// FieldKind identifies one column of a summary dump record.
type FieldKind int

// Field kinds, in the trace format's declaration order.
const (
	FieldNone FieldKind = iota // sentinel, never part of an active schema
	FieldTimestamp
	FieldTimestampSec
	FieldTimestampUsec
	FieldSrc
	FieldDst
	FieldLength
	FieldProto
	FieldIPID
	FieldSport
	FieldDport
	FieldTCPSeq
	FieldTCPAck
	FieldTCPFlags
	FieldPayloadLength
	FieldCount
	FieldFrag
	FieldFragOff
	FieldPayload
)

// tcpFlagCodes is the ordered one-letter flag alphabet: position i sets bit
// 1<<i (FIN SYN RST PSH ACK URG ECE CWR).
const tcpFlagCodes = "FSRPAUXY"

// canonicalNames maps each kind to its canonical dump-file name.
var canonicalNames = [...]string{
	FieldNone:          "none",
	FieldTimestamp:     "timestamp",
	FieldTimestampSec:  "ts_sec",
	FieldTimestampUsec: "ts_usec",
	FieldSrc:           "ip_src",
	FieldDst:           "ip_dst",
	FieldLength:        "ip_len",
	FieldProto:         "ip_proto",
	FieldIPID:          "ip_id",
	FieldSport:         "sport",
	FieldDport:         "dport",
	FieldTCPSeq:        "tcp_seq",
	FieldTCPAck:        "tcp_ack",
	FieldTCPFlags:      "tcp_flags",
	FieldPayloadLength: "payload_len",
	FieldCount:         "count",
	FieldFrag:          "ip_frag",
	FieldFragOff:       "ip_fragoff",
	FieldPayload:       "payload",
}

// fieldNames resolves every accepted spelling, canonical and alias alike.
// Lookups are case-insensitive; the sentinel "none" is deliberately absent
// so it can never enter a schema.
var fieldNames = map[string]FieldKind{
	"timestamp":      FieldTimestamp,
	"ts":             FieldTimestamp,
	"ts_sec":         FieldTimestampSec,
	"sec":            FieldTimestampSec,
	"ts_usec":        FieldTimestampUsec,
	"usec":           FieldTimestampUsec,
	"ip_src":         FieldSrc,
	"src":            FieldSrc,
	"ip_dst":         FieldDst,
	"dst":            FieldDst,
	"ip_len":         FieldLength,
	"len":            FieldLength,
	"length":         FieldLength,
	"ip_proto":       FieldProto,
	"proto":          FieldProto,
	"ip_id":          FieldIPID,
	"id":             FieldIPID,
	"sport":          FieldSport,
	"dport":          FieldDport,
	"tcp_seq":        FieldTCPSeq,
	"seq":            FieldTCPSeq,
	"tcp_ack":        FieldTCPAck,
	"ack":            FieldTCPAck,
	"tcp_flags":      FieldTCPFlags,
	"flags":          FieldTCPFlags,
	"payload_len":    FieldPayloadLength,
	"payload_length": FieldPayloadLength,
	"count":          FieldCount,
	"pkt_count":      FieldCount,
	"packet_count":   FieldCount,
	"ip_frag":        FieldFrag,
	"frag":           FieldFrag,
	"ip_fragoff":     FieldFragOff,
	"fragoff":        FieldFragOff,
	"payload":        FieldPayload,
}

// String returns the canonical dump-file name for the kind.
func (k FieldKind) String() string {
	if k >= 0 && int(k) < len(canonicalNames) {
		return canonicalNames[k]
	}
	return fmt.Sprintf("FieldKind(%d)", int(k))
}

// LookupField resolves a field name (canonical or alias, any case) to its
// kind. The second result reports whether the name is known.
func LookupField(name string) (FieldKind, bool) {
	k, ok := fieldNames[strings.ToLower(name)]
	return k, ok
}

// ParseContents resolves a whitespace-separated list of field names into a
// schema. An unknown name fails the whole list and reports which name broke
// it; the empty string yields an empty schema.
func ParseContents(list string) ([]FieldKind, error) {
	words := strings.Fields(list)
	if len(words) == 0 {
		return nil, nil
	}
	schema := make([]FieldKind, 0, len(words))
	for _, w := range words {
		k, ok := LookupField(w)
		if !ok {
			return nil, fmt.Errorf("unknown field name %q", w)
		}
		schema = append(schema, k)
	}
	return schema, nil
}

// ContentsString renders a schema back to its space-separated canonical
// form, the inverse of ParseContents for valid schemas.
func ContentsString(schema []FieldKind) string {
	if len(schema) == 0 {
		return ""
	}
	names := make([]string, len(schema))
	for i, k := range schema {
		names[i] = k.String()
	}
	return strings.Join(names, " ")
}
