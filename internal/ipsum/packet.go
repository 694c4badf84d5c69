package ipsum

import (
	"encoding/binary"
	"math/rand/v2"
	"net/netip"

	"github.com/google/gopacket"
)

// Synthesized packet layout: a 20-byte IPv4 header (version 4, header length
// 5 words, no options) followed by a 20-byte TCP-shaped header region. UDP
// ports share the first four transport bytes, so the same offsets serve
// either protocol. Values not present in the trace stay at the buffer's
// primed contents (zero or filler).
const (
	ipHeaderLen  = 20
	tcpHeaderLen = 20
	packetHdrLen = ipHeaderLen + tcpHeaderLen

	ipVersionIHL = 0x45 // IPv4, 5-word header
	tcpDataOff   = 0x50 // 5-word TCP header

	offTotalLen = 2  // IP total length (16 bit)
	offIPID     = 4  // IP identification (16 bit)
	offFragWord = 6  // flags + fragment offset (16 bit)
	offProto    = 9  // protocol (8 bit)
	offSrc      = 12 // source address (32 bit)
	offDst      = 16 // destination address (32 bit)
	offSport    = 20 // source port (16 bit)
	offDport    = 22 // destination port (16 bit)
	offSeq      = 24 // TCP sequence number (32 bit)
	offAck      = 28 // TCP acknowledgment number (32 bit)
	offDataOff  = 32 // TCP data offset
	offTCPFlags = 33 // TCP flags (8 bit)
)

// Fragment control bits within the fragment word.
const (
	fragMoreFragments = 0x2000
	fragOffsetMask    = 0x1fff

	// laterFragWord marks a record whose frag code says "continuation
	// fragment" without giving the offset. Any nonzero offset works; this
	// matches the constant the trace format has always used.
	laterFragWord = 100
)

// Packet is one synthesized IPv4 packet reconstructed from a trace record.
// Data holds the constructed buffer; Info carries the capture metadata with
// Info.Length taken verbatim from the trace (never recomputed from the
// buffer). The receiver owns the packet outright once it is returned.
type Packet struct {
	Data []byte
	Info gopacket.CaptureInfo

	// Count is the record's replica count (1 when the trace had none).
	Count int
	// ExtraLength accumulates the multipacket offset: replica k of a record
	// carries (k-1) wire lengths, distinguishing successive replicas.
	ExtraLength int64
	// PayloadLen is the trace's payload length claim, verbatim.
	PayloadLen int
}

// newPacket allocates the header buffer primed per the zero-fill setting and
// stamps the invariant header bytes. filler supplies bytes for the
// non-zero-fill path and may be nil when zeroFill is set.
func newPacket(zeroFill bool, defaultProto uint8, filler *rand.Rand) *Packet {
	p := &Packet{
		Data:  make([]byte, packetHdrLen),
		Count: 1,
	}
	if !zeroFill {
		fillRandom(p.Data, filler)
	}
	p.Data[0] = ipVersionIHL
	p.Data[offProto] = defaultProto
	p.Data[offDataOff] = tcpDataOff
	return p
}

// clone copies the packet for multipacket emission. The buffer is duplicated
// so every replica is independently owned.
func (p *Packet) clone() *Packet {
	q := *p
	q.Data = append([]byte(nil), p.Data...)
	return &q
}

// SrcIP returns the source address field.
func (p *Packet) SrcIP() netip.Addr {
	return netip.AddrFrom4([4]byte(p.Data[offSrc : offSrc+4]))
}

// DstIP returns the destination address field.
func (p *Packet) DstIP() netip.Addr {
	return netip.AddrFrom4([4]byte(p.Data[offDst : offDst+4]))
}

// Proto returns the IP protocol field.
func (p *Packet) Proto() uint8 { return p.Data[offProto] }

// Sport returns the source port field.
func (p *Packet) Sport() uint16 { return binary.BigEndian.Uint16(p.Data[offSport:]) }

// Dport returns the destination port field.
func (p *Packet) Dport() uint16 { return binary.BigEndian.Uint16(p.Data[offDport:]) }

// TCPSeq returns the TCP sequence number field.
func (p *Packet) TCPSeq() uint32 { return binary.BigEndian.Uint32(p.Data[offSeq:]) }

// TCPAck returns the TCP acknowledgment number field.
func (p *Packet) TCPAck() uint32 { return binary.BigEndian.Uint32(p.Data[offAck:]) }

// TCPFlags returns the TCP flags byte.
func (p *Packet) TCPFlags() uint8 { return p.Data[offTCPFlags] }

// IPID returns the IP identification field.
func (p *Packet) IPID() uint16 { return binary.BigEndian.Uint16(p.Data[offIPID:]) }

// FragOffset returns the fragment offset in bytes.
func (p *Packet) FragOffset() int {
	word := binary.BigEndian.Uint16(p.Data[offFragWord:])
	return int(word&fragOffsetMask) << 3
}

// MoreFragments reports whether the more-fragments bit is set.
func (p *Packet) MoreFragments() bool {
	return binary.BigEndian.Uint16(p.Data[offFragWord:])&fragMoreFragments != 0
}

// Payload returns the bytes following the fixed headers.
func (p *Packet) Payload() []byte {
	if len(p.Data) <= packetHdrLen {
		return nil
	}
	return p.Data[packetHdrLen:]
}

// fillRandom primes b with generator output. The pattern is explicitly not
// reproducible across runs.
func fillRandom(b []byte, r *rand.Rand) {
	var word uint64
	for i := range b {
		if i%8 == 0 {
			word = r.Uint64()
		}
		b[i] = byte(word)
		word >>= 8
	}
}
