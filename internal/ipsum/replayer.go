package ipsum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/banshee-data/traffic.replay/internal/monitoring"
	"github.com/banshee-data/traffic.replay/internal/source"
	"github.com/google/gopacket"
)

// ErrInactive is returned by ReadPacket while the replayer is suspended.
// It is not a failure; production resumes after SetActive(true).
var ErrInactive = errors.New("replayer inactive")

// Config describes one replay run. Values are taken literally; the command
// line front ends supply the conventional defaults (keep-all sampling,
// TCP protocol, zero-filled payloads).
type Config struct {
	// Source names the trace: a file path or "-" for standard input.
	// Traces ending in .gz, .Z or .bz2 are decompressed through an
	// external subprocess.
	Source string

	// Contents is the default record schema as a space-separated list of
	// field names, for example "timestamp ip_src ip_dst ip_proto sport
	// dport ip_len". It may be empty when the trace declares its own
	// schema with a !data line before the first record.
	Contents string

	// SampleProb is the probability each packet survives sampling, 0 to 1,
	// quantized to 2^-28 steps. Zero keeps nothing; pass 1 to keep all.
	SampleProb float64

	// DefaultProto is stamped into packets when the schema has no protocol
	// field. TCP traces want 6.
	DefaultProto uint8

	// ZeroFill zeroes the synthetic header and payload bytes that the
	// trace does not specify. Without it they hold arbitrary filler, so
	// reproducible runs want ZeroFill on.
	ZeroFill bool

	// Multipacket expands a record whose count field is N into N packets,
	// one per production call. Off, the count remains a plain annotation.
	Multipacket bool

	// Active controls whether the replayer produces immediately or starts
	// suspended until SetActive(true).
	Active bool

	// StopAtEOF fires OnStop once the trace is exhausted.
	StopAtEOF bool

	// OnStop, when set, is invoked at most once: on exhaustion when
	// StopAtEOF is set, or on the first Stop call.
	OnStop func()

	// Open overrides how Source is opened. Nil means source.Open. Tests
	// substitute in-memory streams here.
	Open source.Opener
}

// Replayer turns an IP summary dump into a stream of synthetic IPv4
// packets: records are decoded against the active schema, multipacket
// records are expanded one replica per call, and every packet passes the
// sampling gate independently before it is handed out.
//
// Control methods (SetActive, Stop, Stats) may be called from other
// goroutines; production itself is serialized internally and reads from the
// source block the caller.
type Replayer struct {
	src         source.Source
	reader      *LineReader
	dec         *Decoder
	gate        *SamplingGate
	multipacket bool
	stopAtEOF   bool

	onStop   func()
	stopOnce sync.Once
	wake     chan struct{}

	mu        sync.Mutex
	active    bool
	exhausted bool
	pending   *pendingReplica
	lineno    int
	emitted   int64
	dropped   int64
	warned    bool
}

// pendingReplica carries a partially emitted multipacket record between
// production calls.
type pendingReplica struct {
	packet    *Packet
	remaining int
	extra     int64
}

var _ gopacket.PacketDataSource = (*Replayer)(nil)

// NewReplayer validates cfg and opens the source. Configuration errors and
// unopenable sources fail here, not during production.
func NewReplayer(cfg Config) (*Replayer, error) {
	schema, err := ParseContents(cfg.Contents)
	if err != nil {
		return nil, fmt.Errorf("contents: %w", err)
	}
	gate, err := NewSamplingGate(cfg.SampleProb, nil)
	if err != nil {
		return nil, err
	}
	open := cfg.Open
	if open == nil {
		open = source.Open
	}
	src, err := open(cfg.Source)
	if err != nil {
		return nil, err
	}
	return &Replayer{
		src:         src,
		reader:      NewLineReader(src),
		dec:         NewDecoder(schema, cfg.ZeroFill, cfg.DefaultProto),
		gate:        gate,
		multipacket: cfg.Multipacket,
		stopAtEOF:   cfg.StopAtEOF,
		onStop:      cfg.OnStop,
		active:      cfg.Active,
		wake:        make(chan struct{}, 1),
	}, nil
}

// Close releases the underlying source. A replayer must not be used after
// Close.
func (r *Replayer) Close() error { return r.src.Close() }

// ReadPacket produces the next accepted packet. It returns ErrInactive
// while suspended, io.EOF once the trace is exhausted, and the underlying
// read error exactly once if the source fails mid-stream; after a read
// failure the replayer stays exhausted and later calls return io.EOF.
func (r *Replayer) ReadPacket() (*Packet, error) {
	r.mu.Lock()
	pkt, stop, err := r.produce()
	r.mu.Unlock()
	if stop {
		r.fireStop()
	}
	return pkt, err
}

// produce runs the decode loop under r.mu. The stop result asks the caller
// to fire the stop hook outside the lock.
func (r *Replayer) produce() (pkt *Packet, stop bool, err error) {
	for {
		if !r.active {
			return nil, false, ErrInactive
		}
		if r.exhausted {
			return nil, false, io.EOF
		}

		if r.pending != nil {
			if pkt := r.nextReplica(); pkt != nil {
				r.emitted++
				return pkt, false, nil
			}
			continue
		}

		line, err := r.reader.NextLine()
		if err == io.EOF {
			r.exhausted = true
			return nil, r.stopAtEOF, io.EOF
		}
		if err != nil {
			r.exhausted = true
			monitoring.Logf("replay %s: read failed after %d lines: %v", r.src.Name(), r.lineno, err)
			return nil, r.stopAtEOF, fmt.Errorf("read %s: %w", r.src.Name(), err)
		}
		r.lineno++

		if len(line) == 0 {
			continue
		}
		if IsDirective(line) {
			if err := r.dec.ApplyDirective(line); err != nil {
				r.complain(err)
			}
			continue
		}

		pkt, count, err := r.dec.Decode(line)
		if err != nil {
			r.complain(err)
			continue
		}
		if count > 1 && r.multipacket {
			r.pending = &pendingReplica{packet: pkt, remaining: count}
			continue
		}
		if !r.gate.Accept() {
			continue
		}
		r.emitted++
		return pkt, false, nil
	}
}

// nextReplica emits one replica of the pending record, or nil when the
// sampling gate rejected it. A rejected replica is consumed, not retried.
func (r *Replayer) nextReplica() *Packet {
	p := r.pending
	out := p.packet
	if p.remaining < p.packet.Count {
		out = p.packet.clone()
		p.extra += int64(p.packet.Info.Length)
		out.ExtraLength = p.extra
	}
	p.remaining--
	if p.remaining == 0 {
		r.pending = nil
	}
	if !r.gate.Accept() {
		return nil
	}
	return out
}

// complain logs the first malformed record or directive of the run. Later
// ones are counted silently so a corrupt trace cannot flood the log.
func (r *Replayer) complain(err error) {
	r.dropped++
	if r.warned {
		return
	}
	r.warned = true
	monitoring.Logf("replay %s:%d: %v (suppressing further format complaints)", r.src.Name(), r.lineno, err)
}

func (r *Replayer) fireStop() {
	if r.onStop != nil {
		r.stopOnce.Do(r.onStop)
	}
}

// Run pulls packets in a loop and hands each to emit. While the replayer is
// inactive it parks until reactivation or cancellation. Run returns nil
// once the trace is exhausted, ctx.Err() on cancellation, and the first
// error from emit or from the source otherwise. Cancellation is only
// observed between packets; a blocked source read is not interrupted.
func (r *Replayer) Run(ctx context.Context, emit func(*Packet) error) error {
	for {
		pkt, err := r.ReadPacket()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ErrInactive):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.wake:
			}
			continue
		default:
			return err
		}
		if err := emit(pkt); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// ReadPacketData implements gopacket.PacketDataSource so downstream tooling
// can treat a replayer like any capture handle.
func (r *Replayer) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	pkt, err := r.ReadPacket()
	if err != nil {
		return nil, gopacket.CaptureInfo{}, err
	}
	return pkt.Data, pkt.Info, nil
}

// Active reports whether the replayer is currently producing.
func (r *Replayer) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive suspends or resumes production. Resuming wakes a parked Run
// loop. The read cursor and any pending multipacket state are preserved
// across suspension, so no record is skipped or repeated.
func (r *Replayer) SetActive(v bool) {
	r.mu.Lock()
	r.active = v
	r.mu.Unlock()
	if v {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Stop suspends production and fires the stop hook. The hook runs at most
// once per replayer no matter how often Stop is called.
func (r *Replayer) Stop() {
	r.SetActive(false)
	r.fireStop()
}

// SamplingProb returns the realized sampling probability after fixed-point
// quantization, which can differ from the configured value.
func (r *Replayer) SamplingProb() float64 { return r.gate.Prob() }

// Encap identifies the link type of produced packets.
func (r *Replayer) Encap() string { return "IP" }

// Source returns the name the trace was opened under.
func (r *Replayer) Source() string { return r.src.Name() }

// TotalSize returns the trace size in bytes, or source.SizeUnknown for
// pipes, subprocesses and standard input.
func (r *Replayer) TotalSize() int64 { return r.src.Size() }

// Position returns the count of trace bytes consumed so far.
func (r *Replayer) Position() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reader.Position()
}

// Stats is a point-in-time snapshot of replay progress.
type Stats struct {
	Source    string  `json:"source"`
	Active    bool    `json:"active"`
	Exhausted bool    `json:"exhausted"`
	Lines     int     `json:"lines"`
	Position  int64   `json:"position"`
	TotalSize int64   `json:"total_size"`
	Emitted   int64   `json:"emitted"`
	Dropped   int64   `json:"dropped"`
	Sampling  float64 `json:"sampling_prob"`
}

// Stats returns a consistent snapshot of the replayer's progress counters.
func (r *Replayer) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Source:    r.src.Name(),
		Active:    r.active,
		Exhausted: r.exhausted,
		Lines:     r.lineno,
		Position:  r.reader.Position(),
		TotalSize: r.src.Size(),
		Emitted:   r.emitted,
		Dropped:   r.dropped,
		Sampling:  r.gate.Prob(),
	}
}
