package api

import (
	"fmt"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/traffic.replay/internal/ipsum"
)

// AttachAdminRoutes mounts the replay debug surface on mux under /debug/:
// read-only views of the replayer knobs, a live tail of emitted packets,
// and the database debug routes when a runs database is attached.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("sampling-prob", "Sampling probability in effect (after fixed-point quantization)",
		textHandler(func() string { return fmt.Sprintf("%g", s.rep.SamplingProb()) }))
	debug.Handle("encap", "Encapsulation type of produced packets",
		textHandler(s.rep.Encap))
	debug.Handle("filesize", "Total size of the trace in bytes, -1 if unknown",
		textHandler(func() string { return fmt.Sprintf("%d", s.rep.TotalSize()) }))
	debug.Handle("filepos", "Bytes of the trace consumed so far",
		textHandler(func() string { return fmt.Sprintf("%d", s.rep.Position()) }))
	debug.Handle("tail", "Live one-line summaries of emitted packets (SSE)",
		http.HandlerFunc(s.tailPackets))
	debug.Handle("charts/traffic", "Live replay counters as a bar chart",
		http.HandlerFunc(s.handleTrafficChart))
	debug.Handle("charts/protocols", "Protocol histogram of a stored run (?id=, default latest)",
		http.HandlerFunc(s.handleProtocolChart))

	if s.db != nil {
		s.db.AttachAdminRoutes(mux)
	}
}

func textHandler(f func() string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, f())
	})
}

// tailPackets streams packet summaries as server-sent events until the
// client goes away.
func (s *Server) tailPackets(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, cancel := s.tail.subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

// tailBroadcast fans emitted-packet summaries out to any number of tail
// watchers. Publishing never blocks the emit loop: a watcher that falls
// behind loses lines instead.
type tailBroadcast struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newTailBroadcast() *tailBroadcast {
	return &tailBroadcast{subs: make(map[chan string]struct{})}
}

func (b *tailBroadcast) subscribe() (ch chan string, cancel func()) {
	ch = make(chan string, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
}

func (b *tailBroadcast) publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// packetSummary renders one packet in the trace's own notation: timestamp in
// seconds, endpoints with ports for TCP and UDP, protocol, wire length.
func packetSummary(p *ipsum.Packet) string {
	ts := "-"
	if t := p.Info.Timestamp; !t.IsZero() {
		ts = fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
	}
	switch p.Proto() {
	case 6:
		return fmt.Sprintf("%s %s:%d > %s:%d tcp %d", ts, p.SrcIP(), p.Sport(), p.DstIP(), p.Dport(), p.Info.Length)
	case 17:
		return fmt.Sprintf("%s %s:%d > %s:%d udp %d", ts, p.SrcIP(), p.Sport(), p.DstIP(), p.Dport(), p.Info.Length)
	case 1:
		return fmt.Sprintf("%s %s > %s icmp %d", ts, p.SrcIP(), p.DstIP(), p.Info.Length)
	default:
		return fmt.Sprintf("%s %s > %s ip-%d %d", ts, p.SrcIP(), p.DstIP(), p.Proto(), p.Info.Length)
	}
}
