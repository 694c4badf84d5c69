package ipsum

import (
	"time"

	"github.com/banshee-data/traffic.replay/internal/timeutil"
)

// Pacer spaces replayed packets to their original trace timing, optionally
// scaled. Zero timestamps and backwards jumps pace nothing, so traces
// without timestamp fields replay at full speed.
type Pacer struct {
	// Speed scales the gaps: 1.0 replays at trace timing, 2.0 at double
	// speed, 0.5 at half. Values <= 0 behave as 1.0.
	Speed float64
	// MaxGap caps one wait so a long quiet stretch or a timestamp
	// discontinuity in the trace cannot stall replay. Zero means no cap.
	MaxGap time.Duration

	last  time.Time
	clock timeutil.Clock
}

// NewPacer returns a pacer sleeping on the real clock.
func NewPacer(speed float64) *Pacer {
	return &Pacer{Speed: speed, clock: timeutil.RealClock{}}
}

// Wait blocks for the scaled gap between the previous packet's timestamp
// and ts, then records ts as the new reference point.
func (p *Pacer) Wait(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if !p.last.IsZero() && ts.After(p.last) {
		speed := p.Speed
		if speed <= 0 {
			speed = 1
		}
		d := time.Duration(float64(ts.Sub(p.last)) / speed)
		if p.MaxGap > 0 && d > p.MaxGap {
			d = p.MaxGap
		}
		if d > 0 && p.clock != nil {
			p.clock.Sleep(d)
		}
	}
	p.last = ts
}
