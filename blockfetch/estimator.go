package blockfetch

import (
	"sync"
	"time"
)

// DefaultEstimator is an exponential-decay GSV estimator: each observed
// sample nudges the running estimate toward itself by alpha, the same decay
// shape the teacher's module/chainsync/core.go uses for its retry-backoff
// interval (halving/doubling on success/failure) rather than averaging over
// a fixed window.
type DefaultEstimator struct {
	mu    sync.Mutex
	alpha float64
	gsv   map[PeerID]GSV
}

func NewDefaultEstimator(alpha float64) *DefaultEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &DefaultEstimator{alpha: alpha, gsv: make(map[PeerID]GSV)}
}

// Observe folds one (bytes, duration) sample for p into the running estimate.
func (e *DefaultEstimator) Observe(p PeerID, bytes uint64, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	goodput := float64(bytes) / d.Seconds()
	cur, ok := e.gsv[p]
	if !ok {
		e.gsv[p] = GSV{Goodput: goodput, ServiceTime: d}
		return
	}
	blended := GSV{
		Goodput:     cur.Goodput + e.alpha*(goodput-cur.Goodput),
		ServiceTime: cur.ServiceTime + time.Duration(e.alpha*float64(d-cur.ServiceTime)),
	}
	delta := d - cur.ServiceTime
	if delta < 0 {
		delta = -delta
	}
	blended.Variance = cur.Variance + time.Duration(e.alpha*float64(delta-cur.Variance))
	e.gsv[p] = blended
}

// GSV implements GSVLookup. Unseen peers get a pessimistic default so a
// brand new peer does not win every priority race on an empty estimate.
func (e *DefaultEstimator) GSV(p PeerID) GSV {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.gsv[p]; ok {
		return g
	}
	return GSV{Goodput: 1 << 17, ServiceTime: 500 * time.Millisecond, Variance: 200 * time.Millisecond}
}
