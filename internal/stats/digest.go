package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// digestCompression gives ~100 centroids (~10KB) per digest.
const digestCompression = 100

// DurationDigest tracks a duration distribution in bounded memory.
// It is safe for concurrent use.
type DurationDigest struct {
	mu    sync.Mutex
	td    *tdigest.TDigest
	count int64
	sum   time.Duration
	max   time.Duration
}

// Percentiles is a snapshot of a DurationDigest.
type Percentiles struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// NewDurationDigest creates an empty digest.
func NewDurationDigest() *DurationDigest {
	return &DurationDigest{td: tdigest.NewWithCompression(digestCompression)}
}

// Add records one observation. Negative durations are ignored.
func (d *DurationDigest) Add(v time.Duration) {
	if v < 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.td.Add(float64(v.Nanoseconds()), 1)
	d.count++
	d.sum += v
	if v > d.max {
		d.max = v
	}
}

// Count returns the number of observations.
func (d *DurationDigest) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Quantile returns the estimated q-quantile (0..1), or 0 when empty.
func (d *DurationDigest) Quantile(q float64) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quantileLocked(q)
}

func (d *DurationDigest) quantileLocked(q float64) time.Duration {
	if d.count == 0 {
		return 0
	}
	v := time.Duration(d.td.Quantile(q))
	if v > d.max {
		v = d.max
	}
	return v
}

// Percentiles returns P50, P95, P99 and the maximum.
func (d *DurationDigest) Percentiles() Percentiles {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := Percentiles{Count: d.count, Max: d.max}
	if d.count == 0 {
		return p
	}
	p.Mean = d.sum / time.Duration(d.count)
	p.P50 = d.quantileLocked(0.50)
	p.P95 = d.quantileLocked(0.95)
	p.P99 = d.quantileLocked(0.99)
	return p
}
