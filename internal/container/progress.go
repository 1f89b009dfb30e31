package container

import (
	"io"
	"sync"

	"github.com/bleepstore/rfstore/internal/metrics"
)

// progressReader counts the bytes read through it and reports the fraction
// of total transferred. Fractions are capped below 1; the pipeline reports
// completion itself once the backend call returns.
type progressReader struct {
	r         io.Reader
	total     int64
	read      int64
	direction string
	report    func(float64)
}

func newProgressReader(r io.Reader, total int64, direction string, report func(float64)) *progressReader {
	return &progressReader{r: r, total: total, direction: direction, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		metrics.TransferBytesTotal.WithLabelValues(p.direction).Add(float64(n))
		if p.report != nil && p.total > 0 {
			f := float64(p.read) / float64(p.total)
			if f > 0.99 {
				f = 0.99
			}
			p.report(f)
		}
	}
	return n, err
}

// progressTracker turns per-item fractions into a monotonic mean. It is safe
// for concurrent use.
type progressTracker struct {
	mu       sync.Mutex
	items    map[string]float64
	reported float64
}

func newProgressTracker(keys []string) *progressTracker {
	items := make(map[string]float64, len(keys))
	for _, k := range keys {
		items[k] = 0
	}
	return &progressTracker{items: items}
}

// update records fraction for key and returns the mean over all keys. ok is
// false when the mean did not grow.
func (t *progressTracker) update(key string, fraction float64) (mean float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, tracked := t.items[key]
	if !tracked || fraction <= cur {
		return t.reported, false
	}
	t.items[key] = min(fraction, 1)

	var sum float64
	for _, f := range t.items {
		sum += f
	}
	mean = sum / float64(len(t.items))
	if mean <= t.reported {
		return t.reported, false
	}
	t.reported = mean
	return mean, true
}

// complete reports whether every key reached 1.
func (t *progressTracker) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.items {
		if f < 1 {
			return false
		}
	}
	return true
}
