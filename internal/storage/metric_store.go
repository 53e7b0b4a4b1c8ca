package storage

import (
	"math"
	"time"

	"github.com/eapache/queue"

	"github.com/tensorlens/tensorlens/internal/core"
	"github.com/tensorlens/tensorlens/internal/metrics"
)

// pointBytes approximates one retained MetricPoint.
const pointBytes = 48

// Series is one metric's retained history: a bounded ring of recent
// points plus all-time aggregates that survive ring evictions.
type Series struct {
	ring     *queue.Queue
	capacity int

	min, max   float64
	count      int64
	last       float64
	lastUpdate time.Time
}

func newSeries(capacity int) *Series {
	return &Series{
		ring:     queue.New(),
		capacity: capacity,
		min:      math.Inf(1),
		max:      math.Inf(-1),
	}
}

// add is only called under the store write lock.
func (s *Series) add(p core.MetricPoint) {
	s.ring.Add(p)
	for s.ring.Length() > s.capacity {
		s.ring.Remove()
	}
	if p.Value < s.min {
		s.min = p.Value
	}
	if p.Value > s.max {
		s.max = p.Value
	}
	s.count++
	s.last = p.Value
	s.lastUpdate = p.Timestamp
}

// points copies the retained ring, oldest first.
func (s *Series) points() []core.MetricPoint {
	out := make([]core.MetricPoint, s.ring.Length())
	for i := range out {
		out[i] = s.ring.Get(i).(core.MetricPoint)
	}
	return out
}

// SeriesStats aggregates one metric. Mean and Std cover the retained
// window; Min, Max and Count are all-time.
type SeriesStats struct {
	Name   string  `json:"name"`
	Mean   float64 `json:"mean"`
	Std    float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int64   `json:"count"`
	Window int     `json:"window"`
}

// SeriesSummary is the lightweight listing view of one metric.
type SeriesSummary struct {
	Name       string    `json:"name"`
	LastValue  float64   `json:"last_value"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

// MetricStore keeps a bounded series per metric name.
type MetricStore struct {
	inner   *Store[*Series]
	history int
}

// NewMetricStore builds the series store. history caps the retained
// points per series; retention evicts whole series that stop updating.
func NewMetricStore(retention time.Duration, history int) *MetricStore {
	sizeOf := func(s *Series) int {
		if s == nil {
			return 0
		}
		return s.ring.Length() * pointBytes
	}
	return &MetricStore{
		inner:   NewStore("metric", retention, sizeOf),
		history: history,
	}
}

// Add appends one observation to the named series, creating it on
// first use. Oldest points fall off once the series is full.
func (ms *MetricStore) Add(name string, value float64, step *int64) {
	p := core.MetricPoint{Value: value, Step: step, Timestamp: time.Now()}
	ms.inner.Upsert(name, func(prev *Series, existed bool) *Series {
		s := prev
		if !existed {
			s = newSeries(ms.history)
		}
		s.add(p)
		return s
	})
	metrics.MetricPointsTotal.Inc()
}

// Points returns the retained window for one metric, oldest first.
func (ms *MetricStore) Points(name string) ([]core.MetricPoint, bool) {
	var out []core.MetricPoint
	ok := ms.inner.View(name, func(s *Series) {
		out = s.points()
	})
	return out, ok
}

// PointsSince filters the retained window to points in [from, to].
func (ms *MetricStore) PointsSince(name string, from, to time.Time) ([]core.MetricPoint, bool) {
	var out []core.MetricPoint
	ok := ms.inner.View(name, func(s *Series) {
		for _, p := range s.points() {
			if p.Timestamp.Before(from) || p.Timestamp.After(to) {
				continue
			}
			out = append(out, p)
		}
	})
	return out, ok
}

// Latest returns the most recent value of every metric.
func (ms *MetricStore) Latest() map[string]float64 {
	out := make(map[string]float64)
	ms.inner.Range(func(name string, s *Series) bool {
		if s.count > 0 {
			out[name] = s.last
		}
		return true
	})
	return out
}

// Stats aggregates one metric.
func (ms *MetricStore) Stats(name string) (SeriesStats, bool) {
	var st SeriesStats
	ok := ms.inner.View(name, func(s *Series) {
		pts := s.points()
		st = SeriesStats{
			Name:   name,
			Min:    s.min,
			Max:    s.max,
			Count:  s.count,
			Window: len(pts),
		}
		if len(pts) == 0 {
			return
		}
		var sum, sumSq float64
		for _, p := range pts {
			sum += p.Value
			sumSq += p.Value * p.Value
		}
		n := float64(len(pts))
		st.Mean = sum / n
		variance := sumSq/n - st.Mean*st.Mean
		if variance < 0 {
			variance = 0
		}
		st.Std = math.Sqrt(variance)
	})
	return st, ok
}

// Summary returns the listing view of one metric.
func (ms *MetricStore) Summary(name string) (SeriesSummary, bool) {
	var sum SeriesSummary
	ok := ms.inner.View(name, func(s *Series) {
		sum = SeriesSummary{
			Name:       name,
			LastValue:  s.last,
			Min:        s.min,
			Max:        s.max,
			Count:      s.count,
			LastUpdate: s.lastUpdate,
		}
	})
	return sum, ok
}

// History returns every metric's retained window, keyed by name.
func (ms *MetricStore) History() map[string][]core.MetricPoint {
	out := make(map[string][]core.MetricPoint)
	ms.inner.Range(func(name string, s *Series) bool {
		out[name] = s.points()
		return true
	})
	return out
}

// Datapoints returns the total number of retained points across all
// series.
func (ms *MetricStore) Datapoints() int {
	total := 0
	ms.inner.Range(func(_ string, s *Series) bool {
		total += s.ring.Length()
		return true
	})
	return total
}

// Remove deletes one series.
func (ms *MetricStore) Remove(name string) bool { return ms.inner.Remove(name) }

// Names lists metric names in sorted order.
func (ms *MetricStore) Names() []string { return ms.inner.Names() }

// Usage reports series count and estimated resident bytes.
func (ms *MetricStore) Usage() Usage { return ms.inner.Usage() }

// Clear purges every series.
func (ms *MetricStore) Clear() { ms.inner.Clear() }
