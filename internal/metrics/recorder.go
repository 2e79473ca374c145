package metrics

import (
	"sync"
	"time"

	m "github.com/stepflow/go-stepflow/metrics"
)

// Recorder keeps reported values in memory. Tags are ignored when aggregating.
type Recorder struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
	timings  map[string][]time.Duration
}

var _ m.Client = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		timings:  make(map[string][]time.Duration),
	}
}

func (r *Recorder) Counter(name string, tags m.Tags, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters[name] += value
}

func (r *Recorder) Distribution(name string, tags m.Tags, value float64) {
	r.Timing(name, tags, time.Duration(value)*time.Millisecond)
}

func (r *Recorder) Gauge(name string, tags m.Tags, value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gauges[name] = value
}

func (r *Recorder) Timing(name string, tags m.Tags, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timings[name] = append(r.timings[name], duration)
}

func (r *Recorder) WithTags(tags m.Tags) m.Client {
	return r
}

// CounterValue returns the sum of all values reported for the counter.
func (r *Recorder) CounterValue(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.counters[name]
}

// GaugeValue returns the last value reported for the gauge.
func (r *Recorder) GaugeValue(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.gauges[name]
}

// Timings returns all durations reported for name.
func (r *Recorder) Timings(name string) []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]time.Duration(nil), r.timings[name]...)
}
