package main

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stepflow/go-stepflow/metrics"
)

type store struct {
	counters *sync.Map

	mu     sync.Mutex
	timers map[string][]time.Duration
}

type memMetrics struct {
	tags metrics.Tags
	s    *store
}

func newMemMetrics() *memMetrics {
	return &memMetrics{
		tags: make(metrics.Tags),
		s: &store{
			counters: &sync.Map{},
			timers:   make(map[string][]time.Duration),
		},
	}
}

func (m *memMetrics) Print() {
	keys := make([]string, 0)
	m.s.counters.Range(func(k, v any) bool {
		keys = append(keys, k.(string))

		return true
	})
	sort.Strings(keys)

	for _, k := range keys {
		v, _ := m.s.counters.Load(k)
		fmt.Printf("%s: %d\n", k, v)
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	timers := make([]string, 0, len(m.s.timers))
	for k := range m.s.timers {
		timers = append(timers, k)
	}
	sort.Strings(timers)

	for _, k := range timers {
		d := m.s.timers[k]
		var total time.Duration
		for _, v := range d {
			total += v
		}

		fmt.Printf("%s: n=%d avg=%v\n", k, len(d), total/time.Duration(len(d)))
	}
}

// Counter implements metrics.Client
func (m *memMetrics) Counter(name string, tags metrics.Tags, value int64) {
	k := key(name, mergeTags(m.tags, tags))

	for {
		v, loaded := m.s.counters.LoadOrStore(k, value)
		if !loaded || m.s.counters.CompareAndSwap(k, v, v.(int64)+value) {
			return
		}
	}
}

// Distribution implements metrics.Client
func (m *memMetrics) Distribution(name string, tags metrics.Tags, value float64) {
	m.Timing(name, tags, time.Duration(value*float64(time.Millisecond)))
}

// Gauge implements metrics.Client
func (m *memMetrics) Gauge(name string, tags metrics.Tags, value int64) {
}

// Timing implements metrics.Client
func (m *memMetrics) Timing(name string, tags metrics.Tags, duration time.Duration) {
	k := key(name, mergeTags(m.tags, tags))

	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	m.s.timers[k] = append(m.s.timers[k], duration)
}

// WithTags implements metrics.Client
func (m *memMetrics) WithTags(tags metrics.Tags) metrics.Client {
	return &memMetrics{
		s:    m.s,
		tags: mergeTags(m.tags, tags),
	}
}

func mergeTags(a, b metrics.Tags) metrics.Tags {
	tags := make(metrics.Tags)
	for k, v := range a {
		tags[k] = v
	}

	for k, v := range b {
		tags[k] = v
	}

	return tags
}

func key(name string, tags metrics.Tags) string {
	t := make([]struct{ Key, Value string }, 0, len(tags))
	for k, v := range tags {
		t = append(t, struct{ Key, Value string }{k, v})
	}

	sort.Slice(t, func(i, j int) bool {
		return t[i].Key < t[j].Key
	})

	var buf bytes.Buffer

	buf.WriteString(name)
	buf.WriteString("[")

	for i, tag := range t {
		if i > 0 {
			buf.WriteString(",")
		}

		buf.WriteString(tag.Key)
		buf.WriteString(":")
		buf.WriteString(tag.Value)
	}

	buf.WriteString("]")

	return buf.String()
}

var _ metrics.Client = (*memMetrics)(nil)
