package testutils

import (
	"sync"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
)

// Metrics records gauges, counts and timings sent through it.
type Metrics struct {
	ddstatsd.NoOpClient

	mu      sync.Mutex
	Gauges  map[string][]float64
	Counts  map[string]int64
	Timings map[string][]time.Duration
}

var _ ddstatsd.ClientInterface = (*Metrics)(nil)

func NewMetrics() *Metrics {
	return &Metrics{
		Gauges:  make(map[string][]float64),
		Counts:  make(map[string]int64),
		Timings: make(map[string][]time.Duration),
	}
}

func (m *Metrics) Gauge(name string, value float64, _ []string, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = append(m.Gauges[name], value)
	return nil
}

func (m *Metrics) Count(name string, value int64, _ []string, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counts[name] += value
	return nil
}

func (m *Metrics) Timing(name string, value time.Duration, _ []string, _ float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], value)
	return nil
}

func (m *Metrics) Incr(name string, tags []string, rate float64) error {
	return m.Count(name, 1, tags, rate)
}

func (m *Metrics) GaugeValues(name string) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.Gauges[name]...)
}

func (m *Metrics) CountValue(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counts[name]
}

func (m *Metrics) TimingValues(name string) []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.Timings[name]...)
}
