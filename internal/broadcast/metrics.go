package broadcast

import (
	"sync"
	"time"
)

// latencySampleCap bounds the replay-latency history.
const latencySampleCap = 100

// Metrics is a point-in-time snapshot of the broadcaster's counters.
type Metrics struct {
	Published       uint64  `json:"published"`
	Received        uint64  `json:"received"`
	PublishFailures uint64  `json:"publishFailures"`
	Discarded       uint64  `json:"discarded"`
	Deduplicated    uint64  `json:"deduplicated"`
	AvgLatencyMs    float64 `json:"avgLatencyMs"`
	MaxLatencyMs    int64   `json:"maxLatencyMs"`
	UptimeSeconds   float64 `json:"uptimeSeconds"`
}

// stats accumulates broadcaster counters and a capped ring of replay latency
// samples with a running max.
type stats struct {
	mu              sync.Mutex
	published       uint64
	received        uint64
	publishFailures uint64
	discarded       uint64
	deduplicated    uint64
	samples         [latencySampleCap]int64
	sampleIdx       int
	sampleCount     int
	maxLatencyMs    int64
	startedAt       time.Time
}

func newStats() *stats {
	return &stats{startedAt: time.Now()}
}

func (s *stats) incPublished() {
	s.mu.Lock()
	s.published++
	s.mu.Unlock()
}

func (s *stats) incPublishFailure() {
	s.mu.Lock()
	s.publishFailures++
	s.mu.Unlock()
}

func (s *stats) incReceived() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

func (s *stats) incDiscarded() {
	s.mu.Lock()
	s.discarded++
	s.mu.Unlock()
}

func (s *stats) incDeduplicated() {
	s.mu.Lock()
	s.deduplicated++
	s.mu.Unlock()
}

func (s *stats) recordLatency(ms int64) {
	if ms < 0 {
		ms = 0
	}
	s.mu.Lock()
	s.samples[s.sampleIdx] = ms
	s.sampleIdx = (s.sampleIdx + 1) % latencySampleCap
	if s.sampleCount < latencySampleCap {
		s.sampleCount++
	}
	if ms > s.maxLatencyMs {
		s.maxLatencyMs = ms
	}
	s.mu.Unlock()
}

func (s *stats) snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum int64
	for i := 0; i < s.sampleCount; i++ {
		sum += s.samples[i]
	}
	var avg float64
	if s.sampleCount > 0 {
		avg = float64(sum) / float64(s.sampleCount)
	}

	return Metrics{
		Published:       s.published,
		Received:        s.received,
		PublishFailures: s.publishFailures,
		Discarded:       s.discarded,
		Deduplicated:    s.deduplicated,
		AvgLatencyMs:    avg,
		MaxLatencyMs:    s.maxLatencyMs,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
	}
}
