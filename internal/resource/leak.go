package resource

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// minGrowthRatio is the share of consecutive sample pairs that must show
// growth before a rising trend counts as a leak.
const minGrowthRatio = 0.7

// minLeakSamples is the fewest samples the detector will judge.
const minLeakSamples = 3

type MemorySample struct {
	At    time.Time
	Bytes uint64
}

type LeakReport struct {
	Detected bool
	Severity Severity
	// GrowthRate is bytes per minute between the oldest and newest sample.
	GrowthRate float64
	// GrowthRatio is the fraction of consecutive pairs that grew.
	GrowthRatio float64
	Samples     int
	Message     string
}

// LeakDetector keeps a sliding window of memory samples. It is not safe for
// concurrent use on its own; Manager serialises access.
type LeakDetector struct {
	maxSamples int
	threshold  float64
	samples    []MemorySample
}

func NewLeakDetector(maxSamples int, thresholdPerMinute float64) *LeakDetector {
	if maxSamples < minLeakSamples {
		maxSamples = minLeakSamples
	}
	return &LeakDetector{maxSamples: maxSamples, threshold: thresholdPerMinute}
}

func (d *LeakDetector) Add(s MemorySample) {
	d.samples = append(d.samples, s)
	if over := len(d.samples) - d.maxSamples; over > 0 {
		d.samples = append(d.samples[:0:0], d.samples[over:]...)
	}
}

func (d *LeakDetector) Len() int { return len(d.samples) }

func (d *LeakDetector) Reset() { d.samples = nil }

// Analyze reports a leak only when the overall growth rate exceeds the
// threshold and most consecutive pairs grew, which filters out one-off
// spikes.
func (d *LeakDetector) Analyze() LeakReport {
	report := LeakReport{Severity: SeverityNone, Samples: len(d.samples)}
	if len(d.samples) < minLeakSamples {
		report.Message = "not enough samples"
		return report
	}
	first, last := d.samples[0], d.samples[len(d.samples)-1]
	minutes := last.At.Sub(first.At).Minutes()
	if minutes <= 0 {
		report.Message = "samples span no time"
		return report
	}
	report.GrowthRate = (float64(last.Bytes) - float64(first.Bytes)) / minutes

	growing := 0
	for i := 1; i < len(d.samples); i++ {
		if d.samples[i].Bytes > d.samples[i-1].Bytes {
			growing++
		}
	}
	report.GrowthRatio = float64(growing) / float64(len(d.samples)-1)

	if report.GrowthRate <= d.threshold || report.GrowthRatio < minGrowthRatio {
		report.Message = "no sustained growth"
		return report
	}
	report.Detected = true
	switch {
	case report.GrowthRate >= 5*d.threshold:
		report.Severity = SeverityHigh
	case report.GrowthRate >= 2*d.threshold:
		report.Severity = SeverityMedium
	default:
		report.Severity = SeverityLow
	}
	report.Message = fmt.Sprintf("memory growing %s/min across %d samples",
		humanize.IBytes(uint64(report.GrowthRate)), len(d.samples))
	return report
}

// RecordSample adds an externally measured sample.
func (m *Manager) RecordSample(bytes uint64) {
	now := m.clock()
	m.mu.Lock()
	m.leaks.Add(MemorySample{At: now, Bytes: bytes})
	m.mu.Unlock()
}

// RecordSampleAt adds a sample with an explicit timestamp.
func (m *Manager) RecordSampleAt(at time.Time, bytes uint64) {
	m.mu.Lock()
	m.leaks.Add(MemorySample{At: at, Bytes: bytes})
	m.mu.Unlock()
}

// SampleMemory measures current heap usage and records it.
func (m *Manager) SampleMemory() uint64 {
	bytes := m.sampler()
	m.RecordSample(bytes)
	return bytes
}

// LatestSample returns the most recent sample, if any.
func (m *Manager) LatestSample() (MemorySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaks.Len() == 0 {
		return MemorySample{}, false
	}
	return m.leaks.samples[m.leaks.Len()-1], true
}

func (m *Manager) DetectLeaks() LeakReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaks.Analyze()
}
