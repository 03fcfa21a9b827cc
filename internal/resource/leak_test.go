package resource

import (
	"testing"
	"time"

	"github.com/dustin/go-humanize"
)

func TestLeakDetectedForSteadyGrowth(t *testing.T) {
	d := NewLeakDetector(20, humanize.MiByte)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := uint64(100 * humanize.MiByte)
	for i := 0; i < 20; i++ {
		d.Add(MemorySample{At: start.Add(time.Duration(i) * 30 * time.Second), Bytes: base + uint64(i)*2*humanize.MiByte})
	}
	report := d.Analyze()
	if !report.Detected {
		t.Fatalf("expected leak, got %+v", report)
	}
	if report.Severity != SeverityMedium && report.Severity != SeverityHigh {
		t.Fatalf("expected medium or higher, got %s", report.Severity)
	}
}

func TestNoLeakForOscillation(t *testing.T) {
	d := NewLeakDetector(20, humanize.MiByte)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := uint64(100 * humanize.MiByte)
	delta := uint64(100 * humanize.KiByte)
	for i := 0; i < 20; i++ {
		bytes := base + delta
		if i%2 == 1 {
			bytes = base - delta
		}
		d.Add(MemorySample{At: start.Add(time.Duration(i) * 30 * time.Second), Bytes: bytes})
	}
	if report := d.Analyze(); report.Detected {
		t.Fatalf("expected no leak, got %+v", report)
	}
}

func TestNoLeakForSingleSpike(t *testing.T) {
	d := NewLeakDetector(20, humanize.MiByte)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base := uint64(100 * humanize.MiByte)
	for i := 0; i < 20; i++ {
		bytes := base
		if i == 19 {
			bytes = base + 200*humanize.MiByte
		}
		d.Add(MemorySample{At: start.Add(time.Duration(i) * 30 * time.Second), Bytes: bytes})
	}
	if report := d.Analyze(); report.Detected {
		t.Fatalf("single spike should not be reported, got %+v", report)
	}
}

func TestLeakWindowKeepsLastSamples(t *testing.T) {
	d := NewLeakDetector(5, humanize.MiByte)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		d.Add(MemorySample{At: start.Add(time.Duration(i) * time.Second), Bytes: uint64(i)})
	}
	if d.Len() != 5 {
		t.Fatalf("expected window of 5, got %d", d.Len())
	}
	if d.samples[0].Bytes != 7 {
		t.Fatalf("expected oldest retained sample 7, got %d", d.samples[0].Bytes)
	}
}

func TestSeverityEscalates(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	run := func(perMinute uint64) Severity {
		d := NewLeakDetector(10, humanize.MiByte)
		for i := 0; i < 10; i++ {
			d.Add(MemorySample{At: start.Add(time.Duration(i) * time.Minute), Bytes: uint64(i) * perMinute})
		}
		return d.Analyze().Severity
	}
	if got := run(3 * humanize.MiByte / 2); got != SeverityLow {
		t.Fatalf("expected low, got %s", got)
	}
	if got := run(3 * humanize.MiByte); got != SeverityMedium {
		t.Fatalf("expected medium, got %s", got)
	}
	if got := run(8 * humanize.MiByte); got != SeverityHigh {
		t.Fatalf("expected high, got %s", got)
	}
}

func TestManagerSamplesThroughInjectedSampler(t *testing.T) {
	clock := newFakeClock()
	next := uint64(0)
	m := NewManager(Config{}, WithClock(clock.Now), WithMemorySampler(func() uint64 {
		next += 4 * humanize.MiByte
		return next
	}))
	for i := 0; i < 10; i++ {
		m.SampleMemory()
		clock.Advance(30 * time.Second)
	}
	report := m.DetectLeaks()
	if !report.Detected {
		t.Fatalf("expected leak from sampler, got %+v", report)
	}
	if s, ok := m.LatestSample(); !ok || s.Bytes != 40*humanize.MiByte {
		t.Fatalf("unexpected latest sample %+v", s)
	}
}

func TestEstimateSize(t *testing.T) {
	type doc struct {
		Name  string
		Lines []string
		Meta  map[string]int
	}
	v := doc{Name: "tasks", Lines: []string{"ab", "cde"}, Meta: map[string]int{"x": 1}}
	// 5 + (2+3) + (1+8)
	if got := EstimateSize(v); got != 19 {
		t.Fatalf("expected 19, got %d", got)
	}
	if EstimateSize(nil) != 0 {
		t.Fatalf("expected nil to be zero")
	}
	p := &v
	if got := EstimateSize([]*doc{p, p}); got != 8+19+8 {
		t.Fatalf("expected shared pointer counted once, got %d", got)
	}
}
