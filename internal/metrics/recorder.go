package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Outcome tags a latency sample with how the attempt resolved.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

const (
	minLatency = time.Microsecond
	maxLatency = 10 * time.Minute
	sigFigs    = 2
)

type Sample struct {
	Kind     string
	Duration time.Duration
	Outcome  Outcome
}

type kindSeries struct {
	mu        sync.Mutex
	hist      *hdrhistogram.Histogram
	succeeded int64
	retryable int64
	fatal     int64
}

// Recorder aggregates latency samples for one run. Each kind has its own lock, so workers
// recording different kinds never contend.
type Recorder struct {
	mu    sync.RWMutex
	kinds map[string]*kindSeries

	succeeded atomic.Int64
	retryable atomic.Int64
	fatal     atomic.Int64

	prom *Collectors
}

func NewRecorder(prom *Collectors) *Recorder {
	return &Recorder{kinds: map[string]*kindSeries{}, prom: prom}
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(int64(minLatency/time.Microsecond), int64(maxLatency/time.Microsecond), sigFigs)
}

func (r *Recorder) series(kind string) *kindSeries {
	r.mu.RLock()
	s, ok := r.kinds[kind]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.kinds[kind]; ok {
		return s
	}
	s = &kindSeries{hist: newHistogram()}
	r.kinds[kind] = s
	return s
}

func (r *Recorder) Record(sample Sample) {
	micros := clampMicros(sample.Duration)
	s := r.series(sample.Kind)
	s.mu.Lock()
	_ = s.hist.RecordValue(micros)
	switch sample.Outcome {
	case OutcomeSucceeded:
		s.succeeded++
	case OutcomeRetryable:
		s.retryable++
	default:
		s.fatal++
	}
	s.mu.Unlock()

	switch sample.Outcome {
	case OutcomeSucceeded:
		r.succeeded.Add(1)
	case OutcomeRetryable:
		r.retryable.Add(1)
	default:
		r.fatal.Add(1)
	}
	r.prom.observe(sample)
}

func clampMicros(d time.Duration) int64 {
	if d < minLatency {
		d = minLatency
	}
	if d > maxLatency {
		d = maxLatency
	}
	return int64(d / time.Microsecond)
}

// KindStats is the latency summary of one operation kind.
type KindStats struct {
	Kind      string        `json:"kind"`
	Samples   int64         `json:"samples"`
	Succeeded int64         `json:"succeeded"`
	Retryable int64         `json:"retryable"`
	Fatal     int64         `json:"fatal"`
	P50       time.Duration `json:"p50_ns"`
	P95       time.Duration `json:"p95_ns"`
	P99       time.Duration `json:"p99_ns"`
	Max       time.Duration `json:"max_ns"`
	Mean      time.Duration `json:"mean_ns"`

	hist *hdrhistogram.Snapshot
}

// Snapshot is an immutable copy of a recorder's state.
type Snapshot struct {
	Succeeded int64       `json:"succeeded"`
	Retryable int64       `json:"retryable"`
	Fatal     int64       `json:"fatal"`
	Kinds     []KindStats `json:"kinds"`
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.kinds))
	series := make(map[string]*kindSeries, len(r.kinds))
	for name, s := range r.kinds {
		names = append(names, name)
		series[name] = s
	}
	r.mu.RUnlock()
	sort.Strings(names)

	snap := Snapshot{
		Succeeded: r.succeeded.Load(),
		Retryable: r.retryable.Load(),
		Fatal:     r.fatal.Load(),
		Kinds:     make([]KindStats, 0, len(names)),
	}
	for _, name := range names {
		s := series[name]
		s.mu.Lock()
		exported := s.hist.Export()
		stats := KindStats{Kind: name, Succeeded: s.succeeded, Retryable: s.retryable, Fatal: s.fatal}
		s.mu.Unlock()
		snap.Kinds = append(snap.Kinds, summarize(stats, exported))
	}
	return snap
}

func summarize(stats KindStats, exported *hdrhistogram.Snapshot) KindStats {
	h := hdrhistogram.Import(exported)
	stats.hist = exported
	stats.Samples = h.TotalCount()
	if stats.Samples == 0 {
		return stats
	}
	stats.P50 = micros(h.ValueAtQuantile(50))
	stats.P95 = micros(h.ValueAtQuantile(95))
	stats.P99 = micros(h.ValueAtQuantile(99))
	stats.Max = micros(h.Max())
	stats.Mean = time.Duration(h.Mean() * float64(time.Microsecond))
	return stats
}

func micros(v int64) time.Duration { return time.Duration(v) * time.Microsecond }

// Kind returns the stats for kind, if any samples were recorded.
func (s Snapshot) Kind(kind string) (KindStats, bool) {
	for _, k := range s.Kinds {
		if k.Kind == kind {
			return k, true
		}
	}
	return KindStats{}, false
}

// Merge combines two snapshots, re-deriving percentiles from the merged histograms.
func (s Snapshot) Merge(other Snapshot) Snapshot {
	out := Snapshot{
		Succeeded: s.Succeeded + other.Succeeded,
		Retryable: s.Retryable + other.Retryable,
		Fatal:     s.Fatal + other.Fatal,
	}
	byKind := map[string]KindStats{}
	for _, k := range s.Kinds {
		byKind[k.Kind] = k
	}
	for _, k := range other.Kinds {
		prev, ok := byKind[k.Kind]
		if !ok {
			byKind[k.Kind] = k
			continue
		}
		merged := newHistogram()
		if prev.hist != nil {
			merged.Merge(hdrhistogram.Import(prev.hist))
		}
		if k.hist != nil {
			merged.Merge(hdrhistogram.Import(k.hist))
		}
		byKind[k.Kind] = summarize(KindStats{
			Kind:      k.Kind,
			Succeeded: prev.Succeeded + k.Succeeded,
			Retryable: prev.Retryable + k.Retryable,
			Fatal:     prev.Fatal + k.Fatal,
		}, merged.Export())
	}
	names := make([]string, 0, len(byKind))
	for name := range byKind {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Kinds = append(out.Kinds, byKind[name])
	}
	return out
}
