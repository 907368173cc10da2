package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarizes the rolling latency samples of one pipeline stage.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	Errors      int     `json:"errors"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type stageWindow struct {
	mu         sync.RWMutex
	size       int
	stages     map[string]*ring
	errors     map[string]int
	indicators map[string]int
}

// ring keeps the most recent samples of one stage.
type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func (r *ring) add(v float64) {
	r.values[r.next] = v
	r.last = v
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) sorted() []float64 {
	n := r.next
	if r.full {
		n = len(r.values)
	}
	out := slices.Clone(r.values[:n])
	slices.Sort(out)
	return out
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		stages:     make(map[string]*ring),
		errors:     make(map[string]int),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.stages[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.add(ms)
}

func (w *stageWindow) ObserveError(stage string) {
	if stage == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors[stage]++
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.stages))
	for name := range w.stages {
		names = append(names, name)
	}
	for name := range w.errors {
		if _, ok := w.stages[name]; !ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		stats := StageStats{
			Stage:       name,
			Errors:      w.errors[name],
			TargetP95MS: stageTargetP95MS(name),
		}
		if r := w.stages[name]; r != nil {
			samples := r.sorted()
			sum := 0.0
			for _, v := range samples {
				sum += v
			}
			stats.Samples = len(samples)
			stats.LastMS = round2(r.last)
			if len(samples) > 0 {
				stats.AvgMS = round2(sum / float64(len(samples)))
			}
			stats.P50MS = round2(quantile(samples, 0.50))
			stats.P95MS = round2(quantile(samples, 0.95))
			stats.P99MS = round2(quantile(samples, 0.99))
		}
		stages = append(stages, stats)
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name, count := range w.indicators {
		if count > 0 {
			indicatorNames = append(indicatorNames, name)
		}
	}
	slices.Sort(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case "history":
		return 50
	case "grading":
		return 100
	case "responding":
		return 6000
	case "falling_back":
		return 15000
	case "persist":
		return 100
	case "total":
		return 8000
	default:
		return 0
	}
}
