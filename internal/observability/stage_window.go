package observability

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// StageStats summarises the retained latency samples of one stage, in milliseconds.
type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// Indicator is a running count of one degradation signal, read back from the
// degradation_indicators_total counter.
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

const defaultStageSamples = 256

// latencyRing holds the newest samples of a stage; older ones are overwritten.
type latencyRing struct {
	samples []float64
	head    int
	size    int
}

func (r *latencyRing) push(ms float64) {
	r.samples[r.head] = ms
	r.head = (r.head + 1) % len(r.samples)
	if r.size < len(r.samples) {
		r.size++
	}
}

func (r *latencyRing) newest() float64 {
	return r.samples[(r.head+len(r.samples)-1)%len(r.samples)]
}

// retained returns the samples in ascending order.
func (r *latencyRing) retained() []float64 {
	out := slices.Clone(r.samples[:r.size])
	slices.Sort(out)
	return out
}

// stageWindow tracks per-stage latency over the last capacity samples.
type stageWindow struct {
	mu       sync.Mutex
	capacity int
	rings    map[string]*latencyRing
}

func newStageWindow(capacity int) *stageWindow {
	if capacity <= 0 {
		capacity = defaultStageSamples
	}
	return &stageWindow{capacity: capacity, rings: map[string]*latencyRing{}}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{samples: make([]float64, w.capacity)}
		w.rings[stage] = r
	}
	r.push(ms)
}

// Stages returns one summary per observed stage, ordered by stage name.
func (w *stageWindow) Stages() []StageStats {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]StageStats, 0, len(w.rings))
	for name, r := range w.rings {
		if r.size == 0 {
			continue
		}
		out = append(out, summarize(name, r))
	}
	slices.SortFunc(out, func(a, b StageStats) int { return strings.Compare(a.Stage, b.Stage) })
	return out
}

func summarize(stage string, r *latencyRing) StageStats {
	sorted := r.retained()
	var total float64
	for _, v := range sorted {
		total += v
	}
	return StageStats{
		Stage:       stage,
		Samples:     len(sorted),
		LastMS:      toHundredths(r.newest()),
		AvgMS:       toHundredths(total / float64(len(sorted))),
		P50MS:       toHundredths(percentile(sorted, 50)),
		P95MS:       toHundredths(percentile(sorted, 95)),
		P99MS:       toHundredths(percentile(sorted, 99)),
		TargetP95MS: latencyBudgetMS(stage),
	}
}

// percentile interpolates linearly between the two closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	below := int(rank)
	if below+1 >= n {
		return sorted[n-1]
	}
	weight := rank - float64(below)
	return sorted[below] + (sorted[below+1]-sorted[below])*weight
}

func toHundredths(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

// latencyBudgetMS is the p95 target for a stage, zero when none applies.
func latencyBudgetMS(stage string) float64 {
	if stage == "call_connect" {
		return 1500
	}
	if strings.HasPrefix(stage, "tool_") {
		return 800
	}
	return 0
}
