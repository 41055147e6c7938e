package stats

import (
	"sync"
	"time"

	"github.com/livinlefevreloca/refimport/internal/inbox"
)

// StageAccumulator keeps running aggregates for one pipeline stage. Memory
// stays constant whatever the number of observations.
type StageAccumulator struct {
	Processed int64

	latencySum time.Duration
	latencyMax time.Duration

	depth      inbox.Stats
	depthKnown bool
}

// Observe records one processed item and the time it took
func (acc *StageAccumulator) Observe(latency time.Duration) {
	acc.Processed++
	acc.latencySum += latency
	if latency > acc.latencyMax {
		acc.latencyMax = latency
	}
}

// ObserveInbox merges the depth samples of the inbox feeding the stage
func (acc *StageAccumulator) ObserveInbox(s inbox.Stats) {
	if s.DepthSamples == 0 {
		return
	}
	if !acc.depthKnown || s.MinDepthSeen < acc.depth.MinDepthSeen {
		acc.depth.MinDepthSeen = s.MinDepthSeen
	}
	if s.MaxDepthSeen > acc.depth.MaxDepthSeen {
		acc.depth.MaxDepthSeen = s.MaxDepthSeen
	}
	acc.depth.DepthSum += s.DepthSum
	acc.depth.DepthSamples += s.DepthSamples
	acc.depthKnown = true
}

// Merge folds other into acc
func (acc *StageAccumulator) Merge(other *StageAccumulator) {
	acc.Processed += other.Processed
	acc.latencySum += other.latencySum
	if other.latencyMax > acc.latencyMax {
		acc.latencyMax = other.latencyMax
	}
	if other.depthKnown {
		acc.ObserveInbox(other.depth)
	}
}

func (acc *StageAccumulator) summary(stage string) StageSummary {
	s := StageSummary{
		Stage:      stage,
		Processed:  acc.Processed,
		MaxLatency: acc.latencyMax,
	}
	if acc.Processed > 0 {
		s.AvgLatency = acc.latencySum / time.Duration(acc.Processed)
	}
	if acc.depthKnown {
		s.HasDepth = true
		s.MinDepth = acc.depth.MinDepthSeen
		s.MaxDepth = acc.depth.MaxDepthSeen
		s.AvgDepth = acc.depth.AvgDepth()
	}
	return s
}

// Recorder collects stage accumulators for one run. Each stage goroutine
// fills its own accumulator and hands it over with Merge once done, so the
// lock is only taken at stage boundaries.
type Recorder struct {
	mu     sync.Mutex
	stages map[string]*StageAccumulator
	order  []string
}

func NewRecorder() *Recorder {
	return &Recorder{stages: make(map[string]*StageAccumulator)}
}

// Merge adds a stage's accumulator to the recorder
func (r *Recorder) Merge(stage string, acc *StageAccumulator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.stages[stage]
	if !ok {
		existing = &StageAccumulator{}
		r.stages[stage] = existing
		r.order = append(r.order, stage)
	}
	existing.Merge(acc)
}

// Summaries returns one summary per stage, in first-seen order
func (r *Recorder) Summaries() []StageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]StageSummary, 0, len(r.order))
	for _, stage := range r.order {
		out = append(out, r.stages[stage].summary(stage))
	}
	return out
}
