package stats

import (
	"maps"
	"time"
)

// Counters are the stats of one import run, returned to the caller for
// logging and alerting. The engine does not interpret them.
type Counters struct {
	Read        int64            `json:"read"`
	Success     int64            `json:"success"`
	Skipped     int64            `json:"skipped"`
	SkipReasons map[string]int64 `json:"skip_reasons,omitempty"`
	Inserted    int64            `json:"inserted"`
	Updated     int64            `json:"updated"`
	Batches     int64            `json:"batches"`
}

// Skip counts one intentionally skipped record
func (c *Counters) Skip(reason string) {
	c.Skipped++
	if reason == "" {
		return
	}
	if c.SkipReasons == nil {
		c.SkipReasons = make(map[string]int64)
	}
	c.SkipReasons[reason]++
}

// Add folds other into c
func (c *Counters) Add(other Counters) {
	c.Read += other.Read
	c.Success += other.Success
	c.Skipped += other.Skipped
	c.Inserted += other.Inserted
	c.Updated += other.Updated
	c.Batches += other.Batches

	if len(other.SkipReasons) == 0 {
		return
	}
	if c.SkipReasons == nil {
		c.SkipReasons = make(map[string]int64, len(other.SkipReasons))
	}
	for reason, n := range other.SkipReasons {
		c.SkipReasons[reason] += n
	}
}

// Written returns the number of target rows the run touched
func (c Counters) Written() int64 {
	return c.Inserted + c.Updated
}

// Clone returns a deep copy of c
func (c Counters) Clone() Counters {
	c.SkipReasons = maps.Clone(c.SkipReasons)
	return c
}

// StageSummary is the reduced view of one pipeline stage
type StageSummary struct {
	Stage      string
	Processed  int64
	MinDepth   int
	MaxDepth   int
	AvgDepth   float64
	HasDepth   bool
	AvgLatency time.Duration
	MaxLatency time.Duration
}
