package db

import (
	"encoding/json"
	"strconv"
	"time"
)

// Marker is the version value of one import run: its start time in unix
// nanoseconds. Every row written by the run carries it.
type Marker int64

// MarkerAt converts a time to a marker
func MarkerAt(t time.Time) Marker {
	return Marker(t.UnixNano())
}

// Time returns the marker as a UTC time
func (m Marker) Time() time.Time {
	return time.Unix(0, int64(m)).UTC()
}

func (m Marker) String() string {
	return strconv.FormatInt(int64(m), 10)
}

// Run statuses
const (
	RunPending = "pending"
	RunDone    = "done"
	RunFailed  = "failed"
)

// Snapshot maps an upstream dependency (or resource) name to the version the
// run was built against. Dependency versions are upstream markers.
type Snapshot map[string]string

// Resource describes where a run's data came from
type Resource struct {
	Title   string    `json:"title,omitempty"`
	URL     string    `json:"url,omitempty"`
	Date    time.Time `json:"date,omitempty"`
	Version string    `json:"version,omitempty"`
}

// ImportRun is one attempt to (re)populate a target collection
type ImportRun struct {
	ID             string
	Type           string
	StartedAt      Marker
	Status         string
	SourceSnapshot Snapshot
	Resource       *Resource
	FinishedAt     *time.Time
	Error          *string
	SuccessCount   int64
	SkippedCount   int64
}

// Document is a durable target entity
type Document struct {
	Collection string
	Key        string
	ID         string
	Payload    json.RawMessage
	CreatedAt  Marker
	UpdatedAt  Marker
	ArchivedAt *Marker
}

// Archived reports whether the document was tombstoned by the reconciler
func (d *Document) Archived() bool {
	return d.ArchivedAt != nil
}

// Upsert is a write instruction for the documents table
type Upsert struct {
	Key     string
	Payload json.RawMessage
}

// RawRecord is one upstream row stored verbatim under a run marker
type RawRecord struct {
	Position int64
	Kind     string
	Payload  json.RawMessage
}

// ImportRunStats holds per-stage pipeline metrics for a run
type ImportRunStats struct {
	RunID          string
	Stage          string
	Processed      int64
	MinInboxDepth  *int
	MaxInboxDepth  *int
	AvgInboxDepth  *float64
	AvgLatencyUsec *float64
	MaxLatencyUsec *int64
}
