// Package record stores packets observed on graph streams so they can be
// inspected after a run, including a run that failed.
package record

import (
	"encoding/json"
	"errors"
	"time"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
)

// Store persists recorded packets.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores rec and returns its sequence number, which increases
	// per run starting at 1. rec.Sequence is ignored.
	Append(rec Record) (int, error)

	// List returns the records of one stream of a run, ordered by sequence.
	// Returns an empty slice (not an error) if nothing was recorded.
	List(runID, stream string) ([]Record, error)

	// Streams returns the names of the streams recorded for a run, sorted.
	Streams(runID string) ([]string, error)

	// DeleteRun removes all records of a run.
	// Returns nil if the run has no records.
	DeleteRun(runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Record is one packet observed on a stream.
type Record struct {
	RunID      string          `json:"run_id"`
	Stream     string          `json:"stream"`
	Sequence   int             `json:"sequence"`
	Timestamp  sg.Timestamp    `json:"timestamp"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("record store closed")
)
