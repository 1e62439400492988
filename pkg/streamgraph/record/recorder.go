package record

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	sg "github.com/randalmurphal/streamgraph/pkg/streamgraph"
	"github.com/randalmurphal/streamgraph/pkg/streamgraph/observability"
)

// Recorder writes every packet observed on a set of streams to a Store.
type Recorder struct {
	g       *sg.CalculatorGraph
	store   Store
	encode  func(any) ([]byte, error)
	logger  *slog.Logger
	lenient bool
	count   atomic.Int64
	dropped atomic.Int64
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithEncoder replaces JSON encoding of packet values.
func WithEncoder(encode func(any) ([]byte, error)) Option {
	return func(r *Recorder) {
		if encode != nil {
			r.encode = encode
		}
	}
}

// WithLenientErrors logs encoding and store failures instead of failing
// the run.
func WithLenientErrors(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.lenient = true
		r.logger = logger
	}
}

// Attach observes streams on g and records their packets in store under
// the current run ID. It must be called before StartRun.
func Attach(g *sg.CalculatorGraph, store Store, streams []string, opts ...Option) (*Recorder, error) {
	r := &Recorder{g: g, store: store, encode: json.Marshal}
	for _, opt := range opts {
		opt(r)
	}
	for _, name := range streams {
		name := name
		if err := g.ObserveOutputStream(name, func(p sg.Packet) error {
			return r.record(name, p)
		}); err != nil {
			return nil, fmt.Errorf("record %s: %w", name, err)
		}
	}
	return r, nil
}

func (r *Recorder) record(stream string, p sg.Packet) error {
	err := r.append(stream, p)
	if err == nil {
		r.count.Add(1)
		return nil
	}
	if r.lenient {
		r.dropped.Add(1)
		observability.LogRecordError(r.logger, stream, err)
		return nil
	}
	return err
}

func (r *Recorder) append(stream string, p sg.Packet) error {
	payload, err := r.encode(p.Value())
	if err != nil {
		return fmt.Errorf("encode packet at %s: %w", p.Timestamp(), err)
	}
	_, err = r.store.Append(Record{
		RunID:     r.g.RunID(),
		Stream:    stream,
		Timestamp: p.Timestamp(),
		Type:      p.TypeName(),
		Payload:   payload,
	})
	return err
}

// Count returns the number of packets recorded.
func (r *Recorder) Count() int64 { return r.count.Load() }

// Dropped returns the number of packets that could not be recorded with
// lenient errors enabled.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }
