package streamgraph

import (
	"fmt"
	"math"
	"strconv"
)

// Timestamp is a logical time attached to every packet on a stream.
// Values are conventionally microseconds, but the engine only relies on
// their total order.
//
// The extremes of the int64 range are reserved for sentinels:
//
//	Unset < Unstarted < PreStream < Min <= (range values) <= Max < PostStream < OneOverPostStream < Done
type Timestamp int64

// Sentinel timestamps.
const (
	// Unset marks an uninitialized timestamp. Packets created by MakePacket
	// carry Unset until bound with At.
	Unset Timestamp = math.MinInt64

	// Unstarted is the bound before any processing has happened.
	Unstarted Timestamp = math.MinInt64 + 1

	// PreStream is a single-use timestamp that precedes all range values.
	// A stream carrying a PreStream packet carries nothing else.
	PreStream Timestamp = math.MinInt64 + 2

	// Min is the smallest range value.
	Min Timestamp = math.MinInt64 + 3

	// Max is the largest range value.
	Max Timestamp = math.MaxInt64 - 3

	// PostStream is a single-use timestamp that follows all range values,
	// typically used for summaries emitted when a stream ends.
	PostStream Timestamp = math.MaxInt64 - 2

	// OneOverPostStream is the bound after PostStream. No packet may follow.
	OneOverPostStream Timestamp = math.MaxInt64 - 1

	// Done is the bound of a closed stream.
	Done Timestamp = math.MaxInt64
)

// IsSpecialValue reports whether t is a sentinel rather than an ordinary
// range value. Min and Max are both range values and sentinels.
func (t Timestamp) IsSpecialValue() bool {
	return t <= Min || t >= Max
}

// IsRangeValue reports whether t lies in [Min, Max].
func (t Timestamp) IsRangeValue() bool {
	return t >= Min && t <= Max
}

// IsAllowedInStream reports whether a packet may carry t.
func (t Timestamp) IsAllowedInStream() bool {
	return t.IsRangeValue() || t == PreStream || t == PostStream
}

// NextAllowedInStream returns the smallest timestamp a packet following a
// packet at t may carry. After PreStream, PostStream or Max nothing may
// follow, so the result is OneOverPostStream.
func (t Timestamp) NextAllowedInStream() Timestamp {
	if t >= Max || t == PreStream {
		return OneOverPostStream
	}
	if t < PreStream {
		return PreStream
	}
	return t + 1
}

// PreviousAllowedInStream returns the largest timestamp a packet preceding
// t may carry, or Unstarted when nothing may precede it.
func (t Timestamp) PreviousAllowedInStream() Timestamp {
	switch {
	case t <= Min || t == PostStream:
		return Unstarted
	case t > PostStream:
		return PostStream
	}
	return t - 1
}

// Add offsets a range value by delta, saturating at Min and Max.
// Offsetting any other sentinel is not defined and returns ErrInvalidTimestamp.
func (t Timestamp) Add(delta int64) (Timestamp, error) {
	if !t.IsRangeValue() {
		return Unset, fmt.Errorf("%w: cannot offset %s by %d", ErrInvalidTimestamp, t, delta)
	}
	if delta >= 0 && int64(t) > int64(Max)-delta {
		return Max, nil
	}
	if delta < 0 && int64(t) < int64(Min)-delta {
		return Min, nil
	}
	return t + Timestamp(delta), nil
}

// Microseconds returns the raw value.
func (t Timestamp) Microseconds() int64 {
	return int64(t)
}

// Seconds interprets the value as microseconds.
func (t Timestamp) Seconds() float64 {
	return float64(t) / 1e6
}

// FromSeconds converts seconds to a microsecond timestamp.
func FromSeconds(s float64) Timestamp {
	return Timestamp(math.Round(s * 1e6))
}

// String implements fmt.Stringer.
func (t Timestamp) String() string {
	switch t {
	case Unset:
		return "Timestamp::Unset()"
	case Unstarted:
		return "Timestamp::Unstarted()"
	case PreStream:
		return "Timestamp::PreStream()"
	case Min:
		return "Timestamp::Min()"
	case Max:
		return "Timestamp::Max()"
	case PostStream:
		return "Timestamp::PostStream()"
	case OneOverPostStream:
		return "Timestamp::OneOverPostStream()"
	case Done:
		return "Timestamp::Done()"
	}
	return strconv.FormatInt(int64(t), 10)
}

func minTimestamp(a, b Timestamp) Timestamp {
	if a < b {
		return a
	}
	return b
}

func maxTimestamp(a, b Timestamp) Timestamp {
	if a > b {
		return a
	}
	return b
}
