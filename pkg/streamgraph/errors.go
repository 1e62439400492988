package streamgraph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph configuration and validation.
var (
	// ErrGraphValidation indicates the topology is inconsistent: unknown or
	// doubly produced streams, type mismatches, unconnected required ports,
	// cycles without back edges.
	ErrGraphValidation = errors.New("graph validation failed")

	// ErrConfiguration indicates a calculator rejected its options or its
	// port/side-packet layout.
	ErrConfiguration = errors.New("invalid calculator configuration")

	// ErrUnknownCalculator indicates a node names an unregistered calculator.
	ErrUnknownCalculator = errors.New("calculator not registered")

	// ErrInvalidTag indicates a malformed TAG:index:name entry.
	ErrInvalidTag = errors.New("invalid tag:index:name")
)

// Sentinel errors for timestamps and packets.
var (
	// ErrInvalidTimestamp indicates arithmetic or emission on a timestamp
	// that does not allow it.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrNonMonotonicTimestamp indicates a packet or bound went backwards.
	ErrNonMonotonicTimestamp = errors.New("timestamp is not monotonically increasing")

	// ErrTypeMismatch indicates a packet holds a different type than requested.
	ErrTypeMismatch = errors.New("packet type mismatch")

	// ErrEmptyPacket indicates a typed read of a packet with no value.
	ErrEmptyPacket = errors.New("packet is empty")
)

// Sentinel errors for the graph lifecycle.
var (
	// ErrNotInitialized indicates a runtime call before Initialize.
	ErrNotInitialized = errors.New("graph not initialized")

	// ErrAlreadyInitialized indicates Initialize was called twice.
	ErrAlreadyInitialized = errors.New("graph already initialized")

	// ErrNotRunning indicates a runtime control was used outside a run.
	ErrNotRunning = errors.New("graph is not running")

	// ErrAlreadyRunning indicates StartRun was called during a run.
	ErrAlreadyRunning = errors.New("graph is already running")

	// ErrUnknownStream indicates a stream name that is not part of the graph.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrUnknownSidePacket indicates a side packet name that is not part of the graph.
	ErrUnknownSidePacket = errors.New("unknown side packet")

	// ErrStreamClosed indicates a packet was added to a closed input stream.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrMissingSidePacket indicates a required input side packet was not supplied.
	ErrMissingSidePacket = errors.New("missing input side packet")

	// ErrSidePacketNotSet indicates a node closed without producing a
	// declared output side packet.
	ErrSidePacketNotSet = errors.New("output side packet was not set")

	// ErrSourcesPresent indicates WaitUntilIdle was called while source
	// nodes are still producing.
	ErrSourcesPresent = errors.New("graph has open source nodes")

	// ErrInternal indicates a violated engine or calculator invariant.
	ErrInternal = errors.New("internal error")
)

// ErrStop is returned from Process to signal that a node has nothing more
// to produce. A source node is closed. Any other node requests that all
// packet sources and graph input streams be closed.
var ErrStop = errors.New("stop")

// Node lifecycle operations reported in NodeError.Op.
const (
	OpOpen    = "open"
	OpProcess = "process"
	OpClose   = "close"
)

// NodeError wraps an error returned by a calculator callback.
type NodeError struct {
	// Node is the name of the failing node.
	Node string
	// Op is the lifecycle callback that failed: open, process or close.
	Op string
	// Timestamp is the input timestamp of a failing Process call.
	Timestamp Timestamp
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.Op == OpProcess {
		return fmt.Sprintf("node %s: %s at %s: %v", e.Node, e.Op, e.Timestamp, e.Err)
	}
	return fmt.Sprintf("node %s: %s: %v", e.Node, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised inside a calculator callback.
type PanicError struct {
	// Node is the name of the node that panicked.
	Node string
	// Op is the callback that panicked.
	Op string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked in %s: %v", e.Node, e.Op, e.Value)
}

// TimestampError reports a packet or bound that violates stream ordering.
type TimestampError struct {
	// Stream is the stream name.
	Stream string
	// Got is the offending timestamp.
	Got Timestamp
	// Bound is the smallest timestamp that was still allowed.
	Bound Timestamp
}

// Error implements the error interface.
func (e *TimestampError) Error() string {
	if !e.Got.IsAllowedInStream() {
		return fmt.Sprintf("stream %q: timestamp %s is not allowed in a stream", e.Stream, e.Got)
	}
	return fmt.Sprintf("stream %q: packet timestamp mismatch: minimum expected timestamp is %s but received %s",
		e.Stream, e.Bound, e.Got)
}

// Unwrap returns ErrNonMonotonicTimestamp or ErrInvalidTimestamp.
func (e *TimestampError) Unwrap() error {
	if !e.Got.IsAllowedInStream() {
		return ErrInvalidTimestamp
	}
	return ErrNonMonotonicTimestamp
}

// TypeMismatchError reports a packet value of an unexpected type.
type TypeMismatchError struct {
	// Where names the stream, side packet or accessor involved.
	Where string
	// Want is the expected type name.
	Want string
	// Got is the actual type name.
	Got string
}

// Error implements the error interface.
func (e *TypeMismatchError) Error() string {
	if e.Where == "" {
		return fmt.Sprintf("packet type mismatch: want %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("%s: packet type mismatch: want %s, got %s", e.Where, e.Want, e.Got)
}

// Unwrap returns ErrTypeMismatch for errors.Is support.
func (e *TypeMismatchError) Unwrap() error {
	return ErrTypeMismatch
}

// Internalf returns an ErrInternal-wrapping error with a formatted message.
// Calculators use it for contract violations that must end the run.
func Internalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternal, fmt.Sprintf(format, args...))
}

// Configf returns an ErrConfiguration-wrapping error with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrGraphValidation, fmt.Sprintf(format, args...))
}
