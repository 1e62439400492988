package streamgraph

// inputStream is a node's queue for one input port. Packets are queued in
// timestamp order; bound is the smallest timestamp a packet that has not
// arrived yet may carry. Guarded by the owning node's mutex.
type inputStream struct {
	name     string
	queue    []Packet
	bound    Timestamp
	backEdge bool
}

func newInputStream(name string, backEdge bool) *inputStream {
	return &inputStream{name: name, bound: PreStream, backEdge: backEdge}
}

// add queues p. Its timestamp must not be below the current bound.
func (s *inputStream) add(p Packet) error {
	if !p.Timestamp().IsAllowedInStream() || p.Timestamp() < s.bound {
		return &TimestampError{Stream: s.name, Got: p.Timestamp(), Bound: s.bound}
	}
	s.queue = append(s.queue, p)
	s.bound = normalizeBound(p.Timestamp().NextAllowedInStream())
	return nil
}

// setBound raises the bound. Lower values are ignored.
func (s *inputStream) setBound(b Timestamp) {
	b = normalizeBound(b)
	if b > s.bound {
		s.bound = b
	}
}

// isDone reports whether the stream is drained and will receive nothing.
func (s *inputStream) isDone() bool {
	return len(s.queue) == 0 && s.bound == Done
}

// headAfter returns the first queued packet with a timestamp above after.
func (s *inputStream) headAfter(after Timestamp) (Packet, bool) {
	for _, p := range s.queue {
		if p.Timestamp() > after {
			return p, true
		}
	}
	return Packet{}, false
}

// minTimestampOrBound is the smallest timestamp still to be consumed.
func (s *inputStream) minTimestampOrBound() Timestamp {
	if len(s.queue) > 0 {
		return s.queue[0].Timestamp()
	}
	return s.bound
}

// popAt drops packets below ts and removes the packet at ts, if any.
func (s *inputStream) popAt(ts Timestamp) (Packet, bool) {
	s.dropBefore(ts)
	if len(s.queue) > 0 && s.queue[0].Timestamp() == ts {
		p := s.queue[0]
		s.queue[0] = Packet{}
		s.queue = s.queue[1:]
		return p, true
	}
	return Packet{}, false
}

// dropBefore discards packets with timestamps below ts.
func (s *inputStream) dropBefore(ts Timestamp) {
	n := 0
	for n < len(s.queue) && s.queue[n].Timestamp() < ts {
		s.queue[n] = Packet{}
		n++
	}
	s.queue = s.queue[n:]
}

// normalizeBound folds every bound past PostStream into Done, since no
// packet can follow it.
func normalizeBound(b Timestamp) Timestamp {
	if b >= OneOverPostStream {
		return Done
	}
	return b
}

type consumer struct {
	n    *node
	port int
}

// outputStream is the producer side of a stream: the graph input or node
// output port that feeds it, plus everything that reads it. The producer
// state (nextBound, sentBound, closed) is touched only by the producing
// node's serialized callbacks, or under graphRun.inputMu for graph inputs.
type outputStream struct {
	name      string
	typ       PacketType
	consumers []consumer
	observers []func(Packet) error
	pollers   []*OutputStreamPoller

	nextBound Timestamp
	sentBound Timestamp
	closed    bool
}

func newOutputStream(name string, typ PacketType) *outputStream {
	return &outputStream{name: name, typ: typ, nextBound: PreStream, sentBound: PreStream}
}

// check validates a packet about to be emitted.
func (s *outputStream) check(p Packet) error {
	if s.closed {
		return &TimestampError{Stream: s.name, Got: p.Timestamp(), Bound: Done}
	}
	if !p.Timestamp().IsAllowedInStream() || p.Timestamp() < s.nextBound {
		return &TimestampError{Stream: s.name, Got: p.Timestamp(), Bound: s.nextBound}
	}
	if err := s.typ.Validate(p); err != nil {
		if tm, ok := err.(*TypeMismatchError); ok {
			tm.Where = "stream " + s.name
		}
		return err
	}
	return nil
}

// advance records an accepted packet at ts.
func (s *outputStream) advance(ts Timestamp) {
	s.nextBound = normalizeBound(ts.NextAllowedInStream())
}

// raise lifts the next bound. Lower values are ignored.
func (s *outputStream) raise(b Timestamp) {
	if s.closed {
		return
	}
	b = normalizeBound(b)
	if b > s.nextBound {
		s.nextBound = b
	}
}

func (s *outputStream) close() {
	s.closed = true
	s.nextBound = Done
}
