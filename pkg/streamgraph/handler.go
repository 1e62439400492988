package streamgraph

import (
	"fmt"

	"github.com/randalmurphal/streamgraph/pkg/streamgraph/registry"
)

// Input stream handler names.
const (
	// DefaultInputStreamHandler synchronizes all input ports as one set.
	DefaultInputStreamHandler = "DefaultInputStreamHandler"
	// SyncSetInputStreamHandler synchronizes configured groups of ports
	// independently.
	SyncSetInputStreamHandler = "SyncSetInputStreamHandler"
	// ImmediateInputStreamHandler treats every port as its own set.
	ImmediateInputStreamHandler = "ImmediateInputStreamHandler"
	// MuxInputStreamHandler lets the SELECT port decide which INPUT port
	// must be settled.
	MuxInputStreamHandler = "MuxInputStreamHandler"
)

type readiness int

const (
	notReady readiness = iota
	readyForProcess
	readyForClose
)

// inputHandler decides when a node runs and which packets it sees.
type inputHandler interface {
	// readiness inspects stream state and never changes it, so repeated
	// calls without new input return the same answer.
	readiness(streams []*inputStream) (readiness, Timestamp)
	// fill moves the packets for ts into in and records ts as processed.
	fill(streams []*inputStream, ts Timestamp, in []InputPort)
	// groups is the number of port groups scheduled independently. With
	// more than one, a timestamp already processed for one group may still
	// be processed for another.
	groups() int
}

type handlerSpec struct {
	ports         *TagMap
	syncSets      [][]TagIndex
	processBounds bool
}

type handlerFactory func(spec handlerSpec) (inputHandler, error)

var inputStreamHandlers = registry.New[string, handlerFactory]()

func init() {
	for name, f := range map[string]handlerFactory{
		DefaultInputStreamHandler:   newDefaultHandler,
		SyncSetInputStreamHandler:   newSyncSetHandler,
		ImmediateInputStreamHandler: newImmediateHandler,
		MuxInputStreamHandler:       newMuxHandler,
	} {
		if err := inputStreamHandlers.Add(name, f); err != nil {
			panic(err)
		}
	}
}

func newInputHandler(name string, spec handlerSpec) (inputHandler, error) {
	f, ok := inputStreamHandlers.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown input stream handler %q", name)
	}
	return f(spec)
}

// syncSet is a group of ports examined together.
type syncSet struct {
	ids           []int
	lastProcessed Timestamp
	processBounds bool
	// notifyDone delivers one empty Process call at PostStream when the
	// set's streams are done, before the node may close.
	notifyDone bool
}

func newSyncSet(ids []int, processBounds, notifyDone bool) *syncSet {
	return &syncSet{ids: ids, lastProcessed: Unstarted, processBounds: processBounds, notifyDone: notifyDone}
}

// readiness follows the minimum packet / minimum bound rule: without
// bound processing the set is ready at the smallest queued timestamp once
// every empty stream's bound has passed it. With bound processing it is
// ready at the largest settled timestamp not yet processed.
//
// Back edges never hold the set up; their queued packets are delivered
// when the forward streams allow, and packets at or below the last
// processed timestamp are stale.
func (s *syncSet) readiness(streams []*inputStream) (readiness, Timestamp) {
	minBound, minPacket, closeBound := Done, Done, Done
	for _, id := range s.ids {
		st := streams[id]
		if st.backEdge {
			if p, ok := st.headAfter(s.lastProcessed); ok {
				minPacket = minTimestamp(minPacket, p.Timestamp())
			}
			continue
		}
		if len(st.queue) > 0 {
			minPacket = minTimestamp(minPacket, st.queue[0].Timestamp())
			closeBound = minTimestamp(closeBound, st.queue[0].Timestamp())
			continue
		}
		minBound = minTimestamp(minBound, st.bound)
		closeBound = minTimestamp(closeBound, st.bound)
	}

	if minPacket == Done && closeBound == Done {
		if s.notifyDone && s.lastProcessed < PostStream {
			return readyForProcess, PostStream
		}
		return readyForClose, Done
	}
	if !s.processBounds {
		if minPacket < minBound {
			return readyForProcess, minPacket
		}
		return notReady, Unset
	}
	ts := minTimestamp(minPacket, minBound.PreviousAllowedInStream())
	if ts > maxTimestamp(s.lastProcessed, Unstarted) {
		return readyForProcess, ts
	}
	return notReady, Unset
}

func (s *syncSet) fill(streams []*inputStream, ts Timestamp, in []InputPort) {
	for _, id := range s.ids {
		st := streams[id]
		if st.backEdge {
			st.dropBefore(s.lastProcessed.NextAllowedInStream())
		}
		if p, ok := st.popAt(ts); ok {
			in[id].packet = p
		}
		in[id].done = st.isDone()
	}
	s.lastProcessed = ts
}

// syncSetHandler covers the default, sync-set and immediate handlers,
// which differ only in how ports are grouped.
type syncSetHandler struct {
	sets []*syncSet
	// fillAll fills every set ready at the chosen timestamp in one call.
	// Otherwise only the first one is filled.
	fillAll bool
}

func (h *syncSetHandler) readiness(streams []*inputStream) (readiness, Timestamp) {
	best := Done
	found := false
	allClose := true
	for _, s := range h.sets {
		r, ts := s.readiness(streams)
		switch r {
		case readyForProcess:
			if !found || ts < best {
				best = ts
			}
			found = true
			allClose = false
		case notReady:
			allClose = false
		}
	}
	if found {
		return readyForProcess, best
	}
	if allClose {
		return readyForClose, Done
	}
	return notReady, Unset
}

func (h *syncSetHandler) fill(streams []*inputStream, ts Timestamp, in []InputPort) {
	for _, s := range h.sets {
		r, setTs := s.readiness(streams)
		if r != readyForProcess || setTs != ts {
			continue
		}
		s.fill(streams, ts, in)
		if !h.fillAll {
			return
		}
	}
}

func (h *syncSetHandler) groups() int { return len(h.sets) }

func newDefaultHandler(spec handlerSpec) (inputHandler, error) {
	if len(spec.syncSets) > 0 {
		return nil, fmt.Errorf("%s does not take sync sets", DefaultInputStreamHandler)
	}
	ids := make([]int, spec.ports.Len())
	for i := range ids {
		ids[i] = i
	}
	return &syncSetHandler{sets: []*syncSet{newSyncSet(ids, spec.processBounds, false)}}, nil
}

func newSyncSetHandler(spec handlerSpec) (inputHandler, error) {
	used := make([]bool, spec.ports.Len())
	h := &syncSetHandler{}
	for _, group := range spec.syncSets {
		var ids []int
		for _, ti := range group {
			id, ok := spec.ports.ID(ti.Tag, ti.Index)
			if !ok {
				return nil, fmt.Errorf("sync set names unknown input %s", ti)
			}
			if used[id] {
				return nil, fmt.Errorf("input %s is in more than one sync set", ti)
			}
			used[id] = true
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			h.sets = append(h.sets, newSyncSet(ids, spec.processBounds, false))
		}
	}
	var rest []int
	for id, u := range used {
		if !u {
			rest = append(rest, id)
		}
	}
	if len(rest) > 0 {
		h.sets = append(h.sets, newSyncSet(rest, spec.processBounds, false))
	}
	return h, nil
}

// newImmediateHandler places every port in its own set. With bound
// processing each port also reports once that it is done.
func newImmediateHandler(spec handlerSpec) (inputHandler, error) {
	if len(spec.syncSets) > 0 {
		return nil, fmt.Errorf("%s does not take sync sets", ImmediateInputStreamHandler)
	}
	h := &syncSetHandler{fillAll: true}
	for id := 0; id < spec.ports.Len(); id++ {
		h.sets = append(h.sets, newSyncSet([]int{id}, spec.processBounds, spec.processBounds))
	}
	return h, nil
}

// muxHandler consults the SELECT port first. At the control timestamp only
// the selected INPUT port must be settled; packets on the other INPUT ports
// up to that timestamp are discarded. Readiness and filling both run under
// the node lock, so the control value and the data it selects come from
// the same snapshot.
type muxHandler struct {
	control int
	inputs  []int
}

func newMuxHandler(spec handlerSpec) (inputHandler, error) {
	control, ok := spec.ports.ID("SELECT", 0)
	if !ok {
		return nil, fmt.Errorf("%s requires a SELECT input stream", MuxInputStreamHandler)
	}
	n := spec.ports.NumEntries("INPUT")
	if n == 0 {
		return nil, fmt.Errorf("%s requires INPUT streams", MuxInputStreamHandler)
	}
	h := &muxHandler{control: control, inputs: make([]int, n)}
	for i := range h.inputs {
		h.inputs[i], _ = spec.ports.ID("INPUT", i)
	}
	return h, nil
}

func (h *muxHandler) selected(p Packet) (int, bool) {
	v, err := Get[int](p)
	if err != nil || v < 0 || v >= len(h.inputs) {
		return 0, false
	}
	return h.inputs[v], true
}

func (h *muxHandler) readiness(streams []*inputStream) (readiness, Timestamp) {
	ctl := streams[h.control]
	if len(ctl.queue) == 0 {
		if ctl.bound == Done {
			return readyForClose, Done
		}
		return notReady, Unset
	}
	head := ctl.queue[0]
	id, ok := h.selected(head)
	if !ok {
		// Process reports the bad control value.
		return readyForProcess, head.Timestamp()
	}
	data := streams[id]
	if _, ok := data.headAfter(head.Timestamp().PreviousAllowedInStream()); ok || data.bound > head.Timestamp() {
		return readyForProcess, head.Timestamp()
	}
	return notReady, Unset
}

func (h *muxHandler) groups() int { return 1 }

func (h *muxHandler) fill(streams []*inputStream, ts Timestamp, in []InputPort) {
	ctl := streams[h.control]
	p, _ := ctl.popAt(ts)
	in[h.control].packet = p
	in[h.control].done = ctl.isDone()
	sel, ok := h.selected(p)
	if !ok {
		sel = -1
	}
	for _, id := range h.inputs {
		st := streams[id]
		if id == sel {
			if q, ok := st.popAt(ts); ok {
				in[id].packet = q
			}
		} else {
			st.dropBefore(ts.NextAllowedInStream())
		}
		in[id].done = st.isDone()
	}
}
