package streamgraph

import (
	"context"
	"io"
	"sync"
)

// OutputStreamPoller pulls packets from an output stream. Packets are
// buffered without limit until read. A poller is meant for one reader.
type OutputStreamPoller struct {
	name string

	mu     sync.Mutex
	queue  []Packet
	done   bool
	err    error
	signal chan struct{}
}

func newOutputStreamPoller(name string) *OutputStreamPoller {
	return &OutputStreamPoller{name: name, signal: make(chan struct{}, 1)}
}

// Name returns the polled stream name.
func (p *OutputStreamPoller) Name() string { return p.name }

// Next returns the next packet. It returns io.EOF once the stream is done
// and drained, or the run error if the run failed.
func (p *OutputStreamPoller) Next(ctx context.Context) (Packet, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			pkt := p.queue[0]
			p.queue[0] = Packet{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return pkt, nil
		}
		if p.done {
			err := p.err
			p.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Packet{}, err
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Packet{}, ctx.Err()
		case <-p.signal:
		}
	}
}

// Len returns the number of buffered packets.
func (p *OutputStreamPoller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *OutputStreamPoller) push(pkt Packet) {
	p.mu.Lock()
	p.queue = append(p.queue, pkt)
	p.mu.Unlock()
	p.notify()
}

// finish marks the stream done. A run error is kept only if the stream
// had not finished cleanly.
func (p *OutputStreamPoller) finish(err error) {
	p.mu.Lock()
	if !p.done {
		p.done = true
		p.err = err
	}
	p.mu.Unlock()
	p.notify()
}

func (p *OutputStreamPoller) reset() {
	p.mu.Lock()
	p.queue = nil
	p.done = false
	p.err = nil
	p.mu.Unlock()
}

func (p *OutputStreamPoller) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}
