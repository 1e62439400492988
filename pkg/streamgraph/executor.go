package streamgraph

import (
	"container/heap"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// executor runs node tasks on a fixed set of worker goroutines. Ready
// nodes are taken in topological rank order so downstream work drains
// before upstream work piles up; source nodes always come last.
type executor struct {
	name    string
	workers int
	// pinned workers hold their OS thread for the whole run.
	pinned bool
	done   func()

	mu     sync.Mutex
	cond   *sync.Cond
	queue  readyQueue
	seq    uint64
	closed bool
	eg     errgroup.Group
}

func newExecutor(cfg ExecutorConfig, done func()) *executor {
	workers := cfg.NumThreads
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	e := &executor{
		name:    cfg.Name,
		workers: workers,
		pinned:  cfg.Type == ExecutorSingleThread,
		done:    done,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *executor) start() {
	for i := 0; i < e.workers; i++ {
		e.eg.Go(e.work)
	}
}

func (e *executor) work() error {
	if e.pinned {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return nil
		}
		item := heap.Pop(&e.queue).(readyItem)
		e.mu.Unlock()

		item.n.step()
		e.done()
	}
}

func (e *executor) submit(n *node) {
	e.mu.Lock()
	e.seq++
	heap.Push(&e.queue, readyItem{n: n, seq: e.seq})
	e.mu.Unlock()
	e.cond.Signal()
}

// stop lets the workers drain the queue and waits for them to exit.
func (e *executor) stop() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	return e.eg.Wait()
}

type readyItem struct {
	n   *node
	seq uint64
}

type readyQueue []readyItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	a, b := q[i].n.spec, q[j].n.spec
	if a.isSource != b.isSource {
		return !a.isSource
	}
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(readyItem)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = readyItem{}
	*q = old[:n-1]
	return item
}
