package tcp

import (
	"context"
	"sync/atomic"

	"github.com/kstack/ktcp"
)

type taskKind uint8

const (
	taskPacket  taskKind = iota // Inbound segment, TCB resolved by the worker.
	taskTimeout                 // Timer fire, carries a TCB reference and the timer generation.
	taskClose                   // Local close of a backlog child, carries a TCB reference.
)

type task struct {
	kind taskKind
	ph   ktcp.PseudoHeader
	pkt  []byte
	tcb  *tcb
	gen  uint32
}

// taskOverhead is the fixed queue cost charged to a packet on top of its length.
const taskOverhead = 64

// controlSlack is the channel capacity reserved for timeout and close tasks,
// which are accounted by count instead of by bytes.
const controlSlack = 256

func (tk *task) cost() int64 { return int64(len(tk.pkt) + taskOverhead) }

// worker owns a bounded FIFO of tasks. used tracks the bytes of queued packets.
type worker struct {
	id    int
	queue chan task
	used  atomic.Int64
	limit int64
	eng   *Engine
}

// dispatcher spreads inbound packets over the workers.
type dispatcher struct {
	workers []*worker
	cursor  atomic.Uint32
	done    chan struct{}
	closed  atomic.Bool
}

func newDispatcher(e *Engine, n, queueBytes int) *dispatcher {
	d := &dispatcher{
		workers: make([]*worker, n),
		done:    make(chan struct{}),
	}
	capacity := queueBytes/(taskOverhead+sizeHeaderTCP) + controlSlack
	for i := range d.workers {
		d.workers[i] = &worker{
			id:    i,
			queue: make(chan task, capacity),
			limit: int64(queueBytes),
			eng:   e,
		}
	}
	return d
}

// dispatchPacket offers tk to the workers in round robin order starting at the
// shared cursor. It reports false if every worker's queue is full.
func (d *dispatcher) dispatchPacket(tk task) bool {
	if d.closed.Load() {
		return false
	}
	n := uint32(len(d.workers))
	start := d.cursor.Add(1) - 1
	cost := tk.cost()
	for i := uint32(0); i < n; i++ {
		w := d.workers[(start+i)%n]
		if !w.reserve(cost) {
			continue
		}
		select {
		case w.queue <- tk:
			return true
		default:
			w.used.Add(-cost) // Slots taken by control tasks.
		}
	}
	return false
}

// dispatchControl queues a timeout or close task. Control tasks are never
// dropped: the caller blocks until a worker accepts it or the engine stops,
// in which case the task's reference is released.
func (d *dispatcher) dispatchControl(tk task) {
	w := d.workers[(d.cursor.Add(1)-1)%uint32(len(d.workers))]
	select {
	case w.queue <- tk:
	case <-d.done:
		tk.tcb.unref()
	}
}

func (d *dispatcher) stop() {
	if d.closed.CompareAndSwap(false, true) {
		close(d.done)
	}
}

func (w *worker) reserve(cost int64) bool {
	for {
		used := w.used.Load()
		if used+cost > w.limit {
			return false
		}
		if w.used.CompareAndSwap(used, used+cost) {
			return true
		}
	}
}

func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case tk := <-w.queue:
			w.process(&tk)
		}
	}
}

// drain processes queued tasks on the calling goroutine until the queue is empty.
func (w *worker) drain() (n int) {
	for {
		select {
		case tk := <-w.queue:
			w.process(&tk)
			n++
		default:
			return n
		}
	}
}

func (w *worker) process(tk *task) {
	if tk.kind == taskPacket {
		defer w.used.Add(-tk.cost())
	}
	w.eng.handleTask(tk)
}
