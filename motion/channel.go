package motion

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStopped is returned when enqueueing onto a channel that has been told to stop.
var ErrStopped = errors.New("command channel is stopped")

// Envelope is a command as queued: its priority and the order it arrived in.
type Envelope struct {
	Command    Command
	Priority   int
	EnqueuedAt time.Time
	seq        uint64
}

type envelopeHeap []Envelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x any) { *h = append(*h, x.(Envelope)) }

func (h *envelopeHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Channel is a multi-producer, single-consumer priority queue of commands. Lower priorities are
// delivered first and equal priorities are delivered in enqueue order.
type Channel struct {
	mu         sync.Mutex
	items      envelopeHeap
	seq        uint64
	stopped    bool
	unfinished int
	idle       chan struct{}
	ready      chan struct{}
}

// NewChannel returns an empty channel.
func NewChannel() *Channel {
	idle := make(chan struct{})
	close(idle)
	return &Channel{
		idle:  idle,
		ready: make(chan struct{}, 1),
	}
}

// Enqueue adds cmd at priority. It never blocks.
func (c *Channel) Enqueue(cmd Command, priority int) error {
	if cmd == nil {
		return errors.New("nil command")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.Wrapf(ErrStopped, "cannot enqueue %s", cmd.Kind())
	}
	c.push(cmd, priority)
	return nil
}

func (c *Channel) push(cmd Command, priority int) {
	c.seq++
	heap.Push(&c.items, Envelope{
		Command:    cmd,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		seq:        c.seq,
	})
	if c.unfinished == 0 {
		c.idle = make(chan struct{})
	}
	c.unfinished++
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// requestStop enqueues the stop sentinel behind every pending command and refuses further commands.
func (c *Channel) requestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.push(stop{}, PriorityStop)
	c.stopped = true
}

// abort drops every pending command, a queued stop included, then queues a fresh stop so an idle
// consumer still wakes up and exits. It returns how many commands were dropped.
func (c *Channel) abort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	dropped := 0
	for _, env := range c.items {
		if env.Command.Kind() != kindStop {
			dropped++
		}
	}
	c.items = nil
	if n > 0 {
		c.finish(n)
	}
	c.push(stop{}, PriorityStop)
	c.stopped = true
	return dropped
}

// Next blocks until a command is available and removes it. Every envelope returned must be followed by
// a call to Done once it has been handled.
func (c *Channel) Next(ctx context.Context) (Envelope, error) {
	for {
		c.mu.Lock()
		if len(c.items) > 0 {
			env := heap.Pop(&c.items).(Envelope)
			c.mu.Unlock()
			return env, nil
		}
		c.mu.Unlock()

		select {
		case <-c.ready:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Done marks one envelope returned by Next as handled.
func (c *Channel) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finish(1)
}

func (c *Channel) finish(n int) {
	if n > c.unfinished {
		panic("motion: Done called more times than Next")
	}
	c.unfinished -= n
	if c.unfinished == 0 {
		close(c.idle)
	}
}

// discard drops every pending command and refuses further ones. It returns how many were dropped.
func (c *Channel) discard() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	n := len(c.items)
	c.items = nil
	if n > 0 {
		c.finish(n)
	}
	return n
}

// Len returns the number of commands waiting to be delivered.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Join blocks until every enqueued command has been handled.
func (c *Channel) Join(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
