package pipeline

import (
	"log/slog"
	"sync"
)

// Dispatcher drains a Queue subscription into the Processor. Keeping the two
// decoupled lets the queue driver change (memory, Redis Streams) without the
// worker pool noticing.
type Dispatcher struct {
	queue     Queue
	processor *Processor
	logger    *slog.Logger

	mu      sync.Mutex
	sub     Subscription
	done    chan struct{}
	started bool
}

// NewDispatcher wires a queue to a processor.
func NewDispatcher(queue Queue, processor *Processor, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{queue: queue, processor: processor, logger: logger}
}

// Start subscribes and begins forwarding jobs. Idempotent.
func (d *Dispatcher) Start() {
	if d == nil || d.queue == nil || d.processor == nil {
		return
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.sub = d.queue.Subscribe()
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run()
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.sub.Jobs() {
		d.logger.Debug("transcode job dispatched", "video_id", job.VideoID, "reason", job.Reason)
		d.processor.Enqueue(job.VideoID)
	}
}

// Close stops the subscription and waits for the forwarding loop to exit.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	sub, done, started := d.sub, d.done, d.started
	d.mu.Unlock()
	if !started {
		return
	}
	sub.Close()
	<-done
}
