package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Job is one unit of transcode work. Reason records what triggered it and is
// carried for logging only.
type Job struct {
	VideoID    string    `json:"videoId"`
	Reason     string    `json:"reason,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Queue hands transcode jobs from the API to the worker pool. Each published
// job is delivered to exactly one subscriber, unlike a fan-out bus.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	Subscribe() Subscription
}

// Subscription is an active consumer of the job stream.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

// NewMemoryQueue initialises an in-process queue suitable for single-node
// deployments and tests.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &memoryQueue{ch: make(chan Job, buffer)}
}

type memoryQueue struct {
	ch chan Job
}

func (q *memoryQueue) Publish(ctx context.Context, job Job) error {
	if strings.TrimSpace(job.VideoID) == "" {
		return errors.New("job video id is required")
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		cancel: cancel,
		out:    make(chan Job),
	}
	go sub.run(ctx, q.ch)
	return sub
}

type memorySubscription struct {
	cancel context.CancelFunc
	out    chan Job
	once   sync.Once
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.out
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.cancel()
	})
}

func (s *memorySubscription) run(ctx context.Context, source <-chan Job) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-source:
			select {
			case s.out <- job:
			case <-ctx.Done():
				return
			}
		}
	}
}
