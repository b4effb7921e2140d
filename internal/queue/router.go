package queue

import (
	"fmt"
	"time"

	"github.com/gradewise/gradewise-api/internal/job"
)

// Queue declares one named queue: its priority ceiling, message TTL, and
// dead-letter target. A queue with no DeadLetter target is a sink.
type Queue struct {
	Name string

	// MaxPriority is the queue's priority ceiling (1-10). Requested
	// priorities above it are clamped, never rejected.
	MaxPriority int

	// TTL is how long a message may wait before it is diverted to the
	// dead-letter target. Zero means no expiry.
	TTL time.Duration

	// DeadLetter names the queue expired or rejected messages are moved to.
	// Empty marks this queue as a dead-letter sink.
	DeadLetter string
}

// Well-known queue names.
const (
	QueueGradingInteractive = "grading.interactive"
	QueueGradingBatch       = "grading.batch"
	QueueDeadLetter         = "grading.dead"
)

// Router maps a job type to a named queue using an explicit routing table,
// falling back to a default queue for unmapped types.
type Router struct {
	queues       map[string]Queue
	routes       map[job.Type]string
	defaultQueue string
}

// NewRouter builds a router. Every route target and the default queue must
// be declared, and every declared dead-letter target must resolve to a
// declared queue that is itself a sink.
func NewRouter(queues []Queue, routes map[job.Type]string, defaultQueue string) (*Router, error) {
	byName := make(map[string]Queue, len(queues))
	for _, q := range queues {
		if q.MaxPriority < 1 || q.MaxPriority > 10 {
			return nil, fmt.Errorf("queue %q: max priority %d outside 1-10", q.Name, q.MaxPriority)
		}
		if _, dup := byName[q.Name]; dup {
			return nil, fmt.Errorf("queue %q declared twice", q.Name)
		}
		byName[q.Name] = q
	}

	for _, q := range queues {
		if q.DeadLetter == "" {
			continue
		}
		target, ok := byName[q.DeadLetter]
		if !ok {
			return nil, fmt.Errorf("queue %q: dead-letter target %q not declared", q.Name, q.DeadLetter)
		}
		if target.DeadLetter != "" {
			return nil, fmt.Errorf("dead-letter queue %q must be a sink", target.Name)
		}
	}

	if _, ok := byName[defaultQueue]; !ok {
		return nil, fmt.Errorf("default queue %q not declared", defaultQueue)
	}
	for t, name := range routes {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("route for %q targets undeclared queue %q", t, name)
		}
	}

	return &Router{queues: byName, routes: routes, defaultQueue: defaultQueue}, nil
}

// DefaultRouter returns the production routing table: interactive
// submissions on a high-priority queue, batch reprocessing on a lower one,
// both dead-lettering into a shared sink.
func DefaultRouter() (*Router, error) {
	return NewRouter(
		[]Queue{
			{Name: QueueGradingInteractive, MaxPriority: 10, TTL: time.Hour, DeadLetter: QueueDeadLetter},
			{Name: QueueGradingBatch, MaxPriority: 5, TTL: 24 * time.Hour, DeadLetter: QueueDeadLetter},
			{Name: QueueDeadLetter, MaxPriority: 1},
		},
		map[job.Type]string{
			job.TypeScoreEssay:   QueueGradingInteractive,
			job.TypeRescoreBatch: QueueGradingBatch,
		},
		QueueGradingBatch,
	)
}

// Route returns the queue declared for the job type, or the default queue
// if the type is unmapped.
func (r *Router) Route(t job.Type) Queue {
	if name, ok := r.routes[t]; ok {
		return r.queues[name]
	}
	return r.queues[r.defaultQueue]
}

// ClampPriority bounds a requested priority to the queue's declared
// ceiling. Requests below 1 get the minimum.
func (r *Router) ClampPriority(q Queue, requested int) int {
	if requested < 1 {
		return 1
	}
	if requested > q.MaxPriority {
		return q.MaxPriority
	}
	return requested
}

// Queues returns all declared queues, for consumers that drain every queue
// (the worker pool) or sample depth across them.
func (r *Router) Queues() []Queue {
	out := make([]Queue, 0, len(r.queues))
	for _, q := range r.queues {
		out = append(out, q)
	}
	return out
}

// WorkQueues returns the non-sink queues in descending priority-ceiling
// order, the order workers should drain them in.
func (r *Router) WorkQueues() []Queue {
	out := make([]Queue, 0, len(r.queues))
	for _, q := range r.queues {
		if q.DeadLetter != "" {
			out = append(out, q)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].MaxPriority > out[j-1].MaxPriority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
