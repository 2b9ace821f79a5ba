// Package bus is the in-process event bus driving the saga. Delivery is
// at-least-once over a bounded worker pool; step messages carry an attempt
// counter and the dispatcher suppresses redeliveries at or below the last
// successfully processed attempt, which makes step handlers effectively
// idempotent per (workflow, step, attempt).
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridact/erasure/pkg/contracts"
)

// Message is one unit of work on the bus.
type Message struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	WorkflowID string         `json:"workflow_id"`
	Step       string         `json:"step,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// HandlerFunc processes one message. Errors are logged; retries are the
// handler's own responsibility via PublishAfter.
type HandlerFunc func(ctx context.Context, msg Message) error

type registration struct {
	name    string
	handler HandlerFunc
}

// Bus routes messages to registered handlers.
type Bus struct {
	sched   Scheduler
	logger  *slog.Logger
	workers int

	mu          sync.Mutex
	handlers    map[string][]registration
	lastSuccess map[string]int
	started     bool

	queue   chan Message
	pending sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithScheduler swaps the delay scheduler (virtual clock in tests).
func WithScheduler(s Scheduler) Option {
	return func(b *Bus) { b.sched = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// New creates a stopped bus. Register handlers, then Start.
func New(opts ...Option) *Bus {
	b := &Bus{
		sched:       WallClock{},
		logger:      slog.Default(),
		workers:     8,
		handlers:    make(map[string][]registration),
		lastSuccess: make(map[string]int),
		queue:       make(chan Message, 1024),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Scheduler exposes the clock the bus runs on.
func (b *Bus) Scheduler() Scheduler { return b.sched }

// Register attaches a named handler to a topic. Must be called before Start.
func (b *Bus) Register(topic, name string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		panic("bus: Register after Start")
	}
	b.handlers[topic] = append(b.handlers[topic], registration{name: name, handler: h})
}

// Start launches the worker pool. The supplied context is handed to every
// handler invocation.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	ctx, b.cancel = context.WithCancel(ctx)
	var workers sync.WaitGroup
	for i := 0; i < b.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-b.queue:
					b.dispatch(ctx, msg)
					b.pending.Done()
				}
			}
		}()
	}
	go func() {
		workers.Wait()
		close(b.done)
	}()
}

// Stop cancels the workers. In-flight handlers observe context cancellation.
func (b *Bus) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
}

// Publish enqueues a message for asynchronous delivery.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return contracts.Errf(contracts.CodeValidation, "message topic is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = b.sched.Now().UTC()
	}
	b.pending.Add(1)
	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		b.pending.Done()
		return ctx.Err()
	}
}

// PublishAfter schedules a message for delivery after the delay. The
// returned cancel drops it if it has not been enqueued yet.
func (b *Bus) PublishAfter(msg Message, delay time.Duration) func() bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return b.sched.After(delay, func() {
		msg.EnqueuedAt = b.sched.Now().UTC()
		b.pending.Add(1)
		select {
		case b.queue <- msg:
		default:
			// Bounded queue overflow; deliver on a fresh goroutine rather
			// than block the timer callback.
			go func() { b.queue <- msg }()
		}
	})
}

// Drain blocks until every enqueued message has been processed. Messages
// published by handlers during the drain are waited on too. Timers armed via
// PublishAfter are not counted until they fire.
func (b *Bus) Drain() {
	b.pending.Wait()
}

func stepKey(workflowID, step string) string { return workflowID + "|" + step }

// LastSuccessfulAttempt returns the highest attempt that completed for a
// step, or 0.
func (b *Bus) LastSuccessfulAttempt(workflowID, step string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuccess[stepKey(workflowID, step)]
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	if msg.Step != "" && msg.Attempt > 0 {
		b.mu.Lock()
		last := b.lastSuccess[stepKey(msg.WorkflowID, msg.Step)]
		b.mu.Unlock()
		if msg.Attempt <= last {
			b.logger.Info("duplicate step delivery suppressed",
				"workflow_id", msg.WorkflowID,
				"step", msg.Step,
				"attempt", msg.Attempt,
				"last_successful", last)
			return
		}
	}

	b.mu.Lock()
	regs := b.handlers[msg.Topic]
	b.mu.Unlock()
	if len(regs) == 0 {
		b.logger.Warn("no handler for topic", "topic", msg.Topic, "workflow_id", msg.WorkflowID)
		return
	}

	allOK := true
	for _, reg := range regs {
		if err := reg.handler(ctx, msg); err != nil {
			allOK = false
			b.logger.Error("handler failed",
				"topic", msg.Topic,
				"handler", reg.name,
				"workflow_id", msg.WorkflowID,
				"step", msg.Step,
				"attempt", msg.Attempt,
				"error", err,
				"error_code", string(contracts.CodeOf(err)))
		}
	}

	if allOK && msg.Step != "" && msg.Attempt > 0 {
		b.mu.Lock()
		key := stepKey(msg.WorkflowID, msg.Step)
		if msg.Attempt > b.lastSuccess[key] {
			b.lastSuccess[key] = msg.Attempt
		}
		b.mu.Unlock()
	}
}
