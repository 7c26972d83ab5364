package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"remark/api/internal/entity"
	"remark/api/internal/logger"
	"remark/api/internal/store"
)

type RootResolver interface {
	RootComment(ctx context.Context, commentID int64) (store.Comment, error)
}

type SubscriptionLister interface {
	ListSubscriptionsForEntity(ctx context.Context, target entity.Ref) ([]store.Subscription, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, userID int64, event Event) error
}

// ErrQueueFull is returned by Publish when delivery is falling behind.
var ErrQueueFull = errors.New("notification queue full")

var errStopped = errors.New("dispatcher stopped")

// Target is a resolved notification audience: the root entity of the thread
// and its subscribers in subscription order.
type Target struct {
	Root        entity.Ref
	Subscribers []int64
}

type round struct {
	event       Event
	root        entity.Ref
	subscribers []int64
}

type Options struct {
	QueueSize       int
	DeliveryTimeout time.Duration
}

// Dispatcher resolves audiences on the caller's goroutine and delivers them
// on one background worker. A round reaches its subscribers in order.
type Dispatcher struct {
	roots     RootResolver
	subs      SubscriptionLister
	deliverer Deliverer
	log       *logger.Logger
	timeout   time.Duration

	mu      sync.Mutex
	stopped bool
	queue   chan round
	done    chan struct{}
}

func NewDispatcher(roots RootResolver, subs SubscriptionLister, deliverer Deliverer, log *logger.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = logger.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	return &Dispatcher{
		roots:     roots,
		subs:      subs,
		deliverer: deliverer,
		log:       log.With("component", "notify"),
		timeout:   opts.DeliveryTimeout,
		queue:     make(chan round, opts.QueueSize),
		done:      make(chan struct{}),
	}
}

// Resolve finds the root entity of the thread holding commentID and its
// subscribers. Deletions must resolve before the row goes away.
func (d *Dispatcher) Resolve(ctx context.Context, commentID int64) (Target, error) {
	root, err := d.roots.RootComment(ctx, commentID)
	if err != nil {
		return Target{}, fmt.Errorf("resolve root of comment %d: %w", commentID, err)
	}
	target := Target{Root: root.Parent()}

	subs, err := d.subs.ListSubscriptionsForEntity(ctx, target.Root)
	if err != nil {
		return Target{}, fmt.Errorf("list subscribers of %s: %w", target.Root, err)
	}
	target.Subscribers = make([]int64, 0, len(subs))
	for _, sub := range subs {
		target.Subscribers = append(target.Subscribers, sub.UserID)
	}
	return target, nil
}

// Publish enqueues one delivery round. It never blocks.
func (d *Dispatcher) Publish(target Target, kind EventKind, c store.Comment) error {
	if len(target.Subscribers) == 0 {
		return nil
	}
	r := round{event: NewEvent(kind, c), root: target.Root, subscribers: target.Subscribers}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errStopped
	}
	select {
	case d.queue <- r:
		return nil
	default:
		return ErrQueueFull
	}
}

// Notify resolves and publishes in one step, logging any failure. Used after
// creates and updates, where the comment still exists.
func (d *Dispatcher) Notify(ctx context.Context, kind EventKind, c store.Comment) {
	target, err := d.Resolve(ctx, c.ID)
	if err != nil {
		d.log.Error("notification skipped", "event", kind, "comment_id", c.ID, "error", err)
		return
	}
	d.PublishLogged(target, kind, c)
}

// PublishLogged is Publish with the error logged instead of returned.
func (d *Dispatcher) PublishLogged(target Target, kind EventKind, c store.Comment) {
	if err := d.Publish(target, kind, c); err != nil {
		d.log.Warn("notification dropped", "event", kind, "comment_id", c.ID, "root", target.Root.String(), "error", err)
	}
}

// Start runs the delivery worker until Stop is called.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop stops accepting rounds and waits for the queued ones to be delivered.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for r := range d.queue {
		d.deliverRound(r)
	}
}

func (d *Dispatcher) deliverRound(r round) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("notification round panicked", "event", r.event.Event, "comment_id", r.event.Payload.ID, "panic", rec)
		}
	}()

	for _, userID := range r.subscribers {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.deliverer.Deliver(ctx, userID, r.event)
		cancel()
		if err != nil {
			d.log.Warn("notification delivery failed",
				"event", r.event.Event,
				"comment_id", r.event.Payload.ID,
				"root", r.root.String(),
				"user_id", userID,
				"error", err,
			)
			continue
		}
		d.log.Debug("notification delivered", "event", r.event.Event, "comment_id", r.event.Payload.ID, "user_id", userID)
	}
}
