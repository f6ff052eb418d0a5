// Package bus implements an in-process, topic-keyed publish/subscribe
// fabric: bounded per-subscription queues, an interceptor pipeline, and a
// periodic BusStatus telemetry sampler. It is the asynchronous substrate
// every other sentryd component communicates through.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshguard/sentryd/contracts"
)

// Defaults for subscription capacity, deadlines and telemetry cadence.
const (
	DefaultCapacity          = 64
	MaxCapacity              = 4096
	DefaultPublishDeadline   = time.Second
	DefaultHandlerDeadline   = 5 * time.Second
	DefaultTelemetryInterval = time.Second
	consecutiveTimeoutsToDegrade = 3
)

// Errors specific to the bus, layered on the shared contracts taxonomy.
var (
	ErrInvalidCapacity  = errors.New("bus: capacity must be between 1 and MaxCapacity")
	ErrNilHandler       = errors.New("bus: handler must not be nil")
	ErrUnknownHandle    = errors.New("bus: unknown subscription handle")
	ErrBusStopped       = errors.New("bus: bus is stopped")
)

// job is one envelope queued for delivery to a subscription.
type job struct {
	env      contracts.Envelope
	enqueued time.Time
}

// subscription is the bus-owned record backing one Subscribe call.
type subscription struct {
	id       contracts.Handle
	topic    string
	handler  contracts.Handler
	capacity int
	policy   contracts.OverflowPolicy
	filter   contracts.Filter

	queue chan job

	mu              sync.Mutex
	delivered       uint64
	dropped         uint64
	consecutiveTimeouts int
	degraded        bool
	oldestEnqueued  time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) depth() int { return len(s.queue) }

func (s *subscription) snapshot() contracts.SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	var age time.Duration
	if !s.oldestEnqueued.IsZero() {
		age = time.Since(s.oldestEnqueued)
	}
	return contracts.SubscriptionStatus{
		SubscriberID: string(s.id),
		Topic:        s.topic,
		Depth:        s.depth(),
		Capacity:     s.capacity,
		Delivered:    s.delivered,
		Dropped:      s.dropped,
		OldestAge:    age,
		Degraded:     s.degraded,
	}
}

// Interceptor sees every publication, in order of installation, before it is
// fanned out to subscriptions. It may delay, drop, or mutate the envelope.
// Returning ok=false drops the message for every subscriber.
type Interceptor interface {
	Intercept(ctx context.Context, env contracts.Envelope) (out contracts.Envelope, ok bool)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(ctx context.Context, env contracts.Envelope) (contracts.Envelope, bool)

func (f InterceptorFunc) Intercept(ctx context.Context, env contracts.Envelope) (contracts.Envelope, bool) {
	return f(ctx, env)
}

type interceptorEntry struct {
	handle      contracts.Handle
	interceptor Interceptor
}

// Bus is the concrete, in-process implementation of contracts.Bus.
type Bus struct {
	logger *zap.Logger
	seq    contracts.SequenceSource

	mu            sync.RWMutex
	subsByTopic   map[string]map[contracts.Handle]*subscription
	subsByHandle  map[contracts.Handle]*subscription

	interceptMu   sync.RWMutex
	interceptors  []interceptorEntry

	publishDeadline time.Duration
	handlerDeadline time.Duration
	telemetryEvery  time.Duration

	totalPublished uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started int32
}

// Option configures a new Bus.
type Option func(*Bus)

// WithLogger installs a structured logger; defaults to zap.NewNop().
func WithLogger(l *zap.Logger) Option { return func(b *Bus) { b.logger = l } }

// WithPublishDeadline overrides DefaultPublishDeadline.
func WithPublishDeadline(d time.Duration) Option { return func(b *Bus) { b.publishDeadline = d } }

// WithHandlerDeadline overrides DefaultHandlerDeadline.
func WithHandlerDeadline(d time.Duration) Option { return func(b *Bus) { b.handlerDeadline = d } }

// WithTelemetryInterval overrides DefaultTelemetryInterval.
func WithTelemetryInterval(d time.Duration) Option { return func(b *Bus) { b.telemetryEvery = d } }

// New constructs a Bus. Call Start before publishing or subscribing.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger:          zap.NewNop(),
		subsByTopic:     make(map[string]map[contracts.Handle]*subscription),
		subsByHandle:    make(map[contracts.Handle]*subscription),
		publishDeadline: DefaultPublishDeadline,
		handlerDeadline: DefaultHandlerDeadline,
		telemetryEvery:  DefaultTelemetryInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start begins the telemetry sampler. ctx governs the bus's lifetime; when it
// is cancelled the bus stops sampling and delivering, though already-running
// handler invocations are allowed to observe ctx cancellation cooperatively.
func (b *Bus) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.telemetryLoop()
	return nil
}

// Stop cancels all subscription consumers and waits for them to exit, or
// until ctx is done.
func (b *Bus) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.started, 1, 0) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	handles := make([]*subscription, 0, len(b.subsByHandle))
	for _, s := range b.subsByHandle {
		handles = append(handles, s)
	}
	b.mu.Unlock()
	for _, s := range handles {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bus stop: %w", ctx.Err())
	}
}

// Publish wraps payload in an Envelope, runs it through the interceptor
// chain, then enqueues a reference into every subscription on topic. It
// returns once enqueuing is complete for all subscriptions; handler
// invocation is asynchronous.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts ...contracts.PublishOption) error {
	if atomic.LoadInt32(&b.started) == 0 {
		return ErrBusStopped
	}
	if err := contracts.ValidateTopic(topic); err != nil {
		return err
	}
	var o contracts.PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	env := contracts.NewEnvelope(&b.seq, topic, payload, o.CorrelationID, o.Metadata)

	env, ok := b.runInterceptors(ctx, env)
	atomic.AddUint64(&b.totalPublished, 1)
	if !ok {
		return nil
	}

	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subsByTopic[topic]))
	for _, s := range b.subsByTopic[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if s.filter != nil && !s.filter(env) {
			continue
		}
		if err := b.enqueue(ctx, s, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) runInterceptors(ctx context.Context, env contracts.Envelope) (contracts.Envelope, bool) {
	b.interceptMu.RLock()
	chain := make([]interceptorEntry, len(b.interceptors))
	copy(chain, b.interceptors)
	b.interceptMu.RUnlock()

	for _, entry := range chain {
		out, ok := b.safeIntercept(ctx, entry.interceptor, env)
		if !ok {
			return env, false
		}
		env = out
	}
	return env, true
}

func (b *Bus) safeIntercept(ctx context.Context, i Interceptor, env contracts.Envelope) (out contracts.Envelope, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("interceptor panicked, treated as pass-through", zap.Any("recover", r))
			out, ok = env, true
		}
	}()
	return i.Intercept(ctx, env)
}

// enqueue delivers one envelope to one subscription's queue per its overflow
// policy. Failures here are local to this subscription and never fail
// delivery to any other subscriber of the same publish call.
func (b *Bus) enqueue(ctx context.Context, s *subscription, env contracts.Envelope) error {
	j := job{env: env, enqueued: time.Now()}

	switch s.policy {
	case contracts.OverflowBlock:
		deadlineCtx, cancel := context.WithTimeout(ctx, b.publishDeadline)
		defer cancel()
		select {
		case s.queue <- j:
			b.markEnqueued(s)
			return nil
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				return fmt.Errorf("%w: topic %q", contracts.ErrPublishCancelled, s.topic)
			}
			s.recordDrop()
			return fmt.Errorf("%w: topic %q", contracts.ErrPublishTimeout, s.topic)
		}
	case contracts.OverflowDropOldest:
		select {
		case s.queue <- j:
			b.markEnqueued(s)
			return nil
		default:
			select {
			case <-s.queue:
				s.recordDrop()
			default:
			}
			select {
			case s.queue <- j:
				b.markEnqueued(s)
			default:
				s.recordDrop()
			}
			return nil
		}
	default: // contracts.OverflowDropNewest
		select {
		case s.queue <- j:
			b.markEnqueued(s)
			return nil
		default:
			s.recordDrop()
			return fmt.Errorf("%w: topic %q", contracts.ErrBusOverflow, s.topic)
		}
	}
}

func (b *Bus) markEnqueued(s *subscription) {
	s.mu.Lock()
	if s.oldestEnqueued.IsZero() {
		s.oldestEnqueued = time.Now()
	}
	s.mu.Unlock()
}

func (s *subscription) recordDrop() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Subscribe registers handler for topic and starts the single consumer task
// that serially drains the subscription's queue.
func (b *Bus) Subscribe(topic string, handler contracts.Handler, opts ...contracts.SubscribeOption) (contracts.Handle, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	if err := contracts.ValidateTopic(topic); err != nil {
		return "", err
	}
	o := contracts.SubscribeOptions{Capacity: DefaultCapacity, OverflowPolicy: contracts.OverflowDropNewest}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Capacity <= 0 || o.Capacity > MaxCapacity {
		return "", fmt.Errorf("%w: got %d", ErrInvalidCapacity, o.Capacity)
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	s := &subscription{
		id:       contracts.Handle(uuid.NewString()),
		topic:    topic,
		handler:  handler,
		capacity: o.Capacity,
		policy:   o.OverflowPolicy,
		filter:   o.Filter,
		queue:    make(chan job, o.Capacity),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	b.mu.Lock()
	if b.subsByTopic[topic] == nil {
		b.subsByTopic[topic] = make(map[contracts.Handle]*subscription)
	}
	b.subsByTopic[topic][s.id] = s
	b.subsByHandle[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(subCtx, s)

	return s.id, nil
}

// Unsubscribe cancels the consumer, drops any still-queued envelopes
// (counted as dropped) and releases the subscription's counters.
func (b *Bus) Unsubscribe(handle contracts.Handle) error {
	b.mu.Lock()
	s, ok := b.subsByHandle[handle]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(b.subsByHandle, handle)
	if m, ok := b.subsByTopic[s.topic]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(b.subsByTopic, s.topic)
		}
	}
	b.mu.Unlock()

	s.cancel()
	<-s.done
	remaining := len(s.queue)
	if remaining > 0 {
		s.mu.Lock()
		s.dropped += uint64(remaining)
		s.mu.Unlock()
	}
	return nil
}

// consume is the single logical consumer for one subscription, invoking the
// handler serially in publication order.
func (b *Bus) consume(ctx context.Context, s *subscription) {
	defer b.wg.Done()
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-s.queue:
			if !ok {
				return
			}
			b.deliver(ctx, s, j)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, s *subscription, j job) {
	hctx, cancel := context.WithTimeout(ctx, b.handlerDeadline)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- b.safeInvoke(hctx, s.handler, j.env)
	}()

	var err error
	select {
	case err = <-resultCh:
	case <-hctx.Done():
		err = fmt.Errorf("%w: subscription %s topic %s", contracts.ErrHandlerTimeout, s.id, s.topic)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		s.oldestEnqueued = time.Time{}
	}
	if err != nil {
		s.consecutiveTimeouts++
		if s.consecutiveTimeouts >= consecutiveTimeoutsToDegrade {
			s.degraded = true
		}
		b.logger.Warn("handler error", zap.String("subscription", string(s.id)), zap.String("topic", s.topic), zap.Error(err))
		return
	}
	s.consecutiveTimeouts = 0
	s.delivered++
}

// safeInvoke recovers from a handler panic, treating it as a reported error
// rather than tearing down the subscription.
func (b *Bus) safeInvoke(ctx context.Context, h contracts.Handler, env contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// Intercept installs interceptor, which observes every publication in
// installation order. It returns a handle for later removal.
func (b *Bus) Intercept(interceptor Interceptor) contracts.Handle {
	handle := contracts.Handle(uuid.NewString())
	b.interceptMu.Lock()
	b.interceptors = append(b.interceptors, interceptorEntry{handle: handle, interceptor: interceptor})
	b.interceptMu.Unlock()
	return handle
}

// RemoveInterceptor removes a previously installed interceptor.
func (b *Bus) RemoveInterceptor(handle contracts.Handle) {
	b.interceptMu.Lock()
	defer b.interceptMu.Unlock()
	for i, entry := range b.interceptors {
		if entry.handle == handle {
			b.interceptors = append(b.interceptors[:i], b.interceptors[i+1:]...)
			return
		}
	}
}

// Status returns the current BusStatus snapshot, sampled atomically across
// all subscriptions.
func (b *Bus) Status() contracts.BusStatus {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subsByHandle))
	for _, s := range b.subsByHandle {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	statuses := make([]contracts.SubscriptionStatus, 0, len(subs))
	for _, s := range subs {
		statuses = append(statuses, s.snapshot())
	}
	return contracts.BusStatus{
		SampledAt:      time.Now(),
		TotalPublished: atomic.LoadUint64(&b.totalPublished),
		Subscriptions:  statuses,
	}
}

// telemetryLoop samples BusStatus on a fixed cadence and publishes it on
// status.bus. It does not itself go through the interceptor-free-of-charge
// path differently from any other publisher.
func (b *Bus) telemetryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.telemetryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			status := b.Status()
			if err := b.Publish(b.ctx, contracts.TopicStatusBus, status); err != nil {
				b.logger.Debug("failed to publish bus status", zap.Error(err))
			}
		}
	}
}
