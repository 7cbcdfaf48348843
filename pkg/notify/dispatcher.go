// Package notify delivers best-effort execution notifications to registered sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/telemetry"
)

// ErrBufferFull is returned by Notify when the delivery buffer is full.
var ErrBufferFull = errors.New("notification buffer full, notification dropped")

// ErrStopped is returned by Notify after Shutdown.
var ErrStopped = errors.New("notification dispatcher stopped")

// Sink receives notifications. Sinks are called from the dispatcher's
// delivery goroutine; a slow sink delays the ones after it.
type Sink interface {
	Send(ctx context.Context, n engine.Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n engine.Notification) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, n engine.Notification) error {
	return f(ctx, n)
}

// Filter decides whether a notification reaches a sink.
type Filter func(n engine.Notification) bool

// Config configures the dispatcher.
type Config struct {
	// BufferSize is the size of the notification buffer.
	BufferSize int `yaml:"buffer_size"`

	// SendTimeout bounds each sink call.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// EnableAsync enables asynchronous delivery. When false Notify delivers
	// inline and returns the first sink error.
	EnableAsync bool `yaml:"enable_async"`
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:  256,
		SendTimeout: 10 * time.Second,
		EnableAsync: true,
	}
}

type sinkEntry struct {
	name   string
	sink   Sink
	filter Filter
}

type envelope struct {
	id           string
	notification engine.Notification
}

// Dispatcher is a best-effort, fire-and-forget notification dispatcher.
// It implements engine.Notifier.
type Dispatcher struct {
	config  Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	clock   engine.Clock

	buffer chan envelope
	sinks  []sinkEntry
	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine when
// async delivery is enabled.
func NewDispatcher(cfg Config, logger zerolog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:  cfg,
		logger:  logger.With().Str("component", "notify").Logger(),
		metrics: metrics,
		clock:   engine.SystemClock{},
		buffer:  make(chan envelope, cfg.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.EnableAsync {
		d.wg.Add(1)
		go d.process()
	}

	return d
}

// Subscribe registers a sink. A nil filter accepts everything.
func (d *Dispatcher) Subscribe(name string, sink Sink, filter Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sinks = append(d.sinks, sinkEntry{name: name, sink: sink, filter: filter})
}

// Notify queues a notification for delivery. It never blocks: a full buffer
// drops the notification and returns ErrBufferFull.
func (d *Dispatcher) Notify(ctx context.Context, n engine.Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clock.Now()
	}
	env := envelope{id: uuid.New().String(), notification: n}

	if !d.config.EnableAsync {
		return d.deliver(ctx, env)
	}

	select {
	case <-d.ctx.Done():
		return ErrStopped
	default:
	}

	select {
	case d.buffer <- env:
		return nil
	default:
		d.metrics.RecordNotification(ErrBufferFull)
		return ErrBufferFull
	}
}

// process delivers queued notifications until shutdown, then drains the buffer.
func (d *Dispatcher) process() {
	defer d.wg.Done()

	for {
		select {
		case env := <-d.buffer:
			_ = d.deliver(d.ctx, env)
		case <-d.ctx.Done():
			for {
				select {
				case env := <-d.buffer:
					_ = d.deliver(context.Background(), env)
				default:
					return
				}
			}
		}
	}
}

// deliver sends one notification to every matching sink.
func (d *Dispatcher) deliver(ctx context.Context, env envelope) error {
	d.mu.RLock()
	sinks := append([]sinkEntry(nil), d.sinks...)
	d.mu.RUnlock()

	var firstErr error
	for _, entry := range sinks {
		if entry.filter != nil && !entry.filter(env.notification) {
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
		err := entry.sink.Send(sendCtx, env.notification)
		cancel()

		d.metrics.RecordNotification(err)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("sink", entry.name).
				Str("notification_id", env.id).
				Str("execution_id", env.notification.ExecutionID).
				Msg("notification delivery failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("sink %s: %w", entry.name, err)
			}
		}
	}
	return firstErr
}

// Shutdown stops accepting notifications and waits for queued ones to be delivered.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notification dispatcher shutdown timeout")
	}
}

// LogSink writes notifications to a zerolog logger.
func LogSink(logger zerolog.Logger) Sink {
	return SinkFunc(func(_ context.Context, n engine.Notification) error {
		logger.Info().
			Str("execution_id", n.ExecutionID).
			Str("plan_name", n.PlanName).
			Str("status", string(n.Status)).
			Time("at", n.Timestamp).
			Msg(n.Message)
		return nil
	})
}

// FilterByStatus only passes notifications with one of the given statuses.
func FilterByStatus(statuses ...engine.ExecutionStatus) Filter {
	set := make(map[engine.ExecutionStatus]bool, len(statuses))
	for _, s := range statuses {
		set[s] = true
	}
	return func(n engine.Notification) bool {
		return set[n.Status]
	}
}

// FilterByExecution only passes notifications for one execution.
func FilterByExecution(executionID string) Filter {
	return func(n engine.Notification) bool {
		return n.ExecutionID == executionID
	}
}
