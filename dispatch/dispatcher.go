// Package dispatch publishes deploy and undeploy notifications to the CEP engine.
//
// The wire contract is two queues, "deploy" and "undeploy". A deploy message body
// is the raw rule content and an undeploy message body is the raw rule name, both
// as UTF-8 bytes with no headers. Delivery is unconfirmed: a publish that succeeds
// at the transport level is reported as success.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	QueueDeploy   = "deploy"
	QueueUndeploy = "undeploy"

	DefaultTimeout = 5 * time.Second
)

// ErrUnavailable is returned when the broker cannot be reached or rejects a publish.
var ErrUnavailable = errors.New("broker unavailable")

// Queues returns the well-known queue names in declaration order.
func Queues() []string {
	return []string{QueueDeploy, QueueUndeploy}
}

// Message is one notification addressed to a queue.
type Message struct {
	Queue string
	Body  []byte
}

// DeployMessage builds the message that activates content in the engine.
func DeployMessage(content string) Message {
	return Message{Queue: QueueDeploy, Body: []byte(content)}
}

// UndeployMessage builds the message that deactivates the named rule.
func UndeployMessage(name string) Message {
	return Message{Queue: QueueUndeploy, Body: []byte(name)}
}

// Publisher delivers a single message. Implementations own their connection
// lifecycle and must not hold a connection open between calls.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Dispatcher bounds every publish with a timeout and records metrics.
type Dispatcher struct {
	publisher Publisher
	timeout   time.Duration
	metrics   *Metrics
	logger    *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-publish deadline.
func WithTimeout(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.logger = l
		}
	}
}

// New creates a Dispatcher over the given transport.
func New(p Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publisher: p,
		timeout:   DefaultTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PublishDeploy asks the engine to activate content.
func (d *Dispatcher) PublishDeploy(ctx context.Context, content string) error {
	return d.Publish(ctx, DeployMessage(content))
}

// PublishUndeploy asks the engine to deactivate the rule called name.
func (d *Dispatcher) PublishUndeploy(ctx context.Context, name string) error {
	return d.Publish(ctx, UndeployMessage(name))
}

// Publish sends msg within the configured timeout. Errors wrap ErrUnavailable.
func (d *Dispatcher) Publish(ctx context.Context, msg Message) error {
	if msg.Queue != QueueDeploy && msg.Queue != QueueUndeploy {
		return fmt.Errorf("unknown queue %q", msg.Queue)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.publisher.Publish(ctx, msg)
	d.metrics.observe(msg.Queue, time.Since(start), err)

	if err != nil {
		d.logger.Debug("publish failed", "queue", msg.Queue, "error", err)
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}
	return nil
}
