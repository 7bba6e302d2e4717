package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSPublisher publishes to NATS JetStream. Each queue is backed by a
// memory-storage stream whose only subject is the queue name.
type NATSPublisher struct {
	url     string
	timeout time.Duration
}

// NewNATSPublisher creates a publisher for the server at url.
func NewNATSPublisher(url string, timeout time.Duration) *NATSPublisher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NATSPublisher{url: url, timeout: timeout}
}

// streamName maps a queue to its stream, e.g. "deploy" -> "CEP_DEPLOY".
func streamName(queue string) string {
	return "CEP_" + strings.ToUpper(queue)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, msg Message) error {
	nc, err := nats.Connect(p.url,
		nats.Name("api4cep-dispatcher"),
		nats.Timeout(p.timeout),
		nats.NoReconnect(),
	)
	if err != nil {
		return fmt.Errorf("%w: connect: %w", ErrUnavailable, err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("%w: jetstream: %w", ErrUnavailable, err)
	}

	for _, q := range Queues() {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName(q),
			Subjects: []string{q},
			Storage:  jetstream.MemoryStorage,
		})
		if err != nil {
			return fmt.Errorf("%w: ensure stream %s: %w", ErrUnavailable, streamName(q), err)
		}
	}

	if _, err := js.Publish(ctx, msg.Queue, msg.Body); err != nil {
		return fmt.Errorf("%w: publish to %s: %w", ErrUnavailable, msg.Queue, err)
	}
	return nil
}
