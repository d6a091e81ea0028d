package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// StreamName is the JetStream stream pool events are written to.
const StreamName = "POOL_ENGINE_EVENTS"

// DefaultSubjectPrefix is the subject root; events go to
// {prefix}.{event_type}.{pool}.
const DefaultSubjectPrefix = "poolengine.events"

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher forwards events to JetStream from a background loop so a
// slow broker never stalls a pool.
type NATSPublisher struct {
	js     StreamPublisher
	prefix string
	queue  chan Event
	logger zerolog.Logger
}

// NewNATSPublisher creates a publisher with a queue of the given size.
func NewNATSPublisher(js StreamPublisher, prefix string, queueSize int, logger zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		queue:  make(chan Event, queueSize),
		logger: logger.With().Str("component", "nats_publisher").Logger(),
	}
}

// Publish enqueues e. A full queue drops the event.
func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	select {
	case p.queue <- e:
	default:
		p.logger.Warn().Str("event", string(e.Type)).Str("id", e.ID).Msg("event queue full, dropping")
	}
}

// Run drains the queue until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-p.queue:
			if err := p.publish(ctx, e); err != nil {
				// Non-fatal: the upkeep and commit history is in the store.
				p.logger.Warn().Err(err).Str("event", string(e.Type)).Str("id", e.ID).Msg("outbound publish failed")
			}
		}
	}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, e.Type, strings.ToLower(e.Pool.Hex()))
}

func (p *NATSPublisher) publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, p.Subject(e), data, jetstream.WithMsgID(e.ID))
	return err
}

// EnsureStream creates or updates the events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create events stream: %w", err)
	}
	return nil
}
