package bus

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"nexuswatch/internal/event"
	"nexuswatch/pkg/config"
	"nexuswatch/pkg/logger"

	"github.com/go-redis/redis/v8"
)

// Publisher is the pub/sub transport the bus writes to. *redis.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type outbound struct {
	channel string
	payload []byte
}

// Bus publishes monitoring events to named channels. Publish is
// fire-and-forget: failures are logged and dropped, never surfaced to the
// caller. A background dispatcher decouples producer latency from transport
// latency entirely.
type Bus struct {
	publisher Publisher
	cfg       config.BusConfig

	queue chan outbound
	done  chan struct{}
}

// New creates an event bus and starts its dispatcher.
func New(publisher Publisher, cfg config.BusConfig) *Bus {
	b := &Bus{
		publisher: publisher,
		cfg:       cfg,
		queue:     make(chan outbound, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Publish serializes an event and enqueues it for delivery on the global
// channel (stats channel for snapshot/queue-depth events) and, when a
// project id is known, on the project-scoped channel. Each channel write is
// independently best-effort. Publish never blocks and never returns an error.
func (b *Bus) Publish(ctx context.Context, e *event.Event, projectID string) {
	if !b.cfg.Enabled || e == nil {
		return
	}

	if projectID != "" && e.ProjectID == "" {
		e.ProjectID = projectID
	}

	payload, err := b.marshal(e)
	if err != nil {
		logger.WarnCtx(ctx, "dropping unserializable event %s: %v", e.EventType, err)
		return
	}

	primary := b.cfg.GlobalChannel
	if e.EventType == event.EventStatsSnapshot || e.EventType == event.EventQueueDepthUpdate {
		primary = b.cfg.StatsChannel
	}

	b.enqueue(ctx, primary, payload)
	if e.ProjectID != "" {
		b.enqueue(ctx, b.cfg.ProjectPrefix+e.ProjectID, payload)
	}
}

// enqueue hands a payload to the dispatcher; a full queue drops the message
// rather than blocking the producer.
func (b *Bus) enqueue(ctx context.Context, channel string, payload []byte) {
	select {
	case b.queue <- outbound{channel: channel, payload: payload}:
	default:
		logger.WarnCtx(ctx, "event bus queue full, dropping message for channel %s", channel)
	}
}

// marshal serializes the event, truncating oversized meta values until the
// payload fits the configured byte ceiling. The event is never dropped for
// size alone.
func (b *Bus) marshal(e *event.Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	if len(payload) <= b.cfg.MaxPayloadBytes || len(e.Meta) == 0 {
		return payload, nil
	}

	// Work on a copy, events are immutable once constructed
	trimmed := *e
	trimmed.Meta = make(map[string]string, len(e.Meta))
	for k, v := range e.Meta {
		trimmed.Meta[k] = v
	}

	for i := 0; i < len(trimmed.Meta)+1; i++ {
		excess := len(payload) - b.cfg.MaxPayloadBytes
		if excess <= 0 {
			break
		}

		// Cut the largest meta value first
		largest := ""
		for k, v := range trimmed.Meta {
			if len(v) == 0 {
				continue
			}
			if largest == "" || len(v) > len(trimmed.Meta[largest]) {
				largest = k
			}
		}
		if largest == "" {
			break
		}

		v := trimmed.Meta[largest]
		keep := len(v) - excess
		if keep < 0 {
			keep = 0
		}
		trimmed.Meta[largest] = v[:keep]

		payload, err = json.Marshal(&trimmed)
		if err != nil {
			return nil, err
		}
	}

	return payload, nil
}

// dispatch drains the outbound queue, writing each message to the transport
// under a short deadline with bounded backoff retries.
func (b *Bus) dispatch() {
	for msg := range b.queue {
		b.deliver(msg)
	}
	close(b.done)
}

func (b *Bus) deliver(msg outbound) {
	timeout := time.Duration(b.cfg.PublishTimeoutMs) * time.Millisecond
	backoff := 50 * time.Millisecond

	for attempt := 0; attempt < b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff with jitter
			sleep := backoff<<uint(attempt-1) + time.Duration(rand.Int63n(int64(backoff)))
			time.Sleep(sleep)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := b.publisher.Publish(ctx, msg.channel, msg.payload).Err()
		cancel()
		if err == nil {
			return
		}

		if attempt == b.cfg.MaxRetries-1 {
			logger.Warnf("event publish to %s failed after %d attempts: %v", msg.channel, b.cfg.MaxRetries, err)
		}
	}
}

// Close stops the dispatcher after draining queued messages.
func (b *Bus) Close() {
	close(b.queue)
	<-b.done
}
