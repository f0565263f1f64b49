// Package feed is the realtime change feed: store mutations are published
// as JSON events on per-table Redis channels, and subscribers receive them
// through bounded drop-oldest channels keyed by table plus an optional row
// filter.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/heartsync/heartsync/internal/ringchan"
)

const channelPrefix = "heartsync:feed:"

// Event is one row change.
type Event struct {
	Table   string          `json:"table"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Filter selects the events a subscription cares about. A nil filter
// matches everything.
type Filter func(Event) bool

// Publisher emits change events.
type Publisher struct {
	rdb    redis.UniversalClient
	logger *logrus.Logger
}

// NewPublisher creates a publisher over the given Redis client.
func NewPublisher(rdb redis.UniversalClient, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{rdb: rdb, logger: logger}
}

// Publish serializes the payload and emits it on the table's channel.
func (p *Publisher) Publish(ctx context.Context, table, action string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal feed payload: %w", err)
	}

	data, err := json.Marshal(Event{
		Table:   table,
		Action:  action,
		Payload: raw,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feed event: %w", err)
	}

	if err := p.rdb.Publish(ctx, channelPrefix+table, data).Err(); err != nil {
		return fmt.Errorf("failed to publish feed event: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"table":  table,
		"action": action,
	}).Debug("Published feed event")
	return nil
}

// Subscriber opens per-table subscriptions.
type Subscriber struct {
	rdb    redis.UniversalClient
	logger *logrus.Logger
}

// NewSubscriber creates a subscriber over the given Redis client.
func NewSubscriber(rdb redis.UniversalClient, logger *logrus.Logger) *Subscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriber{rdb: rdb, logger: logger}
}

// Subscribe starts listening on the table's channel. Events failing the
// filter are skipped; a slow consumer loses the oldest events, never blocks
// the feed.
func (s *Subscriber) Subscribe(ctx context.Context, table string, filter Filter) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, channelPrefix+table)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s feed: %w", table, err)
	}

	sub := &Subscription{
		ring:   ringchan.New[Event](256),
		pubsub: pubsub,
		logger: s.logger,
	}
	go sub.run(filter)
	return sub, nil
}

// Subscription is one live feed subscription.
type Subscription struct {
	ring   *ringchan.RingChannel[Event]
	pubsub *redis.PubSub
	logger *logrus.Logger
}

// C returns the event channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event {
	return s.ring.C()
}

// Close stops the subscription and closes the event channel.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

func (s *Subscription) run(filter Filter) {
	defer s.ring.Close()

	for msg := range s.pubsub.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			s.logger.WithError(err).Warn("Dropping malformed feed event")
			continue
		}
		if filter != nil && !filter(ev) {
			continue
		}
		s.ring.ForceSend(ev)
	}
}
