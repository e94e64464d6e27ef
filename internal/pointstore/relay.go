package pointstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mappoints/internal/metrics"
)

const DefaultRelayChannel = "points:changes"

type relayMessage struct {
	Origin string `json:"origin"`
	Change
}

// Relay carries geo-index changes between instances sharing one Redis
// geo-index so their circle subscriptions see remote writes.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	log     *slog.Logger
}

func NewRelay(client *redis.Client, channel string, log *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &Relay{client: client, channel: channel, origin: uuid.NewString(), log: log}
}

func (r *Relay) Publish(ctx context.Context, c Change) error {
	payload, err := r.encode(c)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return err
	}
	metrics.RelayMessagesTotal.WithLabelValues("published").Inc()
	return nil
}

// Run delivers changes published by other instances until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver func(Change)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info("geo relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c, ok := r.accept(msg.Payload)
			if !ok {
				continue
			}
			metrics.RelayMessagesTotal.WithLabelValues("received").Inc()
			deliver(c)
		}
	}
}

func (r *Relay) encode(c Change) (string, error) {
	b, err := json.Marshal(relayMessage{Origin: r.origin, Change: c})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// accept decodes a payload, dropping malformed messages and this
// instance's own changes, which were already fanned out locally.
func (r *Relay) accept(payload string) (Change, bool) {
	var msg relayMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.ID == "" {
		metrics.RelayMessagesTotal.WithLabelValues("dropped").Inc()
		r.log.Debug("dropping malformed relay message", "err", err)
		return Change{}, false
	}
	if msg.Origin == r.origin {
		return Change{}, false
	}
	return msg.Change, true
}
