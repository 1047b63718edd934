package socket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Relay shares emitted frames between instances over one Redis channel.
type Relay struct {
	rdb     *redis.Client
	channel string
	origin  string
	log     zerolog.Logger
}

type relayEnvelope struct {
	Origin   string          `json:"origin"`
	DeviceID string          `json:"deviceId"`
	Frame    json.RawMessage `json:"frame"`
}

func NewRelay(rdb *redis.Client, channel string, log zerolog.Logger) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log.With().Str("component", "relay").Logger(),
	}
}

func (r *Relay) Origin() string { return r.origin }

func (r *Relay) Publish(ctx context.Context, deviceID string, frame []byte) error {
	b, err := json.Marshal(relayEnvelope{Origin: r.origin, DeviceID: deviceID, Frame: frame})
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

// Run delivers frames published by other instances to local subscribers
// until ctx is done.
func (r *Relay) Run(ctx context.Context, hub *Hub) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.log.Info().Str("channel", r.channel).Str("origin", r.origin).Msg("relay subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(hub, msg.Payload)
		}
	}
}

func (r *Relay) handle(hub *Hub, payload string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn().Err(err).Msg("relay: malformed envelope")
		return
	}
	if env.Origin == r.origin || env.DeviceID == "" {
		return
	}
	hub.Deliver(env.DeviceID, env.Frame)
}
