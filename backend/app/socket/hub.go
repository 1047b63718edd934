// Package socket fans device events out to authenticated websocket
// subscribers. Every event is scoped to one device and reaches only the
// subscribers of that device.
package socket

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Sender delivers encoded frames to one subscriber. Send must not block;
// it reports false when the frame was dropped.
type Sender interface {
	Send(frame []byte) bool
	Close()
}

// Publisher forwards locally emitted frames to other instances.
type Publisher interface {
	Publish(ctx context.Context, deviceID string, frame []byte) error
}

type Stats struct {
	Subscribers   int `json:"subscribers"`
	Devices       int `json:"devices"`
	Subscriptions int `json:"subscriptions"`
}

type Hub struct {
	log zerolog.Logger

	mu           sync.RWMutex
	senders      map[string]Sender
	byDevice     map[string]map[string]struct{}
	bySubscriber map[string]map[string]struct{}
	relay        Publisher
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:          log.With().Str("component", "hub").Logger(),
		senders:      make(map[string]Sender),
		byDevice:     make(map[string]map[string]struct{}),
		bySubscriber: make(map[string]map[string]struct{}),
	}
}

// SetRelay enables cross-instance delivery. Call before serving traffic.
func (h *Hub) SetRelay(p Publisher) {
	h.mu.Lock()
	h.relay = p
	h.mu.Unlock()
}

// Register adds an authenticated subscriber with no subscriptions. A
// previous sender under the same id is replaced and closed.
func (h *Hub) Register(subscriberID string, s Sender) {
	h.mu.Lock()
	old := h.senders[subscriberID]
	h.senders[subscriberID] = s
	if _, ok := h.bySubscriber[subscriberID]; !ok {
		h.bySubscriber[subscriberID] = make(map[string]struct{})
	}
	total := len(h.senders)
	h.mu.Unlock()

	if old != nil && old != s {
		old.Close()
	}
	h.log.Info().Str("subscriber", subscriberID).Int("total", total).Msg("subscriber registered")
}

func (h *Hub) Subscribe(subscriberID, deviceID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	devices, ok := h.bySubscriber[subscriberID]
	if !ok {
		return ErrUnknownSubscriber
	}
	devices[deviceID] = struct{}{}
	subs, ok := h.byDevice[deviceID]
	if !ok {
		subs = make(map[string]struct{})
		h.byDevice[deviceID] = subs
	}
	subs[subscriberID] = struct{}{}
	return nil
}

func (h *Hub) Unsubscribe(subscriberID, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if devices, ok := h.bySubscriber[subscriberID]; ok {
		delete(devices, deviceID)
	}
	h.dropDeviceLocked(deviceID, subscriberID)
}

// Subscriptions lists the devices a subscriber follows, sorted.
func (h *Hub) Subscriptions(subscriberID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.bySubscriber[subscriberID]))
	for id := range h.bySubscriber[subscriberID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect removes the subscriber from every index and closes its sender.
func (h *Hub) Disconnect(subscriberID string) {
	h.mu.Lock()
	s := h.senders[subscriberID]
	delete(h.senders, subscriberID)
	for deviceID := range h.bySubscriber[subscriberID] {
		h.dropDeviceLocked(deviceID, subscriberID)
	}
	delete(h.bySubscriber, subscriberID)
	h.mu.Unlock()

	if s != nil {
		s.Close()
		h.log.Info().Str("subscriber", subscriberID).Msg("subscriber disconnected")
	}
}

// EmitToSubscribers sends one event to the subscribers of deviceID and, when
// a relay is set, to other instances. It returns the local delivery count.
func (h *Hub) EmitToSubscribers(deviceID, event string, payload any) int {
	frame, err := Encode(event, payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode event")
		return 0
	}
	n := h.Deliver(deviceID, frame)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay != nil {
		if err := relay.Publish(context.Background(), deviceID, frame); err != nil {
			h.log.Warn().Err(err).Str("device", deviceID).Str("event", event).Msg("relay publish failed")
		}
	}
	return n
}

// Deliver writes an encoded frame to local subscribers of deviceID only.
func (h *Hub) Deliver(deviceID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]Sender, 0, len(h.byDevice[deviceID]))
	for subID := range h.byDevice[deviceID] {
		if s, ok := h.senders[subID]; ok {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(frame) {
			delivered++
		}
	}
	if dropped := len(targets) - delivered; dropped > 0 {
		h.log.Warn().Str("device", deviceID).Int("dropped", dropped).Msg("subscriber buffer full, event dropped")
	}
	return delivered
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Subscribers: len(h.senders), Devices: len(h.byDevice)}
	for _, subs := range h.byDevice {
		s.Subscriptions += len(subs)
	}
	return s
}

// Close disconnects every subscriber. Used at shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.senders))
	for id := range h.senders {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}

func (h *Hub) dropDeviceLocked(deviceID, subscriberID string) {
	subs, ok := h.byDevice[deviceID]
	if !ok {
		return
	}
	delete(subs, subscriberID)
	if len(subs) == 0 {
		delete(h.byDevice, deviceID)
	}
}
