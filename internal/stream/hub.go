// Package stream pushes trip events to websocket clients. With redis the
// hub fans out through pub/sub so every agent replica sees every event.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"fleet-triptracker/internal/trip"

	"github.com/redis/go-redis/v9"
)

// AllChannel receives every event regardless of trip.
const AllChannel = "all"

const (
	channelPrefix  = "trips:"
	channelSuffix  = ":events"
	channelPattern = channelPrefix + "*" + channelSuffix
)

type Hub struct {
	redis   *redis.Client
	pubsub  *redis.PubSub
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	Channel string
	Send    chan []byte
}

// NewHub subscribes to redis when a client is given. If the subscription
// cannot be confirmed the hub delivers locally only.
func NewHub(redisClient *redis.Client) *Hub {
	h := &Hub{clients: map[string]map[*Client]struct{}{}}
	if redisClient == nil {
		return h
	}

	ctx := context.Background()
	pubsub := redisClient.PSubscribe(ctx, channelPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		log.Printf("stream: redis subscribe failed, delivering locally: %v", err)
		_ = pubsub.Close()
		return h
	}
	h.redis = redisClient
	h.pubsub = pubsub
	go h.forward(pubsub.Channel())
	return h
}

// Close stops the redis subscription.
func (h *Hub) Close() error {
	if h.pubsub == nil {
		return nil
	}
	return h.pubsub.Close()
}

func (h *Hub) Register(channel string) *Client {
	client := &Client{
		Channel: channel,
		Send:    make(chan []byte, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[channel] == nil {
		h.clients[channel] = map[*Client]struct{}{}
	}
	h.clients[channel][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.Channel]; ok {
		if _, registered := clients[client]; !registered {
			return
		}
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.clients, client.Channel)
		}
		close(client.Send)
	}
}

// Clients counts registered clients across all channels.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// Broadcast sends payload to every client of channel. With redis, delivery
// happens when the message comes back from the subscription.
func (h *Hub) Broadcast(ctx context.Context, channel string, payload []byte) {
	if h.redis != nil {
		err := h.redis.Publish(ctx, redisChannel(channel), payload).Err()
		if err == nil {
			return
		}
		log.Printf("stream: redis publish error: %v", err)
	}
	h.deliver(channel, payload)
}

// Notify publishes a trip event to its trip channel and to AllChannel.
func (h *Hub) Notify(ctx context.Context, e trip.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("stream: encode event: %v", err)
		return
	}
	if e.TripID != "" {
		h.Broadcast(ctx, e.TripID, payload)
	}
	h.Broadcast(ctx, AllChannel, payload)
}

func (h *Hub) deliver(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[channel] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

func (h *Hub) forward(messages <-chan *redis.Message) {
	for msg := range messages {
		channel := channelFromRedis(msg.Channel)
		if channel == "" {
			continue
		}
		h.deliver(channel, []byte(msg.Payload))
	}
}

func redisChannel(channel string) string {
	return channelPrefix + channel + channelSuffix
}

func channelFromRedis(ch string) string {
	// trips:{channel}:events
	if len(ch) <= len(channelPrefix)+len(channelSuffix) {
		return ""
	}
	return ch[len(channelPrefix) : len(ch)-len(channelSuffix)]
}
