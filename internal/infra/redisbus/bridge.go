// Package redisbus mirrors core events onto Redis pub/sub channels so
// processes outside the daemon can follow peer, message and group activity.
//
// Every event is published as JSON to <prefix><event type>. Message events
// are also published to <prefix>notify:<recipient>.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peerlink-network/peerlink/internal/domain"
	"github.com/peerlink-network/peerlink/internal/infra/eventbus"
)

// DefaultPrefix is used when Config.Prefix is empty.
const DefaultPrefix = "peerlink:"

// Config locates the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Publisher is the slice of *redis.Client the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Dial connects to Redis and checks the connection.
func Dial(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Bridge forwards bus events to Redis.
type Bridge struct {
	bus    *eventbus.Bus
	pub    Publisher
	prefix string
}

// New creates a bridge. Run starts forwarding.
func New(bus *eventbus.Bus, pub Publisher, prefix string) *Bridge {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Bridge{bus: bus, pub: pub, prefix: prefix}
}

// wireEvent is the JSON shape on the channel.
type wireEvent struct {
	Type    domain.EventType    `json:"type"`
	At      int64               `json:"at"` // Unix milliseconds
	Payload domain.EventPayload `json:"payload"`
}

// Run forwards events until ctx is done or the bus is closed.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.bus.Subscribe(256)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()
	log.Printf("[redisbus] forwarding events with prefix %q", b.prefix)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := b.forward(ctx, ev); err != nil {
				log.Printf("[redisbus] %s: %v", ev.Type, err)
			}
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(wireEvent{Type: ev.Type, At: ev.At.UnixMilli(), Payload: ev.Payload})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	for _, ch := range b.Channels(ev) {
		if err := b.pub.Publish(ctx, ch, data).Err(); err != nil {
			return fmt.Errorf("publish to %s: %w", ch, err)
		}
	}
	return nil
}

// Channels returns the channels ev is published to.
func (b *Bridge) Channels(ev domain.Event) []string {
	out := []string{b.prefix + string(ev.Type)}
	var to string
	switch p := ev.Payload.(type) {
	case domain.MessageSentEvent:
		to = p.ToPeerID
	case domain.MessageDeliveredEvent:
		to = p.ToPeerID
	}
	if to != "" {
		out = append(out, b.prefix+"notify:"+to)
	}
	return out
}
