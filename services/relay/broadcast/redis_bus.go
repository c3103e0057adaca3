// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis bus.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db" validate:"gte=0"`
}

// RedisBus is a Bus over Redis Pub/Sub.
//
// # Description
//
// Messages are JSON-encoded. Each Subscribe opens its own PubSub
// connection and a goroutine that decodes and dispatches messages until
// the subscription closes. Delivery is at-most-once, as Redis Pub/Sub is.
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus connects to Redis and verifies the connection with PING.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis bus ping %s: %w", cfg.Addr, err)
	}
	return NewRedisBusFromClient(client, logger), nil
}

// NewRedisBusFromClient wraps an existing client. The bus owns it.
func NewRedisBusFromClient(client *redis.Client, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{client: client, logger: logger, subs: make(map[*redisSub]struct{})}
}

// Publish sends msg to channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe listens on channel until the subscription is closed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSub{bus: b, ps: ps}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.dispatch(channel, h)
	return sub, nil
}

// Close closes every subscription and the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return b.client.Close()
}

type redisSub struct {
	bus  *RedisBus
	ps   *redis.PubSub
	once sync.Once
	err  error
}

func (s *redisSub) dispatch(channel string, h Handler) {
	for raw := range s.ps.Channel() {
		var msg Message
		if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
			s.bus.logger.Warn("Dropping malformed bus message", "channel", channel, "error", err)
			continue
		}
		h(msg)
	}
}

// Close unsubscribes. It does not wait for the dispatch goroutine, so it
// is safe to call from inside a Handler; messages already buffered may
// still be dispatched.
func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return s.err
}
