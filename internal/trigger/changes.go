// Copyright (c) 2026, the nukleus jobagent contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/nukleus/jobagent/internal/models"
)

// Change says an entity in a collection was written.
type Change struct {
	Collection string `json:"collection"`
	EntityID   string `json:"entityId,omitempty"`
}

// ChangeSource delivers changes until ctx is done, then closes the channel.
type ChangeSource interface {
	Subscribe(ctx context.Context) (<-chan Change, error)
}

const DefaultRedisChannel = "jobagent:changes"

// PollSource reads the change_events table. It is used when no Redis is
// configured.
type PollSource struct {
	events   *models.ChangeEventStore
	interval time.Duration
	batch    int
}

func NewPollSource(events *models.ChangeEventStore, interval time.Duration) *PollSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PollSource{events: events, interval: interval, batch: 500}
}

// Subscribe starts after the newest recorded event; history is not
// replayed.
func (p *PollSource) Subscribe(ctx context.Context) (<-chan Change, error) {
	after, err := p.events.LatestID(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			for {
				events, err := p.events.ListAfter(ctx, after, p.batch)
				if err != nil {
					if ctx.Err() == nil {
						log.Error().Err(err).Msg("trigger: poll change events")
					}
					break
				}
				for _, ev := range events {
					select {
					case out <- Change{Collection: ev.Collection, EntityID: ev.EntityID}:
					case <-ctx.Done():
						return
					}
					after = ev.ID
				}
				if len(events) < p.batch {
					break
				}
			}
		}
	}()
	return out, nil
}

// RedisSource receives changes published by RedisPublisher on any agent.
type RedisSource struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisSource(rdb redis.UniversalClient, channel string) *RedisSource {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSource{rdb: rdb, channel: channel}
}

func (r *RedisSource) Subscribe(ctx context.Context) (<-chan Change, error) {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	out := make(chan Change, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ch Change
				if err := json.Unmarshal([]byte(msg.Payload), &ch); err != nil || ch.Collection == "" {
					log.Warn().Str("payload", msg.Payload).Msg("trigger: ignoring malformed change message")
					continue
				}
				select {
				case out <- ch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// RedisPublisher fans repository changes out to every subscribed agent.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// Publish has the shape of a models.Repository change listener. Errors are
// logged; the change_events row remains the durable record.
func (p *RedisPublisher) Publish(ctx context.Context, collection, entityID string) {
	payload, err := json.Marshal(Change{Collection: collection, EntityID: entityID})
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("trigger: publish change")
	}
}

// ChanSource adapts a caller-owned channel, for tests and in-process
// producers.
type ChanSource chan Change

func (c ChanSource) Subscribe(context.Context) (<-chan Change, error) {
	return c, nil
}
