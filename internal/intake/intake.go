// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package intake is the in-process event bus between signal sources and the
// event log.
//
// Producers (the browser signal surface, the heartbeat sampler) publish
// CoreEvents; a router handler triages each one and appends the keepers to
// the durable event log. Failed appends are redelivered with backoff and
// routed to a poison topic once retries are exhausted, so a sick event log
// slows intake down instead of silently dropping facts.
package intake

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/models"
)

// Topics.
const (
	TopicEvents = "tabs.events"
	TopicPoison = "tabs.poison"
)

// Bus is the in-process pub/sub channel.
type Bus struct {
	channel *gochannel.GoChannel
	logger  watermill.LoggerAdapter
}

// NewBus creates the gochannel bus.
func NewBus(cfg config.IntakeConfig) *Bus {
	logger := watermill.NewSlogLogger(slog.New(logging.NewSlogHandler()))
	channel := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.BufferSize),
	}, logger)
	return &Bus{channel: channel, logger: logger}
}

// Publish serializes an event onto the events topic. The message UUID is
// the event id, so bus-level logs correlate with event-log entries.
func (b *Bus) Publish(_ context.Context, event *models.CoreEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.channel.Publish(TopicEvents, message.NewMessage(event.ID, payload))
}

// Subscribe exposes the raw subscriber for the router.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.channel.Subscribe(ctx, topic)
}

// Close shuts the bus down.
func (b *Bus) Close() error {
	return b.channel.Close()
}
