// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

package intake

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/eventlog"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
	"github.com/tabscope/tabscope/internal/models"
	"github.com/tabscope/tabscope/internal/triage"
)

// Router consumes the events topic: triage, then durable append.
type Router struct {
	router *message.Router
}

// NewRouter builds the intake router with recovery, retry, and a poison
// queue for events whose append keeps failing.
func NewRouter(cfg config.IntakeConfig, bus *Bus, log *eventlog.Log) (*Router, error) {
	r, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: cfg.CloseTimeout,
	}, bus.logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	poison, err := middleware.PoisonQueue(bus.channel, TopicPoison)
	if err != nil {
		return nil, fmt.Errorf("create poison queue: %w", err)
	}

	r.AddMiddleware(
		middleware.Recoverer,
		poison,
		middleware.Retry{
			MaxRetries:      cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			Logger:          bus.logger,
		}.Middleware,
	)

	r.AddNoPublisherHandler(
		"eventlog-append",
		TopicEvents,
		bus.channel,
		appendHandler(log),
	)

	r.AddNoPublisherHandler(
		"poison-audit",
		TopicPoison,
		bus.channel,
		func(msg *message.Message) error {
			metrics.EventsPoisoned.Inc()
			logging.Error().
				Str("event_id", msg.UUID).
				Str("reason", msg.Metadata.Get(middleware.ReasonForPoisonedKey)).
				Msg("Event poisoned after retries")
			return nil
		},
	)

	return &Router{router: r}, nil
}

// appendHandler triages a raw event and appends the keepers to the log.
// Rejected events are acked and counted, not errors.
func appendHandler(log *eventlog.Log) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		var event models.CoreEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			// Undecodable payloads can never succeed; poison them.
			return fmt.Errorf("decode event %s: %w", msg.UUID, err)
		}

		if reason := triage.Evaluate(&event); reason != triage.RejectNone {
			metrics.EventsRejected.WithLabelValues(string(reason)).Inc()
			logging.Debug().
				Str("event_id", event.ID).
				Str("type", string(event.Type)).
				Str("reason", string(reason)).
				Msg("Event rejected by triage")
			return nil
		}

		if err := log.Append(msg.Context(), &event); err != nil {
			return fmt.Errorf("append event %s: %w", event.ID, err)
		}
		metrics.EventsStored.WithLabelValues(string(event.Type)).Inc()
		return nil
	}
}

// Serve runs the router until the context is canceled. It implements
// suture.Service.
func (r *Router) Serve(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once all handlers are up. Tests use it
// to avoid publishing before subscription.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router.
func (r *Router) Close() error {
	return r.router.Close()
}

func (r *Router) String() string { return "intake-router" }
