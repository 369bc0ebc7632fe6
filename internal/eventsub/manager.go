// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/kvstore"
	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
)

// verificationTimeout bounds the wait for the webhook challenge to arrive
// after a pending create response.
const verificationTimeout = 10 * time.Second

// ManagerOptions configure the subscription manager.
type ManagerOptions struct {
	// Transport is "webhook" or "websocket".
	Transport   string
	CallbackURL string
	Secret      string
	// Pool is required for the websocket transport.
	Pool *Pool
}

// Manager maintains the per-channel subscription set.
type Manager struct {
	client   *Client
	kv       *kvstore.Store
	channels *channel.Registry
	opts     ManagerOptions
	log      zerolog.Logger

	verifyTimeout time.Duration
}

// NewManager wires the subscription manager.
func NewManager(client *Client, kv *kvstore.Store, channels *channel.Registry, opts ManagerOptions) *Manager {
	return &Manager{
		client:        client,
		kv:            kv,
		channels:      channels,
		opts:          opts,
		log:           log.WithComponent("eventsub"),
		verifyTimeout: verificationTimeout,
	}
}

// ResolveIDs fills in upstream broadcaster ids for channels configured by
// login only.
func (m *Manager) ResolveIDs(ctx context.Context) error {
	for _, ch := range m.channels.All() {
		if ch.InternalID != "" {
			continue
		}
		user, err := m.client.UserByLogin(ctx, ch.Login)
		if err != nil {
			return fmt.Errorf("resolve channel %s: %w", ch.Login, err)
		}
		m.channels.SetID(ch, user.ID)
		m.log.Info().Str(log.FieldChannel, ch.Login).Str(log.FieldChannelID, user.ID).Str("event", "eventsub.resolve").Msg("resolved broadcaster id")
	}
	return nil
}

// SubscribeAll ensures subscriptions for every configured channel. A few
// channels are handled concurrently; the client's rate limiter paces the
// actual requests.
func (m *Manager) SubscribeAll(ctx context.Context, force bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ch := range m.channels.All() {
		g.Go(func() error {
			return m.Subscribe(ctx, ch, force)
		})
	}
	return g.Wait()
}

// Subscribe ensures all event-type subscriptions for one channel. Already
// subscribed types are skipped unless force is set. A failure is recorded
// per event type; the remaining types are still attempted and the failures
// come back joined.
func (m *Manager) Subscribe(ctx context.Context, ch *channel.Channel, force bool) error {
	if ch.InternalID == "" {
		return fmt.Errorf("channel %s has no broadcaster id", ch.Login)
	}
	var errs []error
	for _, eventType := range EventTypes {
		statusKey := ch.KeySubStatus(eventType)
		if !force {
			if status, _ := m.kv.Get(statusKey); status == StatusSubscribed {
				continue
			}
		}

		var err error
		switch m.opts.Transport {
		case "websocket":
			err = m.subscribeWebsocket(ctx, ch, eventType)
		default:
			err = m.subscribeWebhook(ctx, ch, eventType)
		}
		if err != nil {
			_ = m.kv.Set(statusKey, StatusFailed)
			metrics.RecordSubscribe(m.opts.Transport, "error")
			m.log.Warn().
				Err(err).
				Str(log.FieldChannel, ch.Login).
				Str(log.FieldEventType, eventType).
				Str("event", "eventsub.subscribe").
				Msg("event type subscribe failed, continuing with the rest")
			errs = append(errs, fmt.Errorf("subscribe %s to %s: %w", ch.Login, eventType, err))
			continue
		}
		metrics.RecordSubscribe(m.opts.Transport, "ok")
	}
	return errors.Join(errs...)
}

func (m *Manager) subscribeWebhook(ctx context.Context, ch *channel.Channel, eventType string) error {
	req := SubscriptionRequest{
		Type:      eventType,
		Version:   subscriptionVersion(eventType),
		Condition: Condition{BroadcasterUserID: ch.InternalID},
		Transport: TransportSpec{
			Method:   "webhook",
			Callback: m.opts.CallbackURL,
			Secret:   m.opts.Secret,
		},
	}

	resp, err := m.client.CreateSubscription(ctx, req)
	if errors.Is(err, ErrConflict) {
		return m.adoptExisting(ctx, ch, eventType)
	}
	if err != nil {
		return err
	}

	sub := resp.Data[0]
	switch sub.Status {
	case "webhook_callback_verification_pending":
		if err := m.kv.Set(ch.KeySubStatus(eventType), StatusWaiting); err != nil {
			return err
		}
		m.log.Info().
			Str(log.FieldChannel, ch.Login).
			Str(log.FieldEventType, eventType).
			Str(log.FieldSubID, sub.ID).
			Str("event", "eventsub.pending").
			Msg("waiting for webhook verification")

		// the ingest endpoint flips the status key when the challenge
		// lands
		if err := m.kv.WaitForValue(ch.KeySubStatus(eventType), StatusSubscribed, m.verifyTimeout); err != nil {
			return fmt.Errorf("webhook verification for %s: %w", eventType, err)
		}
		return nil

	case "enabled":
		if err := m.kv.Set(ch.KeySubID(eventType), sub.ID); err != nil {
			return err
		}
		return m.kv.Set(ch.KeySubStatus(eventType), StatusSubscribed)

	default:
		return fmt.Errorf("unexpected subscription status %q", sub.Status)
	}
}

// adoptExisting resolves a create conflict by locating the live upstream
// subscription and recording it as ours.
func (m *Manager) adoptExisting(ctx context.Context, ch *channel.Channel, eventType string) error {
	subs, err := m.client.SubscriptionsForBroadcaster(ctx, ch.InternalID)
	if err != nil {
		return fmt.Errorf("resolve conflicting subscription: %w", err)
	}
	for _, sub := range subs {
		if sub.Type != eventType {
			continue
		}
		if err := m.kv.Set(ch.KeySubID(eventType), sub.ID); err != nil {
			return err
		}
		if err := m.kv.Set(ch.KeySubStatus(eventType), StatusSubscribed); err != nil {
			return err
		}
		m.log.Info().
			Str(log.FieldChannel, ch.Login).
			Str(log.FieldEventType, eventType).
			Str(log.FieldSubID, sub.ID).
			Str("event", "eventsub.adopt").
			Msg("adopted existing subscription")
		return nil
	}
	return fmt.Errorf("conflict reported but no subscription found for %s/%s", ch.InternalID, eventType)
}

func (m *Manager) subscribeWebsocket(ctx context.Context, ch *channel.Channel, eventType string) error {
	if m.opts.Pool == nil {
		return errors.New("websocket transport without a session pool")
	}
	sock, err := m.opts.Pool.Acquire(ctx, 1)
	if err != nil {
		return err
	}

	req := SubscriptionRequest{
		Type:      eventType,
		Version:   subscriptionVersion(eventType),
		Condition: Condition{BroadcasterUserID: ch.InternalID},
		Transport: TransportSpec{
			Method:    "websocket",
			SessionID: sock.SessionID(),
		},
	}

	resp, err := m.client.CreateSubscription(ctx, req)
	switch {
	case errors.Is(err, ErrConflict):
		m.log.Warn().Str(log.FieldChannel, ch.Login).Str(log.FieldEventType, eventType).Str("event", "eventsub.conflict").Msg("subscription already exists, adopting")
		return m.adoptExisting(ctx, ch, eventType)
	case errors.Is(err, ErrRateLimited):
		m.log.Warn().Str(log.FieldChannel, ch.Login).Str(log.FieldEventType, eventType).Str("event", "eventsub.ratelimited").Msg("subscribe rate limited, skipping")
		return nil
	case err != nil:
		return err
	}

	sub := resp.Data[0]
	if sub.Status != "enabled" {
		return fmt.Errorf("unexpected subscription status %q", sub.Status)
	}
	sock.TrackSubscription(sub.ID, resp.TotalCost, resp.MaxTotalCost)
	if err := m.kv.Set(ch.KeySubID(eventType), sub.ID); err != nil {
		return err
	}
	if err := m.kv.Set(ch.KeySubStatus(eventType), StatusSubscribed); err != nil {
		return err
	}
	m.log.Info().
		Str(log.FieldChannel, ch.Login).
		Str(log.FieldEventType, eventType).
		Str(log.FieldSubID, sub.ID).
		Str(log.FieldSessionID, sock.SessionID()).
		Str("event", "eventsub.subscribed").
		Msg("websocket subscription enabled")
	return nil
}

// Unsubscribe removes every upstream subscription for the channel and
// clears the tracked state. Individual delete failures are tolerated; the
// removed/total ratio is reported.
func (m *Manager) Unsubscribe(ctx context.Context, ch *channel.Channel) error {
	subs, err := m.client.SubscriptionsForBroadcaster(ctx, ch.InternalID)
	if err != nil {
		return fmt.Errorf("list subscriptions for %s: %w", ch.Login, err)
	}

	removed := 0
	for _, sub := range subs {
		if err := m.client.DeleteSubscription(ctx, sub.ID); err != nil {
			m.log.Warn().Err(err).Str(log.FieldSubID, sub.ID).Str("event", "eventsub.unsubscribe").Msg("subscription not removed")
			metrics.UnsubscribeTotal.WithLabelValues("error").Inc()
			continue
		}
		removed++
		metrics.UnsubscribeTotal.WithLabelValues("ok").Inc()
		if m.opts.Pool != nil {
			m.opts.Pool.Forget(sub.ID)
		}
	}
	for _, eventType := range EventTypes {
		_ = m.kv.Delete(ch.KeySubStatus(eventType))
		_ = m.kv.Delete(ch.KeySubID(eventType))
	}

	// partial failure is not escalated; the ratio tells the operator
	m.log.Info().
		Str(log.FieldChannel, ch.Login).
		Int("removed", removed).
		Int("total", len(subs)).
		Str("event", "eventsub.unsubscribed").
		Msg("channel subscriptions removed")
	return nil
}

// subscriptionVersion maps an event type to its current payload version.
func subscriptionVersion(eventType string) string {
	if eventType == "channel.update" {
		return "2"
	}
	return "1"
}
