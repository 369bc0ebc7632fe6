// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/broker"
	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/kvstore"
	"github.com/ManuGH/lsdvr/internal/log"
)

// ChapterData is the channel-state snapshot written to the coordination
// store on every channel.update, consumed by the capture automaton.
type ChapterData struct {
	Title        string    `json:"title"`
	CategoryID   string    `json:"category_id"`
	CategoryName string    `json:"category_name"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Dispatcher turns verified notifications into coordination-store facts.
// Both transports feed it; everything downstream watches the store, so the
// capture path never cares which transport delivered an event.
type Dispatcher struct {
	kv       *kvstore.Store
	channels *channel.Registry
	broker   *broker.Broker
	log      zerolog.Logger
	now      func() time.Time
}

// NewDispatcher wires the notification sink.
func NewDispatcher(kv *kvstore.Store, channels *channel.Registry, b *broker.Broker) *Dispatcher {
	return &Dispatcher{
		kv:       kv,
		channels: channels,
		broker:   b,
		log:      log.WithComponent("eventsub"),
		now:      time.Now,
	}
}

// HandleNotification implements NotificationHandler.
func (d *Dispatcher) HandleNotification(n Notification) {
	evLog := d.log.With().
		Str(log.FieldEventType, n.Subscription.Type).
		Str("message_id", n.MessageID).
		Logger()

	switch n.Subscription.Type {
	case "stream.online":
		var ev StreamOnlineEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			evLog.Error().Err(err).Str("event", "eventsub.decode").Msg("undecodable notification payload")
			return
		}
		d.handleOnline(evLog, ev)

	case "stream.offline":
		var ev StreamOfflineEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			evLog.Error().Err(err).Str("event", "eventsub.decode").Msg("undecodable notification payload")
			return
		}
		d.handleOffline(evLog, ev)

	case "channel.update":
		var ev ChannelUpdateEvent
		if err := json.Unmarshal(n.Event, &ev); err != nil {
			evLog.Error().Err(err).Str("event", "eventsub.decode").Msg("undecodable notification payload")
			return
		}
		d.handleUpdate(evLog, ev)

	default:
		evLog.Warn().Str("event", "eventsub.unhandled").Msg("notification for unhandled subscription type")
	}
}

func (d *Dispatcher) handleOnline(evLog zerolog.Logger, ev StreamOnlineEvent) {
	ch, ok := d.channels.ByLogin(ev.BroadcasterUserLogin)
	if !ok {
		evLog.Warn().Str(log.FieldChannel, ev.BroadcasterUserLogin).Str("event", "eventsub.unknown_channel").Msg("notification for unmonitored channel")
		return
	}

	// order matters: stream facts first, the online flag last, because
	// the capture automaton fires on the online flag
	if err := d.kv.Set(ch.KeyVodID(), ev.ID); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("stream id not persisted")
	}
	if err := d.kv.SetDate(ch.KeyVodStartedAt(), ev.StartedAt); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("stream start not persisted")
	}
	if err := d.kv.SetBool(ch.KeyOnline(), true); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("online flag not persisted")
	}

	evLog.Info().Str(log.FieldChannel, ch.Login).Str(log.FieldStreamID, ev.ID).Str("event", "eventsub.online").Msg("channel went live")
	d.broker.Broadcast("channel_online", map[string]string{"login": ch.Login, "stream_id": ev.ID})
}

func (d *Dispatcher) handleOffline(evLog zerolog.Logger, ev StreamOfflineEvent) {
	ch, ok := d.channels.ByLogin(ev.BroadcasterUserLogin)
	if !ok {
		return
	}
	if err := d.kv.SetDate(ch.KeyLastOffline(), d.now()); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("offline timestamp not persisted")
	}
	if err := d.kv.SetBool(ch.KeyOnline(), false); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("online flag not persisted")
	}
	evLog.Info().Str(log.FieldChannel, ch.Login).Str("event", "eventsub.offline").Msg("channel went offline")
	d.broker.Broadcast("channel_offline", map[string]string{"login": ch.Login})
}

func (d *Dispatcher) handleUpdate(evLog zerolog.Logger, ev ChannelUpdateEvent) {
	ch, ok := d.channels.ByLogin(ev.BroadcasterUserLogin)
	if !ok {
		return
	}
	data := ChapterData{
		Title:        ev.Title,
		CategoryID:   ev.CategoryID,
		CategoryName: ev.CategoryName,
		ObservedAt:   d.now(),
	}
	if err := d.kv.SetObject(ch.KeyChapterData(), data); err != nil {
		evLog.Error().Err(err).Str("event", "eventsub.persist").Msg("chapter data not persisted")
	}
	evLog.Debug().Str(log.FieldChannel, ch.Login).Str("title", ev.Title).Str("event", "eventsub.update").Msg("channel metadata updated")
	d.broker.Broadcast("channel_updated", map[string]string{"login": ch.Login, "title": ev.Title})
}
