// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/lsdvr/internal/broker"
	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/kvstore"
)

func newDispatcherFixture(t *testing.T) (*Dispatcher, *kvstore.Store, *channel.Channel) {
	t.Helper()
	kv := kvstore.New(filepath.Join(t.TempDir(), "kv.json"), zerolog.Nop())
	reg, err := channel.NewRegistry(&config.Config{Channels: []config.ChannelConfig{
		{Login: "streamer", InternalID: "12345"},
	}})
	require.NoError(t, err)
	ch, _ := reg.ByLogin("streamer")
	return NewDispatcher(kv, reg, broker.New("")), kv, ch
}

func notification(t *testing.T, subType string, event any) Notification {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return Notification{
		MessageID:    "m1",
		Subscription: Subscription{Type: subType},
		Event:        raw,
	}
}

func TestDispatchOnlineWritesFactsInOrder(t *testing.T) {
	d, kv, ch := newDispatcherFixture(t)

	var order []string
	kv.OnEvent(func(ev kvstore.Event) {
		if ev.Kind == "set" {
			order = append(order, ev.Key)
		}
	})

	started := time.Date(2026, 8, 10, 20, 0, 0, 0, time.UTC)
	d.HandleNotification(notification(t, "stream.online", StreamOnlineEvent{
		ID:                   "777",
		BroadcasterUserLogin: "streamer",
		StartedAt:            started,
	}))

	assert.True(t, kv.GetBool(ch.KeyOnline()))
	id, _ := kv.Get(ch.KeyVodID())
	assert.Equal(t, "777", id)
	at, err := kv.GetDate(ch.KeyVodStartedAt())
	require.NoError(t, err)
	assert.True(t, at.Equal(started))

	require.Len(t, order, 3)
	assert.Equal(t, ch.KeyOnline(), order[len(order)-1], "online flag lands last so watchers see complete facts")
}

func TestDispatchOffline(t *testing.T) {
	d, kv, ch := newDispatcherFixture(t)
	require.NoError(t, kv.SetBool(ch.KeyOnline(), true))
	fixed := time.Date(2026, 8, 10, 23, 30, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.HandleNotification(notification(t, "stream.offline", StreamOfflineEvent{
		BroadcasterUserLogin: "streamer",
	}))
	assert.False(t, kv.GetBool(ch.KeyOnline()))

	at, err := kv.GetDate(ch.KeyLastOffline())
	require.NoError(t, err)
	assert.True(t, at.Equal(fixed))
}

func TestDispatchChannelUpdateStoresChapterData(t *testing.T) {
	d, kv, ch := newDispatcherFixture(t)
	fixed := time.Date(2026, 8, 10, 21, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.HandleNotification(notification(t, "channel.update", ChannelUpdateEvent{
		BroadcasterUserLogin: "streamer",
		Title:                "new title",
		CategoryID:           "509658",
		CategoryName:         "Just Chatting",
	}))

	var data ChapterData
	require.True(t, kv.GetObject(ch.KeyChapterData(), &data))
	assert.Equal(t, "new title", data.Title)
	assert.Equal(t, "Just Chatting", data.CategoryName)
	assert.True(t, data.ObservedAt.Equal(fixed))
}

func TestDispatchUnknownChannelIgnored(t *testing.T) {
	d, kv, _ := newDispatcherFixture(t)

	d.HandleNotification(notification(t, "stream.online", StreamOnlineEvent{
		BroadcasterUserLogin: "stranger",
	}))
	assert.False(t, kv.Has("stranger.online"))
}
