// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/kvstore"
)

// fakeHelix simulates the upstream API with scripted subscription
// behavior.
type fakeHelix struct {
	mu      sync.Mutex
	created []SubscriptionRequest
	deleted []string

	// onCreate decides the response for each create call; onDelete may
	// return an error status per subscription id.
	onCreate func(req SubscriptionRequest) (status int, sub Subscription)
	onDelete func(id string) int
	existing []Subscription

	srv *httptest.Server
}

func newFakeHelix(t *testing.T) *fakeHelix {
	t.Helper()
	f := &fakeHelix{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "test-token", "expires_in": 3600})
	})
	mux.HandleFunc("/eventsub/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req SubscriptionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			f.mu.Lock()
			f.created = append(f.created, req)
			f.mu.Unlock()

			status, sub := f.onCreate(req)
			if status >= 400 {
				w.WriteHeader(status)
				return
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(subscriptionsResponse{
				Data: []Subscription{sub}, Total: 1, TotalCost: 1, MaxTotalCost: 10,
			})
		case http.MethodGet:
			f.mu.Lock()
			subs := f.existing
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(subscriptionsResponse{Data: subs, Total: len(subs)})
		case http.MethodDelete:
			id := r.URL.Query().Get("id")
			status := http.StatusNoContent
			if f.onDelete != nil {
				status = f.onDelete(id)
			}
			if status < 400 {
				f.mu.Lock()
				f.deleted = append(f.deleted, id)
				f.mu.Unlock()
			}
			w.WriteHeader(status)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeHelix) client() *Client {
	return NewClient(f.srv.URL, f.srv.URL+"/token", "cid", "csecret")
}

func (f *fakeHelix) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newManagerFixture(t *testing.T, f *fakeHelix, opts ManagerOptions) (*Manager, *kvstore.Store, *channel.Channel) {
	t.Helper()
	kv := kvstore.New(filepath.Join(t.TempDir(), "kv.json"), zerolog.Nop())
	reg, err := channel.NewRegistry(&config.Config{Channels: []config.ChannelConfig{
		{Login: "streamer", InternalID: "12345"},
	}})
	require.NoError(t, err)
	ch, _ := reg.ByLogin("streamer")

	m := NewManager(f.client(), kv, reg, opts)
	return m, kv, ch
}

func TestSubscribeWebhookVerificationFlow(t *testing.T) {
	f := newFakeHelix(t)
	f.onCreate = func(req SubscriptionRequest) (int, Subscription) {
		return http.StatusAccepted, Subscription{
			ID: "sub-" + req.Type, Type: req.Type,
			Status:    "webhook_callback_verification_pending",
			Condition: req.Condition,
		}
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://dvr.example.com/api/v0/hook/twitch", Secret: "s",
	})

	// simulate the ingest endpoint flipping status keys as challenges
	// arrive
	kv.OnEvent(func(ev kvstore.Event) {
		if ev.Kind == "set" && ev.Value == StatusWaiting {
			go func(key string) { _ = kv.Set(key, StatusSubscribed) }(ev.Key)
		}
	})

	require.NoError(t, m.Subscribe(context.Background(), ch, false))
	assert.Equal(t, len(EventTypes), f.createdCount())
	for _, et := range EventTypes {
		status, _ := kv.Get(ch.KeySubStatus(et))
		assert.Equal(t, StatusSubscribed, status, et)
	}

	// callback carried the configured URL and secret
	f.mu.Lock()
	first := f.created[0]
	f.mu.Unlock()
	assert.Equal(t, "webhook", first.Transport.Method)
	assert.True(t, strings.HasPrefix(first.Transport.Callback, "https://dvr.example.com/"))
	assert.Equal(t, "s", first.Transport.Secret)
}

func TestSubscribeWebhookVerificationTimeout(t *testing.T) {
	f := newFakeHelix(t)
	f.onCreate = func(req SubscriptionRequest) (int, Subscription) {
		return http.StatusAccepted, Subscription{
			ID: "sub-1", Type: req.Type,
			Status: "webhook_callback_verification_pending",
		}
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})
	m.verifyTimeout = 50 * time.Millisecond

	err := m.Subscribe(context.Background(), ch, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, kvstore.ErrWaitTimeout)

	status, _ := kv.Get(ch.KeySubStatus(EventTypes[0]))
	assert.Equal(t, StatusFailed, status)
}

func TestSubscribeConflictAdoptsExisting(t *testing.T) {
	f := newFakeHelix(t)
	f.onCreate = func(SubscriptionRequest) (int, Subscription) {
		return http.StatusConflict, Subscription{}
	}
	f.existing = []Subscription{
		{ID: "adopted-online", Type: "stream.online", Condition: Condition{BroadcasterUserID: "12345"}},
		{ID: "adopted-offline", Type: "stream.offline", Condition: Condition{BroadcasterUserID: "12345"}},
		{ID: "adopted-update", Type: "channel.update", Condition: Condition{BroadcasterUserID: "12345"}},
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})

	require.NoError(t, m.Subscribe(context.Background(), ch, false))
	id, _ := kv.Get(ch.KeySubID("stream.online"))
	assert.Equal(t, "adopted-online", id)
	status, _ := kv.Get(ch.KeySubStatus("channel.update"))
	assert.Equal(t, StatusSubscribed, status)
}

func TestSubscribeSkipsAlreadySubscribed(t *testing.T) {
	f := newFakeHelix(t)
	f.onCreate = func(req SubscriptionRequest) (int, Subscription) {
		return http.StatusAccepted, Subscription{ID: "x", Type: req.Type, Status: "enabled"}
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})
	for _, et := range EventTypes {
		require.NoError(t, kv.Set(ch.KeySubStatus(et), StatusSubscribed))
	}

	require.NoError(t, m.Subscribe(context.Background(), ch, false))
	assert.Zero(t, f.createdCount(), "subscribed channels are skipped without force")

	require.NoError(t, m.Subscribe(context.Background(), ch, true))
	assert.Equal(t, len(EventTypes), f.createdCount(), "force resubscribes everything")
}

func TestSubscribeContinuesAfterEventTypeFailure(t *testing.T) {
	f := newFakeHelix(t)
	f.onCreate = func(req SubscriptionRequest) (int, Subscription) {
		if req.Type == "stream.online" {
			return http.StatusInternalServerError, Subscription{}
		}
		return http.StatusAccepted, Subscription{ID: "sub-" + req.Type, Type: req.Type, Status: "enabled"}
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})

	err := m.Subscribe(context.Background(), ch, false)
	require.Error(t, err)
	assert.Equal(t, len(EventTypes), f.createdCount(), "remaining event types are still attempted after one failure")

	status, _ := kv.Get(ch.KeySubStatus("stream.online"))
	assert.Equal(t, StatusFailed, status)
	status, _ = kv.Get(ch.KeySubStatus("stream.offline"))
	assert.Equal(t, StatusSubscribed, status)
	status, _ = kv.Get(ch.KeySubStatus("channel.update"))
	assert.Equal(t, StatusSubscribed, status)
}

func TestUnsubscribePartialFailureTolerated(t *testing.T) {
	f := newFakeHelix(t)
	f.existing = []Subscription{
		{ID: "s1", Type: "stream.online", Condition: Condition{BroadcasterUserID: "12345"}},
		{ID: "s2", Type: "stream.offline", Condition: Condition{BroadcasterUserID: "12345"}},
	}
	f.onDelete = func(id string) int {
		if id == "s2" {
			return http.StatusInternalServerError
		}
		return http.StatusNoContent
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})
	require.NoError(t, kv.Set(ch.KeySubStatus("stream.online"), StatusSubscribed))

	require.NoError(t, m.Unsubscribe(context.Background(), ch), "partial failure is reported, not escalated")

	f.mu.Lock()
	deleted := f.deleted
	f.mu.Unlock()
	assert.Equal(t, []string{"s1"}, deleted)
	assert.False(t, kv.Has(ch.KeySubStatus("stream.online")), "local state is cleared regardless")
}

func TestUnsubscribeRemovesAllAndClearsState(t *testing.T) {
	f := newFakeHelix(t)
	f.existing = []Subscription{
		{ID: "s1", Type: "stream.online", Condition: Condition{BroadcasterUserID: "12345"}},
		{ID: "s2", Type: "stream.offline", Condition: Condition{BroadcasterUserID: "12345"}},
		{ID: "other", Type: "stream.online", Condition: Condition{BroadcasterUserID: "99999"}},
	}

	m, kv, ch := newManagerFixture(t, f, ManagerOptions{
		Transport: "webhook", CallbackURL: "https://cb", Secret: "s",
	})
	require.NoError(t, kv.Set(ch.KeySubStatus("stream.online"), StatusSubscribed))

	require.NoError(t, m.Unsubscribe(context.Background(), ch))

	f.mu.Lock()
	deleted := f.deleted
	f.mu.Unlock()
	assert.ElementsMatch(t, []string{"s1", "s2"}, deleted, "only this broadcaster's subscriptions are removed")
	assert.False(t, kv.Has(ch.KeySubStatus("stream.online")))
}

func TestResolveIDs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "t", "expires_in": 3600})
	})
	mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []User{{ID: "424242", Login: r.URL.Query().Get("login")}}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	kv := kvstore.New(filepath.Join(t.TempDir(), "kv.json"), zerolog.Nop())
	reg, err := channel.NewRegistry(&config.Config{Channels: []config.ChannelConfig{{Login: "unresolved"}}})
	require.NoError(t, err)

	m := NewManager(NewClient(srv.URL, srv.URL+"/token", "c", "s"), kv, reg, ManagerOptions{Transport: "webhook"})
	require.NoError(t, m.ResolveIDs(context.Background()))

	ch, ok := reg.ByID("424242")
	require.True(t, ok)
	assert.Equal(t, "unresolved", ch.Login)
}
