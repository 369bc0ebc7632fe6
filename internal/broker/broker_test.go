// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestClient(t *testing.T, b *Broker) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestBroadcastReachesClient(t *testing.T) {
	b := New("")
	conn := dialTestClient(t, b)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Broadcast("vod_updated", map[string]string{"basename": "streamer_2026-08-10_42"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "vod_updated", msg.Action)
	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "streamer_2026-08-10_42", data["basename"])
}

func TestNotifyEnvelope(t *testing.T) {
	b := New("")
	conn := dialTestClient(t, b)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.Notify(Notification{Title: "Stream is live", Body: "streamer went online"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"notify"`)
	assert.Contains(t, string(raw), "Stream is live")
}

func TestWebhookSink(t *testing.T) {
	var got atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		_ = json.NewDecoder(r.Body).Decode(&msg)
		got.Store(msg.Action)
	}))
	defer sink.Close()

	b := New(sink.URL)
	b.Broadcast("capture_started", nil)

	require.Eventually(t, func() bool {
		v, _ := got.Load().(string)
		return v == "capture_started"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownSuppressesWebhook(t *testing.T) {
	var calls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer sink.Close()

	b := New(sink.URL)
	b.BeginShutdown()
	before := calls.Load() // the shutdown broadcast itself may post

	b.Broadcast("vod_updated", nil)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, calls.Load(), "no webhook delivery after shutdown began")
}

func TestShutdownClosesClients(t *testing.T) {
	b := New("")
	conn := dialTestClient(t, b)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	b.BeginShutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Zero(t, b.ClientCount())
}
