// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"context"
	"fmt"
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

// fakeEventSubWS accepts websocket connections and immediately sends a
// session welcome; test bodies can push further frames per connection.
type fakeEventSubWS struct {
	srv      *httptest.Server
	dials    atomic.Int32
	onConn   func(conn *websocket.Conn)
	upgrader websocket.Upgrader
}

func newFakeEventSubWS(t *testing.T, sessionID string) *fakeEventSubWS {
	t.Helper()
	f := &fakeEventSubWS{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		f.dials.Add(1)

		welcome := `{"metadata":{"message_id":"w1","message_type":"session_welcome"},` +
			`"payload":{"session":{"id":"` + sessionID + `","keepalive_timeout_seconds":10}}}`
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(welcome)))

		if f.onConn != nil {
			f.onConn(conn)
		}
		// keep the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEventSubWS) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func TestDialSocketWelcome(t *testing.T) {
	f := newFakeEventSubWS(t, "sess-abc")
	h := &recordingHandler{}

	sock, err := DialSocket(context.Background(), f.url(), h)
	require.NoError(t, err)
	defer sock.Close()

	assert.Equal(t, "sess-abc", sock.SessionID())
	assert.True(t, sock.Available(1))
}

func TestSocketNotificationDispatchAndDedup(t *testing.T) {
	frame := `{"metadata":{"message_id":"n1","message_type":"notification","subscription_type":"stream.online"},` +
		`"payload":{"subscription":{"id":"sub-1","type":"stream.online"},"event":{"broadcaster_user_login":"streamer"}}}`

	f := newFakeEventSubWS(t, "sess-1")
	f.onConn = func(conn *websocket.Conn) {
		// same message id twice, as upstream may redeliver
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	h := &recordingHandler{}

	sock, err := DialSocket(context.Background(), f.url(), h)
	require.NoError(t, err)
	defer sock.Close()

	require.Eventually(t, func() bool { return h.count() >= 1 }, 2*time.Second, 20*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.count(), "duplicate message ids are suppressed")
	assert.Equal(t, "stream.online", h.notifications[0].Subscription.Type)
}

func TestSocketQuota(t *testing.T) {
	f := newFakeEventSubWS(t, "sess-q")
	sock, err := DialSocket(context.Background(), f.url(), &recordingHandler{})
	require.NoError(t, err)
	defer sock.Close()

	sock.TrackSubscription("sub-a", 9, 10)
	assert.True(t, sock.Available(1))
	sock.TrackSubscription("sub-b", 10, 10)
	assert.False(t, sock.Available(1), "socket at max total cost is unavailable")
	assert.Equal(t, 2, sock.SubscriptionCount())

	assert.True(t, sock.ForgetSubscription("sub-b"))
	assert.True(t, sock.Available(1), "deleted subscriptions free their quota")
	assert.Equal(t, 1, sock.SubscriptionCount())
	assert.False(t, sock.ForgetSubscription("sub-b"), "unknown ids are reported")
}

func TestPoolReusesSocket(t *testing.T) {
	f := newFakeEventSubWS(t, "sess-pool")
	p := NewPool(f.url(), &recordingHandler{})
	defer p.CloseAll()

	for i := 0; i < 3; i++ {
		sock, err := p.Acquire(context.Background(), 1)
		require.NoError(t, err)
		sock.TrackSubscription(fmt.Sprintf("sub-%d", i), i+1, 10)
	}

	assert.Equal(t, int32(1), f.dials.Load(), "one session serves multiple subscriptions")
	require.Len(t, p.Sockets(), 1)
	assert.Equal(t, 3, p.Sockets()[0].SubscriptionCount())
}

func TestPoolDropsDeadSockets(t *testing.T) {
	f := newFakeEventSubWS(t, "sess-dead")
	p := NewPool(f.url(), &recordingHandler{})
	defer p.CloseAll()

	sock, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)

	sock.Close()
	select {
	case <-sock.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("socket did not shut down")
	}

	again, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)
	assert.NotSame(t, sock, again, "dead sessions are replaced")
	assert.Equal(t, int32(2), f.dials.Load())
}
