// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package broker fans daemon events out to connected websocket clients and
// an optional external webhook URL. Delivery is best effort; a slow client
// is dropped rather than allowed to stall the capture path.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
)

// Message is the wire envelope for every broadcast.
type Message struct {
	Action string `json:"action"`
	Data   any    `json:"data"`
}

// Notification is the payload for user-facing notices.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Icon     string `json:"icon,omitempty"`
	Category string `json:"category,omitempty"`
	URL      string `json:"url,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	sendBufferSize = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Broker is the fan-out hub.
type Broker struct {
	webhookURL string
	httpClient *http.Client
	log        zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	shuttingDown atomic.Bool
}

// New creates a broker. webhookURL may be empty to disable the HTTP sink.
func New(webhookURL string) *Broker {
	return &Broker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.WithComponent("broker"),
		clients:    map[*client]struct{}{},
	}
}

// HandleWS upgrades the request and serves the client until it disconnects.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Str("event", "broker.upgrade").Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}

	b.mu.Lock()
	b.clients[c] = struct{}{}
	n := len(b.clients)
	b.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
	b.log.Debug().Str("remote", r.RemoteAddr).Int("clients", n).Str("event", "broker.connect").Msg("client connected")

	go b.writePump(c)
	b.readPump(c)
}

func (b *Broker) readPump(c *client) {
	defer b.drop(c)
	c.conn.SetReadLimit(4096)
	for {
		// client messages are not part of the protocol, drain and ignore
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broker) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Broker) drop(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	n := len(b.clients)
	b.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
	_ = c.conn.Close()
}

// Broadcast sends the message to every connected client and, unless the
// daemon is shutting down, to the configured webhook URL.
func (b *Broker) Broadcast(action string, data any) {
	payload, err := json.Marshal(Message{Action: action, Data: data})
	if err != nil {
		b.log.Error().Err(err).Str("action", action).Str("event", "broker.marshal").Msg("broadcast payload not serializable")
		return
	}

	b.mu.Lock()
	var slow []*client
	for c := range b.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.Unlock()

	for _, c := range slow {
		b.log.Warn().Str("event", "broker.drop").Msg("dropping slow websocket client")
		b.drop(c)
	}

	metrics.BroadcastTotal.WithLabelValues(action).Inc()

	if b.webhookURL != "" && !b.shuttingDown.Load() {
		go b.postWebhook(action, payload)
	}
}

// Notify broadcasts a user-facing notification.
func (b *Broker) Notify(n Notification) {
	b.Broadcast("notify", n)
}

func (b *Broker) postWebhook(action string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.log.Warn().Err(err).Str("action", action).Str("event", "broker.webhook").Msg("webhook delivery failed")
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		b.log.Warn().Int("status", resp.StatusCode).Str("action", action).Str("event", "broker.webhook").Msg("webhook returned error status")
	}
}

// BeginShutdown suppresses further webhook deliveries and closes all
// websocket clients after a final shutdown broadcast.
func (b *Broker) BeginShutdown() {
	b.Broadcast("shutdown", nil)
	b.shuttingDown.Store(true)

	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()
	for _, c := range clients {
		b.drop(c)
	}
}

// ClientCount reports the number of connected websocket clients.
func (b *Broker) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
