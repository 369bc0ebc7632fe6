// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
)

const (
	// welcomeTimeout bounds the wait for the session_welcome frame.
	welcomeTimeout = 10 * time.Second

	// keepaliveGrace is added to the server-announced keepalive interval
	// before a silent connection is treated as dead.
	keepaliveGrace = 20 * time.Second

	// maxSubscriptionsPerSocket is the upstream per-connection limit.
	maxSubscriptionsPerSocket = 300

	// seenMessageWindow is how many delivered message ids a socket
	// remembers for duplicate suppression.
	seenMessageWindow = 256
)

var ErrSocketClosed = errors.New("websocket session closed")

type wsEnvelope struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session struct {
			ID                      string `json:"id"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription Subscription    `json:"subscription"`
		Event        json.RawMessage `json:"event"`
	} `json:"payload"`
}

// Socket is one websocket-transport session. Subscriptions are bound to
// the session id upstream, so the socket tracks its own quota.
type Socket struct {
	handler NotificationHandler
	log     zerolog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	sessionID    string
	subIDs       map[string]struct{}
	totalCost    int
	maxTotalCost int
	closed       bool

	seen     []string
	seenSet  map[string]struct{}
	welcomed chan struct{}
	done     chan struct{}
}

// DialSocket connects and blocks until the session welcome arrives.
func DialSocket(ctx context.Context, url string, handler NotificationHandler) (*Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial eventsub websocket: %w", err)
	}

	s := &Socket{
		handler:  handler,
		log:      log.WithComponent("eventsub.ws"),
		conn:     conn,
		subIDs:   map[string]struct{}{},
		seenSet:  map[string]struct{}{},
		welcomed: make(chan struct{}),
		done:     make(chan struct{}),
	}
	metrics.WebsocketConnections.Inc()
	go s.run()

	select {
	case <-s.welcomed:
		return s, nil
	case <-s.done:
		return nil, ErrSocketClosed
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-time.After(welcomeTimeout):
		s.Close()
		return nil, fmt.Errorf("no session welcome within %s", welcomeTimeout)
	}
}

// SessionID returns the upstream session id, empty before welcome.
func (s *Socket) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Done is closed when the session ends.
func (s *Socket) Done() <-chan struct{} { return s.done }

// Available reports whether the socket can take one more subscription of
// the given cost.
func (s *Socket) Available(cost int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sessionID == "" {
		return false
	}
	if len(s.subIDs) >= maxSubscriptionsPerSocket {
		return false
	}
	if s.maxTotalCost > 0 && s.totalCost+cost > s.maxTotalCost {
		return false
	}
	return true
}

// TrackSubscription records a successful subscribe and the quota figures
// reported alongside it.
func (s *Socket) TrackSubscription(subID string, totalCost, maxTotalCost int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subIDs[subID] = struct{}{}
	s.totalCost = totalCost
	s.maxTotalCost = maxTotalCost
}

// ForgetSubscription drops a deleted or revoked subscription from the
// quota accounting. Websocket subscriptions cost one each.
func (s *Socket) ForgetSubscription(subID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subIDs[subID]; !ok {
		return false
	}
	delete(s.subIDs, subID)
	if s.totalCost > 0 {
		s.totalCost--
	}
	return true
}

// SubscriptionCount returns the number of tracked subscriptions.
func (s *Socket) SubscriptionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subIDs)
}

// Close tears the session down.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	_ = conn.Close()
}

func (s *Socket) run() {
	defer func() {
		metrics.WebsocketConnections.Dec()
		s.Close()
		close(s.done)
	}()

	keepalive := keepaliveGrace
	for {
		s.mu.Lock()
		conn := s.conn
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(keepalive))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			wasClosed := s.closed
			s.mu.Unlock()
			if !wasClosed {
				s.log.Warn().Err(err).Str(log.FieldSessionID, s.SessionID()).Str("event", "eventsub.ws.read").Msg("websocket session lost")
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.log.Warn().Err(err).Str("event", "eventsub.ws.decode").Msg("undecodable websocket frame")
			continue
		}

		switch env.Metadata.MessageType {
		case "session_welcome":
			s.mu.Lock()
			first := s.sessionID == ""
			s.sessionID = env.Payload.Session.ID
			s.mu.Unlock()
			if t := env.Payload.Session.KeepaliveTimeoutSeconds; t > 0 {
				keepalive = time.Duration(t)*time.Second + keepaliveGrace
			}
			s.log.Info().Str(log.FieldSessionID, env.Payload.Session.ID).Str("event", "eventsub.ws.welcome").Msg("websocket session established")
			if first {
				close(s.welcomed)
			}

		case "session_keepalive":
			// deadline already re-armed above

		case "notification":
			if s.isDuplicate(env.Metadata.MessageID) {
				continue
			}
			s.handler.HandleNotification(Notification{
				MessageID:    env.Metadata.MessageID,
				Subscription: env.Payload.Subscription,
				Event:        env.Payload.Event,
			})

		case "session_reconnect":
			if err := s.reconnect(env.Payload.Session.ReconnectURL); err != nil {
				s.log.Error().Err(err).Str("event", "eventsub.ws.reconnect").Msg("reconnect failed, session lost")
				return
			}

		case "revocation":
			s.ForgetSubscription(env.Payload.Subscription.ID)
			s.log.Warn().
				Str(log.FieldEventType, env.Payload.Subscription.Type).
				Str(log.FieldSubID, env.Payload.Subscription.ID).
				Str("status", env.Payload.Subscription.Status).
				Str("event", "eventsub.ws.revoked").
				Msg("subscription revoked upstream")

		default:
			s.log.Debug().Str("type", env.Metadata.MessageType).Str("event", "eventsub.ws.unhandled").Msg("unhandled websocket message type")
		}
	}
}

// reconnect follows the server-directed migration. Subscriptions carry
// over to the new connection upstream, so only the conn is swapped.
func (s *Socket) reconnect(url string) error {
	if url == "" {
		return errors.New("empty reconnect url")
	}
	s.log.Info().Str(log.FieldSessionID, s.SessionID()).Str("event", "eventsub.ws.reconnect").Msg("following session reconnect")

	ctx, cancel := context.WithTimeout(context.Background(), welcomeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.mu.Unlock()
	_ = old.Close()
	return nil
}

func (s *Socket) isDuplicate(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seenSet[msgID]; dup {
		return true
	}
	s.seen = append(s.seen, msgID)
	s.seenSet[msgID] = struct{}{}
	if len(s.seen) > seenMessageWindow {
		delete(s.seenSet, s.seen[0])
		s.seen = s.seen[1:]
	}
	return false
}
