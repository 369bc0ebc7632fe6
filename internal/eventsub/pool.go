// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/log"
)

// maxSockets is the upstream per-client websocket connection limit.
const maxSockets = 3

var ErrPoolExhausted = errors.New("all websocket sessions are at capacity")

// Pool hands out websocket sessions with room for more subscriptions,
// dialing new ones on demand up to the upstream connection limit.
type Pool struct {
	url     string
	handler NotificationHandler
	log     zerolog.Logger

	mu      sync.Mutex
	sockets []*Socket
}

// NewPool creates an empty pool; sockets are dialed lazily.
func NewPool(url string, handler NotificationHandler) *Pool {
	return &Pool{
		url:     url,
		handler: handler,
		log:     log.WithComponent("eventsub.pool"),
	}
}

// Acquire returns a session that can take one more subscription of the
// given cost, preferring existing sessions over new connections.
func (p *Pool) Acquire(ctx context.Context, cost int) (*Socket, error) {
	p.mu.Lock()
	live := p.sockets[:0]
	for _, s := range p.sockets {
		select {
		case <-s.Done():
			continue
		default:
		}
		live = append(live, s)
	}
	p.sockets = live

	for _, s := range p.sockets {
		if s.Available(cost) {
			p.mu.Unlock()
			return s, nil
		}
	}
	if len(p.sockets) >= maxSockets {
		p.mu.Unlock()
		return nil, ErrPoolExhausted
	}
	p.mu.Unlock()

	s, err := DialSocket(ctx, p.url, p.handler)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sockets = append(p.sockets, s)
	n := len(p.sockets)
	p.mu.Unlock()

	p.log.Info().Str(log.FieldSessionID, s.SessionID()).Int("sockets", n).Str("event", "eventsub.pool.dial").Msg("opened websocket session")
	return s, nil
}

// Forget removes a deleted subscription from whichever session tracked it.
func (p *Pool) Forget(subID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sockets {
		if s.ForgetSubscription(subID) {
			return
		}
	}
}

// Sockets returns the live sessions.
func (p *Pool) Sockets() []*Socket {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Socket, len(p.sockets))
	copy(out, p.sockets)
	return out
}

// CloseAll tears every session down.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	sockets := p.sockets
	p.sockets = nil
	p.mu.Unlock()
	for _, s := range sockets {
		s.Close()
	}
}
