// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/kvstore"
	"github.com/ManuGH/lsdvr/internal/log"
)

const (
	headerMessageID        = "Twitch-Eventsub-Message-Id"
	headerMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerMessageSignature = "Twitch-Eventsub-Message-Signature"
	headerMessageType      = "Twitch-Eventsub-Message-Type"

	messageTypeVerification = "webhook_callback_verification"
	messageTypeNotification = "notification"
	messageTypeRevocation   = "revocation"

	// ackTTL bounds how long delivered message ids are remembered for
	// duplicate suppression.
	ackTTL = 10 * time.Minute

	maxBodySize = 1 << 20
)

// Ingest is the webhook-transport HTTP receiver.
type Ingest struct {
	secret  string
	kv      *kvstore.Store
	handler NotificationHandler
	log     zerolog.Logger
}

// NewIngest creates the receiver. The secret must match the one sent in
// subscription requests.
func NewIngest(secret string, kv *kvstore.Store, handler NotificationHandler) *Ingest {
	return &Ingest{
		secret:  secret,
		kv:      kv,
		handler: handler,
		log:     log.WithComponent("ingest"),
	}
}

// Routes mounts the receiver endpoints.
func (i *Ingest) Routes(r chi.Router) {
	r.Post("/hook/twitch", i.handleHook)
}

func (i *Ingest) handleHook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerMessageTimestamp)
	if !i.verifySignature(msgID, timestamp, body, r.Header.Get(headerMessageSignature)) {
		i.log.Warn().Str("remote", r.RemoteAddr).Str("event", "ingest.bad_signature").Msg("rejecting unsigned or tampered delivery")
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	switch r.Header.Get(headerMessageType) {
	case messageTypeVerification:
		i.handleVerification(w, body)
	case messageTypeNotification:
		i.handleNotification(w, msgID, body)
	case messageTypeRevocation:
		i.handleRevocation(w, body)
	default:
		http.Error(w, "unknown message type", http.StatusBadRequest)
	}
}

// verifySignature checks the HMAC-SHA256 over message id, timestamp and
// raw body against the signature header.
func (i *Ingest) verifySignature(msgID, timestamp string, body []byte, header string) bool {
	if msgID == "" || timestamp == "" || header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(i.secret))
	mac.Write([]byte(msgID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

func (i *Ingest) handleVerification(w http.ResponseWriter, body []byte) {
	var p struct {
		Challenge    string       `json:"challenge"`
		Subscription Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(body, &p); err != nil || p.Challenge == "" {
		http.Error(w, "bad challenge body", http.StatusBadRequest)
		return
	}

	sub := p.Subscription
	statusKey := sub.Condition.BroadcasterUserID + ".substatus." + sub.Type
	if err := i.kv.Set(sub.Condition.BroadcasterUserID+".sub."+sub.Type, sub.ID); err != nil {
		i.log.Error().Err(err).Str("event", "ingest.persist").Msg("subscription id not persisted")
	}
	// this set releases any subscriber currently blocked in WaitForValue
	if err := i.kv.Set(statusKey, StatusSubscribed); err != nil {
		i.log.Error().Err(err).Str("event", "ingest.persist").Msg("subscription status not persisted")
	}

	i.log.Info().
		Str(log.FieldEventType, sub.Type).
		Str(log.FieldChannelID, sub.Condition.BroadcasterUserID).
		Str(log.FieldSubID, sub.ID).
		Str("event", "ingest.verified").
		Msg("webhook subscription verified")

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(p.Challenge))
}

func (i *Ingest) handleNotification(w http.ResponseWriter, msgID string, body []byte) {
	ackKey := "tw.eventsub.ack." + msgID
	if i.kv.Has(ackKey) {
		i.log.Debug().Str("message_id", msgID).Str("event", "ingest.duplicate").Msg("duplicate delivery dropped")
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := i.kv.SetExpiring(ackKey, "1", ackTTL); err != nil {
		i.log.Error().Err(err).Str("event", "ingest.persist").Msg("ack key not persisted")
	}

	var p struct {
		Subscription Subscription    `json:"subscription"`
		Event        json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "bad notification body", http.StatusBadRequest)
		return
	}

	// ack before dispatch: upstream redelivers on slow responses
	w.WriteHeader(http.StatusOK)
	i.handler.HandleNotification(Notification{
		MessageID:    msgID,
		Subscription: p.Subscription,
		Event:        p.Event,
	})
}

func (i *Ingest) handleRevocation(w http.ResponseWriter, body []byte) {
	var p struct {
		Subscription Subscription `json:"subscription"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "bad revocation body", http.StatusBadRequest)
		return
	}
	sub := p.Subscription
	if err := i.kv.Set(sub.Condition.BroadcasterUserID+".substatus."+sub.Type, StatusNone); err != nil {
		i.log.Error().Err(err).Str("event", "ingest.persist").Msg("revoked status not persisted")
	}
	i.log.Warn().
		Str(log.FieldEventType, sub.Type).
		Str(log.FieldChannelID, sub.Condition.BroadcasterUserID).
		Str("status", sub.Status).
		Str("event", "ingest.revoked").
		Msg("subscription revoked upstream")
	w.WriteHeader(http.StatusOK)
}
