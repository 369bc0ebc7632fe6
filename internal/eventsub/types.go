// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package eventsub manages the upstream push subscriptions that drive the
// capture automaton, over either the webhook or the websocket transport.
package eventsub

import (
	"encoding/json"
	"time"
)

// Subscription states tracked in the coordination store.
const (
	StatusNone       = "NONE"
	StatusWaiting    = "WAITING"
	StatusSubscribed = "SUBSCRIBED"
	StatusFailed     = "FAILED"
)

// EventTypes are the subscription types maintained per channel.
var EventTypes = []string{
	"stream.online",
	"stream.offline",
	"channel.update",
}

// Condition scopes a subscription to one broadcaster.
type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// TransportSpec is the delivery method in a subscription request.
type TransportSpec struct {
	Method    string `json:"method"`
	Callback  string `json:"callback,omitempty"`
	Secret    string `json:"secret,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// SubscriptionRequest is the create-subscription body.
type SubscriptionRequest struct {
	Type      string        `json:"type"`
	Version   string        `json:"version"`
	Condition Condition     `json:"condition"`
	Transport TransportSpec `json:"transport"`
}

// Subscription is one upstream subscription record.
type Subscription struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	Type      string        `json:"type"`
	Version   string        `json:"version"`
	Condition Condition     `json:"condition"`
	Transport TransportSpec `json:"transport"`
	CreatedAt time.Time     `json:"created_at"`
	Cost      int           `json:"cost"`
}

type subscriptionsResponse struct {
	Data         []Subscription `json:"data"`
	Total        int            `json:"total"`
	TotalCost    int            `json:"total_cost"`
	MaxTotalCost int            `json:"max_total_cost"`
	Pagination   struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// StreamOnlineEvent is the notification payload for stream.online.
type StreamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

// StreamOfflineEvent is the notification payload for stream.offline.
type StreamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
}

// ChannelUpdateEvent is the notification payload for channel.update.
type ChannelUpdateEvent struct {
	BroadcasterUserID           string   `json:"broadcaster_user_id"`
	BroadcasterUserLogin        string   `json:"broadcaster_user_login"`
	Title                       string   `json:"title"`
	Language                    string   `json:"language"`
	CategoryID                  string   `json:"category_id"`
	CategoryName                string   `json:"category_name"`
	ContentClassificationLabels []string `json:"content_classification_labels,omitempty"`
}

// Notification is the envelope both transports deliver to the dispatcher.
type Notification struct {
	MessageID    string
	Subscription Subscription
	Event        json.RawMessage
}

// NotificationHandler consumes verified, deduplicated notifications.
type NotificationHandler interface {
	HandleNotification(n Notification)
}
