// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package eventsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/lsdvr/internal/log"
)

var (
	ErrConflict    = errors.New("subscription already exists")
	ErrRateLimited = errors.New("rate limited by upstream")
	ErrNoSuchUser  = errors.New("no such user")
)

// APIError carries the upstream status code for callers that branch on it.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream api status %d: %s", e.Status, e.Body)
}

// Client is an app-token helix API client.
type Client struct {
	baseURL      string
	authURL      string
	clientID     string
	clientSecret string

	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a helix client. Requests are rate limited well below
// the upstream bucket so bursts of channel subscriptions cannot trip it.
func NewClient(baseURL, authURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 30 * time.Second},
		limiter:      rate.NewLimiter(rate.Limit(10), 20),
		log:          log.WithComponent("helix"),
	}
}

// User is the subset of the users endpoint the daemon needs.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
	OfflineImageURL string `json:"offline_image_url"`
}

// Stream is the subset of the streams endpoint the daemon needs.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
	IsMature    bool      `json:"is_mature"`
}

// Video is the subset of the videos endpoint the daemon needs.
type Video struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Duration  string    `json:"duration"`
	CreatedAt time.Time `json:"created_at"`
}

// token fetches or reuses the app access token.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.token, nil
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch app token: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return "", &APIError{Status: res.StatusCode, Body: string(body)}
	}

	var p struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return "", fmt.Errorf("decode app token: %w", err)
	}
	c.token = p.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	c.log.Debug().Str("event", "helix.token").Msg("app access token refreshed")
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	// one retry with a fresh token when the cached one is rejected
	for attempt := 0; ; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Client-Id", c.clientID)
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}

		if res.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_, _ = io.Copy(io.Discard, res.Body)
			_ = res.Body.Close()
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}

		defer res.Body.Close()
		switch {
		case res.StatusCode == http.StatusConflict:
			_, _ = io.Copy(io.Discard, res.Body)
			return ErrConflict
		case res.StatusCode == http.StatusTooManyRequests:
			_, _ = io.Copy(io.Discard, res.Body)
			return ErrRateLimited
		case res.StatusCode >= 400:
			b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			return &APIError{Status: res.StatusCode, Body: string(b)}
		}

		if out == nil {
			_, _ = io.Copy(io.Discard, res.Body)
			return nil
		}
		return json.NewDecoder(res.Body).Decode(out)
	}
}

// UserByLogin resolves a login to its user record.
func (c *Client) UserByLogin(ctx context.Context, login string) (User, error) {
	var p struct {
		Data []User `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/users?login="+url.QueryEscape(login), nil, &p); err != nil {
		return User{}, err
	}
	if len(p.Data) == 0 {
		return User{}, fmt.Errorf("%w: %s", ErrNoSuchUser, login)
	}
	return p.Data[0], nil
}

// StreamByUserID returns the live stream for the user, or false when
// offline.
func (c *Client) StreamByUserID(ctx context.Context, userID string) (Stream, bool, error) {
	var p struct {
		Data []Stream `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/streams?user_id="+url.QueryEscape(userID), nil, &p); err != nil {
		return Stream{}, false, err
	}
	if len(p.Data) == 0 {
		return Stream{}, false, nil
	}
	return p.Data[0], true, nil
}

// VideoForStream finds the archive recording the platform made of the
// given broadcast, or false when none is published (yet).
func (c *Client) VideoForStream(ctx context.Context, userID, streamID string) (Video, bool, error) {
	var p struct {
		Data []Video `json:"data"`
	}
	path := "/videos?type=archive&first=20&user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return Video{}, false, err
	}
	for _, v := range p.Data {
		if v.StreamID == streamID {
			return v, true, nil
		}
	}
	return Video{}, false, nil
}

// CreateSubscription registers a subscription. The full response is
// returned so callers can inspect status and quota fields; a 409 maps to
// ErrConflict.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*subscriptionsResponse, error) {
	var p subscriptionsResponse
	if err := c.do(ctx, http.MethodPost, "/eventsub/subscriptions", req, &p); err != nil {
		return nil, err
	}
	if len(p.Data) == 0 {
		return nil, fmt.Errorf("create subscription: empty response data")
	}
	return &p, nil
}

// Subscriptions enumerates all subscriptions, following pagination.
func (c *Client) Subscriptions(ctx context.Context) ([]Subscription, error) {
	var all []Subscription
	cursor := ""
	for {
		path := "/eventsub/subscriptions"
		if cursor != "" {
			path += "?after=" + url.QueryEscape(cursor)
		}
		var p subscriptionsResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Data...)
		if p.Pagination.Cursor == "" {
			break
		}
		cursor = p.Pagination.Cursor
	}
	return all, nil
}

// SubscriptionsForBroadcaster filters the full subscription list down to
// one broadcaster id.
func (c *Client) SubscriptionsForBroadcaster(ctx context.Context, broadcasterID string) ([]Subscription, error) {
	all, err := c.Subscriptions(ctx)
	if err != nil {
		return nil, err
	}
	var out []Subscription
	for _, sub := range all {
		if sub.Condition.BroadcasterUserID == broadcasterID {
			out = append(out, sub)
		}
	}
	return out, nil
}

// DeleteSubscription removes one subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/eventsub/subscriptions?id="+url.QueryEscape(id), nil, nil)
}
