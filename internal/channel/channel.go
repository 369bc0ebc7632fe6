// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package channel models the monitored broadcasters. Channels are declared
// in the static configuration; their mutable per-stream state (online flag,
// stream numbering counters) lives in the coordination store so that it
// survives restarts.
package channel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/kvstore"
)

// seasonFormat renders a season identifier like "202608".
const seasonFormat = "200601"

// Channel is one monitored broadcaster.
type Channel struct {
	UUID        string
	Provider    string
	Login       string
	InternalID  string
	DisplayName string
	Quality     []string
	Match       []string

	NoCleanup        bool
	DownloadVodAtEnd bool
	VodAtEndQuality  string

	MaxStorageGiB int
	MaxVodCount   int
}

// StreamNumber is the numbering assigned to one capture.
type StreamNumber struct {
	Season          string
	Episode         int
	AbsoluteSeason  int
	AbsoluteEpisode int
}

func fromConfig(cc config.ChannelConfig) *Channel {
	provider := cc.Provider
	if provider == "" {
		provider = "twitch"
	}
	quality := cc.Quality
	if len(quality) == 0 {
		quality = []string{"best"}
	}
	display := cc.DisplayName
	if display == "" {
		display = cc.Login
	}
	return &Channel{
		UUID:             uuid.NewSHA1(uuid.NameSpaceURL, []byte(provider+":"+cc.Login)).String(),
		Provider:         provider,
		Login:            strings.ToLower(cc.Login),
		InternalID:       cc.InternalID,
		DisplayName:      display,
		Quality:          quality,
		Match:            cc.Match,
		NoCleanup:        cc.NoCleanup,
		DownloadVodAtEnd: cc.DownloadVodAtEnd,
		VodAtEndQuality:  cc.VodAtEndQuality,
		MaxStorageGiB:    cc.MaxStorageGiB,
		MaxVodCount:      cc.MaxVodCount,
	}
}

// MatchesTitle applies the channel's keyword filter. An empty filter list
// matches every title.
func (c *Channel) MatchesTitle(title string) bool {
	if len(c.Match) == 0 {
		return true
	}
	lower := strings.ToLower(title)
	for _, kw := range c.Match {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// MaxStorageBytes returns the per-channel storage cap, or 0 for unlimited.
func (c *Channel) MaxStorageBytes() int64 {
	return int64(c.MaxStorageGiB) * 1 << 30
}

// Coordination-store keys scoped to this channel.

func (c *Channel) KeyOnline() string      { return c.Login + ".online" }
func (c *Channel) KeyVodID() string       { return c.Login + ".vod.id" }
func (c *Channel) KeyVodStartedAt() string {
	return c.Login + ".vod.started_at"
}
func (c *Channel) KeyChapterData() string { return c.Login + ".chapterdata" }
func (c *Channel) KeyLastOffline() string { return c.Login + ".last.offline" }
func (c *Channel) KeySubStatus(eventType string) string {
	return c.InternalID + ".substatus." + eventType
}
func (c *Channel) KeySubID(eventType string) string {
	return c.InternalID + ".sub." + eventType
}

func (c *Channel) keySeason() string          { return c.Login + ".season_identifier" }
func (c *Channel) keyStreamNumber() string    { return c.Login + ".stream_number" }
func (c *Channel) keyAbsoluteSeason() string  { return c.Login + ".absolute_season_identifier" }
func (c *Channel) keyAbsoluteMonth() string   { return c.Login + ".absolute_season_month" }
func (c *Channel) keyAbsoluteEpisode() string { return c.Login + ".absolute_stream_number" }

// CurrentStreamNumber reads the numbering state without advancing it.
func (c *Channel) CurrentStreamNumber(kv *kvstore.Store, now time.Time) StreamNumber {
	season, ok := kv.Get(c.keySeason())
	if !ok {
		season = now.Format(seasonFormat)
	}
	return StreamNumber{
		Season:          season,
		Episode:         kv.GetInt(c.keyStreamNumber(), 0),
		AbsoluteSeason:  kv.GetInt(c.keyAbsoluteSeason(), 1),
		AbsoluteEpisode: kv.GetInt(c.keyAbsoluteEpisode(), 0),
	}
}

// IncrementStreamNumber advances the per-channel numbering and returns the
// values assigned to the new capture. The relative episode counter resets
// when the calendar month rolls over; the absolute counters never reset,
// the absolute season only advances on a month change.
func (c *Channel) IncrementStreamNumber(kv *kvstore.Store, now time.Time) (StreamNumber, error) {
	var sn StreamNumber

	season := now.Format(seasonFormat)
	stored, hasSeason := kv.Get(c.keySeason())
	if hasSeason && stored != season {
		sn.Episode = 1
	} else {
		sn.Episode = kv.GetInt(c.keyStreamNumber(), 0) + 1
	}
	sn.Season = season
	if err := kv.Set(c.keySeason(), season); err != nil {
		return sn, err
	}
	if err := kv.SetInt(c.keyStreamNumber(), sn.Episode); err != nil {
		return sn, err
	}

	month := int(now.Month())
	absSeason := kv.GetInt(c.keyAbsoluteSeason(), 0)
	if absSeason == 0 || kv.GetInt(c.keyAbsoluteMonth(), 0) != month {
		absSeason++
		if err := kv.SetInt(c.keyAbsoluteSeason(), absSeason); err != nil {
			return sn, err
		}
		if err := kv.SetInt(c.keyAbsoluteMonth(), month); err != nil {
			return sn, err
		}
	}
	sn.AbsoluteSeason = absSeason

	sn.AbsoluteEpisode = kv.GetInt(c.keyAbsoluteEpisode(), 0) + 1
	if err := kv.SetInt(c.keyAbsoluteEpisode(), sn.AbsoluteEpisode); err != nil {
		return sn, err
	}
	return sn, nil
}

// Registry indexes the configured channels by login and by upstream id.
// Channels can be removed at runtime; the slice order otherwise follows
// the configuration.
type Registry struct {
	mu       sync.RWMutex
	channels []*Channel
	byLogin  map[string]*Channel
	byID     map[string]*Channel
}

// NewRegistry builds the channel set from configuration. Duplicate logins
// are a configuration error.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		byLogin: map[string]*Channel{},
		byID:    map[string]*Channel{},
	}
	for _, cc := range cfg.Channels {
		ch := fromConfig(cc)
		if _, dup := r.byLogin[ch.Login]; dup {
			return nil, fmt.Errorf("duplicate channel login %q", ch.Login)
		}
		r.channels = append(r.channels, ch)
		r.byLogin[ch.Login] = ch
		if ch.InternalID != "" {
			r.byID[ch.InternalID] = ch
		}
	}
	return r, nil
}

// ByLogin looks a channel up by its lowercase login.
func (r *Registry) ByLogin(login string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byLogin[strings.ToLower(login)]
	return ch, ok
}

// ByID looks a channel up by its upstream broadcaster id.
func (r *Registry) ByID(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	return ch, ok
}

// SetID records an upstream id resolved at runtime for login-only configs.
func (r *Registry) SetID(ch *Channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch.InternalID = id
	r.byID[id] = ch
}

// Remove drops the channel from the registry. The caller owns the wider
// cascade (unsubscribe, ending a running capture, deleting sessions).
func (r *Registry) Remove(login string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byLogin[strings.ToLower(login)]
	if !ok {
		return nil, false
	}
	delete(r.byLogin, ch.Login)
	if ch.InternalID != "" {
		delete(r.byID, ch.InternalID)
	}
	for i, c := range r.channels {
		if c == ch {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			break
		}
	}
	return ch, true
}

// All returns a snapshot of the channels in configuration order.
func (r *Registry) All() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Len reports the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
