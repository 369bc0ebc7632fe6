// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package channel

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/kvstore"
)

func testRegistry(t *testing.T, channels ...config.ChannelConfig) *Registry {
	t.Helper()
	r, err := NewRegistry(&config.Config{Channels: channels})
	require.NoError(t, err)
	return r
}

func testKV(t *testing.T) *kvstore.Store {
	t.Helper()
	return kvstore.New(filepath.Join(t.TempDir(), "kv.json"), zerolog.Nop())
}

func TestRegistryDefaults(t *testing.T) {
	r := testRegistry(t, config.ChannelConfig{Login: "ExampleStreamer", InternalID: "12345"})

	ch, ok := r.ByLogin("examplestreamer")
	require.True(t, ok)
	assert.Equal(t, "twitch", ch.Provider)
	assert.Equal(t, []string{"best"}, ch.Quality)
	assert.Equal(t, "ExampleStreamer", ch.DisplayName)

	byID, ok := r.ByID("12345")
	require.True(t, ok)
	assert.Same(t, ch, byID)
}

func TestRegistryDuplicateLogin(t *testing.T) {
	_, err := NewRegistry(&config.Config{Channels: []config.ChannelConfig{
		{Login: "dup"}, {Login: "DUP"},
	}})
	assert.Error(t, err)
}

func TestRegistrySetID(t *testing.T) {
	r := testRegistry(t, config.ChannelConfig{Login: "latebound"})
	ch, _ := r.ByLogin("latebound")
	require.Empty(t, ch.InternalID)

	r.SetID(ch, "777")
	byID, ok := r.ByID("777")
	require.True(t, ok)
	assert.Same(t, ch, byID)
}

func TestRegistryRemove(t *testing.T) {
	r := testRegistry(t,
		config.ChannelConfig{Login: "first", InternalID: "1"},
		config.ChannelConfig{Login: "second", InternalID: "2"},
	)

	ch, ok := r.Remove("FIRST")
	require.True(t, ok)
	assert.Equal(t, "first", ch.Login)
	assert.Equal(t, 1, r.Len())

	_, ok = r.ByLogin("first")
	assert.False(t, ok)
	_, ok = r.ByID("1")
	assert.False(t, ok)

	_, ok = r.Remove("first")
	assert.False(t, ok, "removing twice reports absence")
}

func TestMatchesTitle(t *testing.T) {
	ch := &Channel{Match: []string{"Speedrun", "chill"}}
	assert.True(t, ch.MatchesTitle("Sunday SPEEDRUN marathon"))
	assert.True(t, ch.MatchesTitle("just chilling"))
	assert.False(t, ch.MatchesTitle("ranked grind"))

	open := &Channel{}
	assert.True(t, open.MatchesTitle("anything at all"))
}

func TestIncrementStreamNumberSameMonth(t *testing.T) {
	kv := testKV(t)
	ch := &Channel{Login: "streamer"}
	now := time.Date(2026, 8, 10, 20, 0, 0, 0, time.UTC)

	first, err := ch.IncrementStreamNumber(kv, now)
	require.NoError(t, err)
	assert.Equal(t, "202608", first.Season)
	assert.Equal(t, 1, first.Episode)
	assert.Equal(t, 1, first.AbsoluteSeason)
	assert.Equal(t, 1, first.AbsoluteEpisode)

	second, err := ch.IncrementStreamNumber(kv, now.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Episode)
	assert.Equal(t, 1, second.AbsoluteSeason)
	assert.Equal(t, 2, second.AbsoluteEpisode)
}

func TestIncrementStreamNumberMonthRollover(t *testing.T) {
	kv := testKV(t)
	ch := &Channel{Login: "streamer"}

	august := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := ch.IncrementStreamNumber(kv, august)
		require.NoError(t, err)
	}

	september := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	sn, err := ch.IncrementStreamNumber(kv, september)
	require.NoError(t, err)

	assert.Equal(t, "202609", sn.Season)
	assert.Equal(t, 1, sn.Episode, "relative episode resets on month rollover")
	assert.Equal(t, 2, sn.AbsoluteSeason, "absolute season advances on month rollover")
	assert.Equal(t, 4, sn.AbsoluteEpisode, "absolute episode never resets")
}

func TestCurrentStreamNumberDoesNotAdvance(t *testing.T) {
	kv := testKV(t)
	ch := &Channel{Login: "streamer"}
	now := time.Date(2026, 8, 10, 20, 0, 0, 0, time.UTC)

	_, err := ch.IncrementStreamNumber(kv, now)
	require.NoError(t, err)

	cur := ch.CurrentStreamNumber(kv, now)
	assert.Equal(t, 1, cur.Episode)
	cur = ch.CurrentStreamNumber(kv, now)
	assert.Equal(t, 1, cur.Episode)
}
