// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ManuGH/lsdvr/internal/channel"
)

func TestRenderDeterministic(t *testing.T) {
	v := NameVars{
		Login:           "streamer",
		Date:            time.Date(2026, 8, 10, 20, 30, 0, 0, time.UTC),
		StreamID:        "777",
		Season:          "202608",
		Episode:         3,
		AbsoluteSeason:  2,
		AbsoluteEpisode: 14,
	}

	a := Render("{login}_{date}_{id}", v)
	b := Render("{login}_{date}_{id}", v)
	assert.Equal(t, a, b, "same inputs must render the same basename")
	assert.Equal(t, "streamer_2026-08-10T20_30_00Z_777", a)

	assert.Equal(t, "streamer_S202608E3", Render("{login}_S{season}E{episode}", v))
	assert.Equal(t, "2_14", Render("{absolute_season}_{absolute_episode}", v))
}

func TestRenderSanitizesTitle(t *testing.T) {
	v := NameVars{Login: "streamer", Title: `route 66: <best?> run | part 2/3`}
	got := Render("{login} - {title}", v)
	assert.NotContains(t, got, "/")
	assert.NotContains(t, got, ":")
	assert.NotContains(t, got, "?")
	assert.NotContains(t, got, "|")
	assert.NotContains(t, got, "<")
}

func TestVarsFor(t *testing.T) {
	ch := &channel.Channel{Login: "streamer"}
	sn := channel.StreamNumber{Season: "202608", Episode: 5, AbsoluteSeason: 1, AbsoluteEpisode: 9}
	at := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)

	v := VarsFor(ch, sn, "777", "a title", at)
	assert.Equal(t, "streamer", v.Login)
	assert.Equal(t, 5, v.Episode)
	assert.Equal(t, 9, v.AbsoluteEpisode)
	assert.Equal(t, "777", v.StreamID)
}

func TestClassifyLine(t *testing.T) {
	cases := []struct {
		line string
		want lineEvent
		arg  string
	}{
		{"[cli][info] Opening stream: 1080p60 (hls)", lineResolution, "1080p60"},
		{"[cli][info] Opening stream: audio_only (hls)", lineResolution, "audio_only"},
		{"[stream.hls][warning] Failed to reload playlist: 404 Client Error", lineNotFound, ""},
		{"[stream.hls][info] Filtering out segments and pausing stream output", linePauseBegin, ""},
		{"[stream.hls][info] Resuming stream output", linePauseEnd, ""},
		{"[cli][info] Writing output to /data/cap.ts", lineOutputOpened, ""},
		{"[stream.segmented][debug] Read timeout, exiting worker", lineReadTimeout, ""},
		{"[cli][info] Stream ended", lineStreamEnded, ""},
		{"error: No playable streams found on this URL: twitch.tv/x", lineNoStreams, ""},
		{"[cli][debug] OS: Linux", lineIgnored, ""},
	}
	for _, tc := range cases {
		ev, arg := classifyLine(tc.line)
		assert.Equal(t, tc.want, ev, tc.line)
		assert.Equal(t, tc.arg, arg, tc.line)
	}
}
