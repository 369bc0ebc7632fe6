// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLineRules(t *testing.T) {
	tests := []struct {
		line string
		want lineEvent
		arg  string
	}{
		{"[cli][info] Opening stream: 1080p60 (hls)", lineResolution, "1080p60"},
		{"[stream.hls][warning] Failed to reload playlist: 404 Client Error", lineNotFound, ""},
		{"[stream.hls][info] Filtering out segments and pausing stream output", linePauseBegin, ""},
		{"[stream.hls][info] Resuming stream output", linePauseEnd, ""},
		{"[cli][info] Writing output to /tmp/out.ts", lineOutputOpened, ""},
		{"[stream.hls][error] Read timeout, exiting", lineReadTimeout, ""},
		{"[cli][info] Stream ended", lineStreamEnded, ""},
		{"error: No playable streams found on this URL: twitch.tv/streamer", lineNoStreams, ""},
		{"[cli][debug] OS: Linux", lineIgnored, ""},
	}
	for _, tt := range tests {
		ev, arg := classifyLine(tt.line)
		assert.Equal(t, tt.want, ev, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}

func TestQualityExpected(t *testing.T) {
	tests := []struct {
		name       string
		list       []string
		resolution string
		want       bool
	}{
		{"empty list accepts anything", nil, "1080p60", true},
		{"best accepts anything", []string{"best"}, "160p", true},
		{"worst accepts anything", []string{"worst"}, "1080p60", true},
		{"exact match", []string{"720p", "1080p60"}, "1080p60", true},
		{"case insensitive", []string{"1080P60"}, "1080p60", true},
		{"mismatch", []string{"720p"}, "1080p60", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qualityExpected(tt.list, tt.resolution))
		})
	}
}
