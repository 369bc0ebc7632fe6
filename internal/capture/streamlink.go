// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"strconv"
	"strings"

	"github.com/ManuGH/lsdvr/internal/config"
)

// StreamlinkArgs builds the capture tool invocation. The huge live-edge
// value makes the tool start at the oldest available segment so the
// recording covers as much of the broadcast as the playlist still holds.
func StreamlinkArgs(cfg *config.Config, url, quality, outputPath string) []string {
	args := []string{
		"--hls-live-edge", "99999",
		"--hls-segment-threads", strconv.Itoa(cfg.Capture.SegmentThreads),
		"--ffmpeg-fout", "mpegts",
		"--retry-streams", "10",
		"--retry-max", "5",
	}
	if t := cfg.Capture.HLSTimeoutSeconds; t > 0 {
		ts := strconv.Itoa(t)
		args = append(args,
			"--hls-timeout", ts,
			"--hls-segment-timeout", ts,
			"--stream-timeout", ts,
		)
	}
	if cfg.Capture.Verbose {
		args = append(args, "--loglevel", "debug")
	}
	args = append(args,
		"-o", outputPath,
		"--url", url,
		"--default-stream", quality,
	)
	return args
}

// QualityArg joins the preferred qualities for the capture tool, which
// tries them left to right.
func QualityArg(qualities []string) string {
	if len(qualities) == 0 {
		return "best"
	}
	return strings.Join(qualities, ",")
}
