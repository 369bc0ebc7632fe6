// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"regexp"
	"strings"
)

// lineEvent classifies one line of capture tool output.
type lineEvent int

const (
	lineIgnored lineEvent = iota
	lineResolution
	lineNotFound
	linePauseBegin
	linePauseEnd
	lineOutputOpened
	lineReadTimeout
	lineStreamEnded
	lineNoStreams
)

// notFoundKillThreshold is how many playlist 404s are tolerated before the
// stream is treated as ended and the capture process reaped.
const notFoundKillThreshold = 100

var resolutionRe = regexp.MustCompile(`stream:\s+([0-9_a-z]+)\s`)

// qualityExpected reports whether the detected resolution satisfies the
// channel's quality list. Selector entries like "best" or "worst" accept
// whatever the capture tool picked.
func qualityExpected(list []string, resolution string) bool {
	if len(list) == 0 {
		return true
	}
	for _, q := range list {
		if q == "best" || q == "worst" || strings.EqualFold(q, resolution) {
			return true
		}
	}
	return false
}

// classifyLine maps capture tool output to events. Rules are ordered; the
// first match wins.
func classifyLine(line string) (lineEvent, string) {
	if m := resolutionRe.FindStringSubmatch(line); m != nil {
		return lineResolution, m[1]
	}

	switch {
	case strings.Contains(line, "404 Client Error"):
		return lineNotFound, ""
	case strings.Contains(line, "Filtering out segments and pausing stream output"):
		return linePauseBegin, ""
	case strings.Contains(line, "Resuming stream output"):
		return linePauseEnd, ""
	case strings.Contains(line, "Writing output to"):
		return lineOutputOpened, ""
	case strings.Contains(line, "Read timeout, exiting"):
		return lineReadTimeout, ""
	case strings.Contains(line, "Stream ended"):
		return lineStreamEnded, ""
	case strings.Contains(line, "No playable streams found on this URL"):
		return lineNoStreams, ""
	}
	return lineIgnored, ""
}
