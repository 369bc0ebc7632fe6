// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package capture

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/lsdvr/internal/channel"
)

// NameVars are the values available to filename and folder templates.
type NameVars struct {
	Login           string
	Date            time.Time
	StreamID        string
	Season          string
	Episode         int
	AbsoluteSeason  int
	AbsoluteEpisode int
	Title           string
}

// VarsFor assembles template values for one capture.
func VarsFor(ch *channel.Channel, sn channel.StreamNumber, streamID, title string, startedAt time.Time) NameVars {
	return NameVars{
		Login:           ch.Login,
		Date:            startedAt,
		StreamID:        streamID,
		Season:          sn.Season,
		Episode:         sn.Episode,
		AbsoluteSeason:  sn.AbsoluteSeason,
		AbsoluteEpisode: sn.AbsoluteEpisode,
		Title:           title,
	}
}

// Render expands a {placeholder} template into a filesystem-safe name.
// The same capture always renders to the same name, so a restarted daemon
// resumes into the same paths.
func Render(template string, v NameVars) string {
	r := strings.NewReplacer(
		"{login}", v.Login,
		"{internalName}", v.Login,
		"{date}", v.Date.Format("2006-01-02T15_04_05Z07_00"),
		"{year}", v.Date.Format("2006"),
		"{month}", v.Date.Format("01"),
		"{day}", v.Date.Format("02"),
		"{id}", v.StreamID,
		"{season}", v.Season,
		"{episode}", fmt.Sprintf("%d", v.Episode),
		"{absolute_season}", fmt.Sprintf("%d", v.AbsoluteSeason),
		"{absolute_episode}", fmt.Sprintf("%d", v.AbsoluteEpisode),
		"{title}", v.Title,
	)
	return sanitizeName(r.Replace(template))
}

// sanitizeName strips the characters that break filesystems or shells.
func sanitizeName(name string) string {
	r := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "",
		"?", "",
		"\"", "",
		"<", "",
		">", "",
		"|", "",
		"\x00", "",
	)
	return strings.TrimSpace(r.Replace(name))
}
