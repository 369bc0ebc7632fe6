// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package vod

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Chapter is one title/category span inside a session. Raw chapters carry
// only a start time; durations are computed once the session has ended.
type Chapter struct {
	Title       string        `json:"title"`
	Category    string        `json:"category,omitempty"`
	CategoryID  string        `json:"category_id,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration,omitempty"`
	IsMature    bool          `json:"is_mature,omitempty"`
	ViewerCount int           `json:"viewer_count,omitempty"`
}

// AddChapter appends a raw chapter. Durations are filled in later by
// CalculateChapters.
func (s *Session) AddChapter(ch Chapter) {
	s.Chapters = append(s.Chapters, ch)
}

// CalculateChapters sorts the chapters and assigns each one a duration up
// to the next chapter's start, the last one up to the session end. Requires
// EndedAt to be set.
func (s *Session) CalculateChapters() error {
	if s.EndedAt == nil {
		return fmt.Errorf("calculate chapters for %s: session has not ended", s.Basename)
	}
	sort.Slice(s.Chapters, func(i, j int) bool {
		return s.Chapters[i].StartedAt.Before(s.Chapters[j].StartedAt)
	})
	for i := range s.Chapters {
		end := *s.EndedAt
		if i+1 < len(s.Chapters) {
			end = s.Chapters[i+1].StartedAt
		}
		s.Chapters[i].Duration = end.Sub(s.Chapters[i].StartedAt)
	}
	return nil
}

// RemoveShortChapters drops chapters shorter than min, extending the
// previous chapter over the removed span. The first chapter is never
// dropped.
func (s *Session) RemoveShortChapters(min time.Duration) {
	if min <= 0 || len(s.Chapters) < 2 {
		return
	}
	kept := s.Chapters[:1]
	for _, ch := range s.Chapters[1:] {
		if ch.Duration < min {
			kept[len(kept)-1].Duration += ch.Duration
			continue
		}
		kept = append(kept, ch)
	}
	s.Chapters = kept
}

// FFMetadata renders the chapters as an ffmpeg metadata file so the remux
// can embed them into the output container.
func (s *Session) FFMetadata() string {
	var b strings.Builder
	b.WriteString(";FFMETADATA1\n")
	b.WriteString("title=" + ffEscape(s.Basename) + "\n")
	b.WriteString("artist=" + ffEscape(s.ChannelLogin) + "\n")

	var offset time.Duration
	for _, ch := range s.Chapters {
		start := offset.Milliseconds()
		offset += ch.Duration
		b.WriteString("\n[CHAPTER]\n")
		b.WriteString("TIMEBASE=1/1000\n")
		fmt.Fprintf(&b, "START=%d\n", start)
		fmt.Fprintf(&b, "END=%d\n", offset.Milliseconds())
		b.WriteString("title=" + ffEscape(ch.Title) + "\n")
	}
	return b.String()
}

// ffEscape escapes the characters the ffmpeg metadata format treats
// specially.
func ffEscape(s string) string {
	r := strings.NewReplacer(
		"\\", "\\\\",
		"=", "\\=",
		";", "\\;",
		"#", "\\#",
		"\n", "\\\n",
	)
	return r.Replace(s)
}
