// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package retention enforces per-channel storage and count budgets over
// finalized sessions. It walks recordings newest to oldest, keeps what the
// budget and the protection flags allow and proposes the rest for
// deletion.
package retention

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
	"github.com/ManuGH/lsdvr/internal/vod"
)

// Engine applies the retention policy.
type Engine struct {
	cfg *config.Config
	log zerolog.Logger
}

// New creates the engine.
func New(cfg *config.Config) *Engine {
	return &Engine{cfg: cfg, log: log.WithComponent("retention")}
}

func (e *Engine) maxBytes(ch *channel.Channel) int64 {
	if ch.MaxStorageGiB > 0 {
		return ch.MaxStorageBytes()
	}
	return int64(e.cfg.Retention.StoragePerChannelGiB) * 1 << 30
}

func (e *Engine) maxCount(ch *channel.Channel) int {
	if ch.MaxVodCount > 0 {
		return ch.MaxVodCount
	}
	return e.cfg.Retention.VodsToKeep
}

// protected reports whether the session may never be deleted by policy.
func (e *Engine) protected(s *vod.Session) bool {
	r := e.cfg.Retention
	switch {
	case s.PreventDeletion:
		return true
	case r.KeepDeleted && s.UpstreamVodExists != nil && !*s.UpstreamVodExists:
		return true
	case r.KeepFavourites && s.HasFavouriteCategory(e.cfg.IsFavouriteCategory):
		return true
	case r.KeepMuted && s.UpstreamVodMuted:
		return true
	case r.KeepCommented && s.Comment != "":
		return true
	}
	return false
}

// Candidates returns the sessions that breach the channel's budget, oldest
// first. Sessions still being written, the one named by ignoreUUID, and
// protected sessions are skipped; skipped sessions do not count against
// the budget. Every session counts against the budget including the
// newest, so a single recording larger than the budget is itself proposed.
func (e *Engine) Candidates(sessions []*vod.Session, ch *channel.Channel, ignoreUUID string) []*vod.Session {
	own := make([]*vod.Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ChannelUUID == ch.UUID || s.ChannelLogin == ch.Login {
			own = append(own, s)
		}
	}
	sort.Slice(own, func(i, j int) bool {
		return sessionTime(own[i]).Before(sessionTime(own[j]))
	})

	maxBytes := e.maxBytes(ch)
	maxCount := e.maxCount(ch)

	var candidates []*vod.Session
	seen := map[string]struct{}{}
	var size int64
	count := 0

	for i := len(own) - 1; i >= 0; i-- {
		s := own[i]
		if !s.IsFinalized || s.IsCapturing || s.IsConverting {
			continue
		}
		if s.UUID == ignoreUUID {
			continue
		}
		if e.protected(s) {
			continue
		}

		size += s.TotalSize()
		count++

		breach := ""
		if maxBytes > 0 && size > maxBytes {
			breach = "storage"
		} else if maxCount > 0 && count > maxCount {
			breach = "count"
		}
		if breach == "" {
			continue
		}
		if _, dup := seen[s.UUID]; dup {
			continue
		}
		seen[s.UUID] = struct{}{}
		candidates = append(candidates, s)
		e.log.Debug().
			Str(log.FieldChannel, ch.Login).
			Str(log.FieldBasename, s.Basename).
			Str("breach", breach).
			Str("event", "retention.candidate").
			Msg("session proposed for deletion")
	}

	// reverse back to oldest-first so deletion frees the oldest data
	for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates
}

// Cleanup deletes budget-breaching sessions for the channel. Individual
// failures are tolerated; with delete_only_one set, at most one session is
// removed per run. Returns the number of deleted sessions.
func (e *Engine) Cleanup(sessions []*vod.Session, ch *channel.Channel, ignoreUUID string) int {
	if ch.NoCleanup {
		return 0
	}
	candidates := e.Candidates(sessions, ch, ignoreUUID)
	if len(candidates) == 0 {
		return 0
	}
	if e.cfg.Retention.DeleteOnlyOne {
		candidates = candidates[:1]
	}

	deleted := 0
	for _, s := range candidates {
		if err := s.Delete(); err != nil {
			metrics.RetentionDeleteTotal.WithLabelValues("error").Inc()
			e.log.Error().Err(err).Str(log.FieldBasename, s.Basename).Str("event", "retention.delete").Msg("session not deleted")
			continue
		}
		metrics.RetentionDeleteTotal.WithLabelValues("ok").Inc()
		deleted++
	}
	if deleted > 0 {
		e.log.Info().
			Str(log.FieldChannel, ch.Login).
			Int("deleted", deleted).
			Int("candidates", len(candidates)).
			Str("event", "retention.cleanup").
			Msg("retention cleanup finished")
	}
	return deleted
}

// RemoveEmptyFolders prunes now-empty session folders under root.
func RemoveEmptyFolders(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		sub := filepath.Join(root, de.Name())
		if err := RemoveEmptyFolders(sub); err != nil {
			return err
		}
		remaining, err := os.ReadDir(sub)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			if err := os.Remove(sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func sessionTime(s *vod.Session) time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.CreatedAt
}
