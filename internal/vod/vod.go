// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package vod models one recorded broadcast session and its sidecar
// metadata file. The sidecar is the source of truth for everything the
// retention engine and the HTTP surface need to know about a recording;
// it is rewritten atomically after every mutation.
package vod

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/log"
)

var ErrNotFinalized = errors.New("session is not finalized")

// Segment is one produced media file.
type Segment struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Pause is a span during which the broadcaster disabled output, observed
// via the capture tool's segment filtering messages.
type Pause struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// Session is one recorded broadcast, live or finished.
type Session struct {
	Version      int    `json:"version"`
	UUID         string `json:"uuid"`
	CaptureID    string `json:"capture_id"`
	ChannelUUID  string `json:"channel_uuid"`
	ChannelLogin string `json:"channel_login"`
	Basename     string `json:"basename"`

	StreamID         string `json:"stream_id,omitempty"`
	StreamResolution string `json:"stream_resolution,omitempty"`
	Quality          string `json:"quality,omitempty"`

	SeasonIdentifier string `json:"season_identifier,omitempty"`
	StreamNumber     int    `json:"stream_number,omitempty"`
	AbsoluteSeason   int    `json:"absolute_season,omitempty"`
	AbsoluteNumber   int    `json:"absolute_number,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Segments     []Segment `json:"segments"`
	Chapters     []Chapter `json:"chapters"`
	StreamPauses []Pause   `json:"stream_pauses,omitempty"`

	IsCapturing  bool `json:"is_capturing"`
	IsConverting bool `json:"is_converting"`
	IsFinalized  bool `json:"is_finalized"`
	Failed       bool `json:"failed,omitempty"`

	// Retention inputs.
	PreventDeletion   bool   `json:"prevent_deletion,omitempty"`
	Comment           string `json:"comment,omitempty"`
	UpstreamVodID     string `json:"upstream_vod_id,omitempty"`
	UpstreamVodExists *bool  `json:"upstream_vod_exists,omitempty"`
	UpstreamVodMuted  bool   `json:"upstream_vod_muted,omitempty"`

	// directory holds the session's media and sidecar files. Not
	// serialized; rebound on load.
	directory string
	log       zerolog.Logger
}

const sidecarVersion = 1

// New creates a fresh, unsaved session in dir.
func New(dir, basename, channelUUID, channelLogin string) *Session {
	return &Session{
		Version:      sidecarVersion,
		UUID:         uuid.NewString(),
		ChannelUUID:  channelUUID,
		ChannelLogin: channelLogin,
		Basename:     basename,
		CreatedAt:    time.Now(),
		directory:    dir,
		log:          log.WithComponent("vod"),
	}
}

// Directory returns the folder holding the session's files.
func (s *Session) Directory() string { return s.directory }

// SidecarPath is the metadata file path.
func (s *Session) SidecarPath() string {
	return filepath.Join(s.directory, s.Basename+".json")
}

// Save rewrites the sidecar atomically.
func (s *Session) Save() error {
	b, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.Basename, err)
	}
	if err := renameio.WriteFile(s.SidecarPath(), b, 0o644); err != nil {
		return fmt.Errorf("save session %s: %w", s.Basename, err)
	}
	return nil
}

// Load reads a sidecar from path and binds the session to its directory.
func Load(path string) (*Session, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := &Session{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("parse session sidecar %s: %w", path, err)
	}
	s.directory = filepath.Dir(path)
	s.log = log.WithComponent("vod")
	return s, nil
}

// LoadAll scans dir recursively for session sidecars.
func LoadAll(dir string) ([]*Session, error) {
	var sessions []*Session
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		s, loadErr := Load(path)
		if loadErr != nil {
			log.Base().Warn().Err(loadErr).Str(log.FieldPath, path).Str("event", "vod.load").Msg("skipping unreadable sidecar")
			return nil
		}
		if s.UUID == "" || s.Basename == "" {
			return nil
		}
		sessions = append(sessions, s)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan vod dir %s: %w", dir, err)
	}
	return sessions, nil
}

// AddSegment stats the file and records it.
func (s *Session) AddSegment(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat segment %s: %w", path, err)
	}
	s.Segments = append(s.Segments, Segment{
		Filename: filepath.Base(path),
		Size:     info.Size(),
	})
	return nil
}

// TotalSize sums the recorded segment sizes.
func (s *Session) TotalSize() int64 {
	var total int64
	for _, seg := range s.Segments {
		total += seg.Size
	}
	return total
}

// DurationLive is the wall-clock span of the broadcast, zero while the
// session has not ended.
func (s *Session) DurationLive() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// BeginPause opens a new stream pause unless one is already open.
func (s *Session) BeginPause(at time.Time) {
	if n := len(s.StreamPauses); n > 0 && s.StreamPauses[n-1].End == nil {
		return
	}
	s.StreamPauses = append(s.StreamPauses, Pause{Start: at})
}

// EndPause closes the open pause, if any.
func (s *Session) EndPause(at time.Time) {
	if n := len(s.StreamPauses); n > 0 && s.StreamPauses[n-1].End == nil {
		s.StreamPauses[n-1].End = &at
	}
}

// PausedDuration sums the closed pauses.
func (s *Session) PausedDuration() time.Duration {
	var total time.Duration
	for _, p := range s.StreamPauses {
		if p.End != nil {
			total += p.End.Sub(p.Start)
		}
	}
	return total
}

// MarkBroken renames the sidecar to .json.broken so the session is no
// longer picked up, keeping the evidence on disk.
func (s *Session) MarkBroken() error {
	from := s.SidecarPath()
	to := from + ".broken"
	if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("mark session broken: %w", err)
	}
	s.log.Warn().Str(log.FieldBasename, s.Basename).Str("event", "vod.broken").Msg("session sidecar marked broken")
	return nil
}

// Delete removes the media files first and the sidecar last, so a crash
// mid-delete leaves a sidecar pointing at missing files rather than
// orphaned media. Finalized state is required.
func (s *Session) Delete() error {
	if !s.IsFinalized {
		return ErrNotFinalized
	}
	for _, seg := range s.Segments {
		p := filepath.Join(s.directory, seg.Filename)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete segment %s: %w", p, err)
		}
	}
	if err := os.Remove(s.SidecarPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete sidecar: %w", err)
	}
	s.log.Info().Str(log.FieldBasename, s.Basename).Str("event", "vod.delete").Msg("session deleted")
	return nil
}

// HasFavouriteCategory reports whether any chapter's category is in favs.
func (s *Session) HasFavouriteCategory(isFavourite func(string) bool) bool {
	for _, ch := range s.Chapters {
		if isFavourite(ch.Category) {
			return true
		}
	}
	return false
}
