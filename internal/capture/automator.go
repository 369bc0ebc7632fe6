// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package capture runs the life of one recording: spawn the capture tool,
// interpret its output, convert the result and finalize the session
// sidecar. One Automator instance handles one broadcast.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lsdvr/internal/broker"
	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/job"
	"github.com/ManuGH/lsdvr/internal/kvstore"
	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/metrics"
	"github.com/ManuGH/lsdvr/internal/vod"
)

var (
	ErrNoStreamFacts = errors.New("no stream facts in coordination store")
	ErrTitleFiltered = errors.New("stream title does not match channel keywords")
	ErrCaptureFailed = errors.New("capture failed after all retries")
	ErrSessionExists = errors.New("a finalized session already uses this basename")
)

const (
	// retrySleep is the pause between capture attempts.
	retrySleep = 15 * time.Second

	// settleSleep lets the filesystem and the capture tool's teardown
	// settle before the file is converted.
	settleSleep = 30 * time.Second

	// maxCaptureDuration restarts captures shortly before the upstream
	// 24 hour broadcast cutoff so the tail is not lost.
	maxCaptureDuration = 24*time.Hour - 10*time.Minute

	killGrace = 10 * time.Second
)

// Automator drives one capture from online event to finalized session.
type Automator struct {
	cfg    *config.Config
	ch     *channel.Channel
	kv     *kvstore.Store
	jobs   *job.Manager
	broker *broker.Broker
	log    zerolog.Logger

	// OnFinalized, when set, runs in its own goroutine after a session is
	// finalized. The platform archive download hangs off it.
	OnFinalized func(*vod.Session)

	// test seams
	sleep func(ctx context.Context, d time.Duration)
	space func(path string, need uint64) error

	// sessionMu serializes sidecar mutations between the output reader
	// goroutine and chapter updates arriving from the event path.
	sessionMu sync.Mutex

	mu            sync.Mutex
	session       *vod.Session
	jobName       string
	notFoundCount int
	outputOpened  bool
	fallbackUsed  bool
	endRequested  bool
}

// New creates an automator for one broadcast of ch.
func New(cfg *config.Config, ch *channel.Channel, kv *kvstore.Store, jobs *job.Manager, b *broker.Broker) *Automator {
	return &Automator{
		cfg:    cfg,
		ch:     ch,
		kv:     kv,
		jobs:   jobs,
		broker: b,
		log:    log.WithComponent("capture").With().Str(log.FieldChannel, ch.Login).Logger(),
		sleep:  sleepCtx,
		space:  ensureFreeSpace,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Session returns the session once Run has created it.
func (a *Automator) Session() *vod.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Run records the broadcast end to end. It blocks until the session is
// finalized or the capture has conclusively failed.
func (a *Automator) Run(ctx context.Context) error {
	streamID, ok := a.kv.Get(a.ch.KeyVodID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoStreamFacts, a.ch.Login)
	}
	startedAt, err := a.kv.GetDate(a.ch.KeyVodStartedAt())
	if err != nil {
		startedAt = time.Now()
	}

	chapter := a.readChapterData()
	if chapter != nil && !a.ch.MatchesTitle(chapter.Title) {
		a.log.Info().Str("title", chapter.Title).Str("event", "capture.filtered").Msg("title does not match keywords, not capturing")
		return ErrTitleFiltered
	}

	title := ""
	if chapter != nil {
		title = chapter.Title
	}

	// deterministic naming lets a restarted daemon find the session a
	// previous run left mid-capture and continue into the same files
	session := a.resumableSession(streamID, title, startedAt)
	if session == nil {
		sn, err := a.ch.IncrementStreamNumber(a.kv, startedAt)
		if err != nil {
			return fmt.Errorf("assign stream number: %w", err)
		}
		vars := VarsFor(a.ch, sn, streamID, title, startedAt)
		basename := Render(a.cfg.VOD.FilenameTemplate, vars)
		dir := a.sessionDir(vars)
		if existing, loadErr := vod.Load(filepath.Join(dir, basename+".json")); loadErr == nil && existing.IsFinalized {
			a.log.Warn().Str(log.FieldBasename, basename).Str("event", "capture.duplicate").Msg("finalized session already uses this name, refusing capture")
			a.startFallback("duplicate_basename", basename)
			a.clearStreamFacts()
			return fmt.Errorf("%w: %s", ErrSessionExists, basename)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}

		session = vod.New(dir, basename, a.ch.UUID, a.ch.Login)
		session.StreamID = streamID
		session.StartedAt = &startedAt
		session.Quality = QualityArg(a.ch.Quality)
		session.SeasonIdentifier = sn.Season
		session.StreamNumber = sn.Episode
		session.AbsoluteSeason = sn.AbsoluteSeason
		session.AbsoluteNumber = sn.AbsoluteEpisode
		if chapter != nil {
			session.AddChapter(vod.Chapter{
				Title:      chapter.Title,
				Category:   chapter.CategoryName,
				CategoryID: chapter.CategoryID,
				StartedAt:  startedAt,
			})
		}
	}
	basename := session.Basename
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	if err := session.Save(); err != nil {
		return err
	}

	a.log.Info().
		Str(log.FieldBasename, basename).
		Str(log.FieldStreamID, streamID).
		Str("season", session.SeasonIdentifier).
		Int("episode", session.StreamNumber).
		Str("event", "capture.begin").
		Msg("starting capture")
	a.broker.Broadcast("capture_started", map[string]string{"login": a.ch.Login, "basename": basename})

	captureDir := session.Directory()
	if a.cfg.Capture.UseCacheDir {
		captureDir = a.cfg.CaptureDir()
	}
	tsPath := filepath.Join(captureDir, basename+".ts")

	if err := a.captureWithRetries(ctx, tsPath); err != nil {
		session.Failed = true
		session.IsCapturing = false
		_ = session.Save()
		_ = session.MarkBroken()
		metrics.CaptureFailedTotal.Inc()
		a.broker.Broadcast("capture_failed", map[string]string{"login": a.ch.Login, "basename": basename})
		a.clearStreamFacts()
		return err
	}

	now := time.Now()
	session.EndedAt = &now
	session.IsCapturing = false
	session.EndPause(now)
	if err := session.AddSegment(tsPath); err != nil {
		return err
	}
	if err := session.Save(); err != nil {
		return err
	}

	a.sleep(ctx, settleSleep)

	if !a.cfg.VOD.NoConvert {
		switch err := a.convert(ctx, tsPath); {
		case errors.Is(err, ErrInsufficientSpace):
			// tolerated skip, the raw capture stays as the segment
			a.log.Error().Err(err).Str("event", "capture.convert").Msg("not enough disk to convert, keeping raw capture")
			metrics.ConvertTotal.WithLabelValues("skipped_space").Inc()
		case err != nil:
			a.log.Error().Err(err).Str("event", "capture.convert").Msg("conversion failed")
			metrics.ConvertTotal.WithLabelValues("error").Inc()
			session.Failed = true
			_ = session.Save()
			a.broker.Broadcast("capture_failed", map[string]string{"login": a.ch.Login, "basename": basename})
			a.clearStreamFacts()
			return fmt.Errorf("convert %s: %w", basename, err)
		default:
			metrics.ConvertTotal.WithLabelValues("ok").Inc()
		}
	}

	if err := a.finalize(); err != nil {
		return err
	}
	a.clearStreamFacts()
	if a.OnFinalized != nil {
		go a.OnFinalized(session)
	}

	a.broker.Notify(broker.Notification{
		Title:    "Recording finished",
		Body:     fmt.Sprintf("%s: %s", a.ch.DisplayName, basename),
		Category: "capture",
	})
	a.broker.Broadcast("capture_finished", map[string]string{"login": a.ch.Login, "basename": basename})
	return nil
}

// sessionDir resolves the folder for a session rendered from vars.
func (a *Automator) sessionDir(vars NameVars) string {
	dir := filepath.Join(a.cfg.VodDir(), a.ch.Login)
	if a.cfg.VOD.Folders {
		dir = filepath.Join(dir, Render(a.cfg.VOD.FolderTemplate, vars))
	}
	return dir
}

// resumableSession looks for a sidecar a previous run left behind for this
// stream under the name the current numbering would have produced. The
// numbering counters are not advanced for a resumed session.
func (a *Automator) resumableSession(streamID, title string, startedAt time.Time) *vod.Session {
	vars := VarsFor(a.ch, a.ch.CurrentStreamNumber(a.kv, startedAt), streamID, title, startedAt)
	basename := Render(a.cfg.VOD.FilenameTemplate, vars)
	sidecar := filepath.Join(a.sessionDir(vars), basename+".json")

	existing, err := vod.Load(sidecar)
	if err != nil || existing.StreamID != streamID || existing.IsFinalized || existing.Failed {
		return nil
	}
	a.log.Info().Str(log.FieldBasename, existing.Basename).Str("event", "capture.resume").Msg("resuming interrupted session")
	return existing
}

func (a *Automator) captureWithRetries(ctx context.Context, tsPath string) error {
	attempts := a.cfg.Capture.DownloadRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = a.capture(ctx, tsPath)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.mu.Lock()
		ended := a.endRequested
		a.mu.Unlock()
		if ended {
			// the broadcast is over; a partial file is still a result
			if fileSize(tsPath) > 0 {
				return nil
			}
			return lastErr
		}
		if attempt < attempts {
			metrics.CaptureRetryTotal.Inc()
			a.log.Warn().Err(lastErr).Int("attempt", attempt).Str("event", "capture.retry").Msg("capture attempt failed, retrying")
			a.sleep(ctx, retrySleep)
		}
	}
	return fmt.Errorf("%w: %v", ErrCaptureFailed, lastErr)
}

func (a *Automator) capture(ctx context.Context, tsPath string) error {
	session := a.Session()
	jobName := "capture_" + a.ch.Login + "_" + session.UUID[:8]

	a.mu.Lock()
	a.jobName = jobName
	a.notFoundCount = 0
	a.outputOpened = false
	a.mu.Unlock()

	session.CaptureID = jobName
	session.IsCapturing = true
	if err := session.Save(); err != nil {
		return err
	}
	metrics.ActiveCaptures.Inc()
	defer metrics.ActiveCaptures.Dec()

	captureCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := "https://twitch.tv/" + a.ch.Login
	j, err := a.jobs.Start(captureCtx, job.StartOptions{
		Name:     jobName,
		Exec:     a.cfg.Binaries.Streamlink,
		Args:     StreamlinkArgs(a.cfg, url, QualityArg(a.ch.Quality), tsPath),
		Metadata: map[string]string{"login": a.ch.Login, "basename": session.Basename},
		OnStdout: a.handleLine,
		OnStderr: a.handleLine,
	})
	if err != nil {
		metrics.CaptureStartTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("spawn capture tool: %w", err)
	}
	metrics.CaptureStartTotal.WithLabelValues("ok").Inc()

	// restart before the upstream 24h cutoff kills the stream for us
	maxTimer := time.AfterFunc(maxCaptureDuration, func() {
		a.log.Warn().Str("event", "capture.max_duration").Msg("capture near the broadcast duration limit, reaping")
		a.startFallback("max_duration", session.Basename)
		_ = a.jobs.Kill(jobName, killGrace)
	})
	defer maxTimer.Stop()

	waitErr := j.Wait()

	if fileSize(tsPath) == 0 {
		if waitErr != nil {
			return fmt.Errorf("capture produced no output: %w", waitErr)
		}
		return errors.New("capture produced no output")
	}
	// a non-zero exit with produced output is the normal end of a live
	// capture
	return nil
}

// handleLine reacts to one line of capture tool output.
func (a *Automator) handleLine(line string) {
	ev, arg := classifyLine(line)
	session := a.Session()

	switch ev {
	case lineResolution:
		a.log.Info().Str(log.FieldResolution, arg).Str("event", "capture.resolution").Msg("stream resolution detected")
		if !qualityExpected(a.ch.Quality, arg) {
			a.log.Warn().
				Str(log.FieldResolution, arg).
				Strs("quality", a.ch.Quality).
				Str("event", "capture.resolution").
				Msg("captured resolution is not in the configured quality list")
		}
		a.sessionMu.Lock()
		session.StreamResolution = arg
		_ = session.Save()
		a.sessionMu.Unlock()

	case lineNotFound:
		a.mu.Lock()
		a.notFoundCount++
		count := a.notFoundCount
		jobName := a.jobName
		a.mu.Unlock()

		offline := !a.kv.GetBool(a.ch.KeyOnline())
		switch {
		case offline && a.cfg.Capture.KillEndedStream:
			a.log.Warn().Str("event", "capture.gone").Msg("playlist 404 after offline event, reaping capture")
			a.mu.Lock()
			a.endRequested = true
			a.mu.Unlock()
			_ = a.jobs.Kill(jobName, killGrace)
		case count >= notFoundKillThreshold:
			a.log.Warn().Int("count", count).Str("event", "capture.gone").Msg("stream playlist is gone, reaping capture")
			a.mu.Lock()
			a.endRequested = true
			a.mu.Unlock()
			_ = a.jobs.Kill(jobName, killGrace)
		}

	case linePauseBegin:
		a.log.Info().Str("event", "capture.pause").Msg("stream output paused")
		a.sessionMu.Lock()
		session.BeginPause(time.Now())
		_ = session.Save()
		a.sessionMu.Unlock()

	case linePauseEnd:
		a.log.Info().Str("event", "capture.resume").Msg("stream output resumed")
		a.sessionMu.Lock()
		session.EndPause(time.Now())
		_ = session.Save()
		a.sessionMu.Unlock()

	case lineOutputOpened:
		a.mu.Lock()
		already := a.outputOpened
		a.outputOpened = true
		a.mu.Unlock()
		if !already {
			a.log.Info().Str("event", "capture.writing").Msg("capture tool opened its output file")
			a.broker.Broadcast("capture_writing", map[string]string{"login": a.ch.Login})
		}

	case lineReadTimeout:
		a.log.Warn().Str("event", "capture.read_timeout").Msg("capture tool read timeout")
		if a.kv.GetBool(a.ch.KeyOnline()) {
			a.startFallback("read_timeout", session.Basename)
		}

	case lineStreamEnded:
		a.log.Info().Str("event", "capture.ended").Msg("stream ended")
		a.mu.Lock()
		a.endRequested = true
		a.mu.Unlock()

	case lineNoStreams:
		a.log.Warn().Str("event", "capture.no_streams").Msg("no playable streams on the channel url")
	}
}

// startFallback spawns a second, non-authoritative capture into the saved
// VODs directory. It never touches the canonical session and runs at most
// once per broadcast.
func (a *Automator) startFallback(trigger, basename string) {
	if !a.cfg.Capture.FallbackCapture {
		return
	}
	a.mu.Lock()
	first := !a.fallbackUsed
	a.fallbackUsed = true
	a.mu.Unlock()
	if !first {
		return
	}
	metrics.FallbackCaptureTotal.WithLabelValues(trigger).Inc()

	dir := filepath.Join(a.cfg.SavedVodsDir(), a.ch.Login)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		a.log.Error().Err(err).Str("event", "capture.fallback").Msg("fallback dir not created")
		return
	}
	out := filepath.Join(dir, basename+"_fallback.ts")
	name := "fallback_" + a.ch.Login + "_" + uuid.NewString()[:8]
	url := "https://twitch.tv/" + a.ch.Login

	a.log.Warn().Str("trigger", trigger).Str(log.FieldPath, out).Str("event", "capture.fallback").Msg("starting fallback capture")
	go func() {
		j, err := a.jobs.Start(context.Background(), job.StartOptions{
			Name: name,
			Exec: a.cfg.Binaries.Streamlink,
			Args: StreamlinkArgs(a.cfg, url, QualityArg(a.ch.Quality), out),
		})
		if err != nil {
			a.log.Error().Err(err).Str("event", "capture.fallback").Msg("fallback capture not started")
			return
		}
		_ = j.Wait()
		a.log.Info().Str(log.FieldPath, out).Str("event", "capture.fallback").Msg("fallback capture ended")
	}()
}

// OnChapterUpdate is called when the channel metadata changes mid-capture.
func (a *Automator) OnChapterUpdate() {
	session := a.Session()
	if session == nil || !session.IsCapturing {
		return
	}
	chapter := a.readChapterData()
	if chapter == nil {
		return
	}
	a.sessionMu.Lock()
	session.AddChapter(vod.Chapter{
		Title:      chapter.Title,
		Category:   chapter.CategoryName,
		CategoryID: chapter.CategoryID,
		StartedAt:  chapter.ObservedAt,
	})
	err := session.Save()
	a.sessionMu.Unlock()
	if err != nil {
		a.log.Error().Err(err).Str("event", "capture.chapter").Msg("chapter not persisted")
		return
	}
	a.log.Info().Str("title", chapter.Title).Str("event", "capture.chapter").Msg("chapter added")
}

// RequestEnd is called when the channel goes offline. The capture tool
// normally exits on its own; with kill_ended_stream set it is reaped after
// a grace period instead.
func (a *Automator) RequestEnd() {
	a.mu.Lock()
	a.endRequested = true
	jobName := a.jobName
	a.mu.Unlock()

	if a.cfg.Capture.KillEndedStream && jobName != "" {
		go func() {
			time.Sleep(killGrace)
			if a.jobs.Running(jobName) {
				a.log.Info().Str(log.FieldJob, jobName).Str("event", "capture.reap").Msg("reaping capture after offline event")
				_ = a.jobs.Kill(jobName, killGrace)
			}
		}()
	}
}

func (a *Automator) convert(ctx context.Context, tsPath string) error {
	session := a.Session()
	container := containerFor(a.cfg, session.Quality)
	outPath := filepath.Join(session.Directory(), session.Basename+"."+container)

	if err := a.space(outPath, fileSize(tsPath)); err != nil {
		return err
	}

	session.IsConverting = true
	if err := session.Save(); err != nil {
		return err
	}

	in := RemuxInput{
		InputPath:  tsPath,
		OutputPath: outPath,
		AudioOnly:  container == config.AudioContainer,
	}
	if a.cfg.VOD.ChapterMetadata && len(session.Chapters) > 0 {
		metaPath := filepath.Join(session.Directory(), session.Basename+".ffmeta")
		if err := session.CalculateChapters(); err == nil {
			if err := os.WriteFile(metaPath, []byte(session.FFMetadata()), 0o644); err == nil {
				in.MetadataPath = metaPath
				defer os.Remove(metaPath)
			}
		}
	}

	jobName := "convert_" + session.Basename
	j, err := a.jobs.Start(ctx, job.StartOptions{
		Name: jobName,
		Exec: a.cfg.Binaries.FFmpeg,
		Args: RemuxArgs(in),
	})
	if err != nil {
		session.IsConverting = false
		_ = session.Save()
		return fmt.Errorf("spawn ffmpeg: %w", err)
	}
	waitErr := j.Wait()
	session.IsConverting = false

	if waitErr != nil || fileSize(outPath) == 0 {
		_ = os.Remove(outPath)
		_ = session.Save()
		if waitErr == nil {
			waitErr = errors.New("remux produced no output")
		}
		return waitErr
	}

	// swap the recorded segment from the raw capture to the converted file
	session.Segments = nil
	if err := session.AddSegment(outPath); err != nil {
		return err
	}
	if err := session.Save(); err != nil {
		return err
	}
	if err := os.Remove(tsPath); err != nil && !os.IsNotExist(err) {
		a.log.Warn().Err(err).Str(log.FieldPath, tsPath).Str("event", "capture.cleanup").Msg("raw capture not removed")
	}
	a.log.Info().Str(log.FieldPath, outPath).Str("event", "capture.converted").Msg("capture converted")
	return nil
}

func (a *Automator) finalize() error {
	session := a.Session()
	if err := session.CalculateChapters(); err != nil {
		return err
	}
	session.RemoveShortChapters(time.Duration(a.cfg.VOD.MinChapterDurationSeconds) * time.Second)
	session.IsFinalized = true
	if err := session.Save(); err != nil {
		return err
	}
	a.log.Info().
		Str(log.FieldBasename, session.Basename).
		Int64("size", session.TotalSize()).
		Dur("duration", session.DurationLive()).
		Str("event", "capture.finalized").
		Msg("session finalized")
	return nil
}

type chapterData struct {
	Title        string    `json:"title"`
	CategoryID   string    `json:"category_id"`
	CategoryName string    `json:"category_name"`
	ObservedAt   time.Time `json:"observed_at"`
}

func (a *Automator) readChapterData() *chapterData {
	var data chapterData
	if !a.kv.GetObject(a.ch.KeyChapterData(), &data) {
		return nil
	}
	if data.ObservedAt.IsZero() {
		data.ObservedAt = time.Now()
	}
	return &data
}

// clearStreamFacts removes the per-stream coordination keys once the
// session is settled.
func (a *Automator) clearStreamFacts() {
	_ = a.kv.Delete(a.ch.KeyVodID())
	_ = a.kv.Delete(a.ch.KeyVodStartedAt())
	_ = a.kv.Delete(a.ch.KeyChapterData())
}
