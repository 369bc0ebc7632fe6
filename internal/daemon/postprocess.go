// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/job"
	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/vod"
)

// vodDownloadTimeout bounds the post-stream archive download.
const vodDownloadTimeout = 6 * time.Hour

// downloadUpstreamVod fetches the platform's archive copy of the finished
// broadcast and attaches it to the session as an additional segment. It
// runs off the finalize hook for channels with download_vod_at_end set.
func (d *Daemon) downloadUpstreamVod(ch *channel.Channel, s *vod.Session) {
	base := d.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, vodDownloadTimeout)
	defer cancel()

	video, ok, err := d.client.VideoForStream(ctx, ch.InternalID, s.StreamID)
	if err != nil {
		d.log.Warn().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.vod_download").Msg("archive lookup failed")
		return
	}
	if !ok {
		d.log.Info().Str(log.FieldChannel, ch.Login).Str(log.FieldStreamID, s.StreamID).Str("event", "daemon.vod_download").Msg("no published archive for this broadcast")
		return
	}

	quality := ch.VodAtEndQuality
	if quality == "" {
		quality = "best"
	}
	out := filepath.Join(s.Directory(), s.Basename+"_vod.mp4")

	j, err := d.jobs.Start(ctx, job.StartOptions{
		Name: "vod_" + ch.Login + "_" + s.UUID[:8],
		Exec: d.cfg.Binaries.Streamlink,
		Args: []string{
			"--hls-segment-threads", "10",
			"-o", out,
			"--url", "https://twitch.tv/videos/" + video.ID,
			"--default-stream", quality,
		},
		Metadata: map[string]string{"login": ch.Login, "basename": s.Basename},
	})
	if err != nil {
		d.log.Warn().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.vod_download").Msg("archive download not started")
		return
	}
	if err := j.Wait(); err != nil {
		d.log.Warn().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.vod_download").Msg("archive download failed")
		_ = os.Remove(out)
		return
	}

	if err := s.AddSegment(out); err != nil {
		d.log.Warn().Err(err).Str(log.FieldPath, out).Str("event", "daemon.vod_download").Msg("downloaded archive not recorded")
		return
	}
	if err := s.Save(); err != nil {
		d.log.Warn().Err(err).Str(log.FieldBasename, s.Basename).Str("event", "daemon.vod_download").Msg("sidecar not updated")
		return
	}
	d.log.Info().
		Str(log.FieldChannel, ch.Login).
		Str(log.FieldBasename, s.Basename).
		Str("video_id", video.ID).
		Str("event", "daemon.vod_download").
		Msg("platform archive attached as additional segment")
}
