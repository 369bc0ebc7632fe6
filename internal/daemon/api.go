// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/vod"
)

// apiRoutes mounts the inspection API plus channel removal.
func (d *Daemon) apiRoutes(r chi.Router) {
	r.Get("/channels", d.handleChannels)
	r.Delete("/channels/{login}", d.handleRemoveChannel)
	r.Get("/vods", d.handleVods)
	r.Get("/jobs", d.handleJobs)
	r.Get("/kv", d.handleKV)
}

type channelView struct {
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	InternalID  string `json:"internal_id"`
	Online      bool   `json:"online"`
	Capturing   bool   `json:"capturing"`
}

func (d *Daemon) handleChannels(w http.ResponseWriter, _ *http.Request) {
	d.mu.Lock()
	capturing := make(map[string]bool, len(d.automators))
	for login := range d.automators {
		capturing[login] = true
	}
	d.mu.Unlock()

	out := make([]channelView, 0, d.channels.Len())
	for _, ch := range d.channels.All() {
		out = append(out, channelView{
			Login:       ch.Login,
			DisplayName: ch.DisplayName,
			InternalID:  ch.InternalID,
			Online:      d.kv.GetBool(ch.KeyOnline()),
			Capturing:   capturing[ch.Login],
		})
	}
	writeJSON(w, out)
}

// handleRemoveChannel drops a channel at runtime: any running capture is
// asked to end, remote subscriptions are removed, coordination keys purged.
// With ?delete_sessions=true the channel's finalized recordings go too.
func (d *Daemon) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	login := chi.URLParam(r, "login")
	ch, ok := d.channels.ByLogin(login)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	d.endCapture(ch)
	if err := d.subs.Unsubscribe(r.Context(), ch); err != nil {
		d.log.Warn().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.remove").Msg("unsubscribe incomplete, removing channel anyway")
	}
	d.channels.Remove(ch.Login)
	d.kv.CleanWildcard(ch.Login + ".*")
	if ch.InternalID != "" {
		d.kv.CleanWildcard(ch.InternalID + ".*")
	}

	deleted := 0
	if r.URL.Query().Get("delete_sessions") == "true" {
		sessions, err := vod.LoadAll(d.cfg.VodDir())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, s := range sessions {
			if s.ChannelUUID != ch.UUID {
				continue
			}
			if err := s.Delete(); err != nil {
				d.log.Warn().Err(err).Str(log.FieldBasename, s.Basename).Str("event", "daemon.remove").Msg("session not deleted")
				continue
			}
			deleted++
		}
	}

	d.log.Info().Str(log.FieldChannel, ch.Login).Int("deleted_sessions", deleted).Str("event", "daemon.remove").Msg("channel removed")
	writeJSON(w, map[string]any{"login": ch.Login, "deleted_sessions": deleted})
}

func (d *Daemon) handleVods(w http.ResponseWriter, _ *http.Request) {
	sessions, err := vod.LoadAll(d.cfg.VodDir())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

type jobView struct {
	Name     string   `json:"name"`
	PID      int      `json:"pid"`
	Progress float64  `json:"progress"`
	Tail     []string `json:"tail"`
}

func (d *Daemon) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := d.jobs.All()
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobView{
			Name:     j.Name,
			PID:      j.PID,
			Progress: j.Progress(),
			Tail:     j.Tail(),
		})
	}
	writeJSON(w, out)
}

func (d *Daemon) handleKV(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, d.kv.All())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
