// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package daemon wires the subsystems together and supervises them. The
// coordination store is the only coupling between the event ingest path
// and the capture automatons: ingest writes facts, the daemon watches them
// and drives captures.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/ManuGH/lsdvr/internal/broker"
	"github.com/ManuGH/lsdvr/internal/capture"
	"github.com/ManuGH/lsdvr/internal/channel"
	"github.com/ManuGH/lsdvr/internal/config"
	"github.com/ManuGH/lsdvr/internal/eventsub"
	"github.com/ManuGH/lsdvr/internal/job"
	"github.com/ManuGH/lsdvr/internal/kvstore"
	"github.com/ManuGH/lsdvr/internal/log"
	"github.com/ManuGH/lsdvr/internal/retention"
	"github.com/ManuGH/lsdvr/internal/vod"
)

// resubscribeInterval is how often the subscription set is re-verified.
const resubscribeInterval = time.Hour

// Daemon owns the runtime.
type Daemon struct {
	cfg      *config.Config
	kv       *kvstore.Store
	channels *channel.Registry
	jobs     *job.Manager
	broker   *broker.Broker
	client   *eventsub.Client
	subs     *eventsub.Manager
	ingest   *eventsub.Ingest
	pool     *eventsub.Pool
	engine   *retention.Engine
	log      zerolog.Logger

	mu         sync.Mutex
	automators map[string]*capture.Automator
	wg         sync.WaitGroup

	// runCtx is the lifetime of one Run call; capture jobs inherit it so a
	// forced shutdown reaps them.
	runCtx context.Context
}

// New builds the daemon from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	channels, err := channel.NewRegistry(cfg)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("daemon")
	kv := kvstore.New(cfg.KeyValuePath(), log.WithComponent("kvstore"))
	b := broker.New(cfg.WebhookURL)
	client := eventsub.NewClient(cfg.API.BaseURL, cfg.API.AuthURL, cfg.API.ClientID, cfg.API.ClientSecret)
	dispatcher := eventsub.NewDispatcher(kv, channels, b)

	var pool *eventsub.Pool
	if cfg.EventSub.Transport == "websocket" {
		pool = eventsub.NewPool(cfg.EventSub.WebsocketURL, dispatcher)
	}
	subs := eventsub.NewManager(client, kv, channels, eventsub.ManagerOptions{
		Transport:   cfg.EventSub.Transport,
		CallbackURL: cfg.HookCallbackURL(),
		Secret:      cfg.EventSub.Secret,
		Pool:        pool,
	})

	return &Daemon{
		cfg:        cfg,
		kv:         kv,
		channels:   channels,
		jobs:       job.NewManager(cfg.JobsDir()),
		broker:     b,
		client:     client,
		subs:       subs,
		ingest:     eventsub.NewIngest(cfg.EventSub.Secret, kv, dispatcher),
		pool:       pool,
		engine:     retention.New(cfg),
		log:        logger,
		automators: map[string]*capture.Automator{},
	}, nil
}

// Run starts everything and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.runCtx = ctx
	if err := d.cfg.EnsureDirs(); err != nil {
		return err
	}
	if err := d.kv.Load(kvstore.LoadOptions{
		LegacyFlatPath: d.cfg.LegacyKeyValuePath(),
		LegacyDir:      d.cfg.LegacyKeyValueDir(),
	}); err != nil {
		return err
	}
	// stale ack keys from a previous run are meaningless now
	if n := d.kv.CleanWildcard("tw.eventsub.ack.*"); n > 0 {
		d.log.Info().Int("keys", n).Str("event", "daemon.clean").Msg("purged stale delivery ack keys")
	}
	d.reapStaleJobs()

	d.kv.OnEvent(d.onStoreEvent)

	sup := suture.New("lsdvr", suture.Spec{
		EventHook: d.sutureEvent,
		Timeout:   15 * time.Second,
	})
	sup.Add(newService("http", d.serveHTTP))
	sup.Add(newService("subscriptions", d.maintainSubscriptions))

	d.log.Info().
		Int("channels", d.channels.Len()).
		Str(log.FieldTransport, d.cfg.EventSub.Transport).
		Str("listen", d.cfg.Listen).
		Str("event", "daemon.start").
		Msg("daemon starting")

	d.resumeOnlineChannels(ctx)

	err := sup.Serve(ctx)

	d.broker.BeginShutdown()
	if d.pool != nil {
		d.pool.CloseAll()
	}
	d.wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Capturing reports how many captures are currently running, used by the
// shutdown guard.
func (d *Daemon) Capturing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.automators)
}

// reapStaleJobs logs and clears PID records left behind by a crashed run.
func (d *Daemon) reapStaleJobs() {
	stale, err := d.jobs.Stale()
	if err != nil {
		d.log.Warn().Err(err).Str("event", "daemon.stale_jobs").Msg("stale job scan failed")
		return
	}
	for _, rec := range stale {
		d.log.Warn().
			Str(log.FieldJob, rec.Name).
			Int(log.FieldPID, rec.PID).
			Str("event", "daemon.stale_job").
			Msg("clearing job record from a previous run")
		d.jobs.Clear(rec.Name)
	}
}

// maintainSubscriptions resolves channel ids and keeps the subscription
// set alive, re-verifying periodically.
func (d *Daemon) maintainSubscriptions(ctx context.Context) error {
	if err := d.subs.ResolveIDs(ctx); err != nil {
		return err
	}
	// channels still marked online from a previous run are re-verified
	// forcefully: their subscriptions may have lapsed while we were down
	for _, ch := range d.channels.All() {
		if !d.kv.GetBool(ch.KeyOnline()) {
			continue
		}
		if err := d.subs.Subscribe(ctx, ch, true); err != nil {
			d.log.Warn().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.subscribe").Msg("forced resubscribe failed")
		}
	}
	if err := d.subs.SubscribeAll(ctx, false); err != nil {
		d.log.Error().Err(err).Str("event", "daemon.subscribe").Msg("initial subscribe incomplete, will retry")
	}

	ticker := time.NewTicker(resubscribeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.subs.SubscribeAll(ctx, false); err != nil {
				d.log.Warn().Err(err).Str("event", "daemon.subscribe").Msg("subscription refresh incomplete")
			}
		}
	}
}

// resumeOnlineChannels restarts captures for channels the store says were
// live when the previous run ended.
func (d *Daemon) resumeOnlineChannels(ctx context.Context) {
	for _, ch := range d.channels.All() {
		if !d.kv.GetBool(ch.KeyOnline()) {
			continue
		}
		d.log.Info().Str(log.FieldChannel, ch.Login).Str("event", "daemon.resume").Msg("channel was live before restart, resuming capture")
		d.startCapture(ctx, ch)
	}
}

// onStoreEvent routes coordination-store facts to the capture automatons.
func (d *Daemon) onStoreEvent(ev kvstore.Event) {
	if ev.Kind != "set" {
		return
	}
	for _, ch := range d.channels.All() {
		switch ev.Key {
		case ch.KeyOnline():
			if ev.Value == "true" {
				d.startCapture(d.runCtx, ch)
			} else {
				d.endCapture(ch)
			}
		case ch.KeyChapterData():
			d.mu.Lock()
			a := d.automators[ch.Login]
			d.mu.Unlock()
			if a != nil {
				a.OnChapterUpdate()
			}
		}
	}
}

func (d *Daemon) startCapture(ctx context.Context, ch *channel.Channel) {
	d.mu.Lock()
	if _, running := d.automators[ch.Login]; running {
		d.mu.Unlock()
		d.log.Debug().Str(log.FieldChannel, ch.Login).Str("event", "daemon.capture").Msg("capture already running")
		return
	}
	a := capture.New(d.cfg, ch, d.kv, d.jobs, d.broker)
	if ch.DownloadVodAtEnd {
		a.OnFinalized = func(s *vod.Session) { d.downloadUpstreamVod(ch, s) }
	}
	d.automators[ch.Login] = a
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.automators, ch.Login)
			d.mu.Unlock()
		}()

		err := a.Run(ctx)
		switch {
		case err == nil:
		case errors.Is(err, capture.ErrTitleFiltered):
			// intentionally not recorded
		default:
			d.log.Error().Err(err).Str(log.FieldChannel, ch.Login).Str("event", "daemon.capture").Msg("capture ended with error")
		}
		// end of stream either way, the channel's budget still applies
		d.runRetention(ch, a)
	}()
}

func (d *Daemon) endCapture(ch *channel.Channel) {
	d.mu.Lock()
	a := d.automators[ch.Login]
	d.mu.Unlock()
	if a != nil {
		a.RequestEnd()
	}
}

func (d *Daemon) runRetention(ch *channel.Channel, a *capture.Automator) {
	sessions, err := vod.LoadAll(d.cfg.VodDir())
	if err != nil {
		d.log.Warn().Err(err).Str("event", "daemon.retention").Msg("session scan failed, skipping cleanup")
		return
	}
	ignore := ""
	if s := a.Session(); s != nil {
		ignore = s.UUID
	}
	if deleted := d.engine.Cleanup(sessions, ch, ignore); deleted > 0 {
		if err := retention.RemoveEmptyFolders(d.cfg.VodDir()); err != nil {
			d.log.Warn().Err(err).Str("event", "daemon.retention").Msg("empty folder sweep failed")
		}
		d.broker.Broadcast("vods_cleaned", map[string]any{"login": ch.Login, "deleted": deleted})
	}
}

func (d *Daemon) sutureEvent(ev suture.Event) {
	m := ev.Map()
	d.log.Warn().
		Interface("details", m).
		Str("type", fmt.Sprintf("%d", ev.Type())).
		Str("event", "daemon.supervisor").
		Msg("supervisor event")
}
