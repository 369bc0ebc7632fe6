// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package metrics provides Prometheus metrics for the lsdvr capture core.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters

	// CaptureStartTotal counts capture attempts by outcome (started/refused).
	CaptureStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_capture_start_total",
		Help: "Total number of capture attempts, by outcome.",
	}, []string{"outcome"})

	// CaptureRetryTotal counts capture retries after an empty or missing output file.
	CaptureRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsdvr_capture_retry_total",
		Help: "Total number of capture retries.",
	})

	// CaptureFailedTotal counts sessions abandoned after exhausting retries.
	CaptureFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsdvr_capture_failed_total",
		Help: "Total number of sessions marked failed after exhausting retries.",
	})

	// FallbackCaptureTotal counts fallback captures started, by trigger.
	FallbackCaptureTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_fallback_capture_total",
		Help: "Total number of fallback captures started, by trigger.",
	}, []string{"trigger"})

	// ConvertTotal counts convert outcomes (success/failed/skipped_space/skipped_config).
	ConvertTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_convert_total",
		Help: "Total number of convert steps, by outcome.",
	}, []string{"outcome"})

	// JobSpawnTotal counts subprocess spawns by kind (capture/convert/chat/fallback).
	JobSpawnTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_job_spawn_total",
		Help: "Total number of subprocess spawns, by kind.",
	}, []string{"kind"})

	// JobExitTotal counts subprocess exits by exit code category.
	JobExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_job_exit_total",
		Help: "Total number of subprocess exits, by exit code category.",
	}, []string{"code"})

	// SubscribeTotal counts eventsub subscribe results, by transport and outcome.
	SubscribeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_eventsub_subscribe_total",
		Help: "Total number of eventsub subscribe attempts, by transport and outcome.",
	}, []string{"transport", "outcome"})

	// UnsubscribeTotal counts eventsub unsubscribe results by outcome.
	UnsubscribeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_eventsub_unsubscribe_total",
		Help: "Total number of eventsub unsubscribe attempts, by outcome.",
	}, []string{"outcome"})

	// RetentionDeleteTotal counts sessions deleted by the retention engine, by outcome.
	RetentionDeleteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_retention_delete_total",
		Help: "Total number of retention deletions, by outcome.",
	}, []string{"outcome"})

	// KVPersistErrorTotal counts failed key-value store persists.
	KVPersistErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lsdvr_kv_persist_error_total",
		Help: "Total number of failed key-value store persists.",
	})

	// BroadcastTotal counts broker broadcasts by action.
	BroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lsdvr_broadcast_total",
		Help: "Total number of broker broadcasts, by action.",
	}, []string{"action"})

	// Gauges

	// ActiveCaptures tracks the number of sessions currently capturing.
	ActiveCaptures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lsdvr_active_captures",
		Help: "Current number of sessions with an active capture job.",
	})

	// WebsocketConnections tracks open eventsub websocket connections.
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lsdvr_eventsub_websocket_connections",
		Help: "Current number of open eventsub websocket connections.",
	})

	// ConnectedClients tracks connected broker websocket clients.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lsdvr_broker_clients",
		Help: "Current number of connected broker websocket clients.",
	})
)

// RecordSubscribe increments the subscribe counter.
func RecordSubscribe(transport, outcome string) {
	SubscribeTotal.WithLabelValues(transport, outcome).Inc()
}

// RecordJobExit increments the job exit counter for the given exit code.
func RecordJobExit(code int) {
	JobExitTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}
