// Package metrics exposes the server's runtime counters both as a
// prometheus registry for scraping and as a periodic structured-log summary
// for operators tailing the process directly.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyricfollow_active_sessions",
		Help: "Number of currently bound follow sessions across all events.",
	})

	activeSTTStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lyricfollow_active_stt_streams",
		Help: "Number of currently open shared speech-to-text backend sessions.",
	})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricfollow_broadcast_breaker_trips_total",
		Help: "Total number of per-connection broadcast circuit breaker trips.",
	}, []string{"event_id"})

	breakerRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricfollow_broadcast_breaker_recoveries_total",
		Help: "Total number of per-connection broadcast circuit breaker recoveries.",
	}, []string{"event_id"})

	songSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lyricfollow_song_switches_total",
		Help: "Total number of automatic or manual song switches.",
	}, []string{"reason"})
)

// SetActiveSessions records the current bound-session count.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// SetActiveSTTStreams records the current shared-STT-session count.
func SetActiveSTTStreams(n int) {
	activeSTTStreams.Set(float64(n))
}

// RecordBreakerTrip increments the trip counter for eventID's broadcast
// fabric circuit breaker.
func RecordBreakerTrip(eventID string) {
	breakerTrips.WithLabelValues(eventID).Inc()
}

// RecordBreakerRecovery increments the recovery counter for eventID.
func RecordBreakerRecovery(eventID string) {
	breakerRecoveries.WithLabelValues(eventID).Inc()
}

// RecordSongSwitch increments the song-switch counter, reason being "auto"
// or "manual".
func RecordSongSwitch(reason string) {
	songSwitches.WithLabelValues(reason).Inc()
}

// Stats is a snapshot a caller (the follow manager) produces for the
// periodic log line.
type Stats struct {
	Sessions   int
	STTStreams int
}

// RunStatsLogger logs stats() every interval until ctx is canceled, mirroring
// the teacher's room-stats ticker but skipping the log line entirely when the
// server is idle.
func RunStatsLogger(ctx context.Context, stats func() Stats, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := stats()
			SetActiveSessions(s.Sessions)
			SetActiveSTTStreams(s.STTStreams)
			if s.Sessions > 0 || s.STTStreams > 0 {
				logger.Info("server stats", "sessions", s.Sessions, "stt_streams", s.STTStreams)
			}
		}
	}
}
