package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	playbackStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audiogate_playback_status",
		Help: "Current playback session status (active status reports 1, others 0)",
	}, []string{"status"})

	playbackCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiogate_playback_commands_total",
		Help: "Transport commands processed by the playback session",
	}, []string{"command", "outcome"})

	playbackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiogate_playback_errors_total",
		Help: "Playback errors surfaced on the session state, by type",
	}, []string{"type"})
)

var playbackStatuses = []string{"idle", "loading", "playing", "paused", "buffering", "error", "completed"}

// SetPlaybackStatus records the session's current status.
func SetPlaybackStatus(status string) {
	for _, s := range playbackStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		playbackStatus.WithLabelValues(s).Set(value)
	}
}

// RecordPlaybackCommand counts one processed transport command.
func RecordPlaybackCommand(command, outcome string) {
	playbackCommands.WithLabelValues(command, outcome).Inc()
}

// RecordPlaybackError counts one error surfaced on the session state.
func RecordPlaybackError(errType string) {
	playbackErrors.WithLabelValues(errType).Inc()
}
