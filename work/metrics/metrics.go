package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ChannelsChecked counts completed channel checks per outcome.
// The "result" label is "ok" or "failed".
var ChannelsChecked = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_channels_checked_total",
	Help: "Number of channel checks processed",
}, []string{"result"})

// StreamsAnalyzed counts probed streams per probe status (OK, Timeout, Error).
var StreamsAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_streams_analyzed_total",
	Help: "Number of streams analyzed",
}, []string{"status"})

// QueueDepth tracks the current size of each work queue membership set.
// The "state" label is one of queued, in_progress, completed, failed.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "stream_checker_queue_depth",
	Help: "Current work queue membership counts",
}, []string{"state"})

// DeadStreams tracks liveness transitions. The "transition" label is
// "died" or "revived".
var DeadStreams = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_liveness_transitions_total",
	Help: "Number of stream dead/alive transitions",
}, []string{"transition"})

// GlobalActions counts global action runs per trigger ("scheduled" or "manual").
var GlobalActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_global_actions_total",
	Help: "Number of global actions started",
}, []string{"trigger"})

// OverflowMoves counts overflow conflict relocations per direction:
// "out" to an overflow channel, "back" to the primary.
var OverflowMoves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stream_checker_overflow_moves_total",
	Help: "Number of streams relocated for event conflicts",
}, []string{"direction"})

// CheckDuration observes how long a full channel check takes.
var CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "stream_checker_check_duration_seconds",
	Help:    "Duration of channel checks",
	Buckets: prometheus.ExponentialBuckets(1, 2, 12),
}, []string{"forced"})
