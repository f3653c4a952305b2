package types

import (
	"time"
)

// Channel represents a logical channel managed by the upstream API. The
// checker never creates or destroys channels; it only reads them and rewrites
// their stream ordering through explicit update calls. The ordered Streams
// slice reflects the ordering the upstream currently holds.
type Channel struct {
	ID           int      `json:"id"`                      // Upstream channel identifier
	Name         string   `json:"name"`                    // Human-readable channel name
	ItemNum      int      `json:"item_num,omitempty"`      // Ordering slot within the channel group
	EventPattern string   `json:"event_pattern,omitempty"` // Optional named-group regex for event-time parsing
	Streams      []Stream `json:"streams,omitempty"`       // Ordered candidate streams
}

// Stream is a single candidate media URL belonging to a channel. Stream ids
// may be recycled upstream, so the URL is the durable identity key for
// liveness tracking.
type Stream struct {
	ID      int    `json:"id"`                 // Upstream stream identifier
	Name    string `json:"name"`               // Display name, may embed an event timestamp
	URL     string `json:"url"`                // Media URL, stable identity key
	ItemNum int    `json:"item_num,omitempty"` // Tie-break / event grouping key
}

// ProbeStatus classifies the outcome of a single stream analysis attempt.
type ProbeStatus string

const (
	StatusOK      ProbeStatus = "OK"
	StatusTimeout ProbeStatus = "Timeout"
	StatusError   ProbeStatus = "Error"
)

// AnalyzedStream is the ephemeral per-check record produced by the probing
// layer for a fresh probe, or reconstructed from persisted stats for streams
// still inside the immunity window. BitrateKbps is nil when the measurement
// failed; zero is reserved for a genuinely dead stream.
type AnalyzedStream struct {
	ChannelID     int         `json:"channel_id"`
	StreamID      int         `json:"stream_id"`
	StreamName    string      `json:"stream_name"`
	StreamURL     string      `json:"stream_url"`
	Resolution    string      `json:"resolution"` // "WIDTHxHEIGHT"
	FPS           float64     `json:"fps"`
	VideoCodec    string      `json:"video_codec"`
	AudioCodec    string      `json:"audio_codec"`
	BitrateKbps   *float64    `json:"bitrate_kbps"`
	Status        ProbeStatus `json:"status"`
	Score         float64     `json:"score"`
	DecodeErrors  bool        `json:"decode_errors,omitempty"`
	Discontinuity bool        `json:"discontinuity,omitempty"`
	Interlaced    bool        `json:"interlaced,omitempty"`
	DroppedFrames int64       `json:"dropped_frames,omitempty"`
	TotalFrames   int64       `json:"total_frames,omitempty"`
	CheckedAt     time.Time   `json:"checked_at,omitempty"`
}

// DropRate returns the dropped-frame ratio, zero when frame totals are
// unavailable.
func (a *AnalyzedStream) DropRate() float64 {
	if a.TotalFrames <= 0 {
		return 0
	}
	return float64(a.DroppedFrames) / float64(a.TotalFrames)
}

// QueueStatus is a point-in-time snapshot of the work queue counters.
type QueueStatus struct {
	Queued         int   `json:"queued"`
	InProgress     int   `json:"in_progress"`
	Completed      int   `json:"completed"`
	Failed         int   `json:"failed"`
	MaxSize        int   `json:"max_size"`
	CurrentChannel int   `json:"current_channel,omitempty"`
	TotalQueued    int64 `json:"total_queued"`
	TotalCompleted int64 `json:"total_completed"`
	TotalFailed    int64 `json:"total_failed"`
}
