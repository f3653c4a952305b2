package events

import (
	"fmt"
	"sort"
	"time"

	"stream-checker/work/types"
)

// LiveBuffer is the trailing window during which an already-started event
// still counts as live rather than past.
const LiveBuffer = 2 * time.Hour

// StreamInfo is a channel stream annotated with its parsed event time.
type StreamInfo struct {
	ID             int
	Name           string
	EventTime      time.Time
	HasTime        bool
	ItemNum        int
	OriginalIndex  int
	CurrentChannel int
}

// Annotate parses event times for a channel's streams. When pattern is
// non-empty it is used as a custom named-group expression; otherwise the
// built-in multi-format heuristics apply with the PPV/EVENT numbering
// fallback for the tie-break order.
func Annotate(streams []types.Stream, pattern string, channelID int) []StreamInfo {
	out := make([]StreamInfo, 0, len(streams))
	for idx, s := range streams {
		info := StreamInfo{
			ID:             s.ID,
			Name:           s.Name,
			OriginalIndex:  idx,
			CurrentChannel: channelID,
		}
		if pattern != "" {
			info.EventTime, info.HasTime, info.ItemNum = ParseWithPattern(s.Name, pattern)
		} else {
			info.EventTime, info.HasTime = ParseMultiFormat(s.Name)
			info.ItemNum = FallbackItemNum(s.Name)
		}
		out = append(out, info)
	}
	return out
}

// Order applies the event-time ordering policy: live and upcoming events
// ascending by (time, item number), then past events descending so the most
// recently finished stay nearest the top, then streams without a time in
// their original order. When no stream carries a time, the whole list is
// sorted by item number instead.
func Order(streams []StreamInfo, now time.Time) []StreamInfo {
	hasTimes := false
	for _, s := range streams {
		if s.HasTime {
			hasTimes = true
			break
		}
	}

	ordered := make([]StreamInfo, len(streams))
	copy(ordered, streams)

	if !hasTimes {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].ItemNum < ordered[j].ItemNum
		})
		return ordered
	}

	var upcoming, past, noTime []StreamInfo
	for _, s := range ordered {
		switch {
		case !s.HasTime:
			noTime = append(noTime, s)
		case now.Sub(s.EventTime) < LiveBuffer:
			upcoming = append(upcoming, s)
		default:
			past = append(past, s)
		}
	}

	sort.SliceStable(upcoming, func(i, j int) bool {
		if !upcoming[i].EventTime.Equal(upcoming[j].EventTime) {
			return upcoming[i].EventTime.Before(upcoming[j].EventTime)
		}
		return upcoming[i].ItemNum < upcoming[j].ItemNum
	})
	sort.SliceStable(past, func(i, j int) bool {
		if !past[i].EventTime.Equal(past[j].EventTime) {
			return past[i].EventTime.After(past[j].EventTime)
		}
		return past[i].ItemNum > past[j].ItemNum
	})

	result := make([]StreamInfo, 0, len(ordered))
	result = append(result, upcoming...)
	result = append(result, past...)
	result = append(result, noTime...)
	return result
}

// VerifyPermutation refuses any reordering that would drop, duplicate or
// invent a stream id, or empty a non-empty channel. This runs before every
// order write; a violating candidate means the channel is left untouched.
func VerifyPermutation(original, reordered []int) error {
	if len(original) > 0 && len(reordered) == 0 {
		return fmt.Errorf("refusing to clear channel: reorder produced empty result from %d streams", len(original))
	}
	if len(original) != len(reordered) {
		return fmt.Errorf("stream set mismatch: original %d, reordered %d", len(original), len(reordered))
	}

	seen := make(map[int]int, len(original))
	for _, id := range original {
		seen[id]++
	}
	for _, id := range reordered {
		seen[id]--
		if seen[id] < 0 {
			return fmt.Errorf("stream set mismatch: id %d not part of the original set", id)
		}
	}
	for id, count := range seen {
		if count != 0 {
			return fmt.Errorf("stream set mismatch: id %d dropped by reorder", id)
		}
	}
	return nil
}

// IDs extracts the stream ids in order.
func IDs(streams []StreamInfo) []int {
	out := make([]int, len(streams))
	for i, s := range streams {
		out[i] = s.ID
	}
	return out
}
