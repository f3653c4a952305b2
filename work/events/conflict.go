package events

import (
	"sort"
	"time"

	"stream-checker/work/logger"
)

// Event groups the streams sharing one item number, occupying the window
// [Start, End) where End = Start + the configured hold period.
type Event struct {
	ItemNum int
	Streams []StreamInfo
	Start   time.Time
	End     time.Time
}

// Move routes the streams of conflicting events to one overflow channel.
// RemoveFrom maps each source channel to the stream ids that must leave it,
// since a stream may already sit on an overflow channel from an earlier pass.
type Move struct {
	ToChannel  int
	StreamIDs  []int
	RemoveFrom map[int][]int
}

// Overlaps is the half-open interval overlap test. A boundary touch, where
// one event ends exactly when the next starts, is not a conflict.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// groupEvents buckets streams by item number and assigns each event the
// window starting at its first stream's event time. Streams without a time
// never form an event.
func groupEvents(streams []StreamInfo, holdPeriod time.Duration) []Event {
	byItem := make(map[int][]StreamInfo)
	var order []int
	for _, s := range streams {
		if _, ok := byItem[s.ItemNum]; !ok {
			order = append(order, s.ItemNum)
		}
		byItem[s.ItemNum] = append(byItem[s.ItemNum], s)
	}

	var events []Event
	for _, item := range order {
		group := byItem[item]
		first := group[0]
		if !first.HasTime {
			logger.Info("event %d has no event time: %.50s", item, first.Name)
			continue
		}
		events = append(events, Event{
			ItemNum: item,
			Streams: group,
			Start:   first.EventTime,
			End:     first.EventTime.Add(holdPeriod),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Start.Equal(events[j].Start) {
			return events[i].Start.Before(events[j].Start)
		}
		return events[i].ItemNum < events[j].ItemNum
	})
	return events
}

// PlanOverflow runs the greedy single-pass conflict scan. The first event is
// always kept; each later event is tested against every kept event and, on
// the first overlap found, all its streams are routed to the next overflow
// channel in round-robin order. This can produce a more conservative
// partition than optimal interval coloring; downstream semantics depend on
// exactly this behavior.
func PlanOverflow(streams []StreamInfo, primaryChannel int, overflowChannels []int, holdPeriod time.Duration) []Move {
	if len(overflowChannels) == 0 {
		return nil
	}

	events := groupEvents(streams, holdPeriod)
	if len(events) == 0 {
		return nil
	}
	logger.Debug("processing %d unique events for overflow check", len(events))

	byOverflow := make(map[int]*Move)
	var moveOrder []int
	moveIdx := 0

	kept := []Event{events[0]}
	for _, event := range events[1:] {
		conflicted := false
		for _, k := range kept {
			if !Overlaps(event.Start, event.End, k.Start, k.End) {
				continue
			}
			conflicted = true
			overflowID := overflowChannels[moveIdx%len(overflowChannels)]
			moveIdx++

			mv, ok := byOverflow[overflowID]
			if !ok {
				mv = &Move{ToChannel: overflowID, RemoveFrom: make(map[int][]int)}
				byOverflow[overflowID] = mv
				moveOrder = append(moveOrder, overflowID)
			}
			for _, s := range event.Streams {
				mv.StreamIDs = append(mv.StreamIDs, s.ID)
				source := s.CurrentChannel
				if source == 0 {
					source = primaryChannel
				}
				mv.RemoveFrom[source] = append(mv.RemoveFrom[source], s.ID)
			}
			logger.Info("conflict: event %d (%s-%s) overlaps event %d (%s-%s), moving %d streams to channel %d",
				event.ItemNum, event.Start.Format("15:04"), event.End.Format("15:04"),
				k.ItemNum, k.Start.Format("15:04"), k.End.Format("15:04"),
				len(event.Streams), overflowID)
			break
		}
		if !conflicted {
			kept = append(kept, event)
		}
	}

	moves := make([]Move, 0, len(moveOrder))
	for _, id := range moveOrder {
		moves = append(moves, *byOverflow[id])
	}
	return moves
}
