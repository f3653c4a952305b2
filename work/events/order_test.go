package events

import (
	"testing"
	"time"

	"stream-checker/work/types"
)

func timed(id, item int, t time.Time) StreamInfo {
	return StreamInfo{ID: id, ItemNum: item, EventTime: t, HasTime: true}
}

func untimed(id, item int) StreamInfo {
	return StreamInfo{ID: id, ItemNum: item}
}

func TestOrderUpcomingPastAndUntimed(t *testing.T) {
	now := time.Date(2025, time.November, 22, 18, 0, 0, 0, time.UTC)
	streams := []StreamInfo{
		untimed(7, DefaultItemNum),
		timed(1, 1, now.Add(-5*time.Hour)),  // past
		timed(2, 2, now.Add(3*time.Hour)),   // upcoming
		timed(3, 3, now.Add(-30*time.Minute)), // live, inside the buffer
		timed(4, 4, now.Add(-3*time.Hour)),  // past, more recent than id 1
		untimed(8, DefaultItemNum),
	}

	got := IDs(Order(streams, now))
	want := []int{3, 2, 4, 1, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOrderLiveBufferBoundary(t *testing.T) {
	now := time.Date(2025, time.November, 22, 18, 0, 0, 0, time.UTC)
	streams := []StreamInfo{
		timed(1, 1, now.Add(-LiveBuffer+time.Minute)), // still live
		timed(2, 2, now.Add(-LiveBuffer)),             // just aged out
		timed(3, 3, now.Add(time.Hour)),
	}

	got := IDs(Order(streams, now))
	// live/upcoming ascending, then past
	want := []int{1, 3, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOrderAllUntimedSortsByItemNum(t *testing.T) {
	streams := []StreamInfo{
		untimed(1, 12),
		untimed(2, 3),
		untimed(3, DefaultItemNum),
		untimed(4, 1),
	}

	got := IDs(Order(streams, time.Now().UTC()))
	want := []int{4, 2, 1, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestOrderIsPermutation(t *testing.T) {
	now := time.Now().UTC()
	streams := []StreamInfo{
		timed(10, 1, now.Add(-26*time.Hour)),
		timed(11, 2, now.Add(2*time.Hour)),
		untimed(12, 5),
		timed(13, 3, now.Add(-3*time.Hour)),
	}

	if err := VerifyPermutation(IDs(streams), IDs(Order(streams, now))); err != nil {
		t.Fatalf("ordering broke the stream set: %v", err)
	}
}

func TestVerifyPermutation(t *testing.T) {
	cases := []struct {
		name      string
		original  []int
		reordered []int
		wantErr   bool
	}{
		{"identity", []int{1, 2, 3}, []int{1, 2, 3}, false},
		{"reordered", []int{1, 2, 3}, []int{3, 1, 2}, false},
		{"both empty", nil, nil, false},
		{"empty from non-empty", []int{1, 2}, nil, true},
		{"dropped id", []int{1, 2, 3}, []int{1, 2}, true},
		{"invented id", []int{1, 2}, []int{1, 4}, true},
		{"duplicated id", []int{1, 2}, []int{1, 1}, true},
	}
	for _, tc := range cases {
		err := VerifyPermutation(tc.original, tc.reordered)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: got err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestAnnotateWithCustomPattern(t *testing.T) {
	streams := []types.Stream{
		{ID: 1, Name: "Nov 22 8PM PPV 1"},
		{ID: 2, Name: "no event info here"},
	}

	infos := Annotate(streams, `(?<month>\w+)\s+(?<day>\d+)\s+(?<hour>\d+)(?<ampm>AM|PM)\s+PPV\s*(?<order>\d+)`, 42)

	if !infos[0].HasTime || infos[0].ItemNum != 1 {
		t.Fatalf("first stream should parse: %+v", infos[0])
	}
	if infos[0].EventTime.Hour() != 20 {
		t.Fatalf("expected 8PM to map to hour 20, got %d", infos[0].EventTime.Hour())
	}
	if infos[1].HasTime || infos[1].ItemNum != DefaultItemNum {
		t.Fatalf("second stream should fall back: %+v", infos[1])
	}
	for _, info := range infos {
		if info.CurrentChannel != 42 {
			t.Fatalf("CurrentChannel not carried: %+v", info)
		}
	}
}
