package sources

import (
	"strings"
	"testing"

	"stream-checker/work/config"
)

const samplePlaylist = `#EXTM3U
#EXTINF:-1 tvg-id="sky1" tvg-name="Sky Sports Main Event" group-title="Sports",Sky Sports Main Event FHD
http://provider.example/live/1.ts
#EXTINF:-1 tvg-id="mov1" tvg-name="Movie Channel" group-title="Movies",Movie Channel
http://provider.example/live/2.ts
#EXTINF:-1 group-title="Sports",ESPN Events
https://provider.example/live/3.m3u8
`

func TestParseFallback(t *testing.T) {
	entries := parseFallback(strings.NewReader(samplePlaylist))
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Name != "Sky Sports Main Event" {
		t.Fatalf("tvg-name not preferred: %q", entries[0].Name)
	}
	if entries[0].Group != "Sports" {
		t.Fatalf("group lost: %q", entries[0].Group)
	}
	if entries[2].Name != "ESPN Events" {
		t.Fatalf("display name fallback failed: %q", entries[2].Name)
	}
	if entries[2].URL != "https://provider.example/live/3.m3u8" {
		t.Fatalf("url wrong: %q", entries[2].URL)
	}
}

func TestParseEXTINFQuotedValues(t *testing.T) {
	attrs := parseEXTINF(`#EXTINF:-1 tvg-name="Name, With Comma" group-title="UK | Sports",Display Name`)
	if attrs["tvg-name"] != "Name, With Comma" {
		t.Fatalf("quoted comma mishandled: %q", attrs["tvg-name"])
	}
	if attrs["group-title"] != "UK | Sports" {
		t.Fatalf("quoted space mishandled: %q", attrs["group-title"])
	}
	if attrs["display-name"] != "Display Name" {
		t.Fatalf("display name wrong: %q", attrs["display-name"])
	}
}

func TestFilterEntries(t *testing.T) {
	entries := []Entry{
		{Name: "Sky Sports Main Event", Group: "Sports"},
		{Name: "Movie Channel", Group: "Movies"},
		{Name: "ESPN Events", Group: "Sports"},
	}

	src := config.SourceConfig{Name: "test", GroupFilter: "^sports$"}
	got := filterEntries(append([]Entry(nil), entries...), src)
	if len(got) != 2 {
		t.Fatalf("group filter: expected 2, got %d", len(got))
	}

	src = config.SourceConfig{Name: "test", MatchPattern: "sky"}
	got = filterEntries(append([]Entry(nil), entries...), src)
	if len(got) != 1 || got[0].Name != "Sky Sports Main Event" {
		t.Fatalf("match pattern: got %v", got)
	}

	// invalid pattern disables the filter instead of dropping everything
	src = config.SourceConfig{Name: "test", MatchPattern: "("}
	got = filterEntries(append([]Entry(nil), entries...), src)
	if len(got) != 3 {
		t.Fatalf("invalid pattern should pass everything, got %d", len(got))
	}
}

func TestMatchToChannels(t *testing.T) {
	bySource := map[string][]Entry{
		"provider-a": {
			{Name: "Sky Sports Main Event"},
			{Name: "SKY-SPORTS-MAIN-EVENT"},
			{Name: "Unrelated"},
		},
		"provider-b": {
			{Name: "espn events"},
		},
	}
	channels := []ChannelRef{
		{ID: 1, Name: "Sky Sports Main Event"},
		{ID: 2, Name: "ESPN Events"},
		{ID: 3, Name: "Never Matched"},
	}

	counts := MatchToChannels(bySource, channels)
	if counts[1] != 2 {
		t.Fatalf("expected 2 matches for channel 1, got %d", counts[1])
	}
	if counts[2] != 1 {
		t.Fatalf("expected 1 match for channel 2, got %d", counts[2])
	}
	if _, ok := counts[3]; ok {
		t.Fatal("unmatched channel should be absent")
	}
}
