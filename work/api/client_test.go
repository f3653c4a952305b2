package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"stream-checker/work/config"
	"stream-checker/work/types"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{APIBaseURL: srv.URL, APIToken: "tok"}
	cfg.Analysis.UserAgent = "VLC/3.0.14"
	return New(cfg)
}

func TestFetchChannelWithStreams(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/api/channels/channels/7/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("include_streams") != "true" {
			t.Error("include_streams not requested")
		}
		json.NewEncoder(w).Encode(types.Channel{
			ID:   7,
			Name: "Sports",
			Streams: []types.Stream{
				{ID: 1, Name: "feed a", URL: "http://u/a"},
				{ID: 2, Name: "feed b", URL: "http://u/b"},
			},
		})
	}))

	ch, err := c.FetchChannelWithStreams(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if ch == nil || len(ch.Streams) != 2 {
		t.Fatalf("unexpected channel: %+v", ch)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("missing bearer token, got %q", gotAuth)
	}
}

func TestFetchChannelAbsentIsNoData(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	ch, err := c.FetchChannel(context.Background(), 99)
	if err != nil {
		t.Fatalf("absent channel should not error: %v", err)
	}
	if ch != nil {
		t.Fatalf("expected nil channel, got %+v", ch)
	}
}

func TestFetchChannelStreamsEmptyBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	streams, err := c.FetchChannelStreams(context.Background(), 5)
	if err != nil {
		t.Fatalf("empty body should not error: %v", err)
	}
	if len(streams) != 0 {
		t.Fatalf("expected no streams, got %v", streams)
	}
}

func TestUpdateChannelStreamsPayload(t *testing.T) {
	var got updateStreamsPayload
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/channels/channels/3/update-streams/" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))

	err := c.UpdateChannelStreams(context.Background(), 3, []int{9, 7, 8}, []int{7, 8, 9}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Streams) != 3 || got.Streams[0] != 9 {
		t.Fatalf("ordered ids not sent: %v", got.Streams)
	}
	if !got.AllowDeadStreams {
		t.Fatal("allow_dead_streams flag lost")
	}
}

func TestPatchStreamStatsMergesExisting(t *testing.T) {
	var patched map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"id":           11,
				"name":         "feed",
				"url":          "http://u/s",
				"stream_stats": map[string]any{"resolution": "1280x720", "custom_field": "keep"},
			})
		case http.MethodPatch:
			json.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusOK)
		}
	}))

	err := c.PatchStreamStats(context.Background(), 11, map[string]any{"resolution": "1920x1080"})
	if err != nil {
		t.Fatal(err)
	}
	stats, ok := patched["stream_stats"].(map[string]any)
	if !ok {
		t.Fatalf("stream_stats missing from patch: %v", patched)
	}
	if stats["resolution"] != "1920x1080" {
		t.Fatalf("new field not applied: %v", stats)
	}
	if stats["custom_field"] != "keep" {
		t.Fatalf("existing field lost in merge: %v", stats)
	}
}

func TestMergeStatsStringEncoded(t *testing.T) {
	existing := json.RawMessage(`"{\"video_codec\":\"h264\"}"`)
	merged := MergeStats(existing, map[string]any{"source_fps": 25.0})
	if merged["video_codec"] != "h264" {
		t.Fatalf("string-encoded stats not decoded: %v", merged)
	}
	if merged["source_fps"] != 25.0 {
		t.Fatalf("new field missing: %v", merged)
	}
}

func TestMergeStatsGarbage(t *testing.T) {
	merged := MergeStats(json.RawMessage(`[1,2,3]`), map[string]any{"a": 1})
	if len(merged) != 1 || merged["a"] != 1 {
		t.Fatalf("garbage stats should reset to the new fields only: %v", merged)
	}
}

func TestStatsFieldsDropsUnknowns(t *testing.T) {
	kbps := 4800.0
	a := &types.AnalyzedStream{
		Resolution:  "0x0",
		FPS:         0,
		VideoCodec:  "N/A",
		AudioCodec:  "aac",
		BitrateKbps: &kbps,
	}
	fields := StatsFields(a)
	if _, ok := fields["resolution"]; ok {
		t.Fatal("dead resolution should not be written")
	}
	if _, ok := fields["video_codec"]; ok {
		t.Fatal("N/A codec should not be written")
	}
	if fields["audio_codec"] != "aac" {
		t.Fatalf("audio codec missing: %v", fields)
	}
	if fields["ffmpeg_output_bitrate"] != 4800 {
		t.Fatalf("bitrate missing: %v", fields)
	}
}
