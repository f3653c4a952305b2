package checker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stream-checker/work/api"
	"stream-checker/work/cache"
	"stream-checker/work/config"
	"stream-checker/work/types"
)

func TestVerifySameSet(t *testing.T) {
	cases := []struct {
		name     string
		expected []int
		got      []int
		wantErr  bool
	}{
		{"same order", []int{1, 2, 3}, []int{1, 2, 3}, false},
		{"permuted", []int{1, 2, 3}, []int{3, 1, 2}, false},
		{"empty", nil, nil, false},
		{"missing", []int{1, 2, 3}, []int{1, 2}, true},
		{"extra", []int{1, 2}, []int{1, 2, 3}, true},
		{"swapped for duplicate", []int{1, 2}, []int{1, 1}, true},
	}
	for _, tc := range cases {
		err := verifySameSet(tc.expected, tc.got)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err=%v, wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestVerifySubset(t *testing.T) {
	universe := []int{1, 2, 3, 4}

	if err := verifySubset(universe, []int{4, 2}); err != nil {
		t.Fatalf("valid subset rejected: %v", err)
	}
	if err := verifySubset(universe, nil); err != nil {
		t.Fatalf("empty subset rejected: %v", err)
	}
	if err := verifySubset(universe, []int{2, 5}); err == nil {
		t.Fatal("foreign id accepted")
	}
	if err := verifySubset(universe, []int{2, 2}); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func statsService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{APIBaseURL: srv.URL}
	return &Service{
		client: api.New(cfg),
		cache:  cache.New(time.Minute),
	}
}

func TestReconstructFromStatsFetchFailureFallsBackToAnalysis(t *testing.T) {
	s := statsService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	_, cached := s.reconstructFromStats(context.Background(), 100, types.Stream{ID: 7, Name: "a", URL: "http://x/a"})
	if cached {
		t.Fatal("transient stats-fetch failure must not yield a cached record")
	}
}

func TestReconstructFromStatsAbsentDetailFallsBackToAnalysis(t *testing.T) {
	s := statsService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, cached := s.reconstructFromStats(context.Background(), 100, types.Stream{ID: 7, Name: "a", URL: "http://x/a"})
	if cached {
		t.Fatal("missing stream detail must not yield a cached record")
	}
}

func TestReconstructFromStatsRebuildsRecord(t *testing.T) {
	s := statsService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 7, "name": "a", "url": "http://x/a", "stream_stats": {
			"resolution": "1920x1080", "source_fps": 50, "video_codec": "h264",
			"audio_codec": "aac", "ffmpeg_output_bitrate": 4800
		}}`)
	})

	rec, cached := s.reconstructFromStats(context.Background(), 100, types.Stream{ID: 7, Name: "a", URL: "http://x/a"})
	if !cached {
		t.Fatal("stored stats were not used")
	}
	if rec.Resolution != "1920x1080" || rec.VideoCodec != "h264" || rec.FPS != 50 {
		t.Fatalf("record not rebuilt from stats: %+v", rec)
	}
	if rec.BitrateKbps == nil || *rec.BitrateKbps != 4800 {
		t.Fatalf("bitrate not rebuilt: %v", rec.BitrateKbps)
	}
	if rec.Status != types.StatusOK {
		t.Fatalf("cached records default to OK, got %v", rec.Status)
	}
}
