package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCronExpressionLegacyConversion(t *testing.T) {
	tests := []struct {
		name     string
		schedule ScheduleConfig
		want     string
	}{
		{"explicit expression wins", ScheduleConfig{CronExpression: "*/30 * * * *", Frequency: "daily", Hour: 3}, "*/30 * * * *"},
		{"daily", ScheduleConfig{Frequency: "daily", Hour: 3, Minute: 15}, "15 3 * * *"},
		{"monthly", ScheduleConfig{Frequency: "monthly", Hour: 2, Minute: 0, DayOfMonth: 15}, "0 2 15 * *"},
		{"monthly bad day clamps", ScheduleConfig{Frequency: "monthly", Hour: 2, DayOfMonth: 42}, "0 2 1 * *"},
		{"no frequency defaults to daily", ScheduleConfig{Hour: 4, Minute: 30}, "30 4 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Schedule: tt.schedule}
			if got := cfg.CronExpression(); got != tt.want {
				t.Errorf("CronExpression() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeUserAgent(t *testing.T) {
	if got := SanitizeUserAgent("VLC/3.0.14 (Linux)"); got != "VLC/3.0.14 (Linux)" {
		t.Errorf("clean value altered: %q", got)
	}
	if got := SanitizeUserAgent("Mozilla<script>alert(1)</script>"); strings.ContainsAny(got, "<>") {
		t.Errorf("markup survived sanitization: %q", got)
	}
	if got := SanitizeUserAgent("!!!@@@###"); got != DefaultUserAgent {
		t.Errorf("empty result should fall back to default, got %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := SanitizeUserAgent(long); len(got) != 200 {
		t.Errorf("long value not capped: %d chars", len(got))
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker_config.json")
	m := Load(path)
	cfg := m.Get()

	if !cfg.Enabled || cfg.PipelineMode != Pipeline1_5 {
		t.Fatalf("defaults not applied: enabled=%v mode=%q", cfg.Enabled, cfg.PipelineMode)
	}
	if cfg.Queue.MaxSize != 1000 || cfg.Queue.MaxChannelsPerRun != 50 {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Analysis.FFmpegDuration != 30*time.Second {
		t.Fatalf("ffmpeg duration default = %v", cfg.Analysis.FFmpegDuration)
	}
	// the defaults get written back so they are visible on disk
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
}

func TestLoadMergesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker_config.json")
	body := `{
		"pipeline_mode": "pipeline_4",
		"stream_analysis": {"timeout": 45, "user_agent": "Test/1.0"},
		"queue": {"max_size": 10}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := Load(path).Get()
	if cfg.PipelineMode != Pipeline4 {
		t.Errorf("pipeline mode = %q", cfg.PipelineMode)
	}
	if cfg.Analysis.Timeout != 45*time.Second {
		t.Errorf("timeout = %v", cfg.Analysis.Timeout)
	}
	if cfg.Analysis.UserAgent != "Test/1.0" {
		t.Errorf("user agent = %q", cfg.Analysis.UserAgent)
	}
	if cfg.Queue.MaxSize != 10 {
		t.Errorf("max size = %d", cfg.Queue.MaxSize)
	}
	// untouched fields keep their defaults
	if cfg.Queue.MaxChannelsPerRun != 50 || cfg.ListenAddr != ":8188" {
		t.Errorf("defaults lost: perRun=%d listen=%q", cfg.Queue.MaxChannelsPerRun, cfg.ListenAddr)
	}
}

func TestUpdateMergesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checker_config.json")
	m := Load(path)

	next, err := m.Update([]byte(`{"pipeline_mode": "pipeline_1", "scoring": {"prefer_h265": false}}`))
	if err != nil {
		t.Fatal(err)
	}
	if next.PipelineMode != Pipeline1 || next.Scoring.PreferH265 {
		t.Fatalf("update not applied: mode=%q h265=%v", next.PipelineMode, next.Scoring.PreferH265)
	}
	if next.Scoring.Weights.Bitrate != 0.30 {
		t.Fatalf("untouched weight changed: %v", next.Scoring.Weights.Bitrate)
	}

	reloaded := Load(path).Get()
	if reloaded.PipelineMode != Pipeline1 || reloaded.Scoring.PreferH265 {
		t.Fatalf("update not persisted: mode=%q h265=%v", reloaded.PipelineMode, reloaded.Scoring.PreferH265)
	}
}

func TestUpdateRejectsInvalidPipelineMode(t *testing.T) {
	m := Load(filepath.Join(t.TempDir(), "checker_config.json"))
	next, err := m.Update([]byte(`{"pipeline_mode": "pipeline_9"}`))
	if err != nil {
		t.Fatal(err)
	}
	if next.PipelineMode != Pipeline1_5 {
		t.Fatalf("invalid mode should fall back to default, got %q", next.PipelineMode)
	}
}

func TestPipelineModeGates(t *testing.T) {
	if !ChecksOnUpdate(Pipeline1) || !ChecksOnUpdate(Pipeline1_5) {
		t.Error("pipeline_1 variants should check on update")
	}
	if ChecksOnUpdate(Pipeline2) || ChecksOnUpdate(Pipeline4) {
		t.Error("only pipeline_1 variants check on update")
	}
	for _, mode := range []string{Pipeline1_5, Pipeline2_5, Pipeline3, Pipeline4} {
		if !RunsScheduledGlobalAction(mode) {
			t.Errorf("%s should run scheduled global actions", mode)
		}
	}
	if RunsScheduledGlobalAction(Pipeline1) || RunsScheduledGlobalAction(PipelineDisabled) {
		t.Error("pipeline_1 and disabled should not run scheduled global actions")
	}
}

func TestLoadEventOrderingFormats(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file is disabled", func(t *testing.T) {
		oc, err := LoadEventOrdering(filepath.Join(dir, "absent.json"))
		if err != nil {
			t.Fatal(err)
		}
		if oc.Enabled || len(oc.Channels) != 0 || oc.Frequency != 300*time.Second {
			t.Fatalf("unexpected config: %+v", oc)
		}
	})

	t.Run("object channels", func(t *testing.T) {
		path := filepath.Join(dir, "obj.json")
		body := `{"event_ordering": {"enabled": true, "frequency": 120, "channels": {
			"100": {"pattern": "(?<hour>\\d+)(?<ampm>AM|PM)", "overflow_channel_ids": [201, 202], "return_after_hours": 3}
		}}}`
		if err := os.WriteFile(path, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		oc, err := LoadEventOrdering(path)
		if err != nil {
			t.Fatal(err)
		}
		if !oc.Enabled || oc.Frequency != 120*time.Second {
			t.Fatalf("header fields wrong: %+v", oc)
		}
		cc, ok := oc.ChannelConfig(100)
		if !ok {
			t.Fatal("channel 100 missing")
		}
		if got := cc.Overflow(); len(got) != 2 || got[0] != 201 {
			t.Fatalf("overflow = %v", got)
		}
		if cc.ReturnAfter() != 3*time.Hour {
			t.Fatalf("return after = %v", cc.ReturnAfter())
		}
	})

	t.Run("legacy id list", func(t *testing.T) {
		path := filepath.Join(dir, "list.json")
		if err := os.WriteFile(path, []byte(`{"event_ordering": {"enabled": true, "channels": [100, 101]}}`), 0644); err != nil {
			t.Fatal(err)
		}
		oc, err := LoadEventOrdering(path)
		if err != nil {
			t.Fatal(err)
		}
		if ids := oc.ChannelIDs(); len(ids) != 2 || ids[0] != 100 || ids[1] != 101 {
			t.Fatalf("channel ids = %v", ids)
		}
		cc, _ := oc.ChannelConfig(100)
		if cc.Overflow() != nil {
			t.Fatalf("legacy entries should have no overflow, got %v", cc.Overflow())
		}
		if cc.ReturnAfter() != 6*time.Hour {
			t.Fatalf("default hold = %v", cc.ReturnAfter())
		}
	})
}
