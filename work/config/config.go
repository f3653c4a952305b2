package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/grafana/regexp"
)

// Pipeline modes control which automated stages are active. Update-triggered
// checking runs only for pipeline_1 and pipeline_1_5; scheduled global actions
// run for the _5 variants plus pipeline_3 and pipeline_4. pipeline_4
// additionally runs event-time ordering inside the global action.
const (
	PipelineDisabled = "disabled"
	Pipeline1        = "pipeline_1"
	Pipeline1_5      = "pipeline_1_5"
	Pipeline2        = "pipeline_2"
	Pipeline2_5      = "pipeline_2_5"
	Pipeline3        = "pipeline_3"
	Pipeline4        = "pipeline_4"
)

// DefaultUserAgent is the fallback when sanitization empties the configured value.
const DefaultUserAgent = "VLC/3.0.14"

// ChecksOnUpdate reports whether the mode queues channels on source updates.
func ChecksOnUpdate(mode string) bool {
	return mode == Pipeline1 || mode == Pipeline1_5
}

// RunsScheduledGlobalAction reports whether the mode runs cron-driven global actions.
func RunsScheduledGlobalAction(mode string) bool {
	switch mode {
	case Pipeline1_5, Pipeline2_5, Pipeline3, Pipeline4:
		return true
	}
	return false
}

// ValidPipelineMode reports whether mode is one of the recognized values.
func ValidPipelineMode(mode string) bool {
	switch mode {
	case PipelineDisabled, Pipeline1, Pipeline1_5, Pipeline2, Pipeline2_5, Pipeline3, Pipeline4:
		return true
	}
	return false
}

// Config holds all checker configuration in typed form. Duration fields are
// stored as time.Duration; the on-disk JSON keeps them as integer seconds.
type Config struct {
	Enabled       bool           `json:"enabled"`
	ListenAddr    string         `json:"listenAddr"`    // HTTP listen address for the admin surface
	APIBaseURL    string         `json:"apiBaseURL"`    // Base URL of the channel management API
	APIToken      string         `json:"apiToken"`      // Optional bearer token for API requests
	LogLevel      string         `json:"logLevel"`      // DEBUG, INFO, WARN, ERROR
	ObfuscateUrls bool           `json:"obfuscateUrls"` // Mask stream URLs in log output
	WorkerThreads int            `json:"workerThreads"` // Pool size for parallel source refresh
	DataDir       string         `json:"dataDir"`       // Directory for persisted state files
	PipelineMode  string         `json:"pipelineMode"`
	Schedule      ScheduleConfig `json:"globalCheckSchedule"`
	Analysis      AnalysisConfig `json:"streamAnalysis"`
	Scoring       ScoringConfig  `json:"scoring"`
	Queue         QueueConfig    `json:"queue"`
	Sources       []SourceConfig `json:"sources"`
}

// ScheduleConfig controls the cron-driven global action. The legacy
// hour/minute/frequency fields are kept so old config files still convert
// to a cron expression on load.
type ScheduleConfig struct {
	Enabled        bool   `json:"enabled"`
	CronExpression string `json:"cron_expression"`
	Frequency      string `json:"frequency,omitempty"`    // legacy: "daily" or "monthly"
	Hour           int    `json:"hour,omitempty"`         // legacy
	Minute         int    `json:"minute,omitempty"`       // legacy
	DayOfMonth     int    `json:"day_of_month,omitempty"` // legacy
}

// AnalysisConfig carries the probing parameters passed to the analyzer.
type AnalysisConfig struct {
	FFmpegDuration time.Duration `json:"-"`
	IdetFrames     int           `json:"idet_frames"`
	Timeout        time.Duration `json:"-"`
	Retries        int           `json:"retries"`
	RetryDelay     time.Duration `json:"-"`
	UserAgent      string        `json:"user_agent"`
}

// ScoringConfig holds the weighted scoring parameters.
type ScoringConfig struct {
	Weights               Weights `json:"weights"`
	MinScore              float64 `json:"min_score"`
	PreferH265            bool    `json:"prefer_h265"`
	PenalizeInterlaced    bool    `json:"penalize_interlaced"`
	PenalizeDroppedFrames bool    `json:"penalize_dropped_frames"`
}

// Weights for the five scoring components. They are applied as-is and are
// not renormalized when they do not sum to 1.
type Weights struct {
	Bitrate    float64 `json:"bitrate"`
	Resolution float64 `json:"resolution"`
	FPS        float64 `json:"fps"`
	Codec      float64 `json:"codec"`
	Errors     float64 `json:"errors"`
}

// QueueConfig bounds the work queue and the per-run claim size.
type QueueConfig struct {
	MaxSize           int  `json:"max_size"`
	CheckOnUpdate     bool `json:"check_on_update"`
	MaxChannelsPerRun int  `json:"max_channels_per_run"`
}

// SourceConfig describes one upstream playlist to refresh during global actions.
type SourceConfig struct {
	Name         string `json:"name"`
	URL          string `json:"url"`
	UserAgent    string `json:"userAgent,omitempty"`
	GroupFilter  string `json:"groupFilter,omitempty"`  // Optional regex over group-title
	MatchPattern string `json:"matchPattern,omitempty"` // Optional regex matching stream names to channels
}

// configFile mirrors Config for marshaling. Analyzer durations are integer
// seconds on disk to stay compatible with existing config files.
type configFile struct {
	Enabled       *bool              `json:"enabled,omitempty"`
	ListenAddr    string             `json:"listenAddr,omitempty"`
	APIBaseURL    string             `json:"apiBaseURL,omitempty"`
	APIToken      string             `json:"apiToken,omitempty"`
	LogLevel      string             `json:"logLevel,omitempty"`
	ObfuscateUrls *bool              `json:"obfuscateUrls,omitempty"`
	WorkerThreads int                `json:"workerThreads,omitempty"`
	DataDir       string             `json:"dataDir,omitempty"`
	PipelineMode  string             `json:"pipeline_mode,omitempty"`
	Schedule      *scheduleFile      `json:"global_check_schedule,omitempty"`
	Analysis      *analysisFile      `json:"stream_analysis,omitempty"`
	Scoring       *scoringFile       `json:"scoring,omitempty"`
	Queue         *queueFile         `json:"queue,omitempty"`
	Sources       []SourceConfig     `json:"sources,omitempty"`
}

type scheduleFile struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	CronExpression string `json:"cron_expression,omitempty"`
	Frequency      string `json:"frequency,omitempty"`
	Hour           *int   `json:"hour,omitempty"`
	Minute         *int   `json:"minute,omitempty"`
	DayOfMonth     *int   `json:"day_of_month,omitempty"`
}

type analysisFile struct {
	FFmpegDuration *int   `json:"ffmpeg_duration,omitempty"` // seconds
	IdetFrames     *int   `json:"idet_frames,omitempty"`
	Timeout        *int   `json:"timeout,omitempty"` // seconds
	Retries        *int   `json:"retries,omitempty"`
	RetryDelay     *int   `json:"retry_delay,omitempty"` // seconds
	UserAgent      string `json:"user_agent,omitempty"`
}

type scoringFile struct {
	Weights               *weightsFile `json:"weights,omitempty"`
	MinScore              *float64     `json:"min_score,omitempty"`
	PreferH265            *bool        `json:"prefer_h265,omitempty"`
	PenalizeInterlaced    *bool        `json:"penalize_interlaced,omitempty"`
	PenalizeDroppedFrames *bool        `json:"penalize_dropped_frames,omitempty"`
}

type weightsFile struct {
	Bitrate    *float64 `json:"bitrate,omitempty"`
	Resolution *float64 `json:"resolution,omitempty"`
	FPS        *float64 `json:"fps,omitempty"`
	Codec      *float64 `json:"codec,omitempty"`
	Errors     *float64 `json:"errors,omitempty"`
}

type queueFile struct {
	MaxSize           *int  `json:"max_size,omitempty"`
	CheckOnUpdate     *bool `json:"check_on_update,omitempty"`
	MaxChannelsPerRun *int  `json:"max_channels_per_run,omitempty"`
}

var userAgentSanitizer = regexp.MustCompile(`[^a-zA-Z0-9 ./_\-()]+`)

// SanitizeUserAgent strips the value down to a restricted character set,
// caps it at 200 characters and falls back to DefaultUserAgent when the
// result is empty.
func SanitizeUserAgent(ua string) string {
	sanitized := userAgentSanitizer.ReplaceAllString(ua, "")
	if len(sanitized) > 200 {
		sanitized = sanitized[:200]
	}
	sanitized = strings.TrimSpace(sanitized)
	if sanitized == "" {
		return DefaultUserAgent
	}
	return sanitized
}

// Manager owns the configuration file, serving consistent snapshots and
// applying field-by-field merge updates.
type Manager struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// Load reads the configuration at path, merging it over defaults. A missing
// or unparsable file yields the default configuration; a missing file is
// written back so the defaults become visible on disk.
func Load(path string) *Manager {
	m := &Manager{path: path}
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if writeErr := writeConfig(path, cfg); writeErr != nil {
			// defaults still apply in memory
			_ = writeErr
		}
	} else {
		var cf configFile
		if jsonErr := json.Unmarshal(data, &cf); jsonErr == nil {
			applyFile(cfg, &cf)
		}
	}

	validateAndSetDefaults(cfg)
	m.cfg = cfg
	return m
}

// Get returns the current configuration snapshot. The returned value must be
// treated as read-only; updates go through Update.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Update merges the raw JSON update into the current configuration,
// sanitizes the user agent, persists the result and returns the new
// snapshot. Unknown keys are ignored; recognized keys replace their field.
func (m *Manager) Update(raw []byte) (*Config, error) {
	var cf configFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config update: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.cfg.Clone()
	applyFile(next, &cf)
	validateAndSetDefaults(next)

	if err := writeConfig(m.path, next); err != nil {
		return nil, fmt.Errorf("failed to persist config: %w", err)
	}
	m.cfg = next
	return next, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Sources = make([]SourceConfig, len(c.Sources))
	copy(out.Sources, c.Sources)
	return &out
}

// CronExpression returns the configured cron expression, converting the
// legacy hour/minute/frequency fields when no expression is set.
func (c *Config) CronExpression() string {
	if c.Schedule.CronExpression != "" {
		return c.Schedule.CronExpression
	}
	if c.Schedule.Frequency == "monthly" {
		day := c.Schedule.DayOfMonth
		if day < 1 || day > 31 {
			day = 1
		}
		return fmt.Sprintf("%d %d %d * *", c.Schedule.Minute, c.Schedule.Hour, day)
	}
	return fmt.Sprintf("%d %d * * *", c.Schedule.Minute, c.Schedule.Hour)
}

// StateFile returns the path of a persisted state file under DataDir.
func (c *Config) StateFile(name string) string {
	return filepath.Join(c.DataDir, name)
}

func defaultConfig() *Config {
	return &Config{
		Enabled:       true,
		ListenAddr:    ":8188",
		APIBaseURL:    "http://localhost:8000",
		LogLevel:      "INFO",
		ObfuscateUrls: false,
		WorkerThreads: 4,
		DataDir:       "/settings",
		PipelineMode:  Pipeline1_5,
		Schedule: ScheduleConfig{
			Enabled:        true,
			CronExpression: "0 3 * * *",
			Frequency:      "daily",
			Hour:           3,
			Minute:         0,
			DayOfMonth:     1,
		},
		Analysis: AnalysisConfig{
			FFmpegDuration: 30 * time.Second,
			IdetFrames:     500,
			Timeout:        30 * time.Second,
			Retries:        1,
			RetryDelay:     10 * time.Second,
			UserAgent:      DefaultUserAgent,
		},
		Scoring: ScoringConfig{
			Weights: Weights{
				Bitrate:    0.30,
				Resolution: 0.25,
				FPS:        0.15,
				Codec:      0.10,
				Errors:     0.20,
			},
			MinScore:              0.0,
			PreferH265:            true,
			PenalizeInterlaced:    true,
			PenalizeDroppedFrames: true,
		},
		Queue: QueueConfig{
			MaxSize:           1000,
			CheckOnUpdate:     true,
			MaxChannelsPerRun: 50,
		},
	}
}

// applyFile merges the present fields of cf onto cfg.
func applyFile(cfg *Config, cf *configFile) {
	if cf.Enabled != nil {
		cfg.Enabled = *cf.Enabled
	}
	if cf.ListenAddr != "" {
		cfg.ListenAddr = cf.ListenAddr
	}
	if cf.APIBaseURL != "" {
		cfg.APIBaseURL = cf.APIBaseURL
	}
	if cf.APIToken != "" {
		cfg.APIToken = cf.APIToken
	}
	if cf.LogLevel != "" {
		cfg.LogLevel = cf.LogLevel
	}
	if cf.ObfuscateUrls != nil {
		cfg.ObfuscateUrls = *cf.ObfuscateUrls
	}
	if cf.WorkerThreads > 0 {
		cfg.WorkerThreads = cf.WorkerThreads
	}
	if cf.DataDir != "" {
		cfg.DataDir = cf.DataDir
	}
	if cf.PipelineMode != "" {
		cfg.PipelineMode = cf.PipelineMode
	}
	if cf.Sources != nil {
		cfg.Sources = cf.Sources
	}
	if s := cf.Schedule; s != nil {
		if s.Enabled != nil {
			cfg.Schedule.Enabled = *s.Enabled
		}
		if s.CronExpression != "" {
			cfg.Schedule.CronExpression = s.CronExpression
		}
		if s.Frequency != "" {
			cfg.Schedule.Frequency = s.Frequency
		}
		if s.Hour != nil {
			cfg.Schedule.Hour = *s.Hour
		}
		if s.Minute != nil {
			cfg.Schedule.Minute = *s.Minute
		}
		if s.DayOfMonth != nil {
			cfg.Schedule.DayOfMonth = *s.DayOfMonth
		}
	}
	if a := cf.Analysis; a != nil {
		if a.FFmpegDuration != nil && *a.FFmpegDuration > 0 {
			cfg.Analysis.FFmpegDuration = time.Duration(*a.FFmpegDuration) * time.Second
		}
		if a.IdetFrames != nil && *a.IdetFrames > 0 {
			cfg.Analysis.IdetFrames = *a.IdetFrames
		}
		if a.Timeout != nil && *a.Timeout > 0 {
			cfg.Analysis.Timeout = time.Duration(*a.Timeout) * time.Second
		}
		if a.Retries != nil && *a.Retries >= 0 {
			cfg.Analysis.Retries = *a.Retries
		}
		if a.RetryDelay != nil && *a.RetryDelay >= 0 {
			cfg.Analysis.RetryDelay = time.Duration(*a.RetryDelay) * time.Second
		}
		if a.UserAgent != "" {
			cfg.Analysis.UserAgent = SanitizeUserAgent(a.UserAgent)
		}
	}
	if s := cf.Scoring; s != nil {
		if w := s.Weights; w != nil {
			if w.Bitrate != nil {
				cfg.Scoring.Weights.Bitrate = *w.Bitrate
			}
			if w.Resolution != nil {
				cfg.Scoring.Weights.Resolution = *w.Resolution
			}
			if w.FPS != nil {
				cfg.Scoring.Weights.FPS = *w.FPS
			}
			if w.Codec != nil {
				cfg.Scoring.Weights.Codec = *w.Codec
			}
			if w.Errors != nil {
				cfg.Scoring.Weights.Errors = *w.Errors
			}
		}
		if s.MinScore != nil {
			cfg.Scoring.MinScore = *s.MinScore
		}
		if s.PreferH265 != nil {
			cfg.Scoring.PreferH265 = *s.PreferH265
		}
		if s.PenalizeInterlaced != nil {
			cfg.Scoring.PenalizeInterlaced = *s.PenalizeInterlaced
		}
		if s.PenalizeDroppedFrames != nil {
			cfg.Scoring.PenalizeDroppedFrames = *s.PenalizeDroppedFrames
		}
	}
	if q := cf.Queue; q != nil {
		if q.MaxSize != nil && *q.MaxSize > 0 {
			cfg.Queue.MaxSize = *q.MaxSize
		}
		if q.CheckOnUpdate != nil {
			cfg.Queue.CheckOnUpdate = *q.CheckOnUpdate
		}
		if q.MaxChannelsPerRun != nil && *q.MaxChannelsPerRun > 0 {
			cfg.Queue.MaxChannelsPerRun = *q.MaxChannelsPerRun
		}
	}
}

func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8188"
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:8000"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/settings"
	}
	if !ValidPipelineMode(cfg.PipelineMode) {
		cfg.PipelineMode = Pipeline1_5
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 4
	}
	if cfg.Analysis.FFmpegDuration <= 0 {
		cfg.Analysis.FFmpegDuration = 30 * time.Second
	}
	if cfg.Analysis.IdetFrames <= 0 {
		cfg.Analysis.IdetFrames = 500
	}
	if cfg.Analysis.Timeout <= 0 {
		cfg.Analysis.Timeout = 30 * time.Second
	}
	if cfg.Analysis.Retries < 0 {
		cfg.Analysis.Retries = 1
	}
	if cfg.Analysis.RetryDelay < 0 {
		cfg.Analysis.RetryDelay = 10 * time.Second
	}
	if cfg.Analysis.UserAgent == "" {
		cfg.Analysis.UserAgent = DefaultUserAgent
	}
	if cfg.Queue.MaxSize <= 0 {
		cfg.Queue.MaxSize = 1000
	}
	if cfg.Queue.MaxChannelsPerRun <= 0 {
		cfg.Queue.MaxChannelsPerRun = 50
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.Name == "" {
			src.Name = fmt.Sprintf("Source_%d", i+1)
		}
		if src.UserAgent == "" {
			src.UserAgent = cfg.Analysis.UserAgent
		}
	}
}

// writeConfig marshals the typed config back to its on-disk form.
func writeConfig(path string, cfg *Config) error {
	ffmpegDuration := int(cfg.Analysis.FFmpegDuration / time.Second)
	timeout := int(cfg.Analysis.Timeout / time.Second)
	retryDelay := int(cfg.Analysis.RetryDelay / time.Second)
	cf := configFile{
		Enabled:       &cfg.Enabled,
		ListenAddr:    cfg.ListenAddr,
		APIBaseURL:    cfg.APIBaseURL,
		APIToken:      cfg.APIToken,
		LogLevel:      cfg.LogLevel,
		ObfuscateUrls: &cfg.ObfuscateUrls,
		WorkerThreads: cfg.WorkerThreads,
		DataDir:       cfg.DataDir,
		PipelineMode:  cfg.PipelineMode,
		Schedule: &scheduleFile{
			Enabled:        &cfg.Schedule.Enabled,
			CronExpression: cfg.Schedule.CronExpression,
			Frequency:      cfg.Schedule.Frequency,
			Hour:           &cfg.Schedule.Hour,
			Minute:         &cfg.Schedule.Minute,
			DayOfMonth:     &cfg.Schedule.DayOfMonth,
		},
		Analysis: &analysisFile{
			FFmpegDuration: &ffmpegDuration,
			IdetFrames:     &cfg.Analysis.IdetFrames,
			Timeout:        &timeout,
			Retries:        &cfg.Analysis.Retries,
			RetryDelay:     &retryDelay,
			UserAgent:      cfg.Analysis.UserAgent,
		},
		Scoring: &scoringFile{
			Weights: &weightsFile{
				Bitrate:    &cfg.Scoring.Weights.Bitrate,
				Resolution: &cfg.Scoring.Weights.Resolution,
				FPS:        &cfg.Scoring.Weights.FPS,
				Codec:      &cfg.Scoring.Weights.Codec,
				Errors:     &cfg.Scoring.Weights.Errors,
			},
			MinScore:              &cfg.Scoring.MinScore,
			PreferH265:            &cfg.Scoring.PreferH265,
			PenalizeInterlaced:    &cfg.Scoring.PenalizeInterlaced,
			PenalizeDroppedFrames: &cfg.Scoring.PenalizeDroppedFrames,
		},
		Queue: &queueFile{
			MaxSize:           &cfg.Queue.MaxSize,
			CheckOnUpdate:     &cfg.Queue.CheckOnUpdate,
			MaxChannelsPerRun: &cfg.Queue.MaxChannelsPerRun,
		},
		Sources: cfg.Sources,
	}

	data, err := json.MarshalIndent(&cf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
