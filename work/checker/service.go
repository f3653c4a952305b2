package checker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"stream-checker/work/api"
	"stream-checker/work/cache"
	"stream-checker/work/config"
	"stream-checker/work/liveness"
	"stream-checker/work/logger"
	"stream-checker/work/moved"
	"stream-checker/work/progress"
	"stream-checker/work/queue"
	"stream-checker/work/sources"
	"stream-checker/work/tracker"
	"stream-checker/work/types"
)

const (
	// lower value dequeues first, so scheduled full-catalog checks win
	// over incremental update checks
	priorityGlobal = 5
	priorityUpdate = 10

	dequeueTimeout  = 1 * time.Second
	schedulerTick   = 60 * time.Second
	stopJoinTimeout = 5 * time.Second
)

// Service owns the work queue, the tracker state and the two background
// loops. All mutation of channel ordering flows through its worker loop;
// the scheduler loop only decides what to enqueue and when.
type Service struct {
	cfgMgr  *config.Manager
	queue   *queue.Queue
	tracker *tracker.Tracker
	prog    *progress.Reporter
	live    *liveness.Tracker
	ledger  *moved.Ledger
	client  *api.Client
	cache   *cache.Cache
	sources *sources.Manager
	pool    *ants.Pool

	running      atomic.Bool
	checking     atomic.Bool
	globalActive atomic.Bool
	cfgChanged   atomic.Bool

	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	mu            sync.Mutex
	lastOrderRun  time.Time
	orderConfPath string
}

func New(cfgMgr *config.Manager, pool *ants.Pool) *Service {
	cfg := cfgMgr.Get()
	return &Service{
		cfgMgr:        cfgMgr,
		queue:         queue.New(cfg.Queue.MaxSize),
		tracker:       tracker.New(cfg.StateFile("update_tracker.json")),
		prog:          progress.New(cfg.StateFile("check_progress.json")),
		live:          liveness.New(cfg.StateFile("dead_streams.json")),
		ledger:        moved.New(cfg.StateFile("moved_streams.json")),
		client:        api.New(cfg),
		cache:         cache.New(5 * time.Minute),
		sources:       sources.New(cfg, pool),
		pool:          pool,
		trigger:       make(chan struct{}, 1),
		stop:          make(chan struct{}),
		orderConfPath: cfg.StateFile("channel_regex_config.json"),
	}
}

// Start launches the worker and scheduler loops. Calling Start on a running
// service is a no-op.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	logger.Info("stream checker starting")

	s.wg.Add(2)
	go s.workerLoop()
	go s.schedulerLoop()
}

// Stop signals both loops and waits up to the join timeout for them to
// drain. A loop stuck in a long network call is abandoned, not killed.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("stream checker stopped")
	case <-time.After(stopJoinTimeout):
		logger.Warn("stream checker loops did not stop within %s", stopJoinTimeout)
	}
}

// QueueChannel enqueues one channel at update priority, evicting it from the
// completed set first so a finished channel can be re-checked on demand.
func (s *Service) QueueChannel(channelID int) bool {
	s.queue.EvictFromCompleted(channelID)
	return s.queue.Enqueue(channelID, priorityUpdate)
}

// QueueChannels enqueues a batch and returns how many were accepted.
func (s *Service) QueueChannels(channelIDs []int) int {
	for _, id := range channelIDs {
		s.queue.EvictFromCompleted(id)
	}
	return s.queue.EnqueueMany(channelIDs, priorityUpdate)
}

func (s *Service) ClearQueue() {
	s.queue.Clear()
}

// MarkChannelsUpdated records upstream content changes; the scheduler claims
// them on its next wake.
func (s *Service) MarkChannelsUpdated(channelIDs []int, streamCounts map[int]int) {
	s.tracker.MarkUpdated(channelIDs, streamCounts)
	s.TriggerCheckUpdatedChannels()
}

// TriggerCheckUpdatedChannels wakes the scheduler to claim dirty channels
// immediately instead of waiting out the poll interval.
func (s *Service) TriggerCheckUpdatedChannels() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerGlobalAction runs the full global action in the background,
// bypassing the cron schedule. Returns false when one is already running.
func (s *Service) TriggerGlobalAction() bool {
	if s.globalActive.Load() {
		return false
	}
	go s.performGlobalAction(context.Background(), "manual")
	return true
}

// UpdateConfig applies a partial config update and nudges the scheduler.
// The wake is flagged as config-only so it does not count as an update
// trigger.
func (s *Service) UpdateConfig(raw []byte) (*config.Config, error) {
	cfg, err := s.cfgMgr.Update(raw)
	if err != nil {
		return nil, err
	}
	s.cfgChanged.Store(true)
	s.TriggerCheckUpdatedChannels()
	return cfg, nil
}

// Status is the externally visible service state.
type Status struct {
	Running                bool               `json:"running"`
	Checking               bool               `json:"checking"`
	GlobalActionInProgress bool               `json:"global_action_in_progress"`
	Queue                  types.QueueStatus  `json:"queue"`
	Progress               *progress.Snapshot `json:"progress,omitempty"`
	LastGlobalCheck        *time.Time         `json:"last_global_check,omitempty"`
	DeadStreams            int                `json:"dead_streams"`
	PendingReturns         int                `json:"pending_returns"`
	Config                 StatusConfig       `json:"config"`
}

// StatusConfig is the config subset exposed on the status surface.
type StatusConfig struct {
	Enabled           bool   `json:"enabled"`
	PipelineMode      string `json:"pipeline_mode"`
	ScheduleEnabled   bool   `json:"schedule_enabled"`
	CronExpression    string `json:"cron_expression"`
	CheckOnUpdate     bool   `json:"check_on_update"`
	MaxChannelsPerRun int    `json:"max_channels_per_run"`
}

func (s *Service) Status() Status {
	cfg := s.cfgMgr.Get()
	st := Status{
		Running:                s.running.Load(),
		Checking:               s.checking.Load(),
		GlobalActionInProgress: s.globalActive.Load(),
		Queue:                  s.queue.Status(),
		Progress:               s.prog.Get(),
		DeadStreams:            s.live.DeadCount(),
		PendingReturns:         len(s.ledger.Pending()),
		Config: StatusConfig{
			Enabled:           cfg.Enabled,
			PipelineMode:      cfg.PipelineMode,
			ScheduleEnabled:   cfg.Schedule.Enabled,
			CronExpression:    cfg.CronExpression(),
			CheckOnUpdate:     cfg.Queue.CheckOnUpdate,
			MaxChannelsPerRun: cfg.Queue.MaxChannelsPerRun,
		},
	}
	if last, ok := s.tracker.LastGlobalCheck(); ok {
		st.LastGlobalCheck = &last
	}
	return st
}

// Config returns the active configuration snapshot.
func (s *Service) Config() *config.Config {
	return s.cfgMgr.Get()
}

// Progress returns the current check progress, nil when idle.
func (s *Service) Progress() *progress.Snapshot {
	return s.prog.Get()
}

// QueueFailures exposes the per-channel failure records.
func (s *Service) QueueFailures() map[int]queue.FailureRecord {
	return s.queue.Failures()
}

// DeadStreamSnapshot exposes the liveness map for the admin surface.
func (s *Service) DeadStreamSnapshot() map[string]liveness.Entry {
	return s.live.Snapshot()
}

// PendingMoves exposes the overflow ledger for the admin surface.
func (s *Service) PendingMoves() []moved.Record {
	return s.ledger.Pending()
}
