package checker

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"stream-checker/work/config"
	"stream-checker/work/events"
	"stream-checker/work/logger"
	"stream-checker/work/metrics"
	"stream-checker/work/moved"
	"stream-checker/work/sources"
)

// freshStartWindow bounds how far past a scheduled instant a fresh start
// may still fire the global action instead of waiting for the next slot.
const freshStartWindow = 10 * time.Minute

// schedulerLoop wakes on an explicit trigger or the poll tick, whichever
// comes first. Each wake runs inside a recover boundary so one bad tick
// never halts scheduling.
func (s *Service) schedulerLoop() {
	defer s.wg.Done()
	logger.Info("scheduler loop started")

	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		var triggered bool
		select {
		case <-s.stop:
			logger.Info("scheduler loop stopping")
			return
		case <-s.trigger:
			triggered = true
		case <-ticker.C:
		}
		s.safeTick(triggered)
	}
}

func (s *Service) safeTick(triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("scheduler tick panicked: %v", r)
		}
	}()
	s.tick(triggered)
}

func (s *Service) tick(triggered bool) {
	cfg := s.cfgMgr.Get()
	if !cfg.Enabled {
		return
	}

	// a config-change wake refreshes the snapshot but is not an update signal
	configOnly := s.cfgChanged.Swap(false)

	if triggered && !configOnly && !s.globalActive.Load() {
		s.queueUpdatedChannels(cfg)
	}

	if !s.globalActive.Load() {
		s.checkGlobalSchedule(cfg)
	}

	s.checkEventOrdering()
	s.sweepReturns()
}

// queueUpdatedChannels claims dirty channels from the tracker and enqueues
// them at update priority, honoring the pipeline mode and the per-run cap.
func (s *Service) queueUpdatedChannels(cfg *config.Config) {
	if !cfg.Queue.CheckOnUpdate || !config.ChecksOnUpdate(cfg.PipelineMode) {
		return
	}

	claimed := s.tracker.GetAndClearNeedingCheck(cfg.Queue.MaxChannelsPerRun)
	if len(claimed) == 0 {
		return
	}
	for _, id := range claimed {
		s.queue.EvictFromCompleted(id)
	}
	accepted := s.queue.EnqueueMany(claimed, priorityUpdate)
	logger.Info("queued %d of %d updated channels", accepted, len(claimed))
}

func (s *Service) checkGlobalSchedule(cfg *config.Config) {
	if !cfg.Schedule.Enabled || !config.RunsScheduledGlobalAction(cfg.PipelineMode) {
		return
	}
	expr := cfg.CronExpression()
	if !gronx.New().IsValid(expr) {
		logger.Error("invalid cron expression %q, skipping schedule", expr)
		return
	}

	last, hasLast := s.tracker.LastGlobalCheck()
	if !shouldRunGlobalCheck(expr, time.Now(), last, hasLast) {
		return
	}
	logger.Info("cron schedule %q due, starting global action", expr)
	s.performGlobalAction(context.Background(), "scheduled")
}

// shouldRunGlobalCheck applies the cron gating policy. With no recorded
// check, the action fires only when now sits within the fresh-start window
// of the previous scheduled instant, so a restart at an arbitrary time does
// not trigger an immediate full run. With a recorded check, it fires once
// per scheduled instant.
func shouldRunGlobalCheck(expr string, now, lastCheck time.Time, hasLast bool) bool {
	prev, err := gronx.PrevTickBefore(expr, now, true)
	if err != nil {
		return false
	}
	if !hasLast {
		diff := now.Sub(prev)
		if diff < 0 {
			diff = -diff
		}
		return diff <= freshStartWindow
	}
	return prev.After(lastCheck)
}

// performGlobalAction runs the sequential steps of a full catalog refresh.
// Every step is best-effort; a failed step logs and the next step still
// runs. The in-progress flag always clears.
func (s *Service) performGlobalAction(ctx context.Context, trigger string) {
	if !s.globalActive.CompareAndSwap(false, true) {
		logger.Warn("global action already in progress, skipping %s run", trigger)
		return
	}
	defer s.globalActive.Store(false)

	cfg := s.cfgMgr.Get()
	metrics.GlobalActions.WithLabelValues(trigger).Inc()
	logger.Info("global action starting (%s)", trigger)
	started := time.Now()

	// step 1: refresh playlist sources
	bySource := s.sources.Refresh(ctx)
	total := 0
	for _, entries := range bySource {
		total += len(entries)
	}
	logger.Info("global action: refreshed %d sources, %d entries", len(bySource), total)

	// step 2: re-match discovered entries to channels
	channels, err := s.client.FetchAllChannels(ctx)
	if err != nil {
		logger.Error("global action: fetching channels failed: %v", err)
	}
	if len(channels) > 0 && total > 0 {
		refs := make([]sources.ChannelRef, 0, len(channels))
		for _, ch := range channels {
			refs = append(refs, sources.ChannelRef{ID: ch.ID, Name: ch.Name})
		}
		counts := sources.MatchToChannels(bySource, refs)
		if len(counts) > 0 {
			ids := make([]int, 0, len(counts))
			for id := range counts {
				ids = append(ids, id)
			}
			s.tracker.MarkUpdated(ids, counts)
			logger.Info("global action: matched entries to %d channels", len(counts))
		}
	}

	// step 3: event-time reordering, only in the pipeline that includes it
	if cfg.PipelineMode == config.Pipeline4 {
		s.runEventOrdering(ctx)
	}

	// step 4: force-enqueue the full catalog
	forced := 0
	for _, ch := range channels {
		s.tracker.MarkForForceCheck(ch.ID)
		s.queue.EvictFromCompleted(ch.ID)
		if s.queue.Enqueue(ch.ID, priorityGlobal) {
			forced++
		}
	}
	logger.Info("global action: force-enqueued %d of %d channels", forced, len(channels))

	s.tracker.MarkGlobalCheck()
	logger.Info("global action finished in %.1fs", time.Since(started).Seconds())
}

// checkEventOrdering re-reads the per-channel event config each pass so
// edits to the sidecar file apply without a restart.
func (s *Service) checkEventOrdering() {
	ordering, err := config.LoadEventOrdering(s.orderConfPath)
	if err != nil {
		logger.Warn("loading event ordering config: %v", err)
		return
	}
	if !ordering.Enabled || len(ordering.Channels) == 0 {
		return
	}

	s.mu.Lock()
	due := time.Since(s.lastOrderRun) >= ordering.Frequency
	if due {
		s.lastOrderRun = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.runEventOrderingWith(context.Background(), ordering)
}

func (s *Service) runEventOrdering(ctx context.Context) {
	ordering, err := config.LoadEventOrdering(s.orderConfPath)
	if err != nil {
		logger.Warn("loading event ordering config: %v", err)
		return
	}
	if !ordering.Enabled {
		return
	}
	s.runEventOrderingWith(ctx, ordering)
}

func (s *Service) runEventOrderingWith(ctx context.Context, ordering *config.EventOrderingConfig) {
	for _, channelID := range ordering.ChannelIDs() {
		chCfg, _ := ordering.ChannelConfig(channelID)
		if err := s.orderChannelEvents(ctx, channelID, chCfg); err != nil {
			logger.Error("event ordering for channel %d: %v", channelID, err)
		}
	}
}

// orderChannelEvents reorders one channel by event time and routes
// conflicting events to its overflow channels.
func (s *Service) orderChannelEvents(ctx context.Context, channelID int, chCfg config.ChannelEventConfig) error {
	streams, err := s.client.FetchChannelStreams(ctx, channelID)
	if err != nil {
		return err
	}
	if len(streams) < 2 {
		logger.Debug("channel %d has %d streams, skipping event ordering", channelID, len(streams))
		return nil
	}

	infos := events.Annotate(streams, chCfg.Pattern, channelID)
	ordered := events.Order(infos, time.Now().UTC())

	originalIDs := events.IDs(infos)
	orderedIDs := events.IDs(ordered)
	if err := events.VerifyPermutation(originalIDs, orderedIDs); err != nil {
		logger.Error("channel %d: refusing event reorder: %v", channelID, err)
		return nil
	}
	if err := s.client.UpdateChannelStreams(ctx, channelID, orderedIDs, originalIDs, true); err != nil {
		return err
	}

	overflow := chCfg.Overflow()
	if len(overflow) == 0 {
		return nil
	}
	moves := events.PlanOverflow(ordered, channelID, overflow, chCfg.ReturnAfter())
	for _, mv := range moves {
		if err := s.applyMove(ctx, channelID, mv, chCfg.ReturnAfter()); err != nil {
			logger.Error("channel %d: overflow move to %d failed: %v", channelID, mv.ToChannel, err)
		}
	}
	return nil
}

// applyMove adds the conflicting streams to the overflow channel, removes
// them from their source channels and records the move for the return sweep.
func (s *Service) applyMove(ctx context.Context, primary int, mv events.Move, hold time.Duration) error {
	if err := s.addStreamsToChannel(ctx, mv.ToChannel, mv.StreamIDs); err != nil {
		return err
	}
	for source, ids := range mv.RemoveFrom {
		if source == mv.ToChannel {
			continue
		}
		if err := s.removeStreamsFromChannel(ctx, source, ids); err != nil {
			logger.Error("removing %d streams from channel %d: %v", len(ids), source, err)
		}
	}

	now := time.Now().UTC()
	s.ledger.Append(moved.Record{
		StreamIDs:   mv.StreamIDs,
		FromChannel: primary,
		ToChannel:   mv.ToChannel,
		MovedAt:     now,
		ReturnAt:    now.Add(hold),
	})
	metrics.OverflowMoves.WithLabelValues("out").Inc()
	logger.Info("moved %d streams from channel %d to overflow %d until %s",
		len(mv.StreamIDs), primary, mv.ToChannel, now.Add(hold).Format(time.RFC3339))
	return nil
}

// sweepReturns moves streams whose hold period elapsed back to their source
// channel. Failed returns stay pending for the next tick.
func (s *Service) sweepReturns() {
	returned := s.ledger.SweepDue(time.Now().UTC(), func(rec moved.Record) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := s.addStreamsToChannel(ctx, rec.FromChannel, rec.StreamIDs); err != nil {
			logger.Error("returning %d streams to channel %d: %v", len(rec.StreamIDs), rec.FromChannel, err)
			return false
		}
		if err := s.removeStreamsFromChannel(ctx, rec.ToChannel, rec.StreamIDs); err != nil {
			logger.Error("clearing returned streams from channel %d: %v", rec.ToChannel, err)
			// the streams are back on the source channel; keep the record
			// so the overflow side is retried
			return false
		}
		metrics.OverflowMoves.WithLabelValues("back").Inc()
		logger.Info("returned %d streams from channel %d to channel %d",
			len(rec.StreamIDs), rec.ToChannel, rec.FromChannel)
		return true
	})
	if returned > 0 {
		logger.Info("return sweep moved %d records back", returned)
	}
}

func (s *Service) addStreamsToChannel(ctx context.Context, channelID int, streamIDs []int) error {
	current, err := s.client.FetchChannelStreams(ctx, channelID)
	if err != nil {
		return err
	}
	existing := make(map[int]bool, len(current))
	ids := make([]int, 0, len(current)+len(streamIDs))
	for _, st := range current {
		existing[st.ID] = true
		ids = append(ids, st.ID)
	}
	added := 0
	for _, id := range streamIDs {
		if !existing[id] {
			ids = append(ids, id)
			existing[id] = true
			added++
		}
	}
	if added == 0 {
		return nil
	}
	return s.client.UpdateChannelStreams(ctx, channelID, ids, ids, true)
}

func (s *Service) removeStreamsFromChannel(ctx context.Context, channelID int, streamIDs []int) error {
	current, err := s.client.FetchChannelStreams(ctx, channelID)
	if err != nil {
		return err
	}
	drop := make(map[int]bool, len(streamIDs))
	for _, id := range streamIDs {
		drop[id] = true
	}
	ids := make([]int, 0, len(current))
	for _, st := range current {
		if !drop[st.ID] {
			ids = append(ids, st.ID)
		}
	}
	if len(ids) == len(current) {
		return nil
	}
	return s.client.UpdateChannelStreams(ctx, channelID, ids, ids, true)
}
