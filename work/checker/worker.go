package checker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"stream-checker/work/analyzer"
	"stream-checker/work/api"
	"stream-checker/work/logger"
	"stream-checker/work/metrics"
	"stream-checker/work/progress"
	"stream-checker/work/scoring"
	"stream-checker/work/types"
	"stream-checker/work/utils"
)

// workerLoop is the single consumer of the work queue. Every failure mode of
// a channel check ends in MarkCompleted or MarkFailed; nothing escapes the
// loop.
func (s *Service) workerLoop() {
	defer s.wg.Done()
	logger.Info("worker loop started")

	for {
		select {
		case <-s.stop:
			logger.Info("worker loop stopping")
			return
		default:
		}

		channelID, ok := s.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}

		s.checking.Store(true)
		err := s.safeCheckChannel(channelID)
		s.checking.Store(false)
		s.prog.Clear()

		if err != nil {
			logger.Error("channel %d check failed: %v", channelID, err)
			s.queue.MarkFailed(channelID, err.Error())
			metrics.ChannelsChecked.WithLabelValues("failed").Inc()
		} else {
			s.queue.MarkCompleted(channelID)
			metrics.ChannelsChecked.WithLabelValues("ok").Inc()
		}
	}
}

// safeCheckChannel converts panics inside a channel check into ordinary
// errors so one bad channel cannot take the loop down.
func (s *Service) safeCheckChannel(channelID int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during check: %v", r)
		}
	}()
	return s.checkChannel(context.Background(), channelID)
}

func (s *Service) checkChannel(ctx context.Context, channelID int) error {
	cfg := s.cfgMgr.Get()
	started := time.Now()

	force := s.tracker.ShouldForceCheck(channelID)
	if force {
		s.tracker.ClearForceCheck(channelID)
	}
	logger.Info("checking channel %d (force=%v)", channelID, force)

	s.prog.Update(progress.Snapshot{
		ChannelID: channelID,
		Status:    "checking",
		Step:      "Fetching streams",
	})

	ch, err := s.client.FetchChannelWithStreams(ctx, channelID)
	if err != nil {
		return fmt.Errorf("fetching channel %d: %w", channelID, err)
	}
	if ch == nil {
		logger.Warn("channel %d not found upstream, nothing to check", channelID)
		s.tracker.MarkChecked(channelID, 0, nil)
		return nil
	}
	if len(ch.Streams) == 0 {
		logger.Info("channel %d (%s) has no streams", channelID, ch.Name)
		s.tracker.MarkChecked(channelID, 0, nil)
		return nil
	}
	s.cache.SetChannel(ch)

	// streams checked in a previous run keep their stored stats unless
	// this is a forced check
	immune := map[int]bool{}
	if !force {
		for _, id := range s.tracker.CheckedStreamIDs(channelID) {
			immune[id] = true
		}
	}

	an := analyzer.New(cfg.Analysis, cfg)
	analyzed := make([]types.AnalyzedStream, 0, len(ch.Streams))
	for i, stream := range ch.Streams {
		s.prog.Update(progress.Snapshot{
			ChannelID:         channelID,
			ChannelName:       ch.Name,
			CurrentStream:     i + 1,
			TotalStreams:      len(ch.Streams),
			CurrentStreamName: stream.Name,
			Status:            "checking",
			Step:              "Analyzing",
			StepDetail:        utils.LogURL(cfg, stream.URL),
		})

		var rec types.AnalyzedStream
		cached := false
		if immune[stream.ID] {
			rec, cached = s.reconstructFromStats(ctx, channelID, stream)
			if cached {
				logger.Debug("stream %d already checked, using stored stats", stream.ID)
			}
		}
		if !cached {
			rec = an.Analyze(ctx, channelID, stream)
			metrics.StreamsAnalyzed.WithLabelValues(string(rec.Status)).Inc()
			s.patchStatsAsync(rec)
		}
		analyzed = append(analyzed, rec)
	}

	s.prog.Update(progress.Snapshot{
		ChannelID:    channelID,
		ChannelName:  ch.Name,
		TotalStreams: len(ch.Streams),
		Status:       "checking",
		Step:         "Scoring",
	})

	for i := range analyzed {
		rec := &analyzed[i]
		if scoring.IsDead(rec) {
			s.live.MarkDead(rec.StreamURL, rec.StreamID, rec.StreamName)
		} else {
			s.live.MarkAlive(rec.StreamURL)
		}
		rec.Score = scoring.Score(rec, cfg.Scoring)
	}

	sort.SliceStable(analyzed, func(i, j int) bool {
		return analyzed[i].Score > analyzed[j].Score
	})

	allIDs := make([]int, 0, len(analyzed))
	orderedIDs := make([]int, 0, len(analyzed))
	for i := range analyzed {
		rec := &analyzed[i]
		allIDs = append(allIDs, rec.StreamID)
		// dead streams are dropped only on routine checks, and only once
		// the liveness store has durably recorded them
		if !force && scoring.IsDead(rec) && s.live.IsDead(rec.StreamURL) {
			logger.Info("dropping dead stream %d (%s) from channel %d",
				rec.StreamID, rec.StreamName, channelID)
			continue
		}
		orderedIDs = append(orderedIDs, rec.StreamID)
	}

	if len(orderedIDs) == 0 && len(analyzed) > 0 {
		logger.Error("channel %d: every stream is dead, refusing to empty the channel", channelID)
		s.tracker.MarkChecked(channelID, len(analyzed), allIDs)
		return nil
	}

	// forced checks retain everything, so the write must be an exact
	// permutation; routine checks may only have shed dead ids
	if force {
		if err := verifySameSet(allIDs, orderedIDs); err != nil {
			return fmt.Errorf("channel %d reorder integrity: %w", channelID, err)
		}
	} else if err := verifySubset(allIDs, orderedIDs); err != nil {
		return fmt.Errorf("channel %d reorder integrity: %w", channelID, err)
	}

	s.prog.Update(progress.Snapshot{
		ChannelID:    channelID,
		ChannelName:  ch.Name,
		TotalStreams: len(ch.Streams),
		Status:       "checking",
		Step:         "Reordering",
		StepDetail:   strconv.Itoa(len(orderedIDs)) + " streams",
	})

	if err := s.client.UpdateChannelStreams(ctx, channelID, orderedIDs, allIDs, force); err != nil {
		return fmt.Errorf("writing channel %d order: %w", channelID, err)
	}

	// give the upstream a moment to settle before the read-back
	time.Sleep(500 * time.Millisecond)
	s.verifyWrittenOrder(ctx, channelID, orderedIDs)

	s.tracker.MarkChecked(channelID, len(orderedIDs), allIDs)
	metrics.CheckDuration.WithLabelValues(strconv.FormatBool(force)).Observe(time.Since(started).Seconds())
	logger.Info("channel %d check finished: %d streams kept of %d (%.1fs)",
		channelID, len(orderedIDs), len(analyzed), time.Since(started).Seconds())
	return nil
}

// verifyWrittenOrder re-fetches the channel with streams embedded and
// compares the order. A mismatch is only warned about; the upstream may
// apply its own filtering on top of ours.
func (s *Service) verifyWrittenOrder(ctx context.Context, channelID int, wrote []int) {
	ch, err := s.client.FetchChannelWithStreams(ctx, channelID)
	if err != nil || ch == nil {
		logger.Warn("channel %d: could not verify written order: %v", channelID, err)
		return
	}
	got := make([]int, 0, len(ch.Streams))
	for _, st := range ch.Streams {
		got = append(got, st.ID)
	}
	if len(got) != len(wrote) {
		logger.Warn("channel %d: wrote %d streams, upstream now has %d", channelID, len(wrote), len(got))
		return
	}
	for i := range wrote {
		if got[i] != wrote[i] {
			logger.Warn("channel %d: stream order mismatch at position %d (wrote %d, got %d)",
				channelID, i, wrote[i], got[i])
			return
		}
	}
}

// reconstructFromStats rebuilds an analysis record from the stats persisted
// by an earlier check. Missing fields fall back to dead-looking defaults so
// a stream with no stored stats does not coast on immunity forever. Returns
// false when the stats could not be fetched at all; the caller re-analyzes
// instead of trusting defaults built from a transient failure.
func (s *Service) reconstructFromStats(ctx context.Context, channelID int, stream types.Stream) (types.AnalyzedStream, bool) {
	rec := types.AnalyzedStream{
		ChannelID:  channelID,
		StreamID:   stream.ID,
		StreamName: stream.Name,
		StreamURL:  stream.URL,
		Resolution: "0x0",
		VideoCodec: "N/A",
		AudioCodec: "N/A",
		Status:     types.StatusOK,
		CheckedAt:  time.Now().UTC(),
	}
	zero := 0.0
	rec.BitrateKbps = &zero

	detail, ok := s.cache.GetStream(stream.ID)
	if !ok {
		var err error
		detail, err = s.client.FetchStream(ctx, stream.ID)
		if err != nil {
			logger.Warn("stream %d: stats fetch failed, re-analyzing: %v", stream.ID, err)
			return rec, false
		}
		if detail != nil {
			s.cache.SetStream(stream.ID, detail)
		}
	}
	if detail == nil {
		logger.Warn("stream %d: no stored stats available, re-analyzing", stream.ID)
		return rec, false
	}

	stats := api.MergeStats(detail.StreamStats, nil)
	if v, ok := stats["resolution"].(string); ok && v != "" {
		rec.Resolution = v
	}
	if v, ok := stats["source_fps"].(float64); ok {
		rec.FPS = v
	}
	if v, ok := stats["video_codec"].(string); ok && v != "" {
		rec.VideoCodec = v
	}
	if v, ok := stats["audio_codec"].(string); ok && v != "" {
		rec.AudioCodec = v
	}
	if v, ok := stats["ffmpeg_output_bitrate"].(float64); ok && v > 0 {
		kbps := v
		rec.BitrateKbps = &kbps
	}
	return rec, true
}

// patchStatsAsync writes measured stats back to the upstream off the worker
// goroutine; the check result does not depend on the patch landing.
func (s *Service) patchStatsAsync(rec types.AnalyzedStream) {
	fields := api.StatsFields(&rec)
	if len(fields) == 0 {
		return
	}
	streamID := rec.StreamID
	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.client.PatchStreamStats(ctx, streamID, fields); err != nil {
			logger.Warn("stats patch for stream %d failed: %v", streamID, err)
			return
		}
		s.cache.InvalidateStream(streamID)
	}
	if err := s.pool.Submit(task); err != nil {
		task()
	}
}

// verifySubset refuses a write containing duplicate ids or ids the channel
// never held.
func verifySubset(universe, got []int) error {
	allowed := make(map[int]bool, len(universe))
	for _, id := range universe {
		allowed[id] = true
	}
	seen := make(map[int]bool, len(got))
	for _, id := range got {
		if !allowed[id] {
			return fmt.Errorf("stream set mismatch: id %d not part of the channel", id)
		}
		if seen[id] {
			return fmt.Errorf("stream set mismatch: id %d duplicated", id)
		}
		seen[id] = true
	}
	return nil
}

// verifySameSet guards the write against set corruption introduced between
// filtering and ordering.
func verifySameSet(expected, got []int) error {
	if len(expected) != len(got) {
		return fmt.Errorf("stream set mismatch: expected %d ids, got %d", len(expected), len(got))
	}
	seen := make(map[int]int, len(expected))
	for _, id := range expected {
		seen[id]++
	}
	for _, id := range got {
		seen[id]--
		if seen[id] < 0 {
			return fmt.Errorf("stream set mismatch: unexpected id %d", id)
		}
	}
	return nil
}
