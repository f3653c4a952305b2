package scoring

import (
	"math"
	"strconv"
	"strings"

	"stream-checker/work/config"
	"stream-checker/work/types"
)

// IsDead classifies a stream as dead when its resolution is 0x0 (or either
// parsed dimension is zero) or its bitrate is zero or unknown. Zero bitrate
// is reserved for this classification; a failed measurement also counts as
// dead because there is nothing to rank.
func IsDead(a *types.AnalyzedStream) bool {
	res := strings.TrimSpace(a.Resolution)
	if res != "" && res != "N/A" {
		if res == "0x0" {
			return true
		}
		if w, h, ok := parseResolution(res); ok && (w == 0 || h == 0) {
			return true
		}
	}
	if a.BitrateKbps == nil || *a.BitrateKbps == 0 {
		return true
	}
	return false
}

// Score maps an analyzed stream to a quality score in [0,1], rounded to two
// decimals. A dead stream scores exactly 0. The weighted sum is not
// renormalized when the configured weights do not sum to 1.
func Score(a *types.AnalyzedStream, cfg config.ScoringConfig) float64 {
	if IsDead(a) {
		return 0.0
	}

	w := cfg.Weights
	score := 0.0

	// bitrate, normalized against a typical 8000 kbps ceiling
	if a.BitrateKbps != nil && *a.BitrateKbps > 0 {
		score += math.Min(*a.BitrateKbps/8000, 1.0) * w.Bitrate
	}

	score += resolutionScore(a.Resolution) * w.Resolution

	if a.FPS > 0 {
		score += math.Min(a.FPS/60, 1.0) * w.FPS
	}

	score += codecScore(a.VideoCodec, cfg.PreferH265) * w.Codec

	score += errorScore(a, cfg) * w.Errors

	return math.Round(score*100) / 100
}

// resolutionScore buckets by vertical pixel height.
func resolutionScore(resolution string) float64 {
	_, h, ok := parseResolution(resolution)
	if !ok {
		return 0.0
	}
	switch {
	case h >= 1080:
		return 1.0
	case h >= 720:
		return 0.7
	case h >= 576:
		return 0.5
	default:
		return 0.3
	}
}

func codecScore(codec string, preferH265 bool) float64 {
	c := strings.ToLower(strings.TrimSpace(codec))
	switch {
	case c == "" || c == "n/a":
		return 0.0
	case strings.Contains(c, "h265") || strings.Contains(c, "hevc"):
		if preferH265 {
			return 1.0
		}
		return 0.8
	case strings.Contains(c, "h264") || strings.Contains(c, "avc"):
		if preferH265 {
			return 0.8
		}
		return 1.0
	default:
		return 0.5
	}
}

// errorScore starts at 1.0 and is reduced per observed defect, floored at 0.
func errorScore(a *types.AnalyzedStream, cfg config.ScoringConfig) float64 {
	score := 1.0
	if a.Status != types.StatusOK {
		score -= 0.5
	}
	if a.DecodeErrors {
		score -= 0.2
	}
	if a.Discontinuity {
		score -= 0.2
	}
	if a.Status == types.StatusTimeout {
		score -= 0.3
	}
	if cfg.PenalizeInterlaced && a.Interlaced {
		score -= 0.1
	}
	if cfg.PenalizeDroppedFrames {
		if rate := a.DropRate(); rate > 0.01 {
			score -= math.Min(rate*5, 0.3)
		}
	}
	return math.Max(score, 0.0)
}

func parseResolution(resolution string) (width, height int, ok bool) {
	parts := strings.Split(resolution, "x")
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}
