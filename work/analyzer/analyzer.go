package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grafana/regexp"

	"stream-checker/work/config"
	"stream-checker/work/logger"
	"stream-checker/work/types"
	"stream-checker/work/utils"
)

var (
	// ffmpeg progress lines: "size=12345kB time=00:00:30.00 bitrate=3333.3kbits/s"
	progressBitrateRe = regexp.MustCompile(`bitrate=\s*(\d+\.?\d*)\s*kbits/s`)
	// avio statistics and raw read counters: "... 18000000 bytes read ..."
	bytesReadRe = regexp.MustCompile(`(\d+)\s+bytes read`)
	// final progress frame counters: "frame=  750 fps= 25 ... drop=3"
	frameCountRe = regexp.MustCompile(`frame=\s*(\d+)`)
	dropCountRe  = regexp.MustCompile(`drop=\s*(\d+)`)
	// idet summary: "Multi frame detection: TFF: 120 BFF: 0 Progressive: 380 Undetermined: 0"
	idetRe = regexp.MustCompile(`Multi frame detection:\s*TFF:\s*(\d+)\s*BFF:\s*(\d+)\s*Progressive:\s*(\d+)`)
)

// Analyzer probes streams with ffprobe and ffmpeg. It is stateless; a fresh
// config snapshot is passed on construction so mid-run config updates only
// apply to later checks.
type Analyzer struct {
	cfg    config.AnalysisConfig
	logCfg *config.Config
}

func New(cfg config.AnalysisConfig, logCfg *config.Config) *Analyzer {
	return &Analyzer{cfg: cfg, logCfg: logCfg}
}

// Analyze runs the full two-step probe with the configured retry policy.
// Retries apply only to bitrate-pass failures; metadata from the last attempt
// is kept either way. The returned record always has Status set and carries a
// nil bitrate when the measurement failed, never a fabricated zero.
func (a *Analyzer) Analyze(ctx context.Context, channelID int, stream types.Stream) types.AnalyzedStream {
	result := types.AnalyzedStream{
		ChannelID:  channelID,
		StreamID:   stream.ID,
		StreamName: stream.Name,
		StreamURL:  stream.URL,
		Resolution: "0x0",
		VideoCodec: "N/A",
		AudioCodec: "N/A",
		Status:     types.StatusError,
		CheckedAt:  time.Now().UTC(),
	}

	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		if attempt > 0 {
			logger.Info("retry %d/%d for stream %s", attempt, a.cfg.Retries, stream.Name)
			select {
			case <-ctx.Done():
				return result
			case <-time.After(a.cfg.RetryDelay):
			}
		}

		logger.Debug("[1/2] probing codec/resolution/fps for %s", utils.LogURL(a.logCfg, stream.URL))
		meta, err := a.probeMetadata(ctx, stream.URL)
		if err != nil {
			logger.Warn("ffprobe failed for %s: %v", utils.LogURL(a.logCfg, stream.URL), err)
		} else {
			result.VideoCodec = meta.videoCodec
			result.AudioCodec = meta.audioCodec
			result.Resolution = meta.resolution
			result.FPS = meta.fps
		}

		logger.Debug("[2/2] analyzing bitrate for %s", utils.LogURL(a.logCfg, stream.URL))
		pass, status := a.probeBitrate(ctx, stream.URL)
		result.BitrateKbps = pass.bitrate
		result.Status = status
		result.DecodeErrors = pass.decodeErrors
		result.Discontinuity = pass.discontinuity
		result.DroppedFrames = pass.droppedFrames
		result.TotalFrames = pass.totalFrames

		if status == types.StatusOK {
			if a.cfg.IdetFrames > 0 && meta != nil && meta.resolution != "0x0" {
				result.Interlaced = a.probeInterlace(ctx, stream.URL)
			}
			break
		}
		logger.Warn("stream %s attempt %d ended with status %s", stream.Name, attempt+1, status)
	}

	return result
}

type streamMetadata struct {
	videoCodec string
	audioCodec string
	resolution string
	fps        float64
}

// probeMetadata extracts codec, resolution and frame rate with a single
// ffprobe call. A stream with no video entry reports resolution 0x0.
func (a *Analyzer) probeMetadata(ctx context.Context, url string) (*streamMetadata, error) {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "ffprobe",
		"-user_agent", a.cfg.UserAgent,
		"-v", "error",
		"-show_entries", "stream=codec_name,width,height,avg_frame_rate",
		"-of", "json",
		url)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output, err := cmd.Output()
	if err != nil {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		if probeCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("ffprobe timed out after %s", a.cfg.Timeout)
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}

	var probed struct {
		Streams []struct {
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probed); err != nil {
		return nil, fmt.Errorf("decoding ffprobe output: %w", err)
	}

	meta := &streamMetadata{videoCodec: "N/A", audioCodec: "N/A", resolution: "0x0"}
	for _, s := range probed.Streams {
		if s.Width > 0 || s.Height > 0 {
			if meta.resolution == "0x0" {
				meta.videoCodec = s.CodecName
				meta.resolution = strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height)
				meta.fps = math.Round(parseFrameRate(s.AvgFrameRate)*100) / 100
			}
		} else if s.CodecName != "" && meta.audioCodec == "N/A" {
			meta.audioCodec = s.CodecName
		}
	}
	return meta, nil
}

type bitratePass struct {
	bitrate       *float64
	decodeErrors  bool
	discontinuity bool
	droppedFrames int64
	totalFrames   int64
}

// probeBitrate reads the stream at real-time rate for the configured duration
// and derives the bitrate from ffmpeg's debug output. The -re flag means the
// run takes at least the full duration, so the deadline adds the duration and
// a fixed startup/shutdown allowance on top of the base timeout.
func (a *Analyzer) probeBitrate(ctx context.Context, url string) (bitratePass, types.ProbeStatus) {
	deadline := a.cfg.Timeout + a.cfg.FFmpegDuration + 10*time.Second
	passCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cmd := exec.CommandContext(passCtx, "ffmpeg",
		"-re",
		"-v", "debug",
		"-user_agent", a.cfg.UserAgent,
		"-i", url,
		"-t", strconv.Itoa(int(a.cfg.FFmpegDuration.Seconds())),
		"-f", "null", "-")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmd.Process != nil && passCtx.Err() != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if passCtx.Err() == context.DeadlineExceeded {
		logger.Warn("ffmpeg timed out after %s", deadline)
		return bitratePass{}, types.StatusTimeout
	}

	pass := parseBitrateOutput(stderr.String(), a.cfg.FFmpegDuration.Seconds())
	if err != nil && pass.bitrate == nil {
		return pass, types.StatusError
	}
	return pass, types.StatusOK
}

// parseBitrateOutput applies the three detection methods in priority order:
// the avio Statistics line, byte counters on other lines, and finally the
// last progress-line bitrate. A Statistics measurement always wins over a
// progress reading.
func parseBitrateOutput(output string, durationSecs float64) bitratePass {
	var pass bitratePass
	var progressBitrate *float64
	var lastProgress string

	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "Statistics:") && strings.Contains(line, "bytes read") {
			if m := bytesReadRe.FindStringSubmatch(line); m != nil {
				if totalBytes, err := strconv.ParseInt(m[1], 10, 64); err == nil && totalBytes > 0 && durationSecs > 0 {
					kbps := float64(totalBytes) * 8 / 1000 / durationSecs
					pass.bitrate = &kbps
					logger.Debug("bitrate %.2f kbps from %d bytes read", kbps, totalBytes)
				}
			}
			continue
		}

		if strings.Contains(line, "bitrate=") && strings.Contains(line, "kbits/s") {
			if m := progressBitrateRe.FindStringSubmatch(line); m != nil {
				if v, err := strconv.ParseFloat(m[1], 64); err == nil {
					progressBitrate = &v
					lastProgress = line
				}
			}
		}

		if pass.bitrate == nil && strings.Contains(line, "bytes read") {
			if m := bytesReadRe.FindStringSubmatch(line); m != nil {
				if totalBytes, err := strconv.ParseInt(m[1], 10, 64); err == nil && totalBytes > 0 && durationSecs > 0 {
					kbps := float64(totalBytes) * 8 / 1000 / durationSecs
					pass.bitrate = &kbps
				}
			}
		}

		lower := strings.ToLower(line)
		if strings.Contains(lower, "error while decoding") || strings.Contains(lower, "corrupt decoded frame") {
			pass.decodeErrors = true
		}
		if strings.Contains(lower, "timestamp discontinuity") {
			pass.discontinuity = true
		}
	}

	if pass.bitrate == nil && progressBitrate != nil {
		pass.bitrate = progressBitrate
	}
	if pass.bitrate == nil {
		logger.Warn("failed to detect bitrate from ffmpeg output")
	}

	if lastProgress != "" {
		if m := frameCountRe.FindStringSubmatch(lastProgress); m != nil {
			pass.totalFrames, _ = strconv.ParseInt(m[1], 10, 64)
		}
		if m := dropCountRe.FindStringSubmatch(lastProgress); m != nil {
			pass.droppedFrames, _ = strconv.ParseInt(m[1], 10, 64)
		}
	}
	return pass
}

// probeInterlace samples the configured number of frames through the idet
// filter. Failures are treated as progressive; interlacing only ever lowers
// a score, so an inconclusive probe must not penalize the stream.
func (a *Analyzer) probeInterlace(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "ffmpeg",
		"-user_agent", a.cfg.UserAgent,
		"-i", url,
		"-vf", "idet",
		"-frames:v", strconv.Itoa(a.cfg.IdetFrames),
		"-an",
		"-f", "null", "-")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cmd.Process != nil && probeCtx.Err() != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if err != nil && stderr.Len() == 0 {
		return false
	}
	return parseIdetOutput(stderr.String())
}

// parseIdetOutput reads the multi-frame idet summary and reports interlaced
// when interlaced frames outnumber progressive ones.
func parseIdetOutput(output string) bool {
	m := idetRe.FindStringSubmatch(output)
	if m == nil {
		return false
	}
	tff, _ := strconv.ParseInt(m[1], 10, 64)
	bff, _ := strconv.ParseInt(m[2], 10, 64)
	progressive, _ := strconv.ParseInt(m[3], 10, 64)
	return tff+bff > progressive
}

// parseFrameRate converts ffprobe "numerator/denominator" frame rate strings
// to a float, returning zero for unparseable input.
func parseFrameRate(frameRate string) float64 {
	parts := strings.Split(frameRate, "/")
	if len(parts) != 2 {
		return 0
	}
	num, err1 := strconv.ParseFloat(parts[0], 64)
	den, err2 := strconv.ParseFloat(parts[1], 64)
	if err1 != nil || err2 != nil || den == 0 {
		return 0
	}
	return num / den
}
