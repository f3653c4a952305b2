package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/ratelimit"

	"stream-checker/work/config"
	"stream-checker/work/logger"
	"stream-checker/work/types"
)

// Client talks to the channel-management API. All calls are rate limited
// through a shared leaky-bucket limiter so a burst of channel checks cannot
// hammer the upstream. Empty or absent responses decode to zero values and
// are reported as "no data", never as an error.
type Client struct {
	httpClient *http.Client
	limiter    ratelimit.Limiter
	baseURL    string
	token      string
	userAgent  string
}

func New(cfg *config.Config) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		limiter:   ratelimit.New(10),
		baseURL:   cfg.APIBaseURL,
		token:     cfg.APIToken,
		userAgent: cfg.Analysis.UserAgent,
	}
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	c.limiter.Take()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// FetchChannel returns the channel without its stream list, or nil when the
// upstream has no such channel.
func (c *Client) FetchChannel(ctx context.Context, channelID int) (*types.Channel, error) {
	var ch types.Channel
	if err := c.do(ctx, http.MethodGet, channelPath(channelID), nil, &ch); err != nil {
		return nil, err
	}
	if ch.ID == 0 {
		return nil, nil
	}
	return &ch, nil
}

// FetchChannelWithStreams returns the channel with its ordered stream list
// embedded, as served with include_streams.
func (c *Client) FetchChannelWithStreams(ctx context.Context, channelID int) (*types.Channel, error) {
	var ch types.Channel
	path := channelPath(channelID) + "?include_streams=true"
	if err := c.do(ctx, http.MethodGet, path, nil, &ch); err != nil {
		return nil, err
	}
	if ch.ID == 0 {
		return nil, nil
	}
	return &ch, nil
}

// FetchChannelStreams returns the channel's ordered streams. An empty slice
// means the channel currently has no streams.
func (c *Client) FetchChannelStreams(ctx context.Context, channelID int) ([]types.Stream, error) {
	var streams []types.Stream
	if err := c.do(ctx, http.MethodGet, channelPath(channelID)+"streams/", nil, &streams); err != nil {
		return nil, err
	}
	return streams, nil
}

// FetchAllChannels lists every channel known to the upstream.
func (c *Client) FetchAllChannels(ctx context.Context) ([]types.Channel, error) {
	var channels []types.Channel
	if err := c.do(ctx, http.MethodGet, "/api/channels/channels/", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// StreamDetail holds a stream record with its raw stats blob. The upstream
// sometimes string-encodes stream_stats, so it stays raw until merged.
type StreamDetail struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	URL         string          `json:"url"`
	StreamStats json.RawMessage `json:"stream_stats"`
}

// FetchStream returns one stream's detail record, or nil when absent.
func (c *Client) FetchStream(ctx context.Context, streamID int) (*StreamDetail, error) {
	var detail StreamDetail
	if err := c.do(ctx, http.MethodGet, streamPath(streamID), nil, &detail); err != nil {
		return nil, err
	}
	if detail.ID == 0 {
		return nil, nil
	}
	return &detail, nil
}

// updateStreamsPayload replaces a channel's stream sequence wholesale.
type updateStreamsPayload struct {
	Streams          []int `json:"streams"`
	ValidStreamIDs   []int `json:"valid_stream_ids"`
	AllowDeadStreams bool  `json:"allow_dead_streams"`
}

// UpdateChannelStreams replaces the channel's stream id sequence. The valid
// id set tells the upstream which ids the caller actually verified;
// allowDeadStreams disables its server-side dead filtering, used by forced
// checks that must retain everything.
func (c *Client) UpdateChannelStreams(ctx context.Context, channelID int, orderedIDs, validIDs []int, allowDeadStreams bool) error {
	payload := updateStreamsPayload{
		Streams:          orderedIDs,
		ValidStreamIDs:   validIDs,
		AllowDeadStreams: allowDeadStreams,
	}
	if payload.Streams == nil {
		payload.Streams = []int{}
	}
	if payload.ValidStreamIDs == nil {
		payload.ValidStreamIDs = []int{}
	}
	return c.do(ctx, http.MethodPost, channelPath(channelID)+"update-streams/", payload, nil)
}

// PatchStreamStats merges the given fields into the stream's persisted stats
// blob. The existing blob is fetched first and shallow-merged so fields
// written by other tools survive.
func (c *Client) PatchStreamStats(ctx context.Context, streamID int, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	detail, err := c.FetchStream(ctx, streamID)
	if err != nil {
		return fmt.Errorf("fetching stream %d before stats patch: %w", streamID, err)
	}
	if detail == nil {
		logger.Warn("stream %d not found, skipping stats update", streamID)
		return nil
	}

	merged := MergeStats(detail.StreamStats, fields)
	payload := map[string]any{"stream_stats": merged}
	if err := c.do(ctx, http.MethodPatch, streamPath(streamID), payload, nil); err != nil {
		return fmt.Errorf("patching stream %d stats: %w", streamID, err)
	}
	return nil
}

// MergeStats shallow-merges new fields over an existing stats blob. The
// existing value may be a JSON object, a string-encoded JSON object, null or
// absent; anything unparseable is treated as empty.
func MergeStats(existing json.RawMessage, fields map[string]any) map[string]any {
	base := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &base); err != nil {
			var encoded string
			if json.Unmarshal(existing, &encoded) == nil {
				if err := json.Unmarshal([]byte(encoded), &base); err != nil {
					base = map[string]any{}
				}
			} else {
				base = map[string]any{}
			}
		}
	}
	for k, v := range fields {
		base[k] = v
	}
	return base
}

// StatsFields builds the patch payload from an analysis record, dropping
// unknown values so a failed measurement never overwrites good stats.
func StatsFields(a *types.AnalyzedStream) map[string]any {
	fields := map[string]any{}
	if a.Resolution != "" && a.Resolution != "N/A" && a.Resolution != "0x0" {
		fields["resolution"] = a.Resolution
	}
	if a.FPS > 0 {
		fields["source_fps"] = a.FPS
	}
	if a.VideoCodec != "" && a.VideoCodec != "N/A" {
		fields["video_codec"] = a.VideoCodec
	}
	if a.AudioCodec != "" && a.AudioCodec != "N/A" {
		fields["audio_codec"] = a.AudioCodec
	}
	if a.BitrateKbps != nil && *a.BitrateKbps > 0 {
		fields["ffmpeg_output_bitrate"] = int(*a.BitrateKbps)
	}
	return fields
}

func channelPath(channelID int) string {
	return "/api/channels/channels/" + strconv.Itoa(channelID) + "/"
}

func streamPath(streamID int) string {
	return "/api/channels/streams/" + strconv.Itoa(streamID) + "/"
}
