package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"time"
)

// EventOrderingConfig is the sidecar configuration for event-time ordering,
// re-read on every scheduler pass so edits take effect without a restart.
type EventOrderingConfig struct {
	Enabled   bool                          `json:"enabled"`
	Frequency time.Duration                 `json:"-"` // seconds on disk
	Channels  map[string]ChannelEventConfig `json:"-"`
}

// ChannelEventConfig configures event parsing and overflow routing for one channel.
type ChannelEventConfig struct {
	Pattern            string `json:"pattern,omitempty"`
	OverflowChannelIDs []int  `json:"overflow_channel_ids,omitempty"`
	OverflowChannelID  int    `json:"overflow_channel_id,omitempty"` // legacy single id
	ReturnAfterHours   int    `json:"return_after_hours,omitempty"`
}

// Overflow returns the configured overflow channels, honoring the legacy
// single-id field when the list is absent.
func (c ChannelEventConfig) Overflow() []int {
	if len(c.OverflowChannelIDs) > 0 {
		return c.OverflowChannelIDs
	}
	if c.OverflowChannelID != 0 {
		return []int{c.OverflowChannelID}
	}
	return nil
}

// ReturnAfter returns the hold period for overflow moves, defaulting to 6 hours.
func (c ChannelEventConfig) ReturnAfter() time.Duration {
	if c.ReturnAfterHours > 0 {
		return time.Duration(c.ReturnAfterHours) * time.Hour
	}
	return 6 * time.Hour
}

// eventOrderingFile is the on-disk shape. The channels value is either a
// plain id list (legacy) or an object keyed by channel id.
type eventOrderingFile struct {
	EventOrdering struct {
		Enabled   bool            `json:"enabled"`
		Frequency int             `json:"frequency"`
		Channels  json.RawMessage `json:"channels"`
	} `json:"event_ordering"`
}

// LoadEventOrdering reads the event-ordering config at path. A missing file
// yields a disabled config rather than an error.
func LoadEventOrdering(path string) (*EventOrderingConfig, error) {
	out := &EventOrderingConfig{
		Frequency: 300 * time.Second,
		Channels:  map[string]ChannelEventConfig{},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}

	var ef eventOrderingFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return nil, err
	}

	out.Enabled = ef.EventOrdering.Enabled
	if ef.EventOrdering.Frequency > 0 {
		out.Frequency = time.Duration(ef.EventOrdering.Frequency) * time.Second
	}

	if len(ef.EventOrdering.Channels) > 0 {
		// New format: object keyed by channel id.
		var asMap map[string]ChannelEventConfig
		if err := json.Unmarshal(ef.EventOrdering.Channels, &asMap); err == nil {
			out.Channels = asMap
			return out, nil
		}
		// Legacy format: bare id list with no per-channel settings.
		var asList []int
		if err := json.Unmarshal(ef.EventOrdering.Channels, &asList); err == nil {
			for _, id := range asList {
				out.Channels[strconv.Itoa(id)] = ChannelEventConfig{}
			}
		}
	}
	return out, nil
}

// ChannelIDs returns the configured channel ids in a stable order.
func (c *EventOrderingConfig) ChannelIDs() []int {
	ids := make([]int, 0, len(c.Channels))
	for key := range c.Channels {
		if id, err := strconv.Atoi(key); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// ChannelConfig returns the per-channel event settings for id.
func (c *EventOrderingConfig) ChannelConfig(id int) (ChannelEventConfig, bool) {
	cc, ok := c.Channels[strconv.Itoa(id)]
	return cc, ok
}
