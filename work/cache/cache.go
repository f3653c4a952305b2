package cache

import (
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"

	"stream-checker/work/api"
	"stream-checker/work/types"
)

// Cache holds short-lived copies of upstream lookups. Stream details back
// the stat reconstruction of immune streams; channel records back repeated
// scheduler passes. Entries expire on a write TTL, so a check that runs
// longer than the TTL simply refetches.
type Cache struct {
	streams  *otter.Cache[int, *api.StreamDetail]
	channels *otter.Cache[string, *types.Channel]
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		streams: otter.Must(&otter.Options[int, *api.StreamDetail]{
			MaximumSize:      10_000,
			ExpiryCalculator: otter.ExpiryWriting[int, *api.StreamDetail](ttl),
		}),
		channels: otter.Must(&otter.Options[string, *types.Channel]{
			MaximumSize:      2_000,
			ExpiryCalculator: otter.ExpiryWriting[string, *types.Channel](ttl),
		}),
	}
}

func (c *Cache) GetStream(streamID int) (*api.StreamDetail, bool) {
	return c.streams.GetIfPresent(streamID)
}

func (c *Cache) SetStream(streamID int, detail *api.StreamDetail) {
	c.streams.Set(streamID, detail)
}

// InvalidateStream drops a cached detail after its stats are patched so the
// next reconstruction sees the written values.
func (c *Cache) InvalidateStream(streamID int) {
	c.streams.Invalidate(streamID)
}

func (c *Cache) GetChannel(channelID int) (*types.Channel, bool) {
	return c.channels.GetIfPresent(channelKey(channelID))
}

func (c *Cache) SetChannel(ch *types.Channel) {
	if ch == nil {
		return
	}
	c.channels.Set(channelKey(ch.ID), ch)
}

func channelKey(channelID int) string {
	return "channel:" + strconv.Itoa(channelID)
}
