package channel

import (
	"context"
	"sync"

	"whaleflow/internal/models"
	"whaleflow/logger"
)

// Stats counts traffic through a channel bundle.
type Stats struct {
	RawSent    int64
	RawDropped int64
}

// Channels carries raw feed payloads from a feed connection to its
// pipeline worker. Sends never block: when the buffer is full the message
// is dropped and counted, keeping a slow consumer from stalling the
// websocket read loop.
type Channels struct {
	Raw chan models.RawFeedMessage

	stats      Stats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw: make(chan models.RawFeedMessage, rawBufferSize),
		log: log,
	}

	log.WithComponent("feed_channels").WithFields(logger.Fields{
		"raw_buffer_size": rawBufferSize,
	}).Debug("feed channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Raw)
}

// SendRaw forwards a message without blocking. Returns false when the
// context is cancelled or the buffer is full.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawFeedMessage) bool {
	select {
	case c.Raw <- msg:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
