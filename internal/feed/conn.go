package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"whaleflow/internal/channel"
	"whaleflow/internal/models"
	"whaleflow/logger"
)

const (
	defaultBaseDelay    = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	readDeadlineSlack   = 15 * time.Second
	writeControlTimeout = time.Second
)

// BackoffPolicy tunes the reconnect schedule of a Conn. The zero value
// means 1s base doubling to a 30s cap with jitter.
type BackoffPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	NoJitter  bool
}

func (p BackoffPolicy) newBackoff() *backoff.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	max := p.MaxDelay
	if max < base {
		max = defaultMaxDelay
	}
	return &backoff.Backoff{Min: base, Max: max, Factor: 2, Jitter: !p.NoJitter}
}

// Dialect describes one exchange's websocket conventions: where to dial
// for a topic, what to send after connecting, and how often to ping.
type Dialect interface {
	Name() string

	// DialURL returns the websocket endpoint for the topic. Exchanges
	// that route by URL path encode the topic here.
	DialURL(topic string) string

	// SubscribeFrames returns the frames to send right after connecting.
	// Nil means the topic is already encoded in the dial URL.
	SubscribeFrames(topic string) ([][]byte, error)

	// KeepAlive returns the client ping interval, 0 to disable. With 0
	// the server is expected to ping and the default pong handler replies.
	KeepAlive() time.Duration
}

// Conn maintains one resilient subscription to a single topic. It dials,
// subscribes, forwards every raw frame to the channel bundle, and redials
// with exponential backoff whenever the stream drops. Frames received
// during reconnect gaps are lost; recovery of missed events is not
// attempted.
type Conn struct {
	dialect  Dialect
	topic    string
	channels *channel.Channels
	policy   BackoffPolicy

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
	id      string

	dialer   *websocket.Dialer
	dropWarn *rate.Limiter
}

// NewConn constructs a connection for one topic on one exchange dialect.
func NewConn(d Dialect, topic string, ch *channel.Channels, policy BackoffPolicy) *Conn {
	return &Conn{
		dialect:  d,
		topic:    topic,
		channels: ch,
		policy:   policy,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		id:       uuid.NewString(),
		dialer:   websocket.DefaultDialer,
		dropWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Start launches the connection worker. It returns an error if the worker
// is already running.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("feed connection %s/%s already running", c.dialect.Name(), c.topic)
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop waits for the connection worker to exit. Cancel the Start context
// first; Stop only waits.
func (c *Conn) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Conn) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("feed_conn").WithFields(logger.Fields{
		"exchange":      c.dialect.Name(),
		"topic":         c.topic,
		"connection_id": c.id,
	})

	b := c.policy.newBackoff()

	for {
		if c.ctx.Err() != nil {
			return
		}

		url := c.dialect.DialURL(c.topic)
		conn, _, err := c.dialer.DialContext(c.ctx, url, nil)
		if err != nil {
			delay := b.Duration()
			if c.ctx.Err() == nil {
				log.WithError(err).WithFields(logger.Fields{
					"url":      url,
					"retry_in": delay.String(),
					"attempt":  int(b.Attempt()),
				}).Warn("failed to connect, retrying")
			}
			if waitReconnect(c.ctx, delay) {
				return
			}
			continue
		}

		if err := c.subscribe(conn); err != nil {
			log.WithError(err).Warn("failed to subscribe, reconnecting")
			_ = conn.Close()
			if waitReconnect(c.ctx, b.Duration()) {
				return
			}
			continue
		}

		b.Reset()
		log.Info("feed connection established")

		c.readUntilClosed(conn, log)

		if c.ctx.Err() != nil {
			return
		}
		if waitReconnect(c.ctx, b.Duration()) {
			return
		}
	}
}

func (c *Conn) subscribe(conn *websocket.Conn) error {
	frames, err := c.dialect.SubscribeFrames(c.topic)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		conn.SetWriteDeadline(time.Now().Add(writeControlTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// readUntilClosed pumps frames into the raw channel until the stream or
// the context ends. The connection is always closed on return.
func (c *Conn) readUntilClosed(conn *websocket.Conn, log *logger.Entry) {
	defer conn.Close()

	// unblock ReadMessage promptly on shutdown
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-watcherDone:
		}
	}()

	if keep := c.dialect.KeepAlive(); keep > 0 {
		conn.SetReadDeadline(time.Now().Add(keep + readDeadlineSlack))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(keep + readDeadlineSlack))
			return nil
		})
		stopPing := c.startPingLoop(conn, keep, log)
		defer stopPing()
	}

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				log.WithError(err).Warn("feed stream closed, reconnecting")
			}
			return
		}

		c.forward(msg, log)
	}
}

func (c *Conn) forward(payload []byte, log *logger.Entry) {
	msg := models.RawFeedMessage{
		Exchange: c.dialect.Name(),
		Topic:    c.topic,
		Data:     append([]byte(nil), payload...),
		Received: time.Now().UTC(),
	}

	if c.channels.SendRaw(c.ctx, msg) {
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	if c.dropWarn.Allow() {
		log.WithFields(logger.Fields{"payload_bytes": len(payload)}).
			Warn("raw channel full, dropping feed messages")
	}
}

func (c *Conn) startPingLoop(conn *websocket.Conn, interval time.Duration, log *logger.Entry) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(c.ctx)
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeControlTimeout)
				conn.SetWriteDeadline(deadline)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func waitReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
