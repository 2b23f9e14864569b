// Package dashboard hosts a small read-only HTTP surface over the running
// monitor: health, channel counters, and the ranked volume summary.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"whaleflow/internal/channel"
	"whaleflow/internal/stats"
	"whaleflow/logger"
)

const defaultPort = "8080"

// Config controls whether and where the dashboard listens.
type Config struct {
	Enabled bool
	Address string
}

// Sources are the live read hooks the dashboard renders. Every func must
// be safe for concurrent use; nil funcs render as absent sections.
type Sources struct {
	ChannelStats func() map[string]channel.Stats
	Summary      func() []stats.Summary
	TotalEvents  func() int64
	SinkWritten  func() int64
	SinkDropped  func() int64
}

// Server is the gin-backed dashboard. A nil *Server is a valid disabled
// dashboard; its methods no-op.
type Server struct {
	cfg        Config
	sources    Sources
	log        *logger.Log
	httpServer *http.Server
	started    time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg Config, sources Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{
		cfg:     cfg,
		sources: sources,
		log:     logger.GetLogger(),
	}, nil
}

// Address reports the listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.started = time.Now()
	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{Addr: s.cfg.Address, Handler: router}

	s.log.WithComponent("dashboard").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("dashboard listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.started).Seconds()),
		})
	})

	router.GET("/api/stats", func(c *gin.Context) {
		payload := gin.H{}
		if s.sources.ChannelStats != nil {
			pipelines := gin.H{}
			for name, st := range s.sources.ChannelStats() {
				pipelines[name] = gin.H{
					"raw_sent":    st.RawSent,
					"raw_dropped": st.RawDropped,
				}
			}
			payload["pipelines"] = pipelines
		}
		if s.sources.SinkWritten != nil {
			payload["sink_written"] = s.sources.SinkWritten()
		}
		if s.sources.SinkDropped != nil {
			payload["sink_dropped"] = s.sources.SinkDropped()
		}
		warns, errs := logger.Totals()
		payload["log_warnings"] = warns
		payload["log_errors"] = errs
		c.JSON(http.StatusOK, payload)
	})

	router.GET("/api/summary", func(c *gin.Context) {
		payload := gin.H{}
		if s.sources.TotalEvents != nil {
			payload["total_events"] = s.sources.TotalEvents()
		}
		if s.sources.Summary != nil {
			entries := s.sources.Summary()
			ranked := make([]gin.H, 0, len(entries))
			for i, e := range entries {
				ranked = append(ranked, gin.H{
					"rank":        i + 1,
					"symbol":      e.Symbol,
					"display":     e.Display,
					"event_count": e.EventCount,
					"volume_usd":  e.VolumeUSD.String(),
				})
			}
			payload["ranking"] = ranked
		}
		c.JSON(http.StatusOK, payload)
	})

	return router, nil
}

// normalizeAddress accepts the address forms people actually configure
// (bare ports, hostnames, full URLs) and returns host:port.
func normalizeAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}

	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil && u.Host != "" {
			addr = u.Host
		}
	}
	addr = strings.TrimSuffix(addr, "/")

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		// bare host or bare ipv6 literal
		if strings.Count(addr, ":") > 0 && !strings.HasPrefix(addr, "[") {
			return "[" + addr + "]:" + defaultPort
		}
		return addr + ":" + defaultPort
	}

	host = strings.TrimSpace(host)
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + port
}
