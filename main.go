package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"whaleflow/config"
	"whaleflow/internal/alert"
	"whaleflow/internal/dashboard"
	"whaleflow/internal/feed"
	"whaleflow/internal/models"
	"whaleflow/internal/sink"
	"whaleflow/internal/stats"
	"whaleflow/internal/supervisor"
	"whaleflow/internal/tier"
	"whaleflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Whaleflow.Name,
		"version": cfg.Whaleflow.Version,
	}).Info("starting whaleflow")

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// sinks outlive the pipelines: they are stopped explicitly after the
	// supervisor drains, so shutdown never loses buffered records
	eventsSink, err := sink.NewCSV(cfg.Sink.EventsPath, cfg.Sink.Timezone, cfg.Sink.Buffer)
	if err != nil {
		log.WithError(err).Error("failed to create event sink")
		os.Exit(1)
	}
	if err := eventsSink.Start(context.Background()); err != nil {
		log.WithError(err).Error("failed to start event sink")
		os.Exit(1)
	}

	var fundingSink *sink.FundingCSV
	if cfg.Monitors.Funding.Enabled {
		fundingSink, err = sink.NewFundingCSV(cfg.Sink.FundingPath, cfg.Sink.Timezone, cfg.Sink.Buffer)
		if err != nil {
			log.WithError(err).Error("failed to create funding sink")
			os.Exit(1)
		}
		if err := fundingSink.Start(context.Background()); err != nil {
			log.WithError(err).Error("failed to start funding sink")
			os.Exit(1)
		}
	}

	var archive *sink.Archive
	if cfg.Sink.Archive.Enabled {
		archive, err = sink.NewArchive(sink.ArchiveOptions{
			LocalDir:      cfg.Sink.Archive.LocalDir,
			FlushInterval: cfg.Sink.Archive.FlushInterval,
			MaxBuffer:     cfg.Sink.Archive.MaxBuffer,
			S3: sink.S3Options{
				Enabled:         cfg.Sink.Archive.S3.Enabled,
				Bucket:          cfg.Sink.Archive.S3.Bucket,
				Region:          cfg.Sink.Archive.S3.Region,
				Endpoint:        cfg.Sink.Archive.S3.Endpoint,
				PathStyle:       cfg.Sink.Archive.S3.PathStyle,
				AccessKeyID:     cfg.Sink.Archive.S3.AccessKeyID,
				SecretAccessKey: cfg.Sink.Archive.S3.SecretAccessKey,
			},
		})
		if err != nil {
			log.WithError(err).Error("failed to create archive")
			os.Exit(1)
		}
		if err := archive.Start(context.Background()); err != nil {
			log.WithError(err).Error("failed to start archive")
			os.Exit(1)
		}
	}

	alerter, err := alert.NewTerminal(os.Stdout, cfg.Sink.Timezone, false)
	if err != nil {
		log.WithError(err).Error("failed to create alert renderer")
		os.Exit(1)
	}

	registry := stats.NewRegistry()

	sup, err := supervisor.New(supervisor.Config{
		DrainInterval:   time.Second,
		SummaryEvery:    cfg.Summary.Every,
		SummaryTopK:     cfg.Summary.TopK,
		FundingInterval: cfg.Monitors.Funding.Interval,
	}, supervisor.Deps{
		Sink:        eventsSink,
		FundingSink: fundingSink,
		Archive:     archive,
		Registry:    registry,
		Alerter:     alerter,
	})
	if err != nil {
		log.WithError(err).Error("failed to create supervisor")
		os.Exit(1)
	}

	if err := addPipelines(sup, cfg); err != nil {
		log.WithError(err).Error("failed to configure pipelines")
		os.Exit(1)
	}

	dash, err := dashboard.NewServer(dashboard.Config{
		Enabled: cfg.Dashboard.Enabled,
		Address: cfg.Dashboard.Address,
	}, dashboard.Sources{
		ChannelStats: sup.ChannelStats,
		Summary:      registry.Snapshot,
		TotalEvents:  registry.TotalEvents,
		SinkWritten:  eventsSink.Written,
		SinkDropped:  eventsSink.Dropped,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}
	if dash != nil {
		go func() {
			if err := dash.Run(ctx); err != nil {
				log.WithError(err).Error("dashboard server failed")
			}
		}()
	}

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Error("supervisor failed")
		os.Exit(1)
	}

	eventsSink.Stop()
	if fundingSink != nil {
		fundingSink.Stop()
	}
	if archive != nil {
		archive.Stop()
	}

	log.WithComponent("main").Info("whaleflow shut down cleanly")
}

func addPipelines(sup *supervisor.Supervisor, cfg *config.Config) error {
	backoff := feed.BackoffPolicy{
		BaseDelay: cfg.Feed.Backoff.BaseDelay,
		MaxDelay:  cfg.Feed.Backoff.MaxDelay,
		NoJitter:  !cfg.Feed.Backoff.Jitter,
	}

	base := supervisor.PipelineConfig{
		Backoff:   backoff,
		RawBuffer: cfg.Channels.RawBuffer,
	}

	if cfg.Feed.Binance.Enabled {
		dialect := feed.Binance(cfg.Feed.Binance.URL)

		if cfg.Monitors.Trades.Enabled {
			bp, err := breakpoints(cfg.Monitors.Trades)
			if err != nil {
				return err
			}
			for _, sym := range cfg.Monitors.Trades.Symbols {
				p := base
				p.Name = "binance_trades_" + strings.ToLower(sym)
				p.Exchange = "binance"
				p.Kind = models.KindTrade
				p.Dialect = dialect
				p.Topic = feed.BinanceTradeTopic(sym)
				p.Breakpoints = bp
				p.FloorUSD = decimal.NewFromFloat(cfg.Monitors.Trades.FloorUSD)
				p.AlertFloorUSD = decimal.NewFromFloat(cfg.Monitors.Trades.AlertFloorUSD)
				p.BucketInterval = cfg.Monitors.Trades.BucketInterval
				p.DedupCapacity = cfg.Monitors.Trades.DedupCapacity
				if err := sup.AddPipeline(p); err != nil {
					return err
				}
			}
		}

		if cfg.Monitors.Liquidations.Enabled {
			bp, err := breakpoints(cfg.Monitors.Liquidations)
			if err != nil {
				return err
			}
			p := base
			p.Name = "binance_liquidations"
			p.Exchange = "binance"
			p.Kind = models.KindLiquidation
			p.Dialect = dialect
			p.Topic = feed.BinanceLiquidationTopic
			p.Breakpoints = bp
			p.FloorUSD = decimal.NewFromFloat(cfg.Monitors.Liquidations.FloorUSD)
			p.AlertFloorUSD = decimal.NewFromFloat(cfg.Monitors.Liquidations.AlertFloorUSD)
			p.BucketInterval = cfg.Monitors.Liquidations.BucketInterval
			p.DedupCapacity = cfg.Monitors.Liquidations.DedupCapacity
			if err := sup.AddPipeline(p); err != nil {
				return err
			}
		}

		if cfg.Monitors.Funding.Enabled {
			for _, sym := range cfg.Monitors.Funding.Symbols {
				p := base
				p.Name = "binance_funding_" + strings.ToLower(sym)
				p.Exchange = "binance"
				p.Kind = models.KindMarkPrice
				p.Dialect = dialect
				p.Topic = feed.BinanceMarkPriceTopic(sym)
				if err := sup.AddPipeline(p); err != nil {
					return err
				}
			}
		}
	}

	if cfg.Feed.Bybit.Enabled {
		dialect := feed.Bybit(cfg.Feed.Bybit.URL)

		if cfg.Monitors.Trades.Enabled {
			bp, err := breakpoints(cfg.Monitors.Trades)
			if err != nil {
				return err
			}
			for _, sym := range cfg.Monitors.Trades.Symbols {
				p := base
				p.Name = "bybit_trades_" + strings.ToLower(sym)
				p.Exchange = "bybit"
				p.Kind = models.KindTrade
				p.Dialect = dialect
				p.Topic = feed.BybitTradeTopic(sym)
				p.Breakpoints = bp
				p.FloorUSD = decimal.NewFromFloat(cfg.Monitors.Trades.FloorUSD)
				p.AlertFloorUSD = decimal.NewFromFloat(cfg.Monitors.Trades.AlertFloorUSD)
				p.BucketInterval = cfg.Monitors.Trades.BucketInterval
				p.DedupCapacity = cfg.Monitors.Trades.DedupCapacity
				if err := sup.AddPipeline(p); err != nil {
					return err
				}
			}
		}

		if cfg.Monitors.Liquidations.Enabled {
			bp, err := breakpoints(cfg.Monitors.Liquidations)
			if err != nil {
				return err
			}
			for _, sym := range cfg.Monitors.Liquidations.Symbols {
				p := base
				p.Name = "bybit_liquidations_" + strings.ToLower(sym)
				p.Exchange = "bybit"
				p.Kind = models.KindLiquidation
				p.Dialect = dialect
				p.Topic = feed.BybitLiquidationTopic(sym)
				p.Breakpoints = bp
				p.FloorUSD = decimal.NewFromFloat(cfg.Monitors.Liquidations.FloorUSD)
				p.AlertFloorUSD = decimal.NewFromFloat(cfg.Monitors.Liquidations.AlertFloorUSD)
				p.BucketInterval = cfg.Monitors.Liquidations.BucketInterval
				p.DedupCapacity = cfg.Monitors.Liquidations.DedupCapacity
				if err := sup.AddPipeline(p); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func breakpoints(m config.MonitorConfig) (tier.Breakpoints, error) {
	return tier.NewBreakpoints(m.Breakpoints.Notable, m.Breakpoints.Large, m.Breakpoints.Mega)
}
