package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/executor"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/feed"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/metrics"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/trader"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

const defaultPaperBalance = 10_000

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trendbot:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	// Missing .env is fine; environment may be set by the host.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewZapLogger(logger.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
		go func() {
			log.Info("metrics server listening", logger.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", logger.Err(err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	var exec executor.Executor
	if cfg.DryRun {
		log.Info("dry-run mode, using paper executor", logger.Float64("balance", defaultPaperBalance))
		exec = executor.NewPaperExecutor(defaultPaperBalance, log)
	} else {
		exec = executor.NewBybitExecutor(cfg, log)
	}

	sizing := risk.NewController(cfg, log)

	tfs := []types.Timeframe{types.Timeframe(cfg.Timeframe)}
	if cfg.MTF.Enabled {
		for _, tf := range cfg.MTF.HigherTimeframes {
			tfs = append(tfs, types.Timeframe(tf))
		}
	}
	fd := feed.NewBybitFeed(cfg, cfg.Symbols, tfs, log)
	tr, err := trader.New(cfg, exec, fd, sizing, log)
	if err != nil {
		return err
	}

	log.Info("trendbot starting",
		logger.Strings("symbols", cfg.Symbols),
		logger.String("timeframe", cfg.Timeframe),
		logger.Bool("dry_run", cfg.DryRun))

	return tr.Run(ctx)
}
