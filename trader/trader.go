package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/config"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/executor"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/feed"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/logger"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/position"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/risk"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/signal"
	"github.com/DecentralizedJM/Ultimate-Trend-Strategy/types"
)

const statusInterval = 15 * time.Minute

// Trader owns the feed and one pipeline per symbol. Events are dispatched to
// per-symbol channels so each symbol processes strictly in order while
// symbols stay independent of each other.
type Trader struct {
	cfg       *config.Config
	log       logger.Logger
	fd        feed.Feed
	sizing    *risk.Controller
	pipelines map[string]*Pipeline
	inboxes   map[string]chan feed.Event
}

func New(cfg *config.Config, exec executor.Executor, fd feed.Feed, sizing *risk.Controller, log logger.Logger) (*Trader, error) {
	if log == nil {
		log = logger.Nop()
	}
	news := signal.NewNewsFilter(cfg.News)
	backfil := feed.NewBackfiller(cfg)

	t := &Trader{
		cfg:       cfg,
		log:       log,
		fd:        fd,
		sizing:    sizing,
		pipelines: make(map[string]*Pipeline),
		inboxes:   make(map[string]chan feed.Event),
	}
	for _, symbol := range cfg.Symbols {
		p, err := NewPipeline(symbol, cfg, exec, sizing, news, backfil, log)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", symbol, err)
		}
		t.pipelines[symbol] = p
		t.inboxes[symbol] = make(chan feed.Event, 64)
	}
	return t, nil
}

// Timeframes returns the union of intervals the feed must subscribe to.
func (t *Trader) Timeframes() []types.Timeframe {
	seen := map[types.Timeframe]bool{}
	var out []types.Timeframe
	for _, p := range t.pipelines {
		for _, tf := range p.Timeframes() {
			if !seen[tf] {
				seen[tf] = true
				out = append(out, tf)
			}
		}
	}
	return out
}

// Run warms every pipeline from history, starts the feed and processes events
// until ctx is cancelled.
func (t *Trader) Run(ctx context.Context) error {
	for symbol, p := range t.pipelines {
		if err := p.Warmup(ctx); err != nil {
			return fmt.Errorf("warmup %s: %w", symbol, err)
		}
	}

	var wg sync.WaitGroup
	for symbol, p := range t.pipelines {
		wg.Add(1)
		go func(symbol string, p *Pipeline, inbox <-chan feed.Event) {
			defer wg.Done()
			for ev := range inbox {
				p.HandleEvent(ctx, ev)
			}
		}(symbol, p, t.inboxes[symbol])
	}

	feedErr := make(chan error, 1)
	go func() { feedErr <- t.fd.Run(ctx) }()

	status := time.NewTicker(statusInterval)
	defer status.Stop()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case e := <-feedErr:
			err = e
			break loop
		case <-status.C:
			t.logStatus()
		case ev, ok := <-t.fd.Events():
			if !ok {
				break loop
			}
			if inbox, exists := t.inboxes[ev.Symbol]; exists {
				inbox <- ev
			}
		}
	}

	for _, inbox := range t.inboxes {
		close(inbox)
	}
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (t *Trader) logStatus() {
	wins, losses, winRate := t.sizing.Stats()
	open := 0
	for _, p := range t.pipelines {
		if p.machine.State() != position.Flat {
			open++
		}
	}
	t.log.Info("status",
		logger.Int("symbols", len(t.pipelines)),
		logger.Int("open_positions", open),
		logger.Int("wins", wins),
		logger.Int("losses", losses),
		logger.Float64("win_rate", winRate))
}
