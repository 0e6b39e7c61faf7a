// Command monitor runs the BSC swap alert engine: it subscribes to
// swap and fourmeme proxy logs over WebSocket, filters them, and
// dispatches alerts to the notifier.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainsift/bscalert/internal/config"
	"github.com/chainsift/bscalert/internal/cooldown"
	"github.com/chainsift/bscalert/internal/dispatch"
	"github.com/chainsift/bscalert/internal/engine"
	"github.com/chainsift/bscalert/internal/filter"
	"github.com/chainsift/bscalert/internal/infra"
	"github.com/chainsift/bscalert/internal/meta"
	"github.com/chainsift/bscalert/internal/metrics"
	"github.com/chainsift/bscalert/internal/rpc"
	"github.com/chainsift/bscalert/internal/stats"
	"github.com/chainsift/bscalert/internal/store"
	"github.com/chainsift/bscalert/internal/subscribe"
	"github.com/chainsift/bscalert/internal/wire"
)

const (
	exitBadConfig   = 1
	exitUnreachable = 2
	drainTimeout    = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitBadConfig
	}
	setupLogging(cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := infra.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		slog.Error("redis unreachable", "addr", cfg.RedisAddr, "err", err)
		return exitUnreachable
	}
	defer kv.Close()

	var sink engine.AlertSink
	var db *store.DB
	if cfg.PostgresDSN != "" {
		db, err = store.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("postgres unreachable", "err", err)
			return exitUnreachable
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			slog.Error("postgres migrate failed", "err", err)
			return exitUnreachable
		}
		sink = db
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := metrics.Serve(addr, prometheus.DefaultGatherer); err != nil {
			slog.Error("metrics server stopped", "err", err)
		}
	}()

	thresholds := config.NewThresholdManager(kv)
	if err := thresholds.Refresh(ctx); err != nil {
		slog.Warn("threshold document not loaded, using defaults", "err", err)
	}
	go watchSIGHUP(ctx, thresholds)

	chain := rpc.NewClient(cfg.RPCEndpoint, m)
	statsClient := stats.NewClient(cfg.StatsAPIBase)
	price := stats.NewPriceFeed(cfg.SpotAPIBase, cfg.AllowDefaultWBNBPrice)
	notifier := dispatch.NewNotifier(cfg.NotifierURL, cfg.NotifierChatID)

	resolver, err := meta.NewResolver(chain, statsClient, kv, m)
	if err != nil {
		slog.Error("resolver init failed", "err", err)
		return exitBadConfig
	}

	var dead dispatch.DeadLetterSink
	if db != nil {
		dead = db
	}
	retry := dispatch.NewRetryQueue(kv, notifier, dead, m)

	th := thresholds.Current()
	dedup := cooldown.NewDedup()
	eng := engine.New(engine.Options{
		Resolver:   resolver,
		Layer1:     filter.NewLayer1(),
		Layer2:     filter.NewLayer2(statsClient, kv, m),
		Guard: cooldown.NewGuard(kv,
			time.Duration(th.CooldownSecs)*time.Second,
			time.Duration(th.JitterSecs)*time.Second),
		Dedup:      dedup,
		Notifier:   notifier,
		Retry:      retry,
		Price:      price,
		Chain:      chain,
		Thresholds: thresholds,
		Metrics:    m,
		Sink:       sink,
		Workers:    cfg.WorkerCount,
	})
	eng.Start(ctx)

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	go retry.Run(loopCtx)
	go dedup.RunSweeper(loopCtx)

	health := metrics.NewHealth()
	go health.Run(loopCtx, time.Minute)

	groups := []subscribe.Group{
		{Name: engine.GroupSwaps, Topics: []string{wire.TopicSwapV2}},
		{Name: engine.GroupProxy, Addresses: []string{engine.ProxyMain, engine.ProxyTryBuy}},
	}
	mgr := subscribe.NewManager(cfg.WSEndpoint, groups, eng.HandleLog(ctx), health, m)

	slog.Info("monitor starting",
		"ws", cfg.WSEndpoint, "workers", cfg.WorkerCount, "metrics_port", cfg.MetricsPort)
	mgr.Run(ctx)

	// Signal received: stop intake and drain in-flight events.
	slog.Info("shutting down, draining workers", "timeout", drainTimeout)
	done := make(chan struct{})
	go func() {
		eng.Close()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("drain complete")
	case <-time.After(drainTimeout):
		slog.Warn("drain timed out, exiting with work in flight")
	}
	return 0
}

func setupLogging(format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// watchSIGHUP re-snapshots the threshold document on SIGHUP.
func watchSIGHUP(ctx context.Context, thresholds *config.ThresholdManager) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := thresholds.Refresh(context.Background()); err != nil {
				slog.Error("threshold refresh failed", "err", err)
			}
		}
	}
}
