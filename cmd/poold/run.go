package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bardlex/poolcore/internal/bitcoin"
	"github.com/bardlex/poolcore/internal/config"
	"github.com/bardlex/poolcore/internal/database"
	"github.com/bardlex/poolcore/internal/database/influx"
	"github.com/bardlex/poolcore/internal/database/redis"
	"github.com/bardlex/poolcore/internal/messaging"
	"github.com/bardlex/poolcore/internal/metrics"
	"github.com/bardlex/poolcore/internal/notify"
	"github.com/bardlex/poolcore/internal/pool"
	"github.com/bardlex/poolcore/internal/shares"
	"github.com/bardlex/poolcore/internal/stratum"
	"github.com/bardlex/poolcore/internal/templates"
	"github.com/bardlex/poolcore/internal/treasury"
	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the stratum server, share accounting and payouts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Close()
		return runPool(cmd.Context(), cfg, logger)
	},
}

// runPool wires every component and blocks until ctx ends or one of them
// fails. A payout inconsistency is returned as an error and stops the pool.
func runPool(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	logger.Info("starting pool",
		"version", cfg.Version,
		"network", cfg.Network,
		"listen_addr", cfg.ListenAddr,
		"listen_port", cfg.ListenPort,
	)

	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}
	script, err := payoutScript(cfg.PoolAddress, params)
	if err != nil {
		return err
	}

	node, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	info, err := node.CheckServer(ctx, cfg.RequireIndex)
	if err != nil {
		return fmt.Errorf("node precondition failed: %w", err)
	}
	logger.Info("connected to node", "chain", info.Chain, "blocks", info.Blocks)

	db, err := database.NewManager(ctx, databaseConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("failed to close databases")
		}
	}()

	prom := metrics.NewPrometheus(cfg.PoolAddress, cfg.PushgatewayURL, db, logger)
	if err := prom.Restore(ctx); err != nil {
		logger.WithError(err).Warn("failed to restore gauges")
	}
	recorder := metrics.Multi(append([]metrics.Recorder{prom}, db.Recorders()...))

	var (
		events      *messaging.Events
		candidates  pool.CandidatePublisher
		blockAlerts shares.BlockObserver
		coordOpts   = []pool.CoordinatorOption{pool.WithCarryStore(db)}
	)
	if cfg.KafkaEnabled() {
		kafka := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		defer kafka.Close()
		events = messaging.NewEvents(kafka, 0, logger)
		candidates = events
		coordOpts = append(coordOpts, pool.WithPublisher(events))
		if err := events.PublishConfig(ctx, cfg.PoolAddress, cfg.Snapshot()); err != nil {
			logger.WithError(err).Warn("failed to announce config to monitor")
		}
	}

	discord, err := notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID, logger)
	if err != nil {
		logger.WithError(err).Warn("Discord alerts disabled")
	}
	if discord != nil {
		blockAlerts = discord
		coordOpts = append(coordOpts, pool.WithPayoutAlerter(discord))
	}

	cache, err := templates.New(templates.Config{
		Capacity:        cfg.JobCacheSize,
		PayoutScript:    script,
		CoinbaseTag:     cfg.CoinbaseTag,
		PollInterval:    cfg.TemplatePollInterval,
		RefreshInterval: cfg.TemplateRefreshInterval,
	}, node, logger)
	if err != nil {
		return err
	}

	tracker := pool.NewBlockTracker(db, candidates, blockAlerts, logger)
	sharesOpts := []shares.Option{shares.WithBlockObserver(tracker)}
	if store := db.DifficultyStore(); store != nil {
		sharesOpts = append(sharesOpts, shares.WithDifficultyStore(store))
	}
	validator := shares.New(shares.Config{
		BaseDifficulty:        cfg.BaseDifficulty,
		MinDifficulty:         cfg.MinDifficulty,
		MaxDifficulty:         cfg.MaxDifficulty,
		TargetSharesPerMinute: cfg.TargetSharesPerMinute,
		VardiffInterval:       cfg.VardiffInterval,
		VardiffStep:           cfg.VardiffStep,
		VardiffDamping:        cfg.VardiffDamping,
		HashrateInterval:      cfg.HashrateInterval,
		StatsLogInterval:      cfg.StatsLogInterval,
		WorkerIdleTTL:         cfg.WorkerIdleTTL,
	}, cache, recorder, logger, sharesOpts...)

	watcher := treasury.NewWatcher(treasury.WatcherConfig{
		Maturity:     int64(params.CoinbaseMaturity),
		PollInterval: cfg.MaturityPollInterval,
	}, node, db, recorder, logger)

	accumulator, err := treasury.NewAccumulator(treasury.Config{FeePercent: cfg.PoolFeePercent}, logger)
	if err != nil {
		return err
	}

	coordinator := pool.NewCoordinator(validator, db, recorder, logger, coordOpts...)
	if err := coordinator.Restore(ctx); err != nil {
		return err
	}

	var serverOpts []stratum.Option
	if events != nil {
		serverOpts = append(serverOpts, stratum.WithShareObserver(events))
	}
	server := stratum.NewServer(stratum.Config{
		ListenAddr:        fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort),
		MaxConnections:    cfg.MaxConnections,
		InvalidShareLimit: cfg.InvalidShareLimit,
		BroadcastWorkers:  cfg.BroadcastWorkers,
		Session: stratum.SessionConfig{
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		},
		Params: params,
	}, validator, cache, logger, serverOpts...)

	g, gctx := errgroup.WithContext(ctx)
	spawn := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	spawn("templates", cache.Run)
	spawn("vardiff", validator.RunVardiff)
	spawn("hashrate", validator.RunHashrate)
	spawn("maturity", watcher.Run)
	spawn("treasury", func(ctx context.Context) error { return accumulator.Run(ctx, watcher.Events()) })
	spawn("payouts", func(ctx context.Context) error { return coordinator.Run(ctx, accumulator.Payouts()) })
	spawn("metrics", func(ctx context.Context) error { return prom.Run(ctx, cfg.MetricsPushInterval) })
	spawn("database", db.Run)
	if events != nil {
		spawn("events", events.Run)
	}
	if discord != nil {
		spawn("discord", discord.Run)
	}
	if cfg.NodeZMQAddr != "" {
		spawn("zmq", func(ctx context.Context) error {
			return listenBlocks(ctx, cfg.NodeZMQAddr, logger, cache.OnNewBlock, watcher.OnNewBlock)
		})
	}
	if cfg.MetricsListen != "" {
		spawn("metrics_http", func(ctx context.Context) error {
			return serveMetrics(ctx, cfg.MetricsListen, prom.Handler(), logger)
		})
	}
	spawn("stratum", server.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("stratum shutdown incomplete")
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		logger.WithError(err).Error("pool stopped", "critical", true)
		return err
	}
	logger.Info("pool stopped")
	return nil
}

func newNode(cfg *config.Config, logger *log.Logger) (*bitcoin.RPCClient, error) {
	nodeLogger := logger.WithComponent("node")
	return bitcoin.NewRPCClient(cfg.NodeRPCHost, cfg.NodeRPCPort, cfg.NodeRPCUser, cfg.NodeRPCPassword,
		bitcoin.WithBreakerObserver(func(name string, from, to circuit.State) {
			nodeLogger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}))
}

// payoutScript builds the coinbase output script paying the pool address.
func payoutScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("invalid pool address: %w", err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("pool address %s is not for %s", address, params.Name)
	}
	return txscript.PayToAddrScript(addr)
}

// databaseConfig enables Redis and InfluxDB only when their URLs are set.
func databaseConfig(cfg *config.Config) *database.Config {
	dc := &database.Config{
		SQL: &database.SQLConfig{
			Driver:       cfg.DatabaseDriver,
			DSN:          cfg.DatabaseURL,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
	}
	if cfg.RedisURL != "" {
		dc.Redis = &redis.Config{URL: cfg.RedisURL, Window: cfg.StatsLogInterval}
	}
	if cfg.InfluxURL != "" {
		dc.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dc
}

// listenBlocks forwards hashblock notifications until ctx ends.
func listenBlocks(ctx context.Context, endpoint string, logger *log.Logger, onNewBlock ...func(string)) error {
	zmqLogger := logger.WithComponent("zmq")
	notifier, err := bitcoin.NewZMQNotifier(endpoint, zmqLogger.Logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	if err := notifier.Subscribe(bitcoin.TopicHashBlock); err != nil {
		return err
	}
	if err := notifier.Connect(); err != nil {
		return err
	}
	handler := bitcoin.NewBlockNotificationHandler(zmqLogger.Logger, onNewBlock...)
	return notifier.Listen(ctx, handler.HandleMessage)
}

func serveMetrics(ctx context.Context, addr string, handler http.Handler, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
