package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-trading/lanetrader/internal/audit"
	"github.com/nexus-trading/lanetrader/internal/bus"
	"github.com/nexus-trading/lanetrader/internal/clickhouse"
	"github.com/nexus-trading/lanetrader/internal/config"
	"github.com/nexus-trading/lanetrader/internal/execution"
	"github.com/nexus-trading/lanetrader/internal/lane"
	"github.com/nexus-trading/lanetrader/internal/lifecycle"
	"github.com/nexus-trading/lanetrader/internal/market"
	"github.com/nexus-trading/lanetrader/internal/observability"
	"github.com/nexus-trading/lanetrader/internal/portfolio"
	"github.com/nexus-trading/lanetrader/internal/profit"
	"github.com/nexus-trading/lanetrader/internal/scoring"
	"github.com/nexus-trading/lanetrader/internal/sentinel"
	"github.com/nexus-trading/lanetrader/internal/solana"
	"github.com/nexus-trading/lanetrader/internal/store"
	"github.com/nexus-trading/lanetrader/internal/store/postgres"
	"github.com/nexus-trading/lanetrader/internal/store/sqlite"
	"github.com/nexus-trading/lanetrader/internal/venue/jupiter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional .env file loaded before the config")
	replayPath := flag.String("replay", "", "Replay market events from a JSON file instead of the live source")
	replayDelay := flag.Duration("replay-delay", 0, "Delay between replayed events")
	flag.Parse()

	// 2. Load configuration.
	if err := config.LoadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Str("mode", string(cfg.Execution.Mode)).
		Strs("lanes", lanesOf(cfg.Lanes)).
		Float64("starting_equity_usd", cfg.Portfolio.StartingEquityUSD).
		Str("strictness", string(cfg.Sentinel.Strictness)).
		Str("storage", cfg.Storage.Backend).
		Str("market_source", cfg.Market.Source).
		Msg("lanetrader: configuration loaded")

	// 4. Setup context.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 5. Observability.
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	health := observability.NewHealthMonitor(cfg.Metrics.HealthInterval)

	// 6. Durable store.
	st, err := openStore(ctx, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("Failed to open store")
	}
	defer st.Close()
	health.Register(lifecycle.ComponentStore, observability.PingCheck(st.Ping))

	// 7. Audit trail: Kafka when enabled, in-memory otherwise.
	var producer bus.Producer
	if cfg.Kafka.Enabled {
		kp, err := bus.NewProducer(cfg.Kafka.Producer(cfg.General.InstanceID))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Kafka producer")
		}
		defer kp.Close()
		producer = kp
	} else {
		sp := bus.NewStubProducer()
		defer sp.Close()
		producer = sp
		log.Info().Msg("Kafka disabled, lifecycle events stay in memory")
	}
	trail := audit.NewTrail(producer, cfg.Kafka.AuditBuffer)

	// 8. ClickHouse archive (optional).
	var archive *clickhouse.ArchiveWriter
	if cfg.ClickHouse.DSN != "" {
		chClient, err := clickhouse.NewClient(cfg.ClickHouse.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ClickHouse client")
		}
		defer chClient.Close()
		if err := chClient.EnsureSchema(ctx); err != nil {
			log.Warn().Err(err).Msg("ClickHouse schema check failed, archive may drop rows")
		}
		health.Register("clickhouse", observability.PingCheck(chClient.Ping))
		archive = clickhouse.NewArchiveWriter(chClient, chClient.Database(), cfg.ClickHouse.BatchSize, cfg.ClickHouse.FlushInterval)
		trail.SetArchive(archive)
	}

	// 9. Market data.
	book := market.NewTokenBook(cfg.Market.Book)
	stream, closeStream, err := openStream(cfg, *replayPath, *replayDelay)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open market stream")
	}
	defer closeStream()

	// 10. Execution gateway.
	prices := func(mint solana.Pubkey) (decimal.Decimal, bool) {
		cand, ok := book.Candidate(mint, time.Now())
		if !ok || cand.PriceUSD <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(cand.PriceUSD), true
	}
	paper := execution.NewPaperVenue(cfg.Execution.Paper, prices)

	venues, rpc, fees, err := buildVenues(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build venues")
	}
	if rpc != nil {
		defer rpc.Close()
		health.Register("solana_rpc", observability.PingCheck(rpc.Health))
	}
	if cfg.Execution.Mode == execution.ModeLive && len(venues) == 0 {
		log.Fatal().Msg("Live mode needs at least one venue with a wallet")
	}

	gateway := execution.NewGateway(cfg.Execution, venues, paper)
	gateway.SetObserver(metrics)

	// 11. Lifecycle coordinator.
	guard := portfolio.NewGuard()
	coord := lifecycle.New(cfg.Lifecycle, cfg.Portfolio, lifecycle.Deps{
		Book:     book,
		Scorer:   scoring.NewEngine(cfg.Scoring),
		Router:   lane.NewRouter(cfg.Lanes, cfg.Portfolio),
		Sentinel: sentinel.New(cfg.Sentinel),
		Profit:   profit.NewEngine(cfg.Profit),
		Guard:    guard,
		Executor: gateway,
		Store:    st,
	})
	coord.SetEventSink(trail)
	coord.SetObserver(metrics)
	coord.SetHealth(health)
	if archive != nil {
		coord.SetArchive(archive)
	}
	gateway.SetOnAlert(coord.HandleAlert)

	if err := coord.Recover(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to recover state")
	}

	// 12. Start services.
	var wg sync.WaitGroup

	if archive != nil {
		archive.Start(ctx)
	}
	if fees != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fees.Run(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		health.Start(ctx)
	}()

	srv := &server{
		cfg:     cfg,
		coord:   coord,
		gateway: gateway,
		guard:   guard,
		store:   st,
		trail:   trail,
		health:  health,
		metrics: metrics,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.serve(ctx)
	}()

	if cfg.Metrics.StatsInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logStats(ctx, cfg.Metrics.StatsInterval, coord, gateway, trail)
		}()
	}

	log.Info().
		Int("venues", len(venues)).
		Str("mode", string(coord.Mode())).
		Int("open_positions", len(coord.Positions())).
		Msg("lanetrader: running")

	// 13. Run until shutdown.
	if err := coord.Run(ctx, stream); err != nil {
		log.Error().Err(err).Msg("Coordinator stopped")
		cancel()
	}

	// 14. Graceful shutdown.
	log.Info().Msg("Shutting down...")
	health.Stop()
	wg.Wait()
	if archive != nil {
		if err := archive.Close(); err != nil {
			log.Warn().Err(err).Msg("ClickHouse archive close failed")
		}
	}

	s := coord.Stats()
	snap := coord.Snapshot()
	log.Info().
		Int("open_positions", s.OpenPositions).
		Int64("entries", s.Entries).
		Int64("exits", s.Exits).
		Int64("panics", s.Panics).
		Str("equity_usd", snap.Equity.StringFixed(2)).
		Str("realized_usd", snap.RealizedUSD.StringFixed(2)).
		Msg("lanetrader: final statistics")
	log.Info().Msg("lanetrader: shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "console" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "lanetrader").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "lanetrader").
			Str("instance", general.InstanceID).Logger()
	}
}

func lanesOf(cfg lane.Config) []string {
	out := make([]string, 0, len(cfg.Priority))
	for _, l := range cfg.Priority {
		out = append(out, string(l))
	}
	return out
}

// openStore opens the configured backend.
func openStore(ctx context.Context, cfg store.Config) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return pg, nil
	case "sqlite":
		sq, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return sq, nil
	case "memory", "":
		log.Warn().Msg("Using in-memory store, state is lost on restart")
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// openStream opens the market source: a replay file when given, otherwise
// the configured websocket feed or Kafka topic.
func openStream(cfg *config.Config, replayPath string, delay time.Duration) (market.Stream, func(), error) {
	if replayPath != "" {
		events, err := readReplay(replayPath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", replayPath).Int("events", len(events)).Msg("Replaying market events")
		return market.NewSliceStream(events, delay), func() {}, nil
	}

	switch cfg.Market.Source {
	case config.SourceKafka:
		consumer, err := bus.NewConsumer(bus.ConsumerConfig{
			Brokers:   cfg.Kafka.Brokers,
			GroupID:   cfg.Market.GroupID,
			Topics:    []string{cfg.Market.Topic},
			FromStart: cfg.Market.FromStart,
		})
		if err != nil {
			return nil, nil, err
		}
		return market.NewKafkaStream(consumer, cfg.Market.Buffer), consumer.Close, nil
	default:
		return market.NewWSStream(cfg.Market.WebSocket), func() {}, nil
	}
}

// readReplay decodes a JSON array or a sequence of JSON objects.
func readReplay(path string) ([]market.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var events []market.Event
	dec := json.NewDecoder(f)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode replay file: %w", err)
		}
		if len(raw) > 0 && raw[0] == '[' {
			var batch []market.Event
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, fmt.Errorf("decode replay batch: %w", err)
			}
			events = append(events, batch...)
			continue
		}
		var ev market.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode replay event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// buildVenues creates the Jupiter venues for every enabled route. Without a
// wallet no venue can sign, so none are built and only paper mode works.
func buildVenues(cfg *config.Config) ([]execution.Venue, *solana.LiveRPCClient, *solana.PriorityFeeEstimator, error) {
	secret := cfg.Venues.WalletKey()
	if secret == "" {
		log.Warn().Str("env", cfg.Venues.WalletKeyEnv).Msg("No wallet key, live venues disabled")
		return nil, nil, nil, nil
	}
	wallet, err := solana.LoadWallet(secret)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load wallet: %w", err)
	}

	rpc := solana.NewLiveRPCClient(cfg.Venues.RPC)
	fees := solana.NewPriorityFeeEstimator(rpc)
	jito := solana.NewJitoClient(cfg.Venues.Jito)
	api := jupiter.NewAPIClient(cfg.Venues.Jupiter)

	enabled := make(map[jupiter.RouteMode]bool, len(cfg.Venues.Enabled))
	for _, r := range cfg.Venues.Enabled {
		enabled[r] = true
	}

	var venues []execution.Venue
	for _, vc := range []jupiter.Config{cfg.Venues.Primary, cfg.Venues.Fallback} {
		if !enabled[vc.Route] {
			continue
		}
		v, err := jupiter.New(vc, api, wallet, rpc, jito, fees)
		if err != nil {
			log.Warn().Err(err).Str("route", string(vc.Route)).Msg("Venue disabled")
			continue
		}
		venues = append(venues, v)
		log.Info().Str("venue", v.Name()).Str("route", string(vc.Route)).Msg("Venue ready")
	}

	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hcancel()
	if err := rpc.Health(hctx); err != nil {
		log.Warn().Err(err).Str("endpoint", cfg.Venues.RPC.Endpoint).
			Msg("Solana RPC health check failed (continuing, may be rate-limited)")
	}
	return venues, rpc, fees, nil
}

// logStats periodically logs the headline counters.
func logStats(ctx context.Context, every time.Duration, coord *lifecycle.Coordinator, gw *execution.Gateway, trail *audit.Trail) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cs := coord.Stats()
			gs := gw.Stats()
			ts := trail.Stats()
			snap := coord.Snapshot()
			log.Info().
				Int("open_pos", cs.OpenPositions).
				Int("tokens", cs.Tokens).
				Int64("events", cs.EventsApplied).
				Int64("entries", cs.Entries).
				Int64("exits", cs.Exits).
				Int64("panics", cs.Panics).
				Int64("fills", gs.Fills).
				Int64("failovers", gs.Failovers).
				Int64("audit_recorded", ts.Recorded).
				Int64("audit_publish_errors", ts.PublishErrors).
				Str("equity_usd", snap.Equity.StringFixed(2)).
				Str("cash_usd", snap.Cash.StringFixed(2)).
				Bool("entry_frozen", snap.Guard.Frozen).
				Msg("[STATS]")
		}
	}
}
