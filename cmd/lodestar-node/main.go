// Command lodestar-node runs the whole node in one process: outbox relay and
// archiver, the specialized agents, the orchestrator, the governor with its
// SLA sweeper, the UI broadcast bridge, and the control API. Workers share no
// in-process state; they coordinate through the bus and the SQL store, so
// scaling out is running more processes with the same configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/lodestar-ops/lodestar/pkg/agents"
	"github.com/lodestar-ops/lodestar/pkg/api"
	"github.com/lodestar-ops/lodestar/pkg/bridge"
	"github.com/lodestar-ops/lodestar/pkg/bus"
	"github.com/lodestar-ops/lodestar/pkg/config"
	"github.com/lodestar-ops/lodestar/pkg/envelope"
	"github.com/lodestar-ops/lodestar/pkg/governor"
	"github.com/lodestar-ops/lodestar/pkg/observability"
	"github.com/lodestar-ops/lodestar/pkg/orchestrator"
	"github.com/lodestar-ops/lodestar/pkg/outbox"
	"github.com/lodestar-ops/lodestar/pkg/runtime"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	log.Println("[lodestar] node starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Load()); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[lodestar] node failed: %v", err)
	}
	log.Println("[lodestar] shutdown complete")
}

// worker is one supervised loop; run blocks until the context is canceled.
type worker struct {
	name string
	run  func(context.Context) error
}

//nolint:gocognit // linear wiring, one block per subsystem
func run(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		SampleRate:  cfg.SampleRate,
		Insecure:    cfg.OTLPInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	// Storage and stores.
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Printf("[lodestar] storage: %s connected", cfg.DBDriver)

	outboxStore := outbox.NewStore(db)
	if err := outboxStore.Init(ctx); err != nil {
		return err
	}
	recs := orchestrator.NewStore(db)
	if err := recs.Init(ctx); err != nil {
		return err
	}
	receipts := governor.NewReceiptStore(db)
	if err := receipts.Init(ctx); err != nil {
		return err
	}
	dedup := runtime.NewDedupStore(db)
	if err := dedup.Init(ctx); err != nil {
		return err
	}
	kpis := agents.NewKPIStore(db)
	if err := kpis.Init(ctx); err != nil {
		return err
	}
	idem := api.NewSQLIdempotencyStore(db, cfg.IdempotencyTTL, logger)
	if err := idem.Init(ctx); err != nil {
		return err
	}

	schemas := envelope.NewSchemaRegistry()
	if err := envelope.RegisterOperationalSchemas(schemas); err != nil {
		return err
	}
	if err := agents.RegisterSchemas(schemas); err != nil {
		return err
	}
	if err := orchestrator.RegisterSchemas(schemas); err != nil {
		return err
	}

	// Bus. The memory backend is single-process only; redis is the
	// deployment backend and also carries the UI broadcast channel.
	var (
		eventBus  bus.Bus
		broadcast bridge.Publisher
	)
	switch cfg.BusBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer client.Close()
		eventBus = bus.NewRedis(client, bus.Options{}, logger)
		broadcast = bridge.NewRedisPublisher(client)
		log.Printf("[lodestar] bus: redis streams at %s", cfg.RedisAddr)
	case "memory", "":
		eventBus = bus.NewMemory(bus.Options{})
		broadcast = bridge.NewMemoryPublisher()
		log.Println("[lodestar] bus: in-memory, single process only")
	default:
		return fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}

	// Outbox relay and archiver.
	relay := outbox.NewRelay(outboxStore, eventBus, outbox.RelayConfig{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.RelayBatchSize,
	}, logger)
	workers := []worker{{"relay", relay.Run}}

	if cfg.ArchiveBackend != "off" {
		objects, err := outbox.NewObjectStore(ctx, outbox.ObjectStoreConfig{
			Backend:  outbox.BackendType(cfg.ArchiveBackend),
			Dir:      cfg.ArchiveDir,
			Bucket:   cfg.ArchiveBucket,
			Region:   cfg.ArchiveRegion,
			Endpoint: cfg.ArchiveEndpoint,
			Prefix:   cfg.ArchivePrefix,
		})
		if err != nil {
			return fmt.Errorf("archive store: %w", err)
		}
		archiver := outbox.NewArchiver(outboxStore, objects, outbox.ArchiverConfig{
			Retention: cfg.ArchiveRetention,
			Interval:  cfg.ArchiveInterval,
		}, logger)
		workers = append(workers, worker{"archiver", archiver.Run})
		log.Printf("[lodestar] archive: %s", cfg.ArchiveBackend)
	}

	// Capability declarations: built-ins, then operator overrides.
	caps := agents.Capabilities()
	caps[orchestrator.AgentName] = orchestrator.Capability()
	caps[governor.AgentName] = governor.Capability()
	if cfg.CapabilityPath != "" {
		overrides, err := runtime.LoadCapabilities(cfg.CapabilityPath)
		if err != nil {
			return err
		}
		for name, c := range overrides {
			caps[name] = c
		}
		log.Printf("[lodestar] capabilities: %d overridden from %s", len(overrides), cfg.CapabilityPath)
	}

	newRuntime := func(agent string) (*runtime.Runtime, error) {
		rt, err := runtime.New(runtime.Config{Agent: agent, Role: instanceRole},
			caps[agent], eventBus, outbox.NewEmitter(db, outboxStore, agent), dedup, logger)
		if err != nil {
			return nil, err
		}
		return rt.WithSchemas(schemas), nil
	}

	// Specialized agents.
	reasoner := agents.NewHTTPReasoner(agents.ReasonerConfig{
		BaseURL: cfg.ReasonerURL,
		APIKey:  cfg.ReasonerAPIKey,
		Timeout: cfg.ReasonerTimeout,
	}, logger)
	executor := agents.NewLogExecutor(logger)

	riskRT, err := newRuntime(agents.AgentRisk)
	if err != nil {
		return err
	}
	if err := registerAll(riskRT, caps[agents.AgentRisk].Consumes,
		agents.NewRiskAgent(reasoner, riskRT, logger)); err != nil {
		return err
	}

	routeRT, err := newRuntime(agents.AgentRoute)
	if err != nil {
		return err
	}
	if err := registerAll(routeRT, caps[agents.AgentRoute].Consumes,
		agents.NewRouteAgent(reasoner, routeRT, executor, logger)); err != nil {
		return err
	}

	procRT, err := newRuntime(agents.AgentProcurement)
	if err != nil {
		return err
	}
	if err := registerAll(procRT, caps[agents.AgentProcurement].Consumes,
		agents.NewProcurementAgent(reasoner, procRT, executor, logger)); err != nil {
		return err
	}

	analyticsRT, err := newRuntime(agents.AgentAnalytics)
	if err != nil {
		return err
	}
	analytics := agents.NewAnalyticsAgent(db, kpis, outboxStore, dedup,
		agents.AgentAnalytics+"."+instanceRole, logger)
	if err := registerAll(analyticsRT, caps[agents.AgentAnalytics].Consumes, analytics); err != nil {
		return err
	}

	workers = append(workers,
		worker{"agent " + agents.AgentRisk, riskRT.Run},
		worker{"agent " + agents.AgentRoute, routeRT.Run},
		worker{"agent " + agents.AgentProcurement, procRT.Run},
		worker{"agent " + agents.AgentAnalytics, analyticsRT.Run},
	)

	// Orchestrator: one consumer loop filing contributions, one flush loop
	// closing due windows.
	orch, err := orchestrator.New(orchestrator.Config{
		Debounce:      cfg.Debounce,
		FlushInterval: cfg.FlushInterval,
	}, db, recs, outboxStore, dedup, logger)
	if err != nil {
		return err
	}
	orchRT, err := newRuntime(orchestrator.AgentName)
	if err != nil {
		return err
	}
	if err := registerAll(orchRT, caps[orchestrator.AgentName].Consumes, orch); err != nil {
		return err
	}
	workers = append(workers,
		worker{"orchestrator consumer", orchRT.Run},
		worker{"orchestrator flush", orch.Run},
	)

	// Governor and its SLA sweeper.
	pack, err := loadPack(cfg)
	if err != nil {
		return err
	}
	log.Printf("[lodestar] policy pack: %s %s (%d rules)", pack.Name, pack.Version, len(pack.Rules))
	keyring, err := buildKeyring(cfg, logger)
	if err != nil {
		return err
	}
	gov, err := governor.New(governor.Config{}, db, recs, receipts, outboxStore, pack, keyring, logger)
	if err != nil {
		return err
	}
	govRT, err := newRuntime(governor.AgentName)
	if err != nil {
		return err
	}
	if err := registerAll(govRT, caps[governor.AgentName].Consumes, gov); err != nil {
		return err
	}
	sweeper := governor.NewSweeper(gov, cfg.SweepInterval, logger)
	workers = append(workers,
		worker{"governor", govRT.Run},
		worker{"sla sweeper", sweeper.Run},
	)

	// Bridge.
	br, err := bridge.New(bridge.Config{}, eventBus, broadcast, logger)
	if err != nil {
		return err
	}
	workers = append(workers, worker{"bridge", br.Run})

	// Control API.
	if cfg.JWTSecret == config.DevJWTSecret {
		logger.Warn("using the development JWT secret; set LODESTAR_JWT_SECRET before exposing the API")
	}
	server := api.NewServer(api.ServerConfig{
		Addr:      cfg.APIAddr,
		JWTSecret: []byte(cfg.JWTSecret),
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
	}, gov, recs, idem, obs, logger,
		api.HealthCheck{Name: "store", Check: db.PingContext},
		api.HealthCheck{Name: "relay", Check: relayHealth(relay)},
		api.HealthCheck{Name: "bus", Check: busHealth(orchRT)},
	)
	workers = append(workers, worker{"control api", server.Run})

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error {
			if err := w.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", w.name, err)
			}
			return nil
		})
		log.Printf("[lodestar] %s: running", w.name)
	}
	log.Printf("[lodestar] ready: control api on %s", cfg.APIAddr)
	return g.Wait()
}
