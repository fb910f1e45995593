package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	sdkredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/inquestlabs/inquest/api"
	"github.com/inquestlabs/inquest/config"
	archivemongo "github.com/inquestlabs/inquest/features/archive/mongo"
	"github.com/inquestlabs/inquest/features/backend/csvdemo"
	modelanthropic "github.com/inquestlabs/inquest/features/model/anthropic"
	streampulse "github.com/inquestlabs/inquest/features/stream/pulse"
	clientspulse "github.com/inquestlabs/inquest/features/stream/pulse/clients/pulse"
	"github.com/inquestlabs/inquest/runtime/backend"
	"github.com/inquestlabs/inquest/runtime/gate"
	"github.com/inquestlabs/inquest/runtime/investigate"
	"github.com/inquestlabs/inquest/runtime/session"
)

func main() {
	// Define command line flags, add any other flag required to configure the
	// service.
	var (
		httpPortF = flag.Int("http-port", 0, "HTTP port (overrides the configured port)")
		configF   = flag.String("config", "", "Path to the YAML configuration file")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *httpPortF > 0 {
		cfg.HTTPPort = *httpPortF
	}
	log.Print(ctx, log.KV{K: "http-port", V: cfg.HTTPPort}, log.KV{K: "scenarios", V: len(cfg.Scenarios)})

	// One gate per shared downstream resource: the investigation backends and
	// the model provider trip independently.
	backendsGate := gate.New(gateOptions(cfg.Gates.Backends))
	modelGate := gate.New(gateOptions(cfg.Gates.Model))

	// Demo backends are bundled CSV datasets; every query is admitted through
	// the backends gate.
	backends := make(map[backend.Kind]backend.Backend)
	for _, kind := range []backend.Kind{backend.KindGraph, backend.KindTelemetry, backend.KindSearch, backend.KindMock} {
		b, err := csvdemo.Demo(kind)
		if err != nil {
			log.Fatalf(ctx, err, "load %s demo datasets", kind)
		}
		backends[kind] = backend.Guard(b, backendsGate)
	}

	var model investigate.Model
	if cfg.Model.Enabled {
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			log.Fatalf(ctx, fmt.Errorf("ANTHROPIC_API_KEY is not set"), "model summarizer is enabled")
		}
		client, err := modelanthropic.NewFromAPIKey(key, modelanthropic.Options{
			Model:     cfg.Model.Name,
			MaxTokens: cfg.Model.MaxTokens,
		})
		if err != nil {
			log.Fatalf(ctx, err, "initialize model summarizer")
		}
		model = investigate.GuardModel(client, modelGate)
	}

	engine, err := investigate.New(investigate.Options{
		Backends:  backends,
		Scenarios: cfg,
		Model:     model,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize investigation engine")
	}
	var runner session.Runner = engine

	var pingers []health.Pinger

	// Optional event mirroring: with Redis configured every session's events
	// are copied to a Pulse stream so they outlive in-memory eviction.
	// Deleting a session drops its stream along with it.
	var onDelete func(ctx context.Context, id string)
	if cfg.Redis.Addr != "" {
		rdb := sdkredis.NewClient(&sdkredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Redis.MaxLen})
		if err != nil {
			log.Fatalf(ctx, err, "initialize pulse client")
		}
		mirror, err := streampulse.NewMirror(streampulse.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "initialize event mirror")
		}
		runner = mirror.Runner(runner)
		onDelete = func(ctx context.Context, id string) {
			if err := mirror.Drop(ctx, id); err != nil {
				log.Errorf(ctx, err, "drop mirrored stream", log.KV{K: "session_id", V: id})
			}
		}
		pingers = append(pingers, redisPinger{client: rdb})
	}

	// Optional archive: with Mongo configured evicted sessions remain
	// retrievable.
	var archive session.Archive
	if cfg.Mongo.URI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mc, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			log.Fatalf(ctx, err, "connect to mongo")
		}
		store, err := archivemongo.New(archivemongo.Options{
			Client:     mc,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			log.Fatalf(ctx, err, "initialize session archive")
		}
		archive = store
		pingers = append(pingers, store)
	}

	registry, err := session.New(session.Options{
		Runner:         runner,
		Archive:        archive,
		MaxActive:      cfg.Sessions.MaxActive,
		RecentCapacity: cfg.Sessions.RecentCapacity,
		RecentTTL:      cfg.Sessions.RecentTTL.Std(),
		GraceWindow:    cfg.Sessions.GraceWindow.Std(),
		EventBuffer:    cfg.Sessions.EventBuffer,
		OnDelete:       onDelete,
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize session registry")
	}

	svc, err := api.New(api.Options{
		Registry:  registry,
		Scenarios: cfg.Scenarios,
		Gates:     map[string]*gate.Gate{"backends": backendsGate, "model": modelGate},
		Heartbeat: cfg.Stream.HeartbeatInterval.Std(),
	})
	if err != nil {
		log.Fatalf(ctx, err, "initialize http service")
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, fmt.Sprintf(":%d", cfg.HTTPPort), svc, pingers, &wg, errc, *dbgF)

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	wg.Wait()
	log.Printf(ctx, "exited")
}

func gateOptions(gc config.GateConfig) gate.Options {
	return gate.Options{
		MaxConcurrent: gc.MaxConcurrent,
		TripThreshold: gc.TripThreshold,
		BaseCooldown:  gc.BaseCooldown.Std(),
		MaxCooldown:   gc.MaxCooldown.Std(),
		RPS:           gc.RPS,
	}
}

// redisPinger reports Redis connectivity on the health endpoints.
type redisPinger struct {
	client *sdkredis.Client
}

func (p redisPinger) Name() string { return "redis" }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
