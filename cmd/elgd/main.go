// Command elgd is the App Lifecycle process (spec §4.9): it loads and
// validates configuration, brings up the checkpoint store, transport,
// and (if enabled) the policy evaluator, then waits for a shutdown
// signal and drains in-flight runs before exiting.
//
// It does not itself register any graph — an application links
// graph.NewExecutor against the components this process brings up the
// same way cmd/elg-replay links replaytool.Replayer against its own
// graph. elgd's job is strictly the ambient lifecycle spec §4.9
// describes, not any one workflow's business logic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cmoelg/engine/emit"
	"github.com/cmoelg/engine/internal/config"
	"github.com/cmoelg/engine/policyengine"
	"github.com/cmoelg/engine/store"
	"github.com/cmoelg/engine/transport"
	"github.com/cmoelg/engine/transport/logtransport"
	"github.com/cmoelg/engine/transport/redistransport"
	"github.com/go-redis/redis/v8"
)

// observabilityInitTimeout bounds how long connecting to the OTLP
// collector during startup is allowed to take (spec §4.9 "initialize
// observability (if enabled)" is one bounded step among several, not an
// open-ended wait).
const observabilityInitTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "elgd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := emit.NewLogEmitter(os.Stdout, !cfg.Logging.Pretty)
	logger.Emit(emit.Event{Msg: "starting elgd", Meta: map[string]interface{}{"config": cfg.Redacted()}})

	obsCtx, cancelObs := context.WithTimeout(context.Background(), observabilityInitTimeout)
	tracing, err := config.InitObservability(obsCtx, cfg.Observability)
	cancelObs()
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), observabilityInitTimeout)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	var spanEmitter emit.Emitter
	if cfg.Observability.Enabled {
		spanEmitter = emit.NewOTelEmitter(tracing.Tracer(cfg.Observability.ServiceName))
	}
	emitLifecycle := func(event emit.Event) {
		logger.Emit(event)
		if spanEmitter != nil {
			spanEmitter.Emit(event)
		}
	}

	st, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("building checkpoint store: %w", err)
	}

	tp, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}

	var policy policyengine.Evaluator
	if cfg.Policy.Enabled {
		policy = policyengine.NewWasmEvaluator()
	}

	lc := config.NewLifecycle(cfg, st, tp, policy)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := lc.Start(startCtx); err != nil {
		return err
	}
	emitLifecycle(emit.Event{Msg: "elgd started"})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	emitLifecycle(emit.Event{Msg: "shutdown signal received", Meta: map[string]interface{}{"signal": sig.String()}})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Runtime.WholeRunTimeout+30*time.Second)
	defer cancelShutdown()
	if err := lc.Shutdown(shutdownCtx); err != nil {
		return err
	}
	emitLifecycle(emit.Event{Msg: "elgd shut down cleanly"})
	return nil
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	switch cfg.Transport.Driver {
	case "", "log":
		return logtransport.New(transport.DefaultMaxDeliveryAttempts), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%d", cfg.Transport.Host, cfg.Transport.Port)})
		return redistransport.New(client, transport.DefaultMaxDeliveryAttempts), nil
	default:
		return nil, fmt.Errorf("unknown transport.driver %q", cfg.Transport.Driver)
	}
}

func buildStore(cfg *config.Config) (store.CheckpointStore, error) {
	if cfg.Database.User == "" {
		return store.NewSQLiteStore("elgd.db")
	}
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.Database.User, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	return store.NewMySQLStore(dsn)
}
