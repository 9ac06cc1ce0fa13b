package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astroline/prioq/internal/admin"
	"github.com/astroline/prioq/internal/backend"
	"github.com/astroline/prioq/internal/config"
	"github.com/astroline/prioq/internal/dispatch"
	"github.com/astroline/prioq/internal/gate"
	"github.com/astroline/prioq/internal/queue"
	"github.com/astroline/prioq/internal/sink"
	"github.com/astroline/prioq/internal/users"
)

func main() {
	cfg := config.Load()
	logger := log.New(os.Stderr, "prioqd ", log.LstdFlags|log.Lmsgprefix)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, dir, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatalf("store: %v", err)
	}

	g := gate.New(store, dir, cfg.MaxStrikes, cfg.RetryCeiling)
	invoker := backend.NewOllamaClient(cfg.OllamaHost, cfg.OllamaModel, cfg.InvokeTimeout)

	var resultSink sink.Sink
	if cfg.ResultWebhookURL != "" {
		resultSink = sink.NewWebhookSink(cfg.ResultWebhookURL, 10*time.Second)
	} else {
		resultSink = &sink.LogSink{Logger: logger}
	}

	coord := dispatch.New(store, invoker, resultSink, dispatch.Config{
		MaxWorkers:    cfg.MaxWorkers,
		PollInterval:  cfg.PollInterval,
		InvokeTimeout: cfg.InvokeTimeout,
		DrainGrace:    cfg.DrainGrace,
		Verbose:       cfg.Verbose,
	}, logger)

	coordDone := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(coordDone)
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           admin.NewServer(g, coord, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s (workers=%d, queue=%s, store=%s)",
			cfg.ListenAddr, cfg.MaxWorkers, cfg.QueueName, cfg.StoreKind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	waitForShutdown(logger)

	// stop intake first, then drain workers within their grace period
	shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)

	cancel()
	<-coordDone

	logger.Print("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Settings) (queue.Store, users.Directory, error) {
	opts := queue.Options{
		LeaseTimeout: cfg.LeaseTimeout,
		BackoffBase:  cfg.BackoffBase,
		BackoffCap:   cfg.BackoffCap,
	}

	if cfg.StoreKind == "memory" {
		return queue.NewMemoryStore(opts), users.NewMemoryDirectory(), nil
	}

	r, err := queue.BuildRedisClient(queue.RedisConnOpts{
		RedisURL: cfg.RedisURL,
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, nil, err
	}

	store, err := queue.NewRedisStore(ctx, r, cfg.QueueName, opts)
	if err != nil {
		return nil, nil, err
	}

	rdb, ok := queue.Cmdable(r)
	if !ok {
		return nil, nil, errors.New("redis client does not expose a shared connection")
	}
	return store, users.NewRedisDirectory(rdb, ""), nil
}

// waitForShutdown blocks until SIGTERM or SIGINT. A second SIGINT
// skips the drain and exits immediately.
func waitForShutdown(logger *log.Logger) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	sig := <-sigCh
	logger.Printf("received %s; draining", sig)

	if sig == os.Interrupt {
		go func() {
			<-sigCh
			logger.Print("second interrupt; hard exit")
			os.Exit(130)
		}()
	}
}
