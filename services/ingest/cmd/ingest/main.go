package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ransomeye/pkg/bus"
	"ransomeye/pkg/db"
	gos3 "ransomeye/pkg/s3"
	"ransomeye/pkg/telemetry"
	"ransomeye/services/ingest"
)

const serviceName = "ransomeye-ingest"

const (
	exitConfigError  = 1
	exitStartupError = 2
	exitRuntimeError = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	_ = godotenv.Load()

	cfg, err := ingest.LoadConfig(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: load config: %v\n", serviceName, err)
		return exitConfigError
	}

	tel, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Output:      os.Stderr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: init telemetry: %v\n", serviceName, err)
		return exitStartupError
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		logger.Printf("FATAL connect database: %v", err)
		return exitStartupError
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Printf("FATAL migrate database: %v", err)
		return exitStartupError
	}

	store, err := ingest.NewPostgresStore(pool)
	if err != nil {
		logger.Printf("FATAL create store: %v", err)
		return exitStartupError
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := ingest.Options{
		Store:          store,
		Registry:       registry,
		Logger:         logger,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateLimit:      cfg.RateLimit,
		RequestTimeout: cfg.RequestTimeout,
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			logger.Printf("FATAL connect nats: %v", err)
			return exitStartupError
		}
		defer b.Close()
		if err := b.EnsureStream(cfg.NATSStream, "ransomeye.events.>"); err != nil {
			logger.Printf("FATAL %v", err)
			return exitStartupError
		}
		opts.Publisher = b
		logger.Printf("INFO publishing accepted events to %s", ingest.IngestedSubject)
	}

	if cfg.ArchiveEnabled() {
		client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			logger.Printf("FATAL create s3 client: %v", err)
			return exitStartupError
		}
		archiver, err := ingest.NewObjectArchiver(client, cfg.S3Bucket)
		if err != nil {
			logger.Printf("FATAL create archiver: %v", err)
			return exitStartupError
		}
		defer archiver.Close()
		opts.Archiver = archiver
		logger.Printf("INFO archiving accepted events to bucket %s", cfg.S3Bucket)
	}

	srv, err := ingest.NewServer(opts)
	if err != nil {
		logger.Printf("FATAL create server: %v", err)
		return exitStartupError
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           tel.Middleware(srv.Routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("INFO starting %s on %s", serviceName, cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Printf("FATAL http server: %v", err)
			return exitRuntimeError
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("ERROR shutdown server: %v", err)
	}
	logger.Printf("INFO %s stopped", serviceName)
	return 0
}
