// Command dicomscp runs the DICOM C-STORE receivers and their admin API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/dicomscp/admin"
	"github.com/caio-sobreiro/dicomscp/archive"
	"github.com/caio-sobreiro/dicomscp/blob"
	"github.com/caio-sobreiro/dicomscp/blob/fs"
	"github.com/caio-sobreiro/dicomscp/blob/s3"
	"github.com/caio-sobreiro/dicomscp/config"
	"github.com/caio-sobreiro/dicomscp/executor"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/manager"
	"github.com/caio-sobreiro/dicomscp/notify"
	"github.com/caio-sobreiro/dicomscp/persistence/memory"
	"github.com/caio-sobreiro/dicomscp/persistence/postgres"
	"github.com/caio-sobreiro/dicomscp/persistence/sqlite"
	"github.com/caio-sobreiro/dicomscp/server"
	"github.com/caio-sobreiro/dicomscp/services"
	"github.com/caio-sobreiro/dicomscp/strategy"
)

const (
	Version = "0.1.0"
	appName = "dicomscp"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return err
	}
	cli.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	if cli.Validate {
		logger.Info("Configuration is valid", "config", cli.ConfigPath)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open instance store: %w", err)
	}
	defer store.Close()

	sink, err := openSink(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	var publisher notify.Publisher = notify.Nop{}
	if cfg.NATS.URL != "" {
		p, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		publisher = p
	}
	defer publisher.Close()

	pipeline := archive.New(sink,
		archive.WithPublisher(publisher),
		archive.WithSpoolDir(cfg.Archive.SpoolDir),
		archive.WithHeaderLimit(cfg.Archive.HeaderLimit),
		archive.WithLogger(logger),
	)

	// The executor outlives the signal context so that Stop can let
	// in-flight transfers finish.
	exec := executor.New(executor.Config{
		Workers:    cfg.Executor.Workers,
		QueueSize:  cfg.Executor.QueueSize,
		NamePrefix: appName,
		Registerer: reg,
		Logger:     logger,
	})
	if err := exec.Start(context.Background()); err != nil {
		return err
	}

	strategies := strategy.NewRegistry()
	mgr, err := manager.New(ctx, store, server.Dependencies{
		Runner:       exec,
		Strategies:   strategies,
		Importer:     pipeline,
		User:         cfg.Receiver.User,
		StoreMetrics: services.NewStoreMetrics(reg),
		Metrics:      server.NewMetrics(reg),
	},
		manager.WithLogger(logger),
		manager.WithReceiverEnabled(cfg.Receiver.Enabled),
		manager.WithServerOptions(
			server.WithHost(cfg.Receiver.Host),
			server.WithNegotiationTimeout(cfg.Receiver.NegotiationTimeout),
			server.WithPortRetries(cfg.Receiver.PortRetries, cfg.Receiver.PortRetryDelay),
			server.WithAcceptRate(cfg.Receiver.AcceptRate, cfg.Receiver.AcceptBurst),
		),
	)
	if err != nil {
		_ = exec.Stop(cli.ShutdownTimeout)
		return err
	}

	if n, err := mgr.Seed(ctx, cfg.Instances); err != nil {
		logger.Error("Failed to seed instances", "error", err)
	} else if n > 0 {
		logger.Info("Seeded instances from configuration", "count", n)
	}

	changes, err := mgr.Start(ctx)
	if err != nil {
		// Failed ports stay stopped; they can be fixed through the admin API.
		logger.Error("Some receivers failed to start", "error", err)
	}
	logger.Info("Receivers started",
		"count", len(changes),
		"ports", mgr.Receivers().Ports(),
		"enabled", cfg.Receiver.Enabled)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Admin.Address != "" {
		handler := admin.New(mgr,
			admin.WithGatherer(reg),
			admin.WithStrategies(strategies),
			admin.WithLogger(logger))
		g.Go(func() error {
			return admin.Serve(gctx, cfg.Admin.Address, handler, cli.ShutdownTimeout, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	runErr := g.Wait()
	logger.Info("Shutting down")

	stopped := mgr.Stop()
	logger.Info("Receivers stopped", "count", len(stopped))
	if err := exec.Stop(cli.ShutdownTimeout); err != nil {
		logger.Warn("Executor did not stop cleanly", "error", err)
	}
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (instance.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewStore(), nil
	case "sqlite":
		return sqlite.Open(ctx, cfg.DSN)
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func openSink(ctx context.Context, cfg config.ArchiveConfig) (blob.Sink, error) {
	switch cfg.Driver {
	case "fs":
		return fs.New(cfg.Root)
	case "s3":
		return s3.New(ctx, s3.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown archive driver %q", cfg.Driver)
}
