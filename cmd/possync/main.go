// Command possync runs the point-of-sale synchronization engine against
// the configured remote service: one full push/pull pass by default, or
// a periodic loop when sync.interval is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c0deZ3R0/possync"
	"github.com/c0deZ3R0/possync/config"
	"github.com/c0deZ3R0/possync/logging"
	"github.com/c0deZ3R0/possync/metrics"
	"github.com/c0deZ3R0/possync/store/sqlite"
	"github.com/c0deZ3R0/possync/transport/httptransport"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search standard locations)")
	once := flag.Bool("once", false, "run a single sync pass even if sync.interval is configured")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintln(os.Stderr, "possync:", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger := logging.WithComponent("cli")

	registry := possync.DefaultRegistry()

	store, err := sqlite.NewWithDataSource(cfg.Database.Path, registry)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}

	transport := httptransport.NewClient(cfg.Server.URL, cfg.Server.AuthToken,
		httptransport.WithHTTPClient(&http.Client{Timeout: cfg.Server.Timeout}),
		httptransport.WithMaxRetries(cfg.Sync.MaxRetries),
	)

	engine := possync.NewEngine(store, store, transport, registry, &possync.Options{
		PushBatchSize:    cfg.Sync.PushBatchSize,
		PullPageSize:     cfg.Sync.PullPageSize,
		UnsyncedLimit:    cfg.Sync.UnsyncedLimit,
		Workers:          cfg.Sync.Workers,
		AutoSyncInterval: cfg.Sync.Interval,
		Metrics:          metrics.NewPrometheus(prometheus.DefaultRegisterer),
	})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Sync.Interval > 0 && !once {
		engine.Subscribe(func(r *possync.RunResult) { printResult(r) })
		if err := engine.StartAutoSync(ctx); err != nil {
			return err
		}
		logger.Info("auto sync started; press Ctrl-C to stop")
		<-ctx.Done()
		return nil
	}

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}
	printResult(result)
	if result.Status == possync.StatusError {
		return fmt.Errorf("sync finished with status error")
	}
	return nil
}

func printResult(r *possync.RunResult) {
	fmt.Printf("sync %s in %s: uploaded=%d downloaded=%d conflicts=%d\n",
		r.Status, r.Duration.Round(time.Millisecond), r.Uploaded, r.Downloaded, r.Conflicts)
	for _, er := range r.Entities {
		fmt.Printf("  %-18s %-8s up=%-5d down=%-5d conflicts=%-4d %s\n",
			er.Table, er.Status, er.Uploaded, er.Downloaded, er.Conflicts, er.Message)
	}
}
