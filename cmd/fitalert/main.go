package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/playok/fitalert/internal/alerting"
	"github.com/playok/fitalert/internal/api"
	"github.com/playok/fitalert/internal/collector"
	"github.com/playok/fitalert/internal/config"
	"github.com/playok/fitalert/internal/jobs"
	"github.com/playok/fitalert/internal/logging"
	"github.com/playok/fitalert/internal/metrics"
	"github.com/playok/fitalert/internal/model"
	"github.com/playok/fitalert/internal/notify"
	"github.com/playok/fitalert/internal/progress"
	"github.com/playok/fitalert/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append([]string{os.Args[0]}, os.Args[2:]...)

	switch cmd {
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "run":
		// Foreground mode (also used by the daemon child)
		if err := cmdRun(); err != nil {
			fmt.Fprintf(os.Stderr, "fitalert: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("fitalert %s\n", version)
	case "-nginx", "--nginx":
		cmdNginx()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	exe := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, `fitalert - threshold alerting and background jobs (%s)

Usage:
  %s <command> [flags]

Commands:
  start          Start daemon (background)
  stop           Stop daemon
  status         Show daemon status
  run            Run in foreground
  version        Print version

Flags:
  -nginx         Print sample nginx reverse proxy configuration
  -config PATH   Config file path (default: config.yaml)
  -listen ADDR   Listen address (default: 127.0.0.1:9924)
  -db-driver D   Database driver (sqlite|postgres)
  -db DSN        Database path or DSN
  -base-path P   Base URL path for reverse proxy
  -pid-file P    PID file path
  -log-file P    Log file path
  -log-level L   Log level (debug|info|warn|error)
  -workers N     Background job workers
`, version, exe)
}

// buildForwardFlags generates flags to forward the loaded config to the child.
func buildForwardFlags(cfg *config.Config) []string {
	return []string{"-config", cfg.ConfigPath}
}

// ---------------------------------------------------------------------------
// run: foreground server (also used by daemon child)
// ---------------------------------------------------------------------------

func cmdRun() error {
	cfg := config.Load()

	log, logCloser := logging.New(cfg.Log, cfg.LogFile)
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.Alerting.SeedDefaults {
		n, err := alerting.SeedDefaults(ctx, db)
		if err != nil {
			log.Warn("failed to seed default thresholds", "err", err)
		} else if n > 0 {
			log.Info("seeded default thresholds", "count", n)
		}
	}

	// Live progress, optionally relayed between instances through NATS
	hub := progress.NewHub(log, m)
	var publisher progress.Publisher = hub
	if cfg.NATS.URL != "" {
		relay, err := progress.NewRelay(cfg.NATS.URL, cfg.NATS.SubjectPrefix, hub, log)
		if err != nil {
			return err
		}
		defer relay.Close()
		publisher = relay
	}

	dispatcher, err := newDispatcher(cfg, db, publisher, log, m)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	manager := alerting.NewManager(db, dispatcher, publisher, log, m)
	evaluator := alerting.NewEvaluator(db, manager, cfg.Alerting.AutoResolve, log, m)
	if err := evaluator.LoadThresholds(ctx); err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}

	runner := jobs.NewRunner(db, publisher, cfg.Jobs, log, m)
	runner.Register(jobs.KindPurgeNotifications, jobs.PurgeNotifications(db))
	runner.Register(jobs.KindMaintenance, jobs.Maintenance(db, cfg.Retention, time.Now))
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	registry, unknown := collector.Builtin(cfg.Collector.Collectors)
	for _, id := range unknown {
		log.Warn("unknown collector in config", "collector", id)
	}
	sched := collector.NewScheduler(registry, func(ctx context.Context, samples []model.MetricSample) {
		evaluator.EvaluateBatch(ctx, samples)
	}, cfg.Collector.Interval, log)

	router := api.NewRouter(api.Deps{
		Thresholds:  db,
		Evaluator:   evaluator,
		Manager:     manager,
		Dispatcher:  dispatcher,
		Jobs:        runner,
		Registry:    registry,
		Hub:         hub,
		Metrics:     m,
		DB:          db,
		Log:         log,
		BasePath:    cfg.BasePath,
		MetricsPath: cfg.Metrics.Path,
	})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("fitalert listening", "version", version, "addr", cfg.Listen, "base_path", cfg.BasePath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		evaluator.Run(gctx, cfg.Alerting.ThresholdReload)
		return nil
	})
	g.Go(func() error {
		manager.RunEscalations(gctx, cfg.Alerting.EscalationSweep)
		return nil
	})
	if cfg.Retention.Interval > 0 {
		g.Go(func() error {
			runner.EnqueueEvery(gctx, cfg.Retention.Interval, model.WorkDescriptor{Kind: jobs.KindMaintenance})
			return nil
		})
	}
	if cfg.Collector.Enabled {
		sched.Start(gctx)
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sched.Stop()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	os.Remove(cfg.PidFile)
	log.Info("goodbye")
	return err
}

func newDispatcher(cfg *config.Config, db *store.Store, publisher progress.Publisher, log *slog.Logger, m *metrics.Metrics) (*notify.Dispatcher, error) {
	dir, err := notify.NewStaticDirectory(cfg.Notify.Recipients)
	if err != nil {
		return nil, fmt.Errorf("notify recipients: %w", err)
	}
	d := notify.NewDispatcher(db, dir, cfg.Notify.BaseURL, log, m)
	d.Register(notify.NewPushChannel(publisher), nil)
	if cfg.Notify.Email.Host != "" {
		d.Register(notify.NewEmailChannel(cfg.Notify.Email), notify.PerMinute(cfg.Notify.Email.RatePerMinute))
	}
	if cfg.Notify.Webhook.URL != "" {
		d.Register(notify.NewWebhookChannel(cfg.Notify.Webhook), notify.PerMinute(cfg.Notify.Webhook.RatePerMinute))
	}
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		d.Register(notify.NewKafkaChannel(cfg.Notify.Kafka), nil)
	}
	log.Info("notification channels registered", "channels", strings.Join(d.Channels(), ","))
	return d, nil
}

// ---------------------------------------------------------------------------
// -nginx: print sample nginx config
// ---------------------------------------------------------------------------

func cmdNginx() {
	cfg := config.Load()
	fmt.Print(nginxConfig(cfg.BasePath, cfg.Listen))
}

func nginxConfig(basePath, listen string) string {
	var b strings.Builder
	if basePath == "/" || basePath == "" {
		basePath = "/fitalert"
		b.WriteString("# base_path is \"/\", using \"/fitalert\" as example.\n")
		b.WriteString("# Set base_path in config.yaml to match your location.\n\n")
	}
	fmt.Fprintf(&b, `# nginx reverse proxy configuration for fitalert
# Add this inside an http { server { ... } } block.

location %s/ {
    proxy_pass         http://%s/;
    proxy_http_version 1.1;

    # WebSocket support for /api/v1/ws
    proxy_set_header   Upgrade $http_upgrade;
    proxy_set_header   Connection "upgrade";

    proxy_set_header   Host              $host;
    proxy_set_header   X-Real-IP         $remote_addr;
    proxy_set_header   X-Forwarded-For   $proxy_add_x_forwarded_for;
    proxy_set_header   X-Forwarded-Proto $scheme;

    # Caller identity for notification endpoints
    # proxy_set_header X-User-ID $remote_user;

    proxy_buffering    off;
    proxy_read_timeout 86400s;
}

# config.yaml should have:
#   base_path: "%s"
`, basePath, listen, basePath)
	return b.String()
}

// ---------------------------------------------------------------------------
// PID file helpers
// ---------------------------------------------------------------------------

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID in %s", path)
	}
	return pid, nil
}
