// Command aegisd is the alert investigation daemon. It exposes the
// investigation API over HTTP, runs the planning loop against the
// configured oracle, and persists every step to SQLite.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/aegis-soc/aegis/internal/analyst"
	"github.com/aegis-soc/aegis/internal/bus"
	"github.com/aegis-soc/aegis/internal/config"
	"github.com/aegis-soc/aegis/internal/cron"
	"github.com/aegis-soc/aegis/internal/dataset"
	"github.com/aegis-soc/aegis/internal/engine"
	"github.com/aegis-soc/aegis/internal/gateway"
	"github.com/aegis-soc/aegis/internal/intel"
	"github.com/aegis-soc/aegis/internal/notify"
	"github.com/aegis-soc/aegis/internal/oracle"
	aegisotel "github.com/aegis-soc/aegis/internal/otel"
	"github.com/aegis-soc/aegis/internal/persistence"
	"github.com/aegis-soc/aegis/internal/sandbox"
	"github.com/aegis-soc/aegis/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the investigation daemon
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the daemon version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AEGIS_HOME              Data directory (default: ~/.aegis)
  AEGIS_BIND_ADDR         Gateway listen address
  GEMINI_API_KEY          Oracle key for the google provider
  ANTHROPIC_API_KEY       Oracle key for the anthropic provider
  OPENAI_API_KEY          Oracle key for the openai provider
  ABUSEIPDB_API_KEY       Enables the live intel source
  TELEGRAM_BOT_TOKEN      Enables verdict notifications
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Under a supervisor (stdout is a pipe) the JSONL file is the record
	// of truth and stdout stays quiet.
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AEGIS_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := aegisotel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := aegisotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "aegis.db"))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	if err := bootstrapDataFiles(cfg); err != nil {
		fatalStartup(logger, "E_DATA_BOOTSTRAP", err)
	}

	ds, err := dataset.Load(cfg.DatasetPath)
	if err != nil {
		fatalStartup(logger, "E_DATASET_LOAD", err)
	}
	logger.Info("dataset loaded", "path", cfg.DatasetPath, "rows", ds.Len())

	intelTable, err := intel.NewTable(cfg.Intel.TablePath, logger)
	if err != nil {
		fatalStartup(logger, "E_INTEL_TABLE_LOAD", err)
	}
	if err := intelTable.Watch(ctx); err != nil {
		logger.Warn("intel table watcher unavailable", "error", err)
	}
	liveIntel := intel.NewLiveSource(cfg.Intel.APIKey, cfg.Intel.BaseURL, logger)
	intelRepo := intel.NewResolver(liveIntel, intelTable, logger)

	llm := oracle.NewGenkitOracle(ctx, cfg.LLM, cfg.LLMAPIKey(), logger)
	llm.SetMetrics(metrics)

	executor := sandbox.NewExecutor(cfg.SnippetTimeout(), logger)
	executor.SetMetrics(metrics)
	analystSvc, err := analyst.New(llm, executor, ds, cfg.Investigation.AnalystRetries, logger)
	if err != nil {
		fatalStartup(logger, "E_ANALYST_INIT", err)
	}

	oracleRetries := cfg.Investigation.PlannerAttempts - 1
	planner, err := engine.NewPlanner(llm, oracleRetries, logger)
	if err != nil {
		fatalStartup(logger, "E_PLANNER_INIT", err)
	}
	synth, err := engine.NewSynthesizer(llm, oracleRetries, logger)
	if err != nil {
		fatalStartup(logger, "E_SYNTHESIZER_INIT", err)
	}

	runner := engine.NewRunner(store, planner, synth, intelRepo, analystSvc, eventBus, engine.RunnerConfig{
		MaxLoops: cfg.Investigation.MaxLoops,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Logger:   logger,
	})

	gw := gateway.New(gateway.Config{
		Store:     store,
		Runner:    runner,
		Analyst:   analystSvc,
		Bus:       eventBus,
		AuthToken: strings.TrimSpace(os.Getenv("AEGIS_AUTH_TOKEN")),
		Logger:    logger,
	})
	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Retention.Days > 0 {
		retention, err := cron.NewScheduler(cron.Config{
			Store:         store,
			Logger:        logger,
			Schedule:      cfg.Retention.Schedule,
			RetentionDays: cfg.Retention.Days,
		})
		if err != nil {
			fatalStartup(logger, "E_RETENTION_INIT", err)
		}
		retention.Start(ctx)
		defer retention.Stop()
	}

	if cfg.Telegram.Enabled {
		if cfg.Telegram.Token == "" {
			logger.Warn("telegram notifications enabled but token is missing")
		} else {
			notifier := notify.NewTelegramNotifier(notify.Config{
				Token:       cfg.Telegram.Token,
				ChatIDs:     cfg.Telegram.ChatIDs,
				MinSeverity: cfg.Telegram.MinSeverity,
				Store:       store,
				Bus:         eventBus,
				Logger:      logger,
			})
			go func() {
				if err := notifier.Start(ctx); err != nil {
					logger.Error("telegram notifier failed", "error", err)
				}
			}()
		}
	}

	logger.Info("startup phase", "phase", "ready")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: aegisd status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	addr := strings.TrimSpace(cfg.BindAddr)
	if host, port, err := net.SplitHostPort(addr); err == nil {
		addr = net.JoinHostPort(host, port)
	}
	healthURL := "http://" + addr + "/healthz"

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body [4096]byte
	n, _ := resp.Body.Read(body[:])
	os.Stdout.Write(body[:n])
	if n == 0 || body[n-1] != '\n' {
		fmt.Println()
	}
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"aegisd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
