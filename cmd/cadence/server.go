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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/cadence/internal/api"
	"github.com/kalambet/cadence/internal/cadence"
	"github.com/kalambet/cadence/internal/channel"
	"github.com/kalambet/cadence/internal/config"
	"github.com/kalambet/cadence/internal/executor"
	"github.com/kalambet/cadence/internal/ledger"
	"github.com/kalambet/cadence/internal/outreach"
	"github.com/kalambet/cadence/internal/sequence"
	"github.com/kalambet/cadence/internal/storage"
	"github.com/kalambet/cadence/internal/sweep"
	"github.com/kalambet/cadence/internal/tracker"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the cadence server and sweep worker (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		withSweep, _ := cmd.Flags().GetBool("sweep")
		return runServer(withMCP, withSweep)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", true, "serve MCP tools over stdio")
	serveCmd.Flags().Bool("sweep", true, "execute due touches in the background")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running cadence server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and outreach totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "cadence.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// channels returns the configured email sender and notifier. Without
// Pushover credentials notifications go to the log.
func channels(cfg config.Config) (channel.EmailSender, channel.Notifier) {
	smtpSender := &channel.SMTP{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
	if !smtpSender.Configured() && cfg.Executor.AutoSend {
		slog.Warn("executor.auto_send is on but smtp is not configured; email touches will fail")
	}

	var notifier channel.Notifier = channel.LogNotifier{}
	push := &channel.Pushover{
		UserKey:  cfg.Pushover.UserKey,
		AppToken: cfg.Pushover.AppToken,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
	if push.Configured() {
		notifier = push
	} else {
		slog.Info("pushover not configured, operator notifications go to the log")
	}
	return smtpSender, notifier
}

func runServer(withMCP, withSweep bool) error {
	fmt.Fprintf(os.Stderr, "cadence version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice. The health endpoint is unauthenticated.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("cadence is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("cadence is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	cadences, err := cadence.OpenRegistry(cfg.Cadence.File)
	if err != nil {
		return fmt.Errorf("loading cadences: %w", err)
	}
	slog.Info("cadence catalog loaded", "cadences", cadences.Catalog().Names(), "file", cfg.Cadence.File)
	if cfg.Cadence.Watch && cfg.Cadence.File != "" {
		go func() {
			if err := cadences.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("cadence watcher stopped", "error", err)
			}
		}()
	}

	// Validate already rejected unknown policies.
	schedulePolicy, _ := cadence.ParseWeekendPolicy(cfg.Schedule.WeekendPolicy)
	meetingPolicy, _ := cadence.ParseWeekendPolicy(cfg.Meeting.WeekendPolicy)

	email, notifier := channels(cfg)
	tr := tracker.New(store, store)
	ex := executor.New(store, tr, email, notifier, executor.Config{
		Timeout:  cfg.ExecutorTimeout(),
		Adaptive: cfg.Executor.Adaptive,
		AutoSend: cfg.Executor.AutoSend,
	})
	sched := sequence.New(store, cadences, ex, tr, sequence.Options{
		Workers:          cfg.Sweep.Workers,
		StaleAfter:       cfg.StaleAfter(),
		Weekend:          schedulePolicy,
		RecordDispatches: cfg.Tracker.RecordDispatches,
	})
	svc := outreach.New(outreach.Deps{
		Store:         store,
		Cadences:      cadences,
		Scheduler:     sched,
		Tracker:       tr,
		Ledger:        ledger.New(store),
		MeetingPolicy: meetingPolicy,
	})

	appDeps := api.AppDeps{Service: svc, Token: apiToken}
	if withSweep {
		worker := sweep.NewWorker(sched, cfg.SweepInterval())
		appDeps.Sweep = worker
		go worker.Run(ctx)
	}

	topRouter := chi.NewRouter()
	topRouter.Mount("/", api.NewAppHandler(appDeps))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           topRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Service: svc})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "cadence listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("cadence is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop cadence (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to cadence (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Cadence file", "%s", valueOr(cfg.Cadence.File, "built-in"))
	printStatus("Auto send", "%t", cfg.Executor.AutoSend)
	printStatus("Adaptive", "%t", cfg.Executor.Adaptive)
	printStatus("Sweep", "every %s, %d workers", cfg.SweepInterval(), cfg.Sweep.Workers)

	if running {
		token, tokenErr := config.APIToken(cfg)
		if tokenErr == nil {
			ac := &apiClient{baseURL: serverURL, token: token, httpClient: client}
			var sum api.SummaryResponse
			if r, err := ac.get(context.Background(), "/summary"); err == nil && decodeJSON(r, &sum) == nil {
				printStatus("Active sequences", "%d", sum.ActiveSequences)
				printStatus("Pending touches", "%d", sum.PendingTouches)
				printStatus("Due now", "%d", sum.DueTouches)
				printStatus("Scheduled today", "%d", sum.ScheduledToday)
				if sum.LastSweep != nil {
					printStatus("Last sweep", "%s (%d due, %d sent, %d failed)",
						sum.LastSweep.RanAt.Format(time.RFC3339), sum.LastSweep.Stats.Due,
						sum.LastSweep.Stats.Sent, sum.LastSweep.Stats.Failed)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
