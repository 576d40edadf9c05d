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
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/icewall905/image-tagger/internal/api"
	"github.com/icewall905/image-tagger/internal/config"
	"github.com/icewall905/image-tagger/internal/metadata"
	"github.com/icewall905/image-tagger/internal/pipeline"
	"github.com/icewall905/image-tagger/internal/storage"
	"github.com/icewall905/image-tagger/internal/tracker"
	"github.com/icewall905/image-tagger/internal/vision"
	"github.com/icewall905/image-tagger/internal/watcher"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the image-tagger server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running image-tagger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show image-tagger system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "image-tagger.pid")
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

// appPipeline bundles the processing stack the server and the tag command
// both build from config.
type appPipeline struct {
	processor *pipeline.Processor
	tracker   *tracker.Tracker
	vision    *vision.Client
}

func buildPipeline(cfg config.Config, store *storage.Store, progress *pipeline.Progress, logger *slog.Logger) *appPipeline {
	sources := []tracker.Source{tracker.NewDatabaseSource(store)}
	if cfg.Tracking.Enabled {
		sources = append(sources, tracker.NewLogSource(cfg.Tracking.LogPath))
	}
	trk := tracker.New(logger, sources...)

	restartCmd := ""
	if cfg.Ollama.RestartEnabled {
		restartCmd = cfg.Ollama.RestartCmd
	}
	visionClient := vision.New(vision.Options{
		BaseURL:         cfg.Ollama.Server,
		Model:           cfg.Ollama.Model,
		Temperature:     cfg.Ollama.Temperature,
		MaxRetries:      cfg.Ollama.MaxRetries,
		RestartCmd:      restartCmd,
		RestartCooldown: time.Duration(cfg.Ollama.RestartCooldown) * time.Second,
		Logger:          logger,
	})

	proc := pipeline.New(pipeline.Deps{
		Store:    store,
		Dedup:    trk,
		Describe: visionClient,
		Encode:   vision.NewEncoder(),
		Metadata: metadata.NewWriter(nil, cfg.Processing.MetadataMaxRetries, logger),
		Progress: progress,
		Logger:   logger,
	})
	proc.BatchSize = cfg.Processing.BatchSize
	proc.BatchDelay = time.Duration(cfg.Processing.BatchDelay) * time.Second

	return &appPipeline{processor: proc, tracker: trk, vision: visionClient}
}

// watchManager swaps the watcher service when the folder list changes. The
// API calls refresh after every folder mutation.
type watchManager struct {
	mu     sync.Mutex
	deps   watcher.Deps
	store  *storage.Store
	logger *slog.Logger
	svc    *watcher.Service
}

func (m *watchManager) refresh(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.svc != nil {
		if err := m.svc.Stop(); err != nil {
			m.logger.Warn("stopping watcher", "error", err)
		}
	}

	folders, err := m.store.ListFolders(true)
	if err != nil {
		m.logger.Error("listing folders for watcher", "error", err)
		return
	}

	m.svc = watcher.New(m.deps)
	if err := m.svc.Start(ctx, folders); err != nil {
		m.logger.Error("starting watcher", "error", err)
	}
}

func (m *watchManager) stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.svc != nil {
		m.svc.Stop()
	}
}

func setupLogging(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "image-tagger version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log.Level)

	// Refuse to double-start: probe the health endpoint before taking the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("image-tagger is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("image-tagger is already running on port %d", cfg.Server.Port)
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

	progress := pipeline.NewProgress()
	app := buildPipeline(cfg, store, progress, logger)

	if app.vision.IsRunning(ctx) {
		logger.Info("vision service ready", "server", cfg.Ollama.Server, "model", cfg.Ollama.Model)
	} else {
		printWarning("Ollama not reachable at %s; processing will retry when it comes up", cfg.Ollama.Server)
	}

	// Folder watcher, restarted by the API whenever folders change.
	watches := &watchManager{
		deps: watcher.Deps{
			Enabled:   cfg.Watcher.Enabled,
			Processor: app.processor,
			Store:     store,
			Tracker:   app.tracker,
			Logger:    logger,
		},
		store:  store,
		logger: logger,
	}
	watches.refresh(ctx)
	defer watches.stop()

	handler := api.NewHandler(api.Deps{
		Store:          store,
		Runner:         app.processor,
		Progress:       progress,
		Logger:         logger,
		RefreshWatches: func(context.Context) { watches.refresh(ctx) },
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server on stdio.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Runner:   app.processor,
		Progress: progress,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "image-tagger listening on %s\n", addr)
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
		printError("image-tagger is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop image-tagger (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to image-tagger (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
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
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(strings.TrimRight(cfg.Ollama.Server, "/") + "/api/tags")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.Server)
	}
	printStatus("Model", "%s", cfg.Ollama.Model)

	if running {
		cli := &apiClient{baseURL: serverURL, httpClient: client}

		var status struct {
			IsRunning   bool   `json:"is_running"`
			CurrentTask string `json:"current_task"`
			Completed   int    `json:"completed"`
			Total       int    `json:"total"`
		}
		if resp, err := cli.get(ctx, "/api/operations/status"); err == nil {
			if decodeJSON(resp, &status) == nil {
				if status.IsRunning {
					printStatus("Processing", "%s (%d/%d)", status.CurrentTask, status.Completed, status.Total)
				} else {
					printStatus("Processing", "idle")
				}
			}
		}

		var folders []struct {
			Active bool `json:"active"`
		}
		if resp, err := cli.get(ctx, "/api/folders"); err == nil {
			if decodeJSON(resp, &folders) == nil {
				active := 0
				for _, f := range folders {
					if f.Active {
						active++
					}
				}
				printStatus("Folders", "%d registered, %d active", len(folders), active)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
