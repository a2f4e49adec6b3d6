package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/kalambet/autowa/internal/api"
	"github.com/kalambet/autowa/internal/config"
	"github.com/kalambet/autowa/internal/conversation"
	"github.com/kalambet/autowa/internal/engine"
	"github.com/kalambet/autowa/internal/ingest"
	"github.com/kalambet/autowa/internal/memory"
	"github.com/kalambet/autowa/internal/pipeline"
	"github.com/kalambet/autowa/internal/state"
	"github.com/kalambet/autowa/internal/storage"
	"github.com/kalambet/autowa/internal/whatsapp"
)

// maxConns caps simultaneous connections to the local listener.
const maxConns = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and management server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running autowa server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show autowa system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "autowa.pid")
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

// backend is the persistence chosen by storage.backend. store is nil for
// the file backend, which keeps no run log or job queue.
type backend struct {
	persister state.Persister
	store     *storage.Store
}

func openBackend(cfg config.Config) (backend, error) {
	if cfg.Storage.Backend == "file" {
		return backend{persister: state.FilePersister{Path: filepath.Join(cfg.Storage.DataDir, "state.json")}}, nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return backend{}, fmt.Errorf("opening storage: %w", err)
	}
	return backend{persister: storage.BlobPersister{Store: store, Key: "state"}, store: store}, nil
}

func (b backend) Close() {
	if b.store == nil {
		return
	}
	if err := b.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "autowa version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken := cfg.API.Token
	if apiToken == "" {
		if apiToken, err = config.GetAPIToken(config.NewSecretStore()); err != nil {
			return fmt.Errorf("initializing API token: %w", err)
		}
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("autowa is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("autowa is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := engine.Detect(ctx, engine.DetectConfig{
		Generation:       cfg.Provider.Generation,
		Embedding:        cfg.Provider.Embedding,
		GeminiAPIKey:     cfg.Gemini.APIKey,
		GeminiModel:      cfg.Gemini.Model,
		GeminiEmbedModel: cfg.Gemini.EmbedModel,
		OpenAIAPIKey:     cfg.OpenAI.APIKey,
		OpenAIBaseURL:    cfg.OpenAI.BaseURL,
		OpenAIModel:      cfg.OpenAI.Model,
		OpenAIEmbedModel: cfg.OpenAI.EmbedModel,
		OllamaBaseURL:    cfg.Ollama.BaseURL,
		OllamaModel:      cfg.Ollama.Model,
		OllamaEmbedModel: cfg.Ollama.EmbedModel,
	})
	if err != nil {
		return fmt.Errorf("detecting providers: %w", err)
	}
	defer providers.Close()
	if providers.Ollama != nil {
		if err := providers.Ollama.EnsureReady(ctx, cfg.Provider.Generation == "ollama", cfg.Provider.Embedding == "ollama", os.Stderr); err != nil {
			return err
		}
	}

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer be.Close()

	st := state.NewStore(be.persister, state.WithDefaultAutoReply(cfg.AutoReply.Enabled))
	conv := conversation.New(st)
	mem := memory.New(st, providers.Embedder)
	dispatcher := whatsapp.NewDispatcher(whatsapp.NewClient(cfg.WhatsApp.APIBaseURL))

	var opts []pipeline.Option
	deps := api.Deps{
		Conv:        conv,
		Memory:      mem,
		VerifyToken: cfg.WhatsApp.VerifyToken,
		Token:       apiToken,
		Version:     version,
	}
	if be.store != nil {
		opts = append(opts, pipeline.WithJobQueue(be.store), pipeline.WithRunLog(be.store))
		deps.Runs = be.store
		deps.Jobs = be.store

		worker := ingest.NewWorker(be.store, mem, 500*time.Millisecond, cfg.ProviderTimeout())
		go worker.Run(ctx)
	}

	deps.Orchestrator = pipeline.New(conv, mem, providers.Generator, dispatcher, pipeline.Config{
		Business:      cfg.Business.Description,
		AccessToken:   cfg.WhatsApp.AccessToken,
		PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
		TopK:          cfg.Retrieval.TopK,
		HistoryWindow: cfg.Retrieval.HistoryWindow,
		Timeout:       cfg.ProviderTimeout(),
	}, opts...)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "autowa listening on %s\n", addr)
		if err := srv.Serve(netutil.LimitListener(ln, maxConns)); err != nil && err != http.ErrServerClosed {
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
		printError("autowa is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop autowa (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to autowa (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	running := false
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

	printStatus("Generation", "%s", providerLabel(cfg, cfg.Provider.Generation, false))
	printStatus("Embedding", "%s", providerLabel(cfg, cfg.Provider.Embedding, true))
	if cfg.Provider.Generation == "ollama" || cfg.Provider.Embedding == "ollama" {
		if r, err := client.Get(cfg.Ollama.BaseURL + "/api/version"); err != nil {
			printStatus("Ollama", "not running")
		} else {
			r.Body.Close()
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
		}
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			var s api.StatusView
			if err := c.get(ctx, "/v1/status", &s); err == nil {
				printStatus("Contacts", "%d", s.Contacts)
				printStatus("Vectors", "%d (dimension %d)", s.Vectors, s.Dimension)
				printStatus("Auto-reply", "%s", onOff(s.AutoReply))
				if len(s.Jobs) > 0 {
					b, _ := json.Marshal(s.Jobs)
					printStatus("Jobs", "%s", b)
				}
			}
		}
	}

	printStatus("Backend", "%s", cfg.Storage.Backend)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func providerLabel(cfg config.Config, name string, embedding bool) string {
	model := ""
	switch name {
	case "gemini":
		model = cfg.Gemini.Model
		if embedding {
			model = cfg.Gemini.EmbedModel
		}
	case "openai":
		model = cfg.OpenAI.Model
		if embedding {
			model = cfg.OpenAI.EmbedModel
		}
	case "ollama":
		model = cfg.Ollama.Model
		if embedding {
			model = cfg.Ollama.EmbedModel
		}
	}
	return fmt.Sprintf("%s (%s)", name, model)
}
