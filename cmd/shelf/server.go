package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/kalambet/shelf/internal/api"
	"github.com/kalambet/shelf/internal/config"
	"github.com/kalambet/shelf/internal/service"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Start the shelf server (foreground)",
	Long: `Start the shelf server in the foreground.

The HTTP API listens on 127.0.0.1. With --mcp (or server.mcp_enabled) the
MCP tools are also served over stdin/stdout for an MCP client that spawns
shelf as a subprocess.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var mcpOverride *bool
		if cmd.Flags().Changed("mcp") {
			v, _ := cmd.Flags().GetBool("mcp")
			mcpOverride = &v
		}
		return runServer(mcpOverride)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shelf server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, model and catalog status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shelf.pid")
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

func runServer(mcpOverride *bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("starting shelf", "version", version, "config", config.ConfigLocation())

	token, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("closing resources", "error", err)
		}
	}()

	mcpEnabled := cfg.Server.MCPEnabled
	if mcpOverride != nil {
		mcpEnabled = *mcpOverride
	}

	sup := newSupervisor(slog.Default())
	sup.Add(&httpService{
		addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		handler: api.NewAppHandler(api.AppDeps{Service: a.service, Token: token}),
	})
	sup.Add(a.worker)
	if mcpEnabled {
		sup.Add(&mcpService{srv: api.NewMCPServer(a.service, version), in: os.Stdin, out: os.Stdout})
	}

	err = sup.Serve(ctx)
	if unstopped, _ := sup.UnstoppedServiceReport(); len(unstopped) > 0 {
		slog.Warn("services did not stop in time", "count", len(unstopped))
	}
	slog.Info("shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newSupervisor returns the root supervisor for the long-running services.
func newSupervisor(logger *slog.Logger) *suture.Supervisor {
	handler := &sutureslog.Handler{Logger: logger}
	return suture.New("shelf", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout * 2,
	})
}

// httpService runs the HTTP API under the supervisor. Each Serve call
// builds a fresh http.Server because a shut down server cannot restart.
type httpService struct {
	addr    string
	handler http.Handler
}

func (h *httpService) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("shelf listening", "addr", h.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string { return "http api " + h.addr }

// mcpService serves MCP over a reader/writer pair. When the client closes
// its end the service finishes for good instead of being restarted.
type mcpService struct {
	srv *server.MCPServer
	in  io.Reader
	out io.Writer
}

func (m *mcpService) Serve(ctx context.Context) error {
	err := server.NewStdioServer(m.srv).Listen(ctx, m.in, m.out)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil || errors.Is(err, io.EOF):
		slog.Info("MCP client disconnected")
		return suture.ErrDoNotRestart
	default:
		return fmt.Errorf("mcp stdio server: %w", err)
	}
}

func (m *mcpService) String() string { return "mcp stdio" }

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("shelf is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop shelf (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to shelf (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Partial status is still useful.
		printError("config error: %v", err)
		return nil
	}

	hc := &http.Client{Timeout: 2 * time.Second}
	running := false
	if resp, err := hc.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if resp, err := hc.Get(cfg.Ollama.BaseURL + "/api/tags"); err != nil {
		printStatus("Model server", "not reachable at %s", cfg.Ollama.BaseURL)
	} else {
		resp.Body.Close()
		printStatus("Model server", "running at %s", cfg.Ollama.BaseURL)
	}
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	if cfg.Explain.Enabled && cfg.Ollama.LLMModel != "" {
		printStatus("Explanations", "%s", cfg.Ollama.LLMModel)
	} else {
		printStatus("Explanations", "off")
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			var st service.Status
			resp, err := client.get(ctx, "/status")
			if err == nil {
				err = decodeJSON(resp, &st)
			}
			if err != nil {
				printWarning("could not read catalog status: %v", err)
			} else {
				printCatalogStatus(st)
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Config", "%s", config.ConfigLocation())
	return nil
}

func printCatalogStatus(st service.Status) {
	printStatus("Books", "%d (%d ready, %d pending, %d failed)", st.Books, st.Ready, st.Pending, st.Failed)
	printStatus("Index", "%s, %d vectors, dimension %d", st.Backend, st.Indexed, st.Dimension)
	printStatus("Feedback", "%d rated", st.Feedback)
}
