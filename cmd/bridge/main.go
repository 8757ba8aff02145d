// Taskbridge server
// Stdio carries the orchestrator tool-call protocol; every assign_task
// spawns an ACP agent subprocess supervised by the session package.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaervinen/taskbridge/internal/app"
	"github.com/jaervinen/taskbridge/internal/bus"
	"github.com/jaervinen/taskbridge/internal/config"
	"github.com/jaervinen/taskbridge/internal/metrics"
	"github.com/jaervinen/taskbridge/internal/policy"
	"github.com/jaervinen/taskbridge/internal/registry"
	"github.com/jaervinen/taskbridge/internal/session"
	"github.com/jaervinen/taskbridge/internal/store"
	bridgetools "github.com/jaervinen/taskbridge/internal/tools/bridge"
	"github.com/jaervinen/taskbridge/internal/workflow"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	teamFlag := flag.String("team", "", "team identifier tagged onto tasks")
	configFlag := flag.String("config", config.DefaultConfigPath, "path to the bridge config file")
	modeFlag := flag.String("mode", "mcp", "server mode: mcp or both")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println("taskbridge " + Version)
		return
	}
	session.Version = Version

	bootLogger := log.New(newRedactingWriter(os.Stderr), "[bridge] ", log.LstdFlags)

	switch *modeFlag {
	case "mcp", "both":
	case "watcher":
		bootLogger.Println("watcher mode is not supported; run with --mode mcp")
		os.Exit(1)
	default:
		bootLogger.Printf("unknown mode %q (want mcp or both)", *modeFlag)
		os.Exit(1)
	}
	if *teamFlag == "" {
		bootLogger.Println("--team is required")
		os.Exit(1)
	}

	cfg := loadConfig(*configFlag, bootLogger)
	logger := setupLogger(cfg.Logging.File)
	logger.Printf("starting taskbridge %s (team %s, mode %s)", Version, *teamFlag, *modeFlag)
	logger.Printf("workspace root: %s", cfg.WorkspaceRoot)

	if err := os.MkdirAll(cfg.BridgeRoot(), 0o700); err != nil {
		logger.Fatalf("bridge root: %v", err)
	}

	m := metrics.New()

	st, err := store.Open(cfg.TaskStorePath())
	if err != nil {
		logger.Fatalf("task store: %v", err)
	}
	if n, err := st.RecoverOrphaned(); err != nil {
		logger.Printf("orphan recovery: %v", err)
	} else if n > 0 {
		logger.Printf("orphan recovery: %d task(s) from a previous run marked failed", n)
	}

	msgBus, err := bus.New(cfg.BridgeRoot(), logger, bus.WithDropCounter(m.Inc))
	if err != nil {
		logger.Fatalf("message bus: %v", err)
	}

	reg, err := registry.Open(filepath.Join(cfg.BridgeRoot(), "agents.json"), logger,
		registry.WithSaveFailureCounter(func() { m.Inc(metrics.RegistrySaveFailures) }))
	if err != nil {
		logger.Fatalf("agent registry: %v", err)
	}
	// Persisted agents would otherwise look stale immediately after restart.
	reg.RefreshHeartbeats()

	var customRules []policy.Rule
	if cfg.Permissions.AutoApprove {
		customRules = append(customRules, policy.Rule{
			Name:        "auto-approve",
			ToolPattern: "*",
			Action:      policy.Allow,
		})
		logger.Println("permissions: autoApprove enabled, every agent tool call is allowed")
	}
	pol := policy.New(customRules, nil, logger)

	svc := app.New(cfg, *teamFlag, logger, st, msgBus, reg, m, workflow.NewEngine(logger), pol)

	// The bus watcher keeps registry pending counts fresh without polling.
	watcher, err := msgBus.Watch(logger, func(agent string) {
		if agent == "" {
			for _, e := range reg.GetAll() {
				refreshCounts(msgBus, reg, e.Name, logger)
			}
			return
		}
		refreshCounts(msgBus, reg, agent, logger)
	})
	if err != nil {
		logger.Printf("bus watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("tool call: %s", message.Params.Name)
		}
	})
	mcpServer := server.NewMCPServer("taskbridge", Version, server.WithHooks(hooks))
	bridgetools.Register(mcpServer, svc, logger, Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received %v, shutting down", sig)
		cancel()
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			fresh, err := config.Load(*configFlag)
			if err != nil {
				logger.Printf("config reload failed, keeping current config: %v", err)
				continue
			}
			svc.ReloadConfig(fresh)
		}
	}()

	logger.Println("stdio ready (orchestrator connection)")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("stdio server stopped: %v", err)
	}

	cancel()
	svc.Shutdown()
	if err := st.Close(); err != nil {
		logger.Printf("close task store: %v", err)
	}
	logger.Println("bridge stopped")
}

// loadConfig loads the config file, falling back to defaults rooted at the
// current directory when the file does not exist. A present-but-broken file
// is fatal.
func loadConfig(path string, logger *log.Logger) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	if !errors.Is(err, os.ErrNotExist) {
		logger.Fatalf("config %s: %v", path, err)
	}

	logger.Printf("config %s not found, using defaults", path)
	cfg = config.Default()
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatalf("working directory: %v", err)
	}
	cfg.WorkspaceRoot = cwd
	return cfg
}

func refreshCounts(msgBus *bus.Bus, reg *registry.Registry, agent string, logger *log.Logger) {
	unread, err := msgBus.UnreadCount(agent)
	if err != nil {
		logger.Printf("inbox count for %s: %v", agent, err)
		return
	}
	open, err := msgBus.OpenRequestCountFor(agent)
	if err != nil {
		logger.Printf("request count for %s: %v", agent, err)
		return
	}
	reg.UpdateMessageCounts(agent, unread, open)
}
