// Command craned is the CraneSched node Agent: it holds one node's RCG
// Manager, Job Manager, Supervisor Keeper, and Controller Client, and
// runs until SIGINT/SIGTERM triggers graceful shutdown (spec.md §2,
// §5).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/hashicorp/go-hclog"

	"github.com/cranesched/craned/internal/agent"
	"github.com/cranesched/craned/internal/config"
)

func main() {
	var (
		baseDir          = flag.String("base-dir", "/var/run/craned", "root of the agent's writable state directory")
		ctldAddr         = flag.String("ctld-addr", "", "controller address (overrides default)")
		agentListen      = flag.String("listen", "", "address this Agent's launch RPC server binds (overrides default)")
		fanoutAddr       = flag.String("fanout-addr", "", "FANOUT address for interactive I/O forwarding")
		supervisorBinary = flag.String("supervisor-binary", "", "path to the supervisor binary (defaults to '<this executable>-supervisor', else 'supervisor' on PATH)")
		logLevel         = flag.String("log-level", "info", "log level: trace|debug|info|warn|error")
		logJSON          = flag.Bool("log-json", true, "emit structured JSON logs")
	)
	flag.Parse()

	logger := log.New(&log.LoggerOptions{
		Name:       "craned",
		Level:      log.LevelFromString(*logLevel),
		JSONFormat: *logJSON,
	})

	cfg := config.Default()
	cfg.BaseDir = *baseDir
	cfg.ScriptDir = *baseDir + "/script"
	cfg.SupervisorDir = *baseDir + "/supervisor"
	cfg.MutexPath = *baseDir + "/craned.mutex"
	if *ctldAddr != "" {
		cfg.CtldAddr = *ctldAddr
	}
	if *agentListen != "" {
		cfg.AgentListen = *agentListen
	}
	cfg.FanoutAddr = *fanoutAddr

	hostname, err := os.Hostname()
	if err != nil {
		logger.Error("failed to resolve hostname", "error", err)
		os.Exit(1)
	}
	cfg.Hostname = hostname

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		logger.Error("failed to create base dir", "error", err)
		os.Exit(1)
	}

	release, err := acquireSingletonLock(cfg.MutexPath)
	if err != nil {
		logger.Error("another craned instance already owns this base dir", "error", err)
		os.Exit(1)
	}
	defer release()

	binary := *supervisorBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			logger.Error("failed to resolve own executable path", "error", err)
			os.Exit(1)
		}
		binary = self + "-supervisor"
		if _, statErr := os.Stat(binary); statErr != nil {
			logger.Warn("no co-located supervisor binary found, falling back to PATH lookup", "tried", binary)
			binary = "supervisor"
		}
	}

	a, err := agent.New(logger, cfg, binary)
	if err != nil {
		logger.Error("failed to construct agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		logger.Error("failed to start agent", "error", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", fmt.Sprint(sig))

	a.Shutdown()
}
