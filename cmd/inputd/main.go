// inputd - input event dispatcher daemon
//
// inputd owns the distribution of low-level input events to per-window
// consumers: focus and touch routing, ANR detection, key repeat, and
// injection. It exposes a unix-socket control surface for status, state
// dumps, event injection and config reload, and an optional Prometheus
// metrics endpoint.
//
//	inputd -config ~/.inputd/config.toml
//	inputd -socket /run/user/1000/inputd.sock -log-level debug
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"inputd/internal/config"
	"inputd/internal/dispatch"
	"inputd/internal/health"
	"inputd/internal/ipc"
	"inputd/internal/logging"
	"inputd/internal/metrics"
	"inputd/internal/policy"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	socketPath := flag.String("socket", "", "control socket path (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("inputd %s (built %s)\n", Version, BuildTime)
		return
	}

	if err := run(*configPath, *socketPath, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "inputd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, socketOverride, levelOverride string) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if socketOverride != "" {
		cfg.SocketPath = socketOverride
	}
	if levelOverride != "" {
		cfg.LogLevel = levelOverride
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	logCfg := &logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Format:    logging.ParseFormat(cfg.LogFormat),
		Output:    "stderr",
		Component: "inputd",
	}
	if cfg.LogPath != "" {
		logCfg.Output = "both"
		logCfg.FilePath = cfg.LogPath
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.Logger

	registry := metrics.NewRegistry("inputd")
	dispatcherMetrics := metrics.NewDispatcherMetrics(registry)

	pol := policy.NewDefault(cfg, log)
	dispatcher := dispatch.New(pol, dispatch.Options{
		Logger:  log,
		Metrics: dispatcherMetrics,
	})
	dispatcher.Start()
	defer dispatcher.Stop()

	checker := health.NewChecker()
	checker.Register(&health.Component{
		Name:     "dispatch_loop",
		Critical: true,
		Check:    health.MonitorCheck(dispatcher.Monitor),
	})

	// Hot-reload timing knobs when the config file changes.
	loader.OnChange(func(newCfg *config.Config) {
		log.Info("configuration reloaded")
		pol.Reconfigure(newCfg)
	})
	if configPath != "" {
		if err := loader.Watch(); err != nil {
			log.Warn("config watch unavailable", "error", err)
		}
		defer loader.Close()
		go func() {
			for err := range loader.Errors() {
				log.Warn("config reload failed", "error", err)
			}
		}()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.Handler())
		go func() {
			log.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn("metrics endpoint failed", "error", err)
			}
		}()
	}

	shutdownCh := make(chan struct{}, 1)
	server := ipc.NewServer(ipc.ServerConfig{
		SocketPath: cfg.SocketPath,
		Logger:     log,
	}, newControlHandler(dispatcher, loader, checker, shutdownCh))
	if err := server.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	defer server.Close()

	log.Info("inputd started", "version", Version, "socket", cfg.SocketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-shutdownCh:
		log.Info("shutting down", "reason", "control request")
	}
	return nil
}
