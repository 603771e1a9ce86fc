package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/cortexuvula/roomrelay/internal/admin"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/health"
	"github.com/cortexuvula/roomrelay/internal/logging"
	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/server"
	"github.com/cortexuvula/roomrelay/internal/setup"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomrelay",
		Short: "Real-time chat and document relay for project rooms",
	}

	var configPath string
	var verbose bool

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	startCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("roomrelay %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Store: %s\n", cfg.Store.Driver)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Auth: %s\n", authMode(cfg.Security))
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:3001/health", "Health endpoint URL")

	initConfigCmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default configuration to %s\n", path)
			return nil
		},
	}

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{
				ConfigPath: setupConfigPath,
			})
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config-path", "", "Override config file path (default: /etc/roomrelay/config.yaml)")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd, healthCmd, initConfigCmd, setupCmd, systemdCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func authMode(sec config.SecurityConfig) string {
	switch {
	case sec.JWTSecret != "" && sec.AuthToken != "":
		return "jwt + static token"
	case sec.JWTSecret != "":
		return "jwt"
	case sec.AuthToken != "":
		return "static token"
	default:
		return "open"
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	startTime := time.Now()

	// Set up logging
	var ring *logging.Ring
	if cfg.Logging.RingSize > 0 {
		ring = logging.NewRing(cfg.Logging.RingSize)
	}
	lj := logging.Setup(cfg.Logging, ring)
	defer func() {
		if lj != nil {
			lj.Close()
		}
	}()

	slog.Info("starting roomrelay",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"store", cfg.Store.Driver,
		"health", cfg.Health.ListenAddress,
	)

	// Optional Prometheus metrics
	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New(nil)
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	// Message store
	backend, err := store.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	bridge := store.NewBridge(backend, store.BridgeOptions{
		PersistTimeout:   cfg.Store.PersistTimeout,
		MaxContentLength: cfg.Chat.MaxContentLength,
		Breaker:          cfg.Store.Breaker,
		OnBreakerChange:  m.Breaker,
	})
	defer bridge.Close()

	srv, err := server.New(cfg, bridge, m)
	if err != nil {
		return err
	}
	defer srv.Close()

	// reload is shared by SIGHUP and the admin API.
	var reloadMu sync.Mutex
	reload := func() error {
		reloadMu.Lock()
		defer reloadMu.Unlock()

		newCfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		for _, w := range config.IsReloadSafe(cfg, newCfg) {
			slog.Warn("config reload warning", "warning", w)
		}

		next := cfg.ApplyReloadableFields(newCfg)
		if verbose {
			next.Logging.Level = "debug"
		}
		if err := srv.UpdateConfig(next); err != nil {
			return err
		}
		cfg = next

		// Re-setup logging with new level
		nextLJ := logging.Setup(cfg.Logging, ring)
		if lj != nil {
			lj.Close()
		}
		lj = nextLJ

		slog.Info("config reloaded successfully")
		return nil
	}

	publicServer := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           srv,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	// Health server (loopback only)
	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, health.NewHandler(srv, bridge, Version, cfg.Health.Detailed))
		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}
		if ring != nil {
			healthMux.Handle("/debug/logs", ring)
		}
		healthMux.Handle("/admin/", admin.New(admin.Dependencies{
			Source:    srv,
			Breaker:   bridge,
			Config:    srv.Config,
			Reload:    reload,
			Version:   Version,
			BuildTime: BuildTime,
			GitCommit: GitCommit,
			StartTime: startTime,
		}))
		healthServer = &http.Server{
			Addr:              cfg.Health.ListenAddress,
			Handler:           healthMux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
	}

	serveErr := make(chan error, 2)
	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("health server: %w", err)
			}
		}()
	}
	go func() {
		slog.Info("relay listening", "address", cfg.Server.ListenAddress)
		if err := publicServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("relay server: %w", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Start watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-serveErr:
			slog.Error("listener failed", "error", err)
			return err

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				slog.Info("received SIGHUP, reloading config")
				if err := reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}

			case syscall.SIGTERM, syscall.SIGINT:
				reloadMu.Lock()
				final := cfg
				reloadMu.Unlock()
				shutdown(sig, final, srv, publicServer, healthServer)
				watchdogCancel()
				return nil
			}
		}
	}
}

// shutdown drains sockets and stops both listeners. A hard exit timer
// covers handlers that never return.
func shutdown(sig os.Signal, cfg *config.Config, srv *server.Server, publicServer, healthServer *http.Server) {
	slog.Info("received shutdown signal, draining connections",
		"signal", sig.String(),
		"drain_timeout", cfg.Server.DrainTimeout.String(),
	)
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	force := time.AfterFunc(cfg.Server.ForceExitTimeout, func() {
		slog.Error("shutdown timed out, forcing exit", "force_exit_timeout", cfg.Server.ForceExitTimeout.String())
		os.Exit(1)
	})
	defer force.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
	defer cancel()

	if err := srv.Drain(ctx); err != nil {
		slog.Warn("drain incomplete", "remaining", srv.ActiveConnections(""), "error", err)
	}

	var wg sync.WaitGroup
	for _, s := range []*http.Server{publicServer, healthServer} {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				slog.Warn("listener shutdown", "address", s.Addr, "error", err)
			}
		}()
	}
	wg.Wait()

	slog.Info("shutdown complete")
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=roomrelay - real-time chat and document relay
After=network-online.target postgresql.service
Wants=network-online.target

[Service]
Type=notify
User=roomrelay
Group=roomrelay
ExecStartPre=/usr/local/bin/roomrelay validate --config /etc/roomrelay/config.yaml
ExecStart=/usr/local/bin/roomrelay start --config /etc/roomrelay/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s
TimeoutStopSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/roomrelay
LogsDirectory=roomrelay
StateDirectory=roomrelay
LimitNOFILE=65535

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=roomrelay

[Install]
WantedBy=multi-user.target
`)
}
