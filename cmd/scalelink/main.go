// Command scalelink supervises the scaled transport daemon, recovers it when
// it misbehaves and serves the operator status surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/scalelink/internal/config"
	"github.com/chaz8081/scalelink/internal/diagnostics"
	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/monitor"
	"github.com/chaz8081/scalelink/internal/ops"
	"github.com/chaz8081/scalelink/internal/recovery"
	"github.com/chaz8081/scalelink/internal/store"
	"github.com/chaz8081/scalelink/internal/supervisor"
	"github.com/chaz8081/scalelink/internal/transport"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/scalelink/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("init: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		} else {
			fmt.Println("Wrote", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	printBanner(cfg)

	connPrefs, err := store.OpenPrefs(cfg.StateDir, store.ConnectionStateNamespace)
	if err != nil {
		log.Fatalf("Failed to open connection state: %v", err)
	}
	healthPrefs, err := store.OpenPrefs(cfg.StateDir, monitor.HealthNamespace)
	if err != nil {
		log.Fatalf("Failed to open health counters: %v", err)
	}
	connState := store.NewConnectionStateStore(connPrefs)

	lifecycle := monitor.NewLifecycleMonitor(monitor.ProcessNameProbe{Name: cfg.Transport.ProcessName}, lg)

	// The daemon reads the same config file unless told otherwise.
	args := cfg.Transport.DaemonArgs
	if len(args) == 0 && *configPath != "" {
		args = []string{"-config", *configPath}
	}

	supOpts := supervisor.DefaultOptions()
	supOpts.RestartGrace = cfg.Transport.RestartGrace
	supOpts.BindTimeout = cfg.Transport.BindTimeout
	supOpts.OnServiceStart = lifecycle.RecordServiceStart
	supOpts.OnServiceRestart = lifecycle.RecordServiceRestart

	sup := supervisor.New(
		transport.NewExecLauncher(cfg.Transport.DaemonPath, args, lg),
		transport.NewWSBinder(cfg.Transport.BindURL(), lg),
		supOpts,
		lg,
	)

	engine := recovery.NewEngine(sup, sup, recovery.DefaultOptions(), lg)
	health := monitor.NewHealthMonitor(healthPrefs, lg)
	hub := ops.NewHub(lg)

	sup.AddListener(engine)
	sup.AddListener(health)
	sup.AddListener(hub)
	keeper := newDeviceKeeper(connState, sup, lg)
	sup.AddListener(keeper)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go engine.Run(ctx)
	go health.Run(ctx, cfg.Ops.HealthCheckInterval)

	var opsSrv *http.Server
	if cfg.Ops.Addr != "" {
		battery := diagnostics.StaticBatteryProbe{
			Whitelisted: cfg.Battery.Whitelisted,
			PowerSave:   cfg.Battery.PowerSave,
			Root:        cfg.Battery.PowerSupplyRoot,
		}
		opsSrv = &http.Server{
			Addr: cfg.Ops.Addr,
			Handler: ops.NewServer(ops.Deps{
				Controller:  sup,
				Diagnostics: diagnostics.NewAggregator(sup, health, lifecycle, battery),
				Health:      health,
				Recovery:    engine,
				Devices:     keeper,
				Hub:         hub,
			}, lg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			lg.Info().Str("addr", opsSrv.Addr).Msg("ops server listening")
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error().Err(err).Msg("ops server failed")
			}
		}()
	}

	// A failed first bind is reported to the listeners; recovery takes it from there.
	if err := sup.Initialize(ctx); err != nil {
		lg.Warn().Err(err).Msg("transport not ready yet")
	} else {
		lg.Info().Msg("transport ready")
	}

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	lg.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()

	if opsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsSrv.Shutdown(shutdownCtx); err != nil {
			lg.Warn().Err(err).Msg("ops server shutdown")
		}
		shutdownCancel()
	}
	hub.Close()
	sup.Shutdown()
}

// loadConfig loads config from the given path, or the default path, or uses defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault(config.DefaultConfigPath())
}

func printBanner(cfg *config.Config) {
	fmt.Println("scalelink - scale connectivity supervisor")
	fmt.Printf("  Daemon:    %s\n", cfg.Transport.DaemonPath)
	fmt.Printf("  Bind:      %s\n", cfg.Transport.BindURL())
	if cfg.Ops.Addr != "" {
		fmt.Printf("  Ops:       http://%s\n", cfg.Ops.Addr)
	} else {
		fmt.Println("  Ops:       disabled")
	}
	fmt.Printf("  State dir: %s\n", cfg.StateDir)
	fmt.Println()
}
