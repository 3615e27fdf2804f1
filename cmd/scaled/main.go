// Command scaled is the BLE transport daemon. It owns the radio, keeps the
// scale link alive and serves bindings to the scalelink app.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/chaz8081/scalelink/internal/ble"
	"github.com/chaz8081/scalelink/internal/config"
	"github.com/chaz8081/scalelink/internal/logger"
	"github.com/chaz8081/scalelink/internal/monitor"
	"github.com/chaz8081/scalelink/internal/scale"
	"github.com/chaz8081/scalelink/internal/store"
	"github.com/chaz8081/scalelink/internal/transport"
)

const meterName = "github.com/chaz8081/scalelink/scaled"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/scalelink/config.yaml)")
	scanFor := flag.Duration("scan", 0, "scan for scales for the given duration, list them and exit")
	flag.Parse()

	if *scanFor > 0 {
		if err := runScan(*scanFor); err != nil {
			log.Fatalf("scan: %v", err)
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
	lg = lg.WithComponent("scaled")

	printBanner(cfg)

	svcPrefs, err := store.OpenPrefs(cfg.StateDir, store.ServiceConfigNamespace)
	if err != nil {
		log.Fatalf("Failed to open service configuration: %v", err)
	}
	savedPrefs, err := store.OpenPrefs(cfg.StateDir, scale.ServicePrefsNamespace)
	if err != nil {
		log.Fatalf("Failed to open saved device state: %v", err)
	}
	perfPrefs, err := store.OpenPrefs(cfg.StateDir, monitor.PerformanceNamespace)
	if err != nil {
		log.Fatalf("Failed to open performance counters: %v", err)
	}

	// Metrics are pulled on demand from /metrics.
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	perf, err := monitor.NewPerformanceMonitor(perfPrefs, otel.Meter(meterName), lg)
	if err != nil {
		log.Fatalf("Failed to create performance monitor: %v", err)
	}

	var power ble.PowerProbe
	if probe, err := ble.NewBlueZPowerProbe(cfg.Transport.Adapter); err != nil {
		lg.Warn().Err(err).Str("adapter", cfg.Transport.Adapter).Msg("radio power probe unavailable, power changes will not be tracked")
	} else {
		power = probe
	}

	svcConfig := store.NewServiceConfig(svcPrefs)
	opts := scale.DefaultOptions()
	opts.Observer = perf
	svc := scale.New(ble.NewRadioAdapter(), power, svcConfig, store.NewConnectionStateStore(savedPrefs), opts, lg)

	router := mux.NewRouter()
	router.Handle(config.BindPath, transport.NewServer(svc, lg))
	router.HandleFunc("/performance", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, perf.Report().String())
	}).Methods(http.MethodGet)
	router.HandleFunc("/config", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, svcConfig.Summary())
	}).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(r.Context(), &rm); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rm.ScopeMetrics); err != nil {
			lg.Error().Err(err).Msg("encode metrics")
		}
	}).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:              cfg.Transport.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			lg.Error().Err(err).Msg("scale service stopped")
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		lg.Info().Str("addr", srv.Addr).Msg("serving bindings")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		lg.Error().Err(err).Msg("bind server failed")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("bind server shutdown")
	}

	cancel()
	<-done

	lg.Info().Msg(perf.Report().String())
	if err := provider.Shutdown(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("meter provider shutdown")
	}
}

// loadConfig loads config from the given path, or the default path, or uses defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadOrDefault(config.DefaultConfigPath())
}

// runScan lists advertising scales seen within d.
func runScan(d time.Duration) error {
	adapter := ble.NewRadioAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	fmt.Printf("Scanning for %s...\n", d)
	found, err := adapter.Scan(ctx, ble.WeightServiceUUID)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No scales found.")
		return nil
	}

	for _, p := range found {
		fmt.Printf("  %s  %-24s %4d dBm (%s)\n", p.Address, p.DisplayName(), p.SignalStrength, p.SignalQuality())
	}
	return nil
}

func printBanner(cfg *config.Config) {
	fmt.Println("scaled - BLE scale transport")
	fmt.Printf("  Listen:    %s\n", cfg.Transport.ListenAddr)
	fmt.Printf("  Adapter:   %s\n", cfg.Transport.Adapter)
	fmt.Printf("  State dir: %s\n", cfg.StateDir)
	fmt.Println()
}
