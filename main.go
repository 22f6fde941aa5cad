package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"goScope/collector"
	"goScope/config"
	"goScope/recorder"
	"goScope/sender"
	"goScope/server"
	"goScope/telemetry"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func printWelcomeBanner(cfg *config.Config) {

	bannerLines := []string{
		"                _____                      ",
		"   ____ _____  / ___/_________  ____  ___ ",
		"  / __ `/ __ \\ \\__ \\/ ___/ __ \\/ __ \\/ _ \\",
		" / /_/ / /_/ /___/ / /__/ /_/ / /_/ /  __/",
		" \\__, /\\____//____/\\___/\\____/ .___/\\___/ ",
		"/____/                      /_/           ",
	}

	// Print banner in orange color
	for _, line := range bannerLines {
		fmt.Println("\033[0;33m" + line + "\033[0m")
	}

	fmt.Println("🚀 Starting goScope with configuration:")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("📝 Application Name:    %s\n", cfg.AppName)
	fmt.Printf("🌐 Listen Address:      %s\n", cfg.ListenAddr)
	fmt.Printf("🔬 Profiling Enabled:   %v\n", cfg.ProfilingEnabled)
	if cfg.ProfilingEnabled {
		fmt.Printf("📡 Pyroscope URL:       %s\n", cfg.ServerURL)
		fmt.Printf("⏱️  Rotation Interval:   %s\n", cfg.RotationInterval)
		fmt.Printf("🎞️  Recording Duration:  %s\n", cfg.RecordingDuration)
		fmt.Printf("⚡ Sample Rate:         %d Hz\n", cfg.SampleRateHz)
		fmt.Printf("🧠 CPU Profiling:       %v\n", cfg.ProfileCPU)
		fmt.Printf("📦 Alloc Profiling:     %v\n", cfg.ProfileAllocs)
		fmt.Printf("🔒 Lock Profiling:      %v\n", cfg.ProfileLocks)
	}
	fmt.Printf("🔭 Trace Exporter:      %s\n", cfg.TraceExporter)
	fmt.Printf("🐛 Debug Mode:          %v\n", cfg.Debug)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
}

func main() {
	defaults := config.NewDefault()

	// Command line flags configuration
	// Core settings
	pyroscopeURL := flag.String("pyroscopeUrl", defaults.ServerURL, "URL of the Pyroscope server")
	authToken := flag.String("auth", "", "Authentication token for Pyroscope")
	appName := flag.String("appName", defaults.AppName, "Application name for profiling data")
	listenAddr := flag.String("listen", defaults.ListenAddr, "HTTP listen address")

	// Profiling settings
	profilingEnabled := flag.Bool("profilingEnabled", defaults.ProfilingEnabled, "Enable the profile rotation collector")
	interval := flag.Duration("interval", defaults.RotationInterval, "Time between profile rotations")
	recordingDuration := flag.Duration("recordingDuration", defaults.RecordingDuration, "Maximum duration of a single recording")
	rateHz := flag.Int("rateHz", defaults.SampleRateHz, "Stack sampling rate in Hz")
	profileCPU := flag.Bool("profileCpu", defaults.ProfileCPU, "Record cpu time samples")
	profileAllocs := flag.Bool("profileAllocs", defaults.ProfileAllocs, "Record allocation deltas")
	profileLocks := flag.Bool("profileLocks", defaults.ProfileLocks, "Record mutex wait deltas")
	tempDir := flag.String("tempDir", "", "Directory for staged profiles (default: system temp)")

	// Tracing settings
	traceExporter := flag.String("traceExporter", defaults.TraceExporter, "Trace exporter: otlp, stdout or none")
	otlpEndpoint := flag.String("otlpEndpoint", defaults.OTLPEndpoint, "OTLP gRPC endpoint for traces")

	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	cfg := &config.Config{
		AppName:           *appName,
		ServerURL:         *pyroscopeURL,
		AuthToken:         *authToken,
		Debug:             *debug,
		ProfilingEnabled:  *profilingEnabled,
		RotationInterval:  *interval,
		RecordingDuration: *recordingDuration,
		SampleRateHz:      *rateHz,
		ProfileCPU:        *profileCPU,
		ProfileAllocs:     *profileAllocs,
		ProfileLocks:      *profileLocks,
		TempDir:           *tempDir,
		ListenAddr:        *listenAddr,
		TraceExporter:     *traceExporter,
		OTLPEndpoint:      *otlpEndpoint,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	printWelcomeBanner(cfg)

	logger := newLogger(cfg.Debug)
	defer logger.Sync()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.AppName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Exporter:       cfg.TraceExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var col *collector.Collector
	if cfg.ProfilingEnabled {
		engine := recorder.NewRuntimeEngine(logger)
		snd := sender.New(sender.Config{
			ServerURL: cfg.ServerURL,
			AuthToken: cfg.AuthToken,
			AppName:   cfg.AppName,
		})
		col = collector.New(collector.Config{
			AppName:           cfg.AppName,
			ServerURL:         cfg.ServerURL,
			RotationInterval:  cfg.RotationInterval,
			RecordingDuration: cfg.RecordingDuration,
			SampleRateHz:      cfg.SampleRateHz,
			CPU:               cfg.ProfileCPU,
			Allocations:       cfg.ProfileAllocs,
			Locks:             cfg.ProfileLocks,
			TempDir:           cfg.TempDir,
		}, engine, snd, collector.NewMetrics(registry), logger)
		if err := col.Start(); err != nil {
			logger.Fatal("failed to start profile collector", zap.Error(err))
		}
	} else {
		logger.Info("profiling is disabled")
	}

	srv := server.New(server.Config{ServiceName: cfg.AppName}, registry, logger)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}
	if col != nil {
		if err := col.Close(shutdownCtx); err != nil {
			logger.Error("collector shutdown failed", zap.Error(err))
		}
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	if debug {
		return zap.Must(zap.NewDevelopment())
	}
	return zap.Must(zap.NewProduction())
}
