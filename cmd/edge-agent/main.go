// Package main — cmd/edge-agent/main.go
//
// Edge agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/edge-agent/config.yaml.
//  2. Initialise structured logger (zap).
//  3. Open the script storage directory.
//  4. Open the BoltDB audit ledger, prune stale entries.
//  5. Start Prometheus metrics server (127.0.0.1:9091 by default).
//  6. Start one actor goroutine per configured Modbus device, plus the
//     GPIO actor goroutine.
//  7. Start the telemetry collector (Modbus register poller).
//  8. Build the engine and run every script's startup trigger once.
//  9. Start the engine's 1s tick loop.
// 10. Start the command-router Unix socket server (if enabled).
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine above).
//  2. Close the audit ledger.
//  3. Flush the logger.
//  4. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/suderra/edge-agent/internal/audit"
	"github.com/suderra/edge-agent/internal/config"
	"github.com/suderra/edge-agent/internal/engine"
	"github.com/suderra/edge-agent/internal/gpioactor"
	"github.com/suderra/edge-agent/internal/limits"
	"github.com/suderra/edge-agent/internal/modbusactor"
	"github.com/suderra/edge-agent/internal/observability"
	"github.com/suderra/edge-agent/internal/operator"
	"github.com/suderra/edge-agent/internal/scriptcontext"
	"github.com/suderra/edge-agent/internal/storage"
	"github.com/suderra/edge-agent/internal/trigger"
)

func main() {
	configPath := flag.String("config", "/etc/edge-agent/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("edge-agent %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("edge-agent starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open script storage ───────────────────────────────────────────
	store, err := storage.Open(cfg.Scripts.Dir, log)
	if err != nil {
		log.Fatal("script storage open failed", zap.Error(err), zap.String("dir", cfg.Scripts.Dir))
	}
	log.Info("script storage opened", zap.String("dir", cfg.Scripts.Dir), zap.Int("scripts", store.Count()))

	// ── Step 4: Open audit ledger ──────────────────────────────────────────────
	ledger, err := audit.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer ledger.Close() //nolint:errcheck
	if deleted, err := ledger.Prune(); err != nil {
		log.Warn("audit ledger prune failed", zap.Error(err))
	} else if deleted > 0 {
		log.Info("audit ledger pruned", zap.Int("deleted", deleted))
	}

	// ── Step 5: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 6: Hardware actors ────────────────────────────────────────────────
	modbusHandles := make(map[string]modbusactor.Handle, len(cfg.Modbus))
	modbusRegisters := make(map[string][]modbusactor.RegisterConfig, len(cfg.Modbus))
	var actorWG sync.WaitGroup

	for _, dev := range cfg.Modbus {
		actor := modbusactor.New(toDeviceConfig(dev), log.Named("modbus."+dev.Name))
		handle := actor.Handle()
		modbusHandles[dev.Name] = handle
		modbusRegisters[dev.Name] = toRegisterConfigs(dev.Registers)

		actorWG.Add(1)
		go func(name string, a *modbusactor.Actor) {
			defer actorWG.Done()
			if err := a.Run(ctx); err != nil {
				log.Error("modbus actor stopped", zap.String("device", name), zap.Error(err))
			}
		}(dev.Name, actor)
	}
	if errs := modbusactor.ConnectAll(ctx, modbusHandles); len(errs) > 0 {
		for _, e := range errs {
			log.Warn("modbus device unreachable at startup, will retry lazily", zap.Error(e))
		}
	}

	gpioLines := make([]gpioactor.LineConfig, 0, len(cfg.GPIO.Lines))
	for _, l := range cfg.GPIO.Lines {
		gpioLines = append(gpioLines, gpioactor.LineConfig{
			Name:      l.Name,
			Pin:       l.Offset,
			Direction: gpioactor.DirectionOutput,
		})
	}
	gpioAct := gpioactor.New(cfg.GPIO.ChipPath, gpioLines, log.Named("gpio"))
	gpioHandle := gpioAct.Handle()
	actorWG.Add(1)
	go func() {
		defer actorWG.Done()
		if err := gpioAct.Run(ctx); err != nil {
			log.Error("gpio actor stopped", zap.Error(err))
		}
	}()

	gpioHandles := make(map[string]gpioactor.Handle, len(cfg.GPIO.Lines))
	for _, l := range cfg.GPIO.Lines {
		gpioHandles[strconv.Itoa(l.Offset)] = gpioHandle
	}

	// ── Step 7/8: Shared context, telemetry collector, engine wiring ─────────
	sctx := scriptcontext.New()
	triggers := trigger.New()
	rate := limits.NewScriptRateLimiter()
	dispatcher := engine.NewDispatcher(sctx, gpioHandles, modbusHandles, engine.NopPublisher{Log: log}, log.Named("dispatch"))

	poller := modbusactor.NewPoller(modbusHandles, modbusRegisters, sctx, cfg.ModbusPollInterval, log.Named("poller"))
	go func() {
		if err := poller.Run(ctx); err != nil {
			log.Error("telemetry poller stopped", zap.Error(err))
		}
	}()

	eng := engine.New(store, sctx, triggers, rate, ledger, metrics, dispatcher, toScriptLimits(cfg.Limits), log.Named("engine"))

	log.Info("running startup-triggered scripts")
	eng.RunStartupScripts(ctx)

	go func() {
		if err := eng.Run(ctx); err != nil {
			log.Error("engine tick loop stopped", zap.Error(err))
		}
	}()
	log.Info("engine tick loop started")

	// ── Step 10: Command router ───────────────────────────────────────────────
	if cfg.Command.Enabled {
		cmdSrv := operator.NewServer(cfg.Command.SocketPath, store, ledger, log.Named("operator"))
		go func() {
			if err := cmdSrv.ListenAndServe(ctx); err != nil {
				log.Error("command router error", zap.Error(err))
			}
		}()
		log.Info("command router started", zap.String("socket", cfg.Command.SocketPath))
	}

	// ── Step 11: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	done := make(chan struct{})
	go func() {
		actorWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("hardware actors drained")
	case <-time.After(5 * time.Second):
		log.Warn("actor shutdown drain timeout — forcing exit")
	}

	log.Info("edge-agent shutdown complete")
}

func toDeviceConfig(dev config.ModbusDeviceConfig) modbusactor.DeviceConfig {
	conn := modbusactor.ConnTCP
	if dev.Conn == "rtu" {
		conn = modbusactor.ConnRTU
	}
	return modbusactor.DeviceConfig{
		Name:         dev.Name,
		Conn:         conn,
		Address:      dev.Address,
		SlaveID:      dev.SlaveID,
		BaudRate:     dev.BaudRate,
		Timeout:      dev.Timeout,
		FailureLimit: dev.FailureLimit,
		RecoveryTime: dev.RecoveryTime,
	}
}

func toRegisterConfigs(regs []config.RegisterConfig) []modbusactor.RegisterConfig {
	out := make([]modbusactor.RegisterConfig, 0, len(regs))
	for _, r := range regs {
		out = append(out, modbusactor.RegisterConfig{
			Name:      r.Name,
			Address:   r.Address,
			DataType:  modbusactor.DataType(r.DataType),
			ByteOrder: modbusactor.ByteOrder(r.ByteOrder),
			Scale:     r.Scale,
			Unit:      r.Unit,
		})
	}
	return out
}

func toScriptLimits(l config.LimitsConfig) limits.ScriptLimits {
	return limits.ScriptLimits{
		MaxExecutionTime: l.MaxExecutionTime,
		MaxActions:       l.MaxActions,
		MaxDepth:         l.MaxDepth,
		MaxDelayMS:       l.MaxDelayMS,
		MaxPerMinute:     l.RateLimitPerMin,
	}
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
