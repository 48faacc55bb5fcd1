package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/loranode/internal/app"
	"github.com/ryandielhenn/loranode/internal/config"
	"github.com/ryandielhenn/loranode/internal/telemetry"
	"github.com/ryandielhenn/loranode/pkg/atmodem"
	"github.com/ryandielhenn/loranode/pkg/events"
	"github.com/ryandielhenn/loranode/pkg/indicator"
	"github.com/ryandielhenn/loranode/pkg/lorastack"
	"github.com/ryandielhenn/loranode/pkg/netsim"
	"github.com/ryandielhenn/loranode/pkg/node"
	"github.com/ryandielhenn/loranode/pkg/registry"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, cfgErr := config.FromEnv()
	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync()
	if cfgErr != nil {
		log.Fatal("[Boot] bad configuration", zap.Error(cfgErr))
	}
	telemetry.SetBuildInfo(version, gitSHA)
	log.Info("[Boot] starting", zap.Stringer("dev_eui", cfg.DevEUI), zap.String("stack", cfg.Stack), zap.String("version", version))

	// 1. Event queue and LoRaWAN stack
	q := events.New(cfg.QueueCapacity())
	var (
		stack lorastack.Stack
		sim   *netsim.Sim
	)
	switch cfg.Stack {
	case config.StackSerial:
		log.Info("[Boot] opening modem", zap.String("port", cfg.SerialPort), zap.Int("baud", cfg.SerialBaud))
		m, err := atmodem.Open(cfg.SerialPort, cfg.SerialBaud, log)
		if err != nil {
			log.Fatal("[Boot] open modem", zap.Error(err))
		}
		defer m.Close()
		stack = m
	default:
		sim = netsim.New(cfg.Sim, log)
		stack = sim
	}

	// 2. Status indicators
	leds := app.Indicators{
		Green: openIndicator("green", cfg.GreenLEDPin, cfg.LEDActiveLow, log),
		Blue:  openIndicator("blue", cfg.BlueLEDPin, cfg.LEDActiveLow, log),
	}

	// 3. Optional etcd registration
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		appOpts  []app.Option
		nodeOpts []node.Option
	)
	if sim != nil {
		nodeOpts = append(nodeOpts, node.WithNetwork(sim))
	}
	if len(cfg.EtcdEndpoints) > 0 {
		log.Info("[Boot] creating etcd client", zap.Strings("endpoints", cfg.EtcdEndpoints))
		cli, err := registry.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			log.Fatal("[Boot] etcd client", zap.Error(err))
		}
		defer cli.Close()

		advertise := node.NormalizeHostPort(cfg.HTTPAddr, "8080")
		log.Info("[Boot] registering device with etcd", zap.String("key", registry.DeviceKey(cfg.DevEUI)), zap.String("addr", advertise))
		regCtx, regCancel := context.WithTimeout(ctx, 5*time.Second)
		lease, stopKeepAlive, err := registry.RegisterDevice(regCtx, cli, cfg.DevEUI, advertise, 10)
		regCancel()
		if err != nil {
			log.Fatal("[Boot] register device", zap.Error(err))
		}
		defer func() {
			stopKeepAlive()
			revokeCtx, revokeCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer revokeCancel()
			_, _ = cli.Revoke(revokeCtx, lease)
		}()

		pub := registry.NewClassPublisher(cli, cfg.DevEUI, lease, log)
		go pub.Run(ctx)
		appOpts = append(appOpts, app.WithObserver(pub.Publish))
		nodeOpts = append(nodeOpts, node.WithRegistry(cli))
	}

	a := app.New(cfg.App, stack, q, leds, log, appOpts...)

	// 4. Admin HTTP endpoints
	n := node.NewNode(cfg.DevEUI, cfg.HTTPAddr, q, a, log, nodeOpts...)
	srv := &http.Server{Addr: n.Addr(), Handler: n.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("[Boot] admin listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server", zap.Error(err))
		}
	}()

	// 5. Shutdown goes through the stack's Disconnected event; a second
	// signal stops dispatch outright.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigs
		log.Info("signal received, disconnecting", zap.Stringer("signal", s))
		if err := stack.Disconnect(); err != nil {
			log.Warn("disconnect", zap.Error(err))
			cancel()
			return
		}
		<-sigs
		cancel()
	}()

	// 6. Join and dispatch
	if err := a.Start(); err != nil {
		log.Fatal("[Boot] start", zap.Error(err))
	}
	log.Info("[Boot] dispatching events")
	if err := q.DispatchForever(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("dispatch", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("stopped")
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}

func openIndicator(name, pin string, activeLow bool, log *zap.Logger) app.Indicator {
	if pin == "" {
		return indicator.NewLogged(name, log)
	}
	g, err := indicator.OpenGPIO(name, pin, activeLow, log)
	if err != nil {
		log.Warn("[Boot] falling back to logged indicator", zap.String("led", name), zap.Error(err))
		return indicator.NewLogged(name, log)
	}
	return g
}
