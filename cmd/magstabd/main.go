// Command magstabd serves one or more AD5791 DAC channels over an HTTP API.
// Channels are reached through a Red Pitaya SPI bridge (TCP or serial), a
// local spidev node, or a simulator (-mock).
//
//	magstabd [-config file] [-addr :8080] [-mock] [-debug]
//	magstabd mkconf [-config file]   print the effective configuration
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/magstab/magstab-go/internal/api"
	"github.com/magstab/magstab-go/internal/auth"
	"github.com/magstab/magstab-go/internal/config"
	"github.com/magstab/magstab-go/internal/controller"
	"github.com/magstab/magstab-go/internal/events"
	"github.com/magstab/magstab-go/internal/identity"
	"github.com/magstab/magstab-go/internal/models"
	"github.com/magstab/magstab-go/internal/monitor"
	"github.com/magstab/magstab-go/internal/zeroconf"
)

const defaultConfigPath = "/etc/magstab/magstab.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "mkconf" {
		if err := mkconf(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "mkconf:", err)
			os.Exit(1)
		}
		return
	}

	var (
		cfgPath = flag.String("config", defaultConfigPath, "settings file (YAML)")
		addr    = flag.String("addr", "", "HTTP listen address (overrides settings)")
		mock    = flag.Bool("mock", false, "use simulated bridges (no hardware required)")
		debug   = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	settings, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		settings.Addr = *addr
	}
	settings.Mock = settings.Mock || *mock
	settings.Debug = settings.Debug || *debug

	logLevel := slog.LevelInfo
	if settings.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if err := os.MkdirAll(settings.ConfigDir, 0755); err != nil {
		slog.Error("cannot create config directory", "path", settings.ConfigDir, "err", err)
		os.Exit(1)
	}
	models.Version = identity.VersionFromDir(settings.ConfigDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := config.NewJSONStore(settings.ConfigDir)
	bus := events.NewBus()

	names := make([]string, len(settings.Channels))
	for i, ch := range settings.Channels {
		names[i] = ch.Name
	}
	slog.Info("magstabd starting", "version", models.Version, "channels", names, "mock", settings.Mock)

	ctrl, err := controller.New(ctx, settings.Channels, newOpener(settings.Mock), store, bus, controller.Options{
		RestoreSetpoints: settings.RestoreSetpoints,
		Mock:             settings.Mock,
	})
	if err != nil {
		slog.Error("controller initialization failed", "err", err)
		os.Exit(1)
	}

	authSvc, err := auth.NewService(settings.ConfigDir)
	if err != nil {
		slog.Error("auth service initialization failed", "err", err)
		os.Exit(1)
	}
	defer authSvc.Close()

	mon := monitor.New(ctrl, settings.MonitorInterval, filepath.Join(settings.ConfigDir, "status.json"), nil)
	go mon.Start(ctx)

	if settings.Zeroconf {
		zc := zeroconf.New(identity.InstanceName(identity.Hostname()), listenPort(settings.Addr), names, settings.Mock)
		go func() {
			if err := zc.Start(ctx); err != nil {
				slog.Warn("zeroconf failed", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              settings.Addr,
		Handler:           api.NewRouter(ctrl, authSvc, bus),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE and waveform playback hold the response open
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		slog.Info("magstabd listening", "addr", settings.Addr, "config", settings.ConfigDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	// Releases every SPI claim and flushes pending setpoints.
	if err := ctrl.Close(shutCtx); err != nil {
		slog.Warn("controller shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
}

// listenPort extracts the TCP port of a listen address, defaulting to 80.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 80
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		return 80
	}
	return n
}

func mkconf(args []string) error {
	fs := flag.NewFlagSet("mkconf", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "settings file to start from (default: built-in defaults)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	settings, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	return config.WriteYAML(os.Stdout, settings)
}
