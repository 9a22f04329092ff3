// Command floorsight runs the episode detection server, or a single
// detection run with the detect subcommand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/floorsight/internal/config"
	"github.com/HerbHall/floorsight/internal/episodes"
	"github.com/HerbHall/floorsight/internal/event"
	"github.com/HerbHall/floorsight/internal/ingest"
	"github.com/HerbHall/floorsight/internal/notify"
	"github.com/HerbHall/floorsight/internal/registry"
	"github.com/HerbHall/floorsight/internal/server"
	"github.com/HerbHall/floorsight/internal/store"
	"github.com/HerbHall/floorsight/internal/telemetry"
	"github.com/HerbHall/floorsight/internal/version"
	"github.com/HerbHall/floorsight/pkg/plugin"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	// Subcommand dispatch (before flag.Parse).
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "detect":
			os.Exit(runDetect(os.Args[2:]))
		case "version":
			fmt.Println(version.Info())
			return
		}
	}

	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	app, err := bootstrap(*configPath, allModules())
	if err != nil {
		fmt.Fprintf(os.Stderr, "floorsight: %v\n", err)
		os.Exit(1)
	}
	defer app.close()
	logger := app.logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.reg.StartAll(ctx); err != nil {
		logger.Fatal("failed to start plugins", zap.Error(err))
	}

	srvCfg, err := server.ParseConfig(app.viper)
	if err != nil {
		logger.Fatal("invalid server configuration", zap.Error(err))
	}
	readyCheck := server.ReadinessChecker(func(ctx context.Context) error {
		return app.db.DB().PingContext(ctx)
	})
	srv := server.New(srvCfg, app.reg, logger, readyCheck)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("floorsight server ready", zap.String("addr", srvCfg.Addr()))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	app.reg.StopAll(shutdownCtx)
	app.bus.Drain()

	logger.Info("floorsight stopped")
}

// allModules is the compile-time plugin composition of the server.
func allModules() []plugin.Plugin {
	return []plugin.Plugin{
		telemetry.New(),
		episodes.New(),
		ingest.New(),
		notify.New(),
	}
}

// app holds the shared services built by bootstrap.
type app struct {
	viper  *viper.Viper
	logger *zap.Logger
	db     *store.SQLiteStore
	bus    *event.Bus
	reg    *registry.Registry
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// bootstrap loads configuration, opens the database and initializes the
// given plugins. Plugins are not started.
func bootstrap(configPath string, modules []plugin.Plugin) (*app, error) {
	// Load configuration (before logger, so log level/format can be configured).
	viperCfg, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	cfg := config.New(viperCfg)

	logger, err := config.NewLogger(viperCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Info("floorsight starting", zap.String("version", version.Short()))

	if f := viperCfg.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	dbPath := viperCfg.GetString("database.path")
	db, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	ctx := context.Background()
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	bus := event.NewBus(logger.Named("event"))
	reg := registry.New(logger.Named("registry"))

	for _, m := range modules {
		if err := reg.Register(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("register plugin: %w", err)
		}
	}
	for _, m := range modules {
		name := m.Info().Name
		key := "plugins." + name + ".enabled"
		if viperCfg.IsSet(key) && !viperCfg.GetBool(key) {
			if err := reg.Disable(name, "disabled by configuration"); err != nil {
				db.Close()
				return nil, fmt.Errorf("disable plugin %s: %w", name, err)
			}
		}
	}

	// Validate dependency graph and API versions
	if err := reg.Validate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	if err := reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     bus,
			Plugins: reg,
		}
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize plugins: %w", err)
	}
	reg.WireSubscriptions(bus)

	return &app{viper: viperCfg, logger: logger, db: db, bus: bus, reg: reg}, nil
}
