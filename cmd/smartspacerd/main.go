package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"smartspacer/internal/api"
	"smartspacer/internal/bus"
	_ "smartspacer/internal/builtin"
	"smartspacer/internal/clock"
	"smartspacer/internal/config"
	"smartspacer/internal/database"
	"smartspacer/internal/dispatch"
	"smartspacer/internal/merge"
	"smartspacer/internal/providers"
	"smartspacer/internal/repository"
	"smartspacer/internal/requirements"
	"smartspacer/internal/session"
	"smartspacer/internal/settings"
	"smartspacer/internal/smartspace"

	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(logger)
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Starting smartspacerd",
		zap.String("bus_url", cfg.BusURL),
		zap.Int("api_port", cfg.APIPort))

	db, err := database.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()

	store := settings.NewStore(cfg.SettingsPath, logger)
	if err := store.Load(); err != nil {
		logger.Fatal("Failed to load settings", zap.Error(err))
	}
	if err := store.Watch(); err != nil {
		logger.Warn("Settings hot reload unavailable", zap.Error(err))
	}
	defer store.Stop()

	client := bus.NewWSClient(cfg.BusURL, cfg.BusToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to plugin bus", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to plugin bus")

	clk := clock.NewRealClock()
	host, err := providers.NewRepository(client, db, providers.Global(), &providers.Context{
		Logger:   logger,
		Clock:    clk,
		Settings: store,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create provider repository", zap.Error(err))
	}

	eval := requirements.NewEvaluator(host, logger)

	targets := repository.NewTargets(host, db, eval, logger)
	if err := targets.Start(); err != nil {
		logger.Fatal("Failed to start target aggregation", zap.Error(err))
	}
	defer targets.Stop()

	complications := repository.NewComplications(host, db, eval, logger)
	if err := complications.Start(); err != nil {
		logger.Fatal("Failed to start complication aggregation", zap.Error(err))
	}
	defer complications.Stop()

	coordinator := merge.NewCoordinator(targets, complications, store, logger)
	coordinator.Start()
	defer coordinator.Stop()

	dispatcher := dispatch.NewDispatcher(host, dispatch.NewRefresher(func(authority, method string, args map[string]any) ([]byte, error) {
		result, err := host.Call(authority, method, args)
		return result, err
	}), clk, logger)

	coordinator.OnPages(func(surface smartspace.Surface, pages []merge.Page) {
		dispatcher.NotifyChanged(surface)
	})

	sessions := session.NewController(logger)
	registerWidgetSessions(db, sessions, coordinator, dispatcher, logger)

	// Screen, keyguard and foreground-app signals arrive as platform state
	// snapshots relayed by the privileged helper; they drive session
	// visibility and, through it, the widget refresh passes.
	if _, err := client.SubscribePlatformState(func(state bus.PlatformState) {
		sessions.SetPlatformState(state.ScreenOn, state.KeyguardLocked, state.HelperReady, state.ForegroundPackage)
	}); err != nil {
		logger.Warn("Failed to subscribe to platform state", zap.Error(err))
	}

	// Plugins registered on the bus may appear or disappear at runtime;
	// re-query everything when the registry changes.
	if _, err := client.SubscribeProvidersChanged(func() {
		targets.ForceReload("")
		complications.ForceReload("")
	}); err != nil {
		logger.Warn("Failed to subscribe to provider registry changes", zap.Error(err))
	}

	server := api.NewServer(coordinator, client, store, logger, cfg.APIPort)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start API server", zap.Error(err))
	}
	defer server.Stop()

	maintenance := make(chan os.Signal, 1)
	signal.Notify(maintenance, syscall.SIGUSR1, syscall.SIGUSR2)
	go handleMaintenanceSignals(maintenance, host, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("smartspacerd running")
	<-sigChan

	logger.Info("Shutting down gracefully...")
	if err := host.BackupAll(); err != nil {
		logger.Warn("Final provider backup failed", zap.Error(err))
	}
}

// stateTransfer is the provider backup surface of the provider repository.
type stateTransfer interface {
	BackupAll() error
	RestoreAll() error
}

// handleMaintenanceSignals drives provider state transfer on demand.
// SIGUSR1 snapshots every configured remote provider's state into the
// database; SIGUSR2 replays the stored snapshots back to the providers.
func handleMaintenanceSignals(signals <-chan os.Signal, host stateTransfer, logger *zap.Logger) {
	for sig := range signals {
		switch sig {
		case syscall.SIGUSR2:
			if err := host.RestoreAll(); err != nil {
				logger.Warn("Provider restore failed", zap.Error(err))
				continue
			}
			logger.Info("Provider state restored")
		default:
			if err := host.BackupAll(); err != nil {
				logger.Warn("Provider backup failed", zap.Error(err))
				continue
			}
			logger.Info("Provider state backed up")
		}
	}
}

// registerWidgetSessions binds every persisted widget to a visibility
// session. A widget becoming visible triggers a rate-limited refresh pass
// over its surface's pages.
func registerWidgetSessions(db *database.Database, sessions *session.Controller, coordinator *merge.Coordinator, dispatcher *dispatch.Dispatcher, logger *zap.Logger) {
	widgets, err := db.GetWidgets()
	if err != nil {
		logger.Warn("Failed to load widgets", zap.Error(err))
		return
	}

	for _, widget := range widgets {
		w := widget
		err := sessions.AddSession(session.Session{
			ID:      w.ID,
			Package: w.Package,
			Surface: w.Surface,
			Notify: func(event smartspace.Event) {
				if event != smartspace.EventSurfaceShown {
					return
				}
				dispatcher.RequestPluginUpdates(coordinator.Pages(w.Surface), "")
			},
		})
		if err != nil {
			logger.Warn("Failed to register widget session",
				zap.String("id", w.ID),
				zap.Error(err))
		}
	}
}
