package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/api/rest"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/bridge"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/dmf"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/scenario"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/storage"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/transport/mqtt"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/worker"
	"go.uber.org/zap"
)

// Broker is the MQTT connection shared by the DMF and bridge paths.
type Broker interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler mqtt.MessageHandler) error
	Close()
}

type LifecycleManager struct {
	config *config.Config
	logger *zap.Logger

	pool         *worker.Pool
	registry     *devices.Registry
	factory      *devices.Factory
	scheduler    *devices.Scheduler
	orchestrator *updater.Orchestrator
	scenarios    *scenario.Loader

	broker     Broker
	router     *dmf.Router
	bridge     *bridge.Bridge
	stopHealth func()

	storage *storage.PostgresClient
	journal *storage.Journal

	wsHub      *websocket.Hub
	stopHub    context.CancelFunc
	restServer *rest.Server

	stateMu      sync.RWMutex
	currentState SystemState

	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLifecycleManager builds the simulator from cfg. Nothing talks to the
// network before Start.
func NewLifecycleManager(cfg *config.Config, logger *zap.Logger) (*LifecycleManager, error) {
	var broker Broker
	if cfg.DMF.Enabled {
		broker = mqtt.NewClient(mqtt.Config{
			Broker:         cfg.DMF.Broker,
			ClientID:       cfg.DMF.ClientID,
			Username:       cfg.DMF.Username,
			Password:       cfg.DMF.Password,
			QoS:            cfg.DMF.QoS,
			PublishTimeout: cfg.DMF.PublishTimeout,
		}, logger)
	}
	return newLifecycleManager(cfg, broker, logger)
}

func newLifecycleManager(cfg *config.Config, broker Broker, logger *zap.Logger) (*LifecycleManager, error) {
	if cfg.DMF.Enabled && broker == nil {
		return nil, errors.New("dmf is enabled but no broker connection is configured")
	}

	lm := &LifecycleManager{
		config:       cfg,
		logger:       logger,
		broker:       broker,
		currentState: StateNew,
		shutdownChan: make(chan struct{}),
	}

	lm.pool = worker.NewPool(cfg.Simulation.Workers, cfg.Simulation.QueueSize, logger)
	lm.registry = devices.NewRegistry(logger)
	lm.scenarios = scenario.NewLoader(cfg.Scenarios.SearchPaths)

	// The factory must see a nil interface, not a nil *dmf.Sender, when
	// DMF is off.
	var sender *dmf.Sender
	var pushSender devices.PushSender
	if cfg.DMF.Enabled {
		sender = dmf.NewSender(
			mqtt.NewDMFTransport(broker, cfg.DMF.SendTopic),
			cfg.DMF.ReplyTo,
			cfg.Simulation.AttributeMap(),
			logger)
		pushSender = sender
	}
	lm.factory = devices.NewFactory(pushSender, lm.pool, cfg.DDI.HTTPTimeout, logger)

	var deviceBridge updater.Bridge
	if updater.Mode(cfg.Simulation.UpdateMode) == updater.ModeBridge {
		lm.bridge = bridge.New(broker, bridge.Config{
			ConfigTopic: cfg.Bridge.ConfigTopic,
			StateTopic:  cfg.Bridge.StateTopic,
		}, logger)
		deviceBridge = lm.bridge
	}

	downloader := updater.NewDownloader(updater.DownloaderConfig{
		Timeout:     cfg.Simulation.DownloadTimeout,
		VerifyHash:  cfg.Simulation.VerifyHash,
		InsecureTLS: cfg.Simulation.InsecureTLS,
	}, logger)

	orchestrator, err := updater.NewOrchestrator(lm.registry, lm.factory, lm.pool, downloader, deviceBridge, updater.Config{
		Mode:             updater.Mode(cfg.Simulation.UpdateMode),
		UpdateDelay:      cfg.Simulation.UpdateDelay,
		DefaultPollDelay: cfg.Simulation.DefaultPollDelay,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	lm.orchestrator = orchestrator
	lm.factory.BindUpdater(orchestrator)

	if sender != nil {
		validator, err := dmf.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to load dmf schemas: %w", err)
		}
		lm.router = dmf.NewRouter(
			lm.registry,
			orchestrator,
			sender,
			dmf.NewLoggingStager(logger),
			validator,
			dmf.NewActionSet(cfg.Simulation.RetiredActions, cfg.Simulation.RetiredTTL),
			dmf.RouterConfig{
				CheckHealth:  cfg.DMF.CheckHealth,
				MaxOpenPings: cfg.DMF.MaxOpenPings,
			},
			logger)
	}

	lm.scheduler = devices.NewScheduler(lm.registry, lm.pool, cfg.Simulation.TickInterval, cfg.Simulation.PollTimeout, logger)

	lm.wsHub = websocket.NewHub(logger)
	lm.wsHub.SetStatusProvider(func() any { return lm.GetCurrentStatus() })
	orchestrator.AddObserver(lm.wsHub)

	if cfg.Server.Enabled {
		lm.restServer = rest.NewServer(cfg, lm, logger, lm.wsHub)
	}

	return lm, nil
}

// Start connects every component and creates the autostart fleets.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if err := lm.transition(StateInitializing); err != nil {
		return err
	}
	lm.logger.Info("Starting device simulator",
		zap.String("update_mode", lm.config.Simulation.UpdateMode),
		zap.Bool("dmf_enabled", lm.config.DMF.Enabled),
		zap.Bool("storage_enabled", lm.config.Database.Enabled))

	// Background work must outlive ctx, it is stopped by Shutdown.
	lm.pool.Start(context.Background())

	hubCtx, stopHub := context.WithCancel(context.Background())
	lm.stopHub = stopHub
	go lm.wsHub.Run(hubCtx)

	if err := lm.start(ctx); err != nil {
		lm.setError(err)
		return err
	}

	lm.scheduler.Start()

	if lm.restServer != nil {
		if err := lm.restServer.Start(); err != nil {
			err = fmt.Errorf("failed to start REST API: %w", err)
			lm.setError(err)
			return err
		}
	}

	if err := lm.transition(StateRunning); err != nil {
		return err
	}
	lm.broadcastStatus()

	lm.logger.Info("System started successfully",
		zap.Int("devices", lm.registry.Len()),
		zap.Int("http_port", lm.config.Server.HTTPPort))
	return nil
}

func (lm *LifecycleManager) start(ctx context.Context) error {
	if lm.config.Database.Enabled {
		if err := lm.startStorage(ctx); err != nil {
			return err
		}
	}

	if lm.broker != nil {
		if err := lm.startBroker(ctx); err != nil {
			return err
		}
	}

	if lm.storage != nil {
		if err := lm.loadDevicesFromDB(ctx); err != nil {
			lm.logger.Warn("Failed to load devices from database", zap.Error(err))
			// Continue anyway, not critical
		}
	}

	for _, fleet := range lm.config.Autostarts {
		created, protocol, err := lm.startFleet(ctx, fleet, false)
		if err != nil {
			return fmt.Errorf("failed to start autostart fleet %q: %w", fleet.Name, err)
		}
		lm.logger.Info("Autostart fleet created",
			zap.String("name", fleet.Name),
			zap.Int("devices", created),
			zap.String("protocol", string(protocol)))
	}
	return nil
}

func (lm *LifecycleManager) startStorage(ctx context.Context) error {
	client, err := storage.NewPostgresClient(ctx, lm.config.Database)
	if err != nil {
		return err
	}
	if err := client.EnsureSchema(ctx); err != nil {
		client.Close()
		return err
	}
	lm.storage = client

	lm.journal = storage.NewJournal(client, lm.config.Simulation.QueueSize, lm.logger)
	lm.journal.Start()
	lm.orchestrator.AddObserver(lm.journal)
	return nil
}

func (lm *LifecycleManager) startBroker(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := lm.broker.Connect(connectCtx); err != nil {
		return err
	}

	handler := lm.handOff(mqtt.DMFHandler(lm.router.Handle, lm.logger))
	if err := lm.broker.Subscribe(connectCtx, lm.config.DMF.ReceiveTopic, handler); err != nil {
		return fmt.Errorf("failed to subscribe to dmf topic: %w", err)
	}

	if lm.bridge != nil {
		if err := lm.broker.Subscribe(connectCtx, lm.config.Bridge.StateTopic, lm.handOff(lm.bridge.HandleState)); err != nil {
			return fmt.Errorf("failed to subscribe to bridge state topic: %w", err)
		}
	}

	if lm.config.DMF.CheckHealth {
		stop, err := lm.pool.Every(lm.config.DMF.HealthInterval, lm.router.CheckHealth)
		if err != nil {
			return fmt.Errorf("failed to schedule health check: %w", err)
		}
		lm.stopHealth = stop
	}
	return nil
}

// handOff runs inbound messages on the worker pool. Handlers publish
// feedback and wait for the broker ack, which must not happen on the
// goroutine that delivers messages.
func (lm *LifecycleManager) handOff(handler mqtt.MessageHandler) mqtt.MessageHandler {
	return func(_ context.Context, topic string, payload []byte) {
		err := lm.pool.Submit(func(ctx context.Context) {
			handler(ctx, topic, payload)
		})
		if err != nil {
			lm.logger.Warn("Dropping inbound message",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
}

func (lm *LifecycleManager) loadDevicesFromDB(ctx context.Context) error {
	records, err := lm.storage.LoadDevices(ctx)
	if err != nil {
		return err
	}

	lm.logger.Info("Loading devices from database", zap.Int("count", len(records)))

	for _, record := range records {
		spec, err := specFromRecord(record)
		if err == nil {
			err = lm.addDevice(ctx, spec)
		}
		if err != nil {
			lm.logger.Error("Failed to load device",
				zap.String("tenant", record.Tenant),
				zap.String("device_id", record.DeviceID),
				zap.Error(err))
		}
	}
	return nil
}

// Done is closed once Shutdown completed.
func (lm *LifecycleManager) Done() <-chan struct{} {
	return lm.shutdownChan
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")

		lm.forceState(StateStopping)
		lm.broadcastStatus()

		shutdownErr = lm.gracefulShutdown(ctx)

		lm.forceState(StateStopped)
		close(lm.shutdownChan)
	})

	return shutdownErr
}

func (lm *LifecycleManager) gracefulShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- lm.stopComponents(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		lm.logger.Info("Graceful shutdown completed")
		return nil
	case <-ctx.Done():
		lm.logger.Warn("Shutdown timeout, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// stopComponents stops inbound work first, then the workers, then the
// outbound connections the workers report through.
func (lm *LifecycleManager) stopComponents(ctx context.Context) error {
	var errs []error

	if lm.restServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := lm.restServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("rest api shutdown failed: %w", err))
		}
		cancel()
	}

	lm.scheduler.Stop()
	if lm.stopHealth != nil {
		lm.stopHealth()
	}

	lm.pool.Stop()

	if lm.broker != nil {
		lm.broker.Close()
	}
	if lm.journal != nil {
		lm.journal.Stop()
	}
	if lm.stopHub != nil {
		lm.stopHub()
	}
	if lm.storage != nil {
		lm.storage.Close()
	}

	return errors.Join(errs...)
}

func (lm *LifecycleManager) transition(to SystemState) error {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()

	if err := ValidateTransition(lm.currentState, to); err != nil {
		return err
	}
	lm.currentState = to
	return nil
}

func (lm *LifecycleManager) forceState(state SystemState) {
	lm.stateMu.Lock()
	defer lm.stateMu.Unlock()
	if err := ValidateTransition(lm.currentState, state); err != nil {
		lm.logger.Debug("Forcing state", zap.Error(err))
	}
	lm.currentState = state
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.forceState(StateError)
}

func (lm *LifecycleManager) state() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeSystemStatus, lm.GetCurrentStatus()))
}

// Config returns the configuration
func (lm *LifecycleManager) Config() *config.Config {
	return lm.config
}

func (lm *LifecycleManager) DMFEnabled() bool {
	return lm.config.DMF.Enabled
}
