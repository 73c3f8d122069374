package updater

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/worker"
	"go.uber.org/zap"
)

// Mode selects who drives the status transitions of an update.
type Mode string

const (
	// ModeCommand runs the download simulation in-process.
	ModeCommand Mode = "command"
	// ModeBridge hands the update to an external device bridge which
	// reports state changes asynchronously.
	ModeBridge Mode = "bridge"
)

// StatusEvent describes one status report of a simulated update.
type StatusEvent struct {
	Tenant     string
	DeviceID   string
	Protocol   types.Protocol
	ActionID   uint64
	ActionType types.ActionType
	Status     *types.UpdateStatus
	Timestamp  time.Time
}

// Observer is notified about every status report.
type Observer interface {
	OnStatus(ctx context.Context, event StatusEvent)
}

// Bridge takes over updates in bridge mode. The feedback in req is already
// wrapped by the orchestrator.
type Bridge interface {
	UpdateDevice(ctx context.Context, device devices.Device, req devices.UpdateRequest) error
}

// DeviceCreator builds devices for updates addressed to unknown devices.
type DeviceCreator interface {
	Build(spec devices.Spec) (devices.Device, error)
	Activate(ctx context.Context, device devices.Device, announce bool) error
}

// Scheduler runs delayed work.
type Scheduler interface {
	Schedule(delay time.Duration, task worker.Task) error
}

type Config struct {
	Mode             Mode
	UpdateDelay      time.Duration
	DefaultPollDelay int
}

// Orchestrator starts simulated updates on devices.
type Orchestrator struct {
	registry   *devices.Registry
	creator    DeviceCreator
	scheduler  Scheduler
	downloader *Downloader
	bridge     Bridge
	cfg        Config
	logger     *zap.Logger

	observersMu sync.RWMutex
	observers   []Observer

	mu       sync.Mutex
	inFlight map[string]uint64
}

func NewOrchestrator(
	registry *devices.Registry,
	creator DeviceCreator,
	scheduler Scheduler,
	downloader *Downloader,
	bridge Bridge,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeCommand
	}
	if cfg.Mode != ModeCommand && cfg.Mode != ModeBridge {
		return nil, fmt.Errorf("unknown update mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeBridge && bridge == nil {
		return nil, errors.New("bridge mode requires a bridge")
	}
	if cfg.UpdateDelay < 0 {
		cfg.UpdateDelay = 0
	}
	if cfg.DefaultPollDelay <= 0 {
		cfg.DefaultPollDelay = 1800
	}

	return &Orchestrator{
		registry:   registry,
		creator:    creator,
		scheduler:  scheduler,
		downloader: downloader,
		bridge:     bridge,
		cfg:        cfg,
		logger:     logger,
		inFlight:   make(map[string]uint64),
	}, nil
}

func (o *Orchestrator) Mode() Mode {
	return o.cfg.Mode
}

// AddObserver registers an observer for all later status reports.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observersMu.Lock()
	defer o.observersMu.Unlock()
	o.observers = append(o.observers, obs)
}

// InFlight reports the action currently being simulated on a device.
func (o *Orchestrator) InFlight(tenant, id string) (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	actionID, ok := o.inFlight[devices.Key(tenant, id)]
	return actionID, ok
}

func (o *Orchestrator) InFlightCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

// StartUpdate begins a simulated update. Unknown devices are created as
// push devices. A second update for a device that is still updating is
// rejected with types.ErrUpdateInProgress.
func (o *Orchestrator) StartUpdate(ctx context.Context, req devices.UpdateRequest) error {
	device, err := o.lookupOrCreate(ctx, req.Tenant, req.DeviceID)
	if err != nil {
		return err
	}

	feedback := o.wrap(req, device.Protocol())

	if !req.ActionType.Supported() {
		o.logger.Error("Unsupported action type",
			zap.String("device_id", req.DeviceID),
			zap.String("action_type", string(req.ActionType)))
		device.SetUpdateStatus(types.NewUpdateStatus(types.StatusError, "Unsupported Action"))
		feedback(ctx, device)
		return fmt.Errorf("%w: %s", types.ErrUnsupportedAction, req.ActionType)
	}

	key := devices.Key(req.Tenant, req.DeviceID)
	if !o.acquire(key, req.ActionID) {
		o.logger.Warn("Update already in progress",
			zap.String("tenant", req.Tenant),
			zap.String("device_id", req.DeviceID),
			zap.Uint64("action_id", req.ActionID))
		return types.ErrUpdateInProgress
	}

	device.SetTargetToken(req.TargetToken)
	req.Feedback = feedback

	switch o.cfg.Mode {
	case ModeBridge:
		if err := o.bridge.UpdateDevice(ctx, device, req); err != nil {
			o.release(key, req.ActionID)
			return fmt.Errorf("failed to hand update to bridge: %w", err)
		}
	default:
		err := o.scheduler.Schedule(o.cfg.UpdateDelay, func(ctx context.Context) {
			defer o.release(key, req.ActionID)
			o.simulate(ctx, device, req)
		})
		if err != nil {
			o.release(key, req.ActionID)
			return fmt.Errorf("failed to schedule update: %w", err)
		}
	}

	o.logger.Info("Update started",
		zap.String("tenant", req.Tenant),
		zap.String("device_id", req.DeviceID),
		zap.Uint64("action_id", req.ActionID),
		zap.String("action_type", string(req.ActionType)),
		zap.String("mode", string(o.cfg.Mode)))
	return nil
}

func (o *Orchestrator) lookupOrCreate(ctx context.Context, tenant, id string) (devices.Device, error) {
	if device := o.registry.Get(tenant, id); device != nil {
		return device, nil
	}

	created, err := o.creator.Build(devices.Spec{
		ID:        id,
		Tenant:    tenant,
		Protocol:  types.ProtocolPush,
		PollDelay: o.cfg.DefaultPollDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device %s: %w", id, err)
	}

	device, err := o.registry.Add(created)
	if errors.Is(err, types.ErrDeviceExists) {
		return device, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to register device %s: %w", id, err)
	}

	if err := o.creator.Activate(ctx, device, false); err != nil {
		o.logger.Warn("Failed to activate device",
			zap.String("tenant", tenant),
			zap.String("device_id", id),
			zap.Error(err))
	}
	o.logger.Info("Created device for unknown update target",
		zap.String("tenant", tenant),
		zap.String("device_id", id))
	return device, nil
}

// wrap notifies observers about every report and frees the device once
// the report is final for the action.
func (o *Orchestrator) wrap(req devices.UpdateRequest, protocol types.Protocol) devices.FeedbackFunc {
	key := devices.Key(req.Tenant, req.DeviceID)
	return func(ctx context.Context, d devices.Device) {
		status := d.UpdateStatus()
		if req.Feedback != nil {
			req.Feedback(ctx, d)
		}

		if status == nil {
			return
		}
		o.notify(ctx, StatusEvent{
			Tenant:     req.Tenant,
			DeviceID:   req.DeviceID,
			Protocol:   protocol,
			ActionID:   req.ActionID,
			ActionType: req.ActionType,
			Status:     status,
			Timestamp:  time.Now(),
		})
		if req.ActionType.Final(status.ResponseStatus) {
			o.release(key, req.ActionID)
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, event StatusEvent) {
	o.observersMu.RLock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.observersMu.RUnlock()

	for _, obs := range observers {
		obs.OnStatus(ctx, event)
	}
}

func (o *Orchestrator) acquire(key string, actionID uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[key]; busy {
		return false
	}
	o.inFlight[key] = actionID
	return true
}

func (o *Orchestrator) release(key string, actionID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if current, ok := o.inFlight[key]; ok && current == actionID {
		delete(o.inFlight, key)
	}
}
