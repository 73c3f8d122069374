package devices

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/ddi"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/worker"
	"go.uber.org/zap"
)

var ErrPushDisabled = errors.New("push transport is disabled")

// attributesDelay is how long a new push device waits before it reports
// its attributes.
const attributesDelay = 2 * time.Second

// PushSender is what the factory needs from the push transport.
type PushSender interface {
	ThingSender
	UpdateAttributes(ctx context.Context, tenant, thingID string) error
}

// TaskScheduler runs delayed work.
type TaskScheduler interface {
	Schedule(delay time.Duration, task worker.Task) error
}

// Spec describes a device to create.
type Spec struct {
	ID           string
	Tenant       string
	Protocol     types.Protocol
	PollDelay    int
	Endpoint     string
	GatewayToken string
}

// Factory builds simulated devices with their transports wired in.
type Factory struct {
	sender      PushSender
	scheduler   TaskScheduler
	httpTimeout time.Duration
	logger      *zap.Logger

	mu      sync.RWMutex
	updater Updater
	clients map[string]*ddi.Client
}

func NewFactory(sender PushSender, scheduler TaskScheduler, httpTimeout time.Duration, logger *zap.Logger) *Factory {
	return &Factory{
		sender:      sender,
		scheduler:   scheduler,
		httpTimeout: httpTimeout,
		logger:      logger,
		clients:     make(map[string]*ddi.Client),
	}
}

// BindUpdater sets the orchestrator polling devices hand their
// deployments to. The orchestrator itself needs the factory, so the two
// are connected after construction.
func (f *Factory) BindUpdater(u Updater) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updater = u
}

// Build creates a device without contacting the server. Call Activate
// once the device is registered.
func (f *Factory) Build(spec Spec) (Device, error) {
	switch spec.Protocol {
	case types.ProtocolPush:
		if f.sender == nil {
			return nil, ErrPushDisabled
		}
		return NewPushDevice(spec.ID, spec.Tenant, spec.PollDelay, f.sender), nil
	case types.ProtocolPoll:
		return f.createPollDevice(spec)
	default:
		return nil, fmt.Errorf("protocol %q unknown", spec.Protocol)
	}
}

// Activate introduces a registered push device to the server. With
// announce set it sends THING_CREATED right away; the attributes follow
// after attributesDelay either way. Poll devices need no activation.
func (f *Factory) Activate(ctx context.Context, device Device, announce bool) error {
	if device.Protocol() != types.ProtocolPush || f.sender == nil {
		return nil
	}

	tenant, id := device.Tenant(), device.ID()
	if announce {
		if err := f.sender.CreateOrUpdateThing(ctx, tenant, id); err != nil {
			return fmt.Errorf("failed to announce device: %w", err)
		}
	}

	if f.scheduler == nil {
		return nil
	}
	err := f.scheduler.Schedule(attributesDelay, func(ctx context.Context) {
		if err := f.sender.UpdateAttributes(ctx, tenant, id); err != nil {
			f.logger.Warn("Failed to send device attributes",
				zap.String("tenant", tenant),
				zap.String("device_id", id),
				zap.Error(err))
		}
	})
	if err != nil {
		f.logger.Warn("Failed to schedule attribute update", zap.Error(err))
	}
	return nil
}

func (f *Factory) createPollDevice(spec Spec) (Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updater == nil {
		return nil, errors.New("no updater bound to device factory")
	}

	key := spec.Endpoint + "|" + spec.GatewayToken
	client, ok := f.clients[key]
	if !ok {
		client = ddi.NewClient(spec.Endpoint, spec.GatewayToken, f.httpTimeout, f.logger)
		f.clients[key] = client
	}

	return NewPollDevice(spec.ID, spec.Tenant, spec.PollDelay, client, f.updater, spec.GatewayToken, f.logger), nil
}
