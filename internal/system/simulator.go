package system

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/api/websocket"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/interfaces"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/storage"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	defaultFleetName = "simulated"
	defaultFleetAPI  = "dmf"
)

var _ interfaces.Simulator = (*LifecycleManager)(nil)

func (lm *LifecycleManager) tenant(tenant string) string {
	if tenant == "" {
		return lm.config.Simulation.DefaultTenant
	}
	return tenant
}

func (lm *LifecycleManager) withDefaults(fleet config.Autostart) config.Autostart {
	if fleet.Name == "" {
		fleet.Name = defaultFleetName
	}
	if fleet.API == "" {
		fleet.API = defaultFleetAPI
	}
	fleet.Tenant = lm.tenant(fleet.Tenant)
	if fleet.Endpoint == "" {
		fleet.Endpoint = lm.config.DDI.Endpoint
	}
	if fleet.GatewayToken == "" {
		fleet.GatewayToken = lm.config.DDI.GatewayToken
	}
	if fleet.PollDelay <= 0 {
		fleet.PollDelay = lm.config.Simulation.DefaultPollDelay
	}
	return fleet
}

// StartFleet creates and persists a fleet of devices.
func (lm *LifecycleManager) StartFleet(ctx context.Context, fleet config.Autostart) (int, types.Protocol, error) {
	return lm.startFleet(ctx, fleet, true)
}

func (lm *LifecycleManager) startFleet(ctx context.Context, fleet config.Autostart, persist bool) (int, types.Protocol, error) {
	fleet = lm.withDefaults(fleet)

	protocol, ok := types.ParseProtocol(fleet.API)
	if !ok {
		return 0, "", fmt.Errorf("unknown api %q", fleet.API)
	}
	if protocol == types.ProtocolPush && !lm.config.DMF.Enabled {
		return 0, protocol, devices.ErrPushDisabled
	}

	records := make([]storage.SimulatedDevice, 0, fleet.Amount)
	defer func() {
		if persist {
			lm.persist(ctx, records)
		}
		lm.broadcastStatus()
	}()

	for i := 0; i < fleet.Amount; i++ {
		spec := devices.Spec{
			ID:           fmt.Sprintf("%s%d", fleet.Name, i),
			Tenant:       fleet.Tenant,
			Protocol:     protocol,
			PollDelay:    fleet.PollDelay,
			Endpoint:     fleet.Endpoint,
			GatewayToken: fleet.GatewayToken,
		}
		if err := lm.addDevice(ctx, spec); err != nil {
			return len(records), protocol, err
		}
		records = append(records, storage.SimulatedDevice{
			Tenant:       spec.Tenant,
			DeviceID:     spec.ID,
			Protocol:     string(spec.Protocol),
			Endpoint:     spec.Endpoint,
			GatewayToken: spec.GatewayToken,
			PollDelay:    spec.PollDelay,
		})
	}

	lm.logger.Info("Fleet started",
		zap.String("name", fleet.Name),
		zap.String("tenant", fleet.Tenant),
		zap.String("protocol", string(protocol)),
		zap.Int("devices", len(records)))

	return len(records), protocol, nil
}

// addDevice creates and registers one device. A device that is already
// simulated is kept as it is and nothing is sent for it.
func (lm *LifecycleManager) addDevice(ctx context.Context, spec devices.Spec) error {
	if lm.registry.Get(spec.Tenant, spec.ID) != nil {
		lm.logDuplicate(spec)
		return nil
	}

	device, err := lm.factory.Build(spec)
	if err != nil {
		return fmt.Errorf("failed to create device %s: %w", spec.ID, err)
	}

	if _, err := lm.registry.Add(device); err != nil {
		if errors.Is(err, types.ErrDeviceExists) {
			lm.logDuplicate(spec)
			return nil
		}
		return err
	}

	if err := lm.factory.Activate(ctx, device, true); err != nil {
		lm.registry.Remove(spec.Tenant, spec.ID)
		return fmt.Errorf("failed to create device %s: %w", spec.ID, err)
	}

	// New polling devices ask for deployments right away
	if spec.Protocol == types.ProtocolPoll {
		lm.scheduler.PollNow(device)
	}
	return nil
}

func (lm *LifecycleManager) logDuplicate(spec devices.Spec) {
	lm.logger.Debug("Device already simulated",
		zap.String("tenant", spec.Tenant),
		zap.String("device_id", spec.ID))
}

func (lm *LifecycleManager) persist(ctx context.Context, records []storage.SimulatedDevice) {
	if lm.storage == nil || len(records) == 0 {
		return
	}
	if err := lm.storage.SaveDevices(ctx, records); err != nil {
		lm.logger.Warn("Failed to persist devices",
			zap.Int("devices", len(records)),
			zap.Error(err))
	}
}

func specFromRecord(record storage.SimulatedDevice) (devices.Spec, error) {
	protocol, ok := types.ParseProtocol(record.Protocol)
	if !ok {
		return devices.Spec{}, fmt.Errorf("unknown protocol %q", record.Protocol)
	}
	return devices.Spec{
		ID:           record.DeviceID,
		Tenant:       record.Tenant,
		Protocol:     protocol,
		PollDelay:    record.PollDelay,
		Endpoint:     record.Endpoint,
		GatewayToken: record.GatewayToken,
	}, nil
}

// StartScenario creates every fleet of the named scenario. On error the
// devices created so far stay.
func (lm *LifecycleManager) StartScenario(ctx context.Context, name string) (int, error) {
	s, err := lm.scenarios.Load(name)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, fleet := range s.Fleets {
		created, _, err := lm.startFleet(ctx, fleet, true)
		total += created
		if err != nil {
			return total, fmt.Errorf("fleet %q: %w", fleet.Name, err)
		}
	}

	lm.logger.Info("Scenario started",
		zap.String("scenario", s.Name),
		zap.Int("devices", total))
	return total, nil
}

func (lm *LifecycleManager) Scenarios() []string {
	return lm.scenarios.List()
}

func (lm *LifecycleManager) deviceInfo(device devices.Device) interfaces.DeviceInfo {
	actionID, inFlight := lm.orchestrator.InFlight(device.Tenant(), device.ID())
	return interfaces.DeviceInfo{
		Tenant:         device.Tenant(),
		ID:             device.ID(),
		Protocol:       string(device.Protocol()),
		PollDelay:      device.PollDelay(),
		Status:         device.UpdateStatus(),
		ActionID:       actionID,
		UpdateInFlight: inFlight,
	}
}

func (lm *LifecycleManager) Devices() []interfaces.DeviceInfo {
	list := lm.registry.List()
	infos := make([]interfaces.DeviceInfo, 0, len(list))
	for _, device := range list {
		infos = append(infos, lm.deviceInfo(device))
	}
	return infos
}

func (lm *LifecycleManager) Device(tenant, id string) (interfaces.DeviceInfo, bool) {
	device := lm.registry.Get(lm.tenant(tenant), id)
	if device == nil {
		return interfaces.DeviceInfo{}, false
	}
	return lm.deviceInfo(device), true
}

func (lm *LifecycleManager) UpdateAttribute(ctx context.Context, tenant, id string, mode types.UpdateMode, key, value string) error {
	device := lm.registry.Get(lm.tenant(tenant), id)
	if device == nil {
		return types.ErrDeviceNotFound
	}
	if err := device.UpdateAttribute(ctx, mode, key, value); err != nil {
		return fmt.Errorf("failed to update attribute %s: %w", key, err)
	}
	return nil
}

func (lm *LifecycleManager) RemoveDevice(ctx context.Context, tenant, id string) error {
	tenant = lm.tenant(tenant)

	device := lm.registry.Remove(tenant, id)
	if device == nil {
		return types.ErrDeviceNotFound
	}
	device.Clean()

	if lm.storage != nil {
		if err := lm.storage.DeleteDevice(ctx, tenant, id); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			lm.logger.Warn("Failed to delete persisted device",
				zap.String("tenant", tenant),
				zap.String("device_id", id),
				zap.Error(err))
		}
	}

	lm.wsHub.BroadcastDevice(tenant, id,
		websocket.NewDeviceLifecycleMessage(websocket.MessageTypeDeviceRemoved, tenant, id, string(device.Protocol())))
	return nil
}

// Reset removes every simulated device.
func (lm *LifecycleManager) Reset(ctx context.Context) error {
	for _, device := range lm.registry.List() {
		device.Clean()
	}
	lm.registry.Clear()

	if lm.storage != nil {
		if _, err := lm.storage.DeleteAllDevices(ctx); err != nil {
			return err
		}
	}

	lm.broadcastStatus()
	return nil
}

func (lm *LifecycleManager) Feedback(ctx context.Context, tenant, id string, limit int) ([]storage.FeedbackRecord, error) {
	if lm.storage == nil {
		return nil, interfaces.ErrStorageDisabled
	}
	return lm.storage.ListFeedback(ctx, lm.tenant(tenant), id, limit)
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	list := lm.registry.List()
	byProtocol := make(map[string]int)
	for _, d := range list {
		byProtocol[string(d.Protocol())]++
	}

	status := interfaces.SystemStatus{
		State:             lm.state().String(),
		UpdateMode:        string(lm.orchestrator.Mode()),
		DeviceCount:       len(list),
		DevicesByProtocol: byProtocol,
		Tenants:           lm.registry.Tenants(),
		UpdatesInFlight:   lm.orchestrator.InFlightCount(),
		DMFEnabled:        lm.config.DMF.Enabled,
		StorageEnabled:    lm.storage != nil,
		LiveClients:       lm.wsHub.GetClientCount(),
	}
	if lm.broker != nil {
		status.DMFConnected = lm.broker.IsConnected()
	}
	if lm.router != nil {
		status.OpenPings = lm.router.Pings().Len()
	}
	if lm.journal != nil {
		status.JournalDropped = lm.journal.Dropped()
	}
	return status
}
