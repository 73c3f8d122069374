package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"go.uber.org/zap"
)

// Device states reported on the state topic.
const (
	StateMessageReceived = "msg-received"
	StateDownloading     = "downloading"
	StateInstalling      = "installing"
	StateInstalled       = "installed"
)

// ErrDeviceIDConflict is returned when a device of another tenant with the
// same id already has an update in progress. Config topics and state
// reports only carry the device id.
var ErrDeviceIDConflict = errors.New("device id has a pending update in another tenant")

// Publisher sends raw payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Config struct {
	ConfigTopic string
	StateTopic  string
}

// FirmwareEntry is one artifact in the firmware config sent to a device.
type FirmwareEntry struct {
	ObjectName string `json:"ObjectName"`
	URL        string `json:"Url"`
	MD5Hash    string `json:"Md5Hash"`
}

type FirmwareConfig struct {
	Entries []FirmwareEntry `json:"firmware-update"`
}

// StateReport is what devices publish on the state topic.
type StateReport struct {
	DeviceID string `json:"deviceId"`
	FwState  string `json:"fw-state"`
}

type pendingUpdate struct {
	device     devices.Device
	actionID   uint64
	actionType types.ActionType
	feedback   devices.FeedbackFunc
}

// Bridge hands updates to real or emulated devices over MQTT and turns
// their state reports into update status feedback.
type Bridge struct {
	publisher Publisher
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingUpdate // by devices.Key
	ids     map[string]string         // device id -> pending key
}

func New(publisher Publisher, cfg Config, logger *zap.Logger) *Bridge {
	return &Bridge{
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		pending:   make(map[string]*pendingUpdate),
		ids:       make(map[string]string),
	}
}

// UpdateDevice publishes the firmware config for the device and waits for
// its state reports.
func (b *Bridge) UpdateDevice(ctx context.Context, device devices.Device, req devices.UpdateRequest) error {
	b.logger.Info("Update device", zap.String("device_id", device.ID()), zap.String("action_type", string(req.ActionType)))

	if !req.ActionType.Supported() {
		b.logger.Error("Unsupported action type", zap.String("action_type", string(req.ActionType)))
		device.SetUpdateStatus(types.NewUpdateStatus(types.StatusError, "Unsupported Action"))
		req.Feedback(ctx, device)
		return fmt.Errorf("%w: %s", types.ErrUnsupportedAction, req.ActionType)
	}

	key := devices.Key(device.Tenant(), device.ID())

	b.mu.Lock()
	if owner, ok := b.ids[device.ID()]; ok && owner != key {
		b.mu.Unlock()
		b.logger.Error("Device id already has a pending update in another tenant",
			zap.String("tenant", device.Tenant()),
			zap.String("device_id", device.ID()),
			zap.String("pending", owner))
		return fmt.Errorf("%w: %s", ErrDeviceIDConflict, device.ID())
	}
	if existing, ok := b.pending[key]; ok {
		b.mu.Unlock()
		b.logger.Error("Device already has a pending update", zap.String("device_id", device.ID()))
		existing.device.SetUpdateStatus(types.NewUpdateStatus(types.StatusRunning, "Payload Reached"))
		existing.feedback(ctx, existing.device)
		return types.ErrUpdateInProgress
	}
	b.pending[key] = &pendingUpdate{
		device:     device,
		actionID:   req.ActionID,
		actionType: req.ActionType,
		feedback:   req.Feedback,
	}
	b.ids[device.ID()] = key
	b.mu.Unlock()

	if err := b.sendFirmwareConfig(ctx, device.ID(), req.Modules); err != nil {
		b.remove(device.ID())
		return err
	}
	return nil
}

func (b *Bridge) sendFirmwareConfig(ctx context.Context, deviceID string, modules []types.SoftwareModule) error {
	var cfg FirmwareConfig
	for _, m := range modules {
		for _, a := range m.Artifacts {
			url, _ := a.PreferredURL()
			cfg.Entries = append(cfg.Entries, FirmwareEntry{
				ObjectName: a.Filename,
				URL:        url,
				MD5Hash:    a.Hashes.MD5,
			})
		}
	}
	if len(cfg.Entries) == 0 {
		b.logger.Warn("No artifacts for device", zap.String("device_id", deviceID))
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal firmware config: %w", err)
	}
	topic := b.cfg.ConfigTopic + "/" + deviceID
	if err := b.publisher.Publish(ctx, topic, data); err != nil {
		return fmt.Errorf("failed to send firmware config: %w", err)
	}
	b.logger.Debug("Firmware config sent", zap.String("topic", topic), zap.Int("artifacts", len(cfg.Entries)))
	return nil
}

// HandleState consumes one state report.
func (b *Bridge) HandleState(ctx context.Context, topic string, payload []byte) {
	var report StateReport
	if err := json.Unmarshal(payload, &report); err != nil || report.DeviceID == "" || report.FwState == "" {
		b.logger.Debug("Ignoring message", zap.String("topic", topic))
		return
	}

	var status *types.UpdateStatus
	switch report.FwState {
	case StateMessageReceived:
		status = types.NewUpdateStatus(types.StatusRunning, "Message sent to initiate fw update!")
	case StateDownloading:
		status = types.NewUpdateStatus(types.StatusDownloading, "Payload downloading")
	case StateInstalling:
		status = types.NewUpdateStatus(types.StatusDownloaded, "Payload installing")
	case StateInstalled:
		status = types.NewUpdateStatus(types.StatusSuccessful, "Payload installed")
	default:
		b.logger.Error("Unknown fw-state", zap.String("device_id", report.DeviceID), zap.String("fw_state", report.FwState))
		status = types.NewUpdateStatus(types.StatusError, "Unknown State")
	}

	b.mu.Lock()
	p, ok := b.pending[b.ids[report.DeviceID]]
	b.mu.Unlock()
	if !ok {
		b.logger.Error("No pending update for device",
			zap.String("device_id", report.DeviceID),
			zap.String("status", status.ResponseStatus.String()))
		return
	}

	p.device.SetUpdateStatus(status)
	p.feedback(ctx, p.device)

	if p.actionType.Final(status.ResponseStatus) {
		b.remove(report.DeviceID)
	}
}

func (b *Bridge) remove(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, b.ids[deviceID])
	delete(b.ids, deviceID)
}

// Pending returns the number of devices with an update in progress.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
