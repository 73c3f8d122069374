package interfaces

import (
	"context"
	"errors"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/config"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/storage"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
)

var ErrStorageDisabled = errors.New("storage is disabled")

// SystemStatus represents the current system state
type SystemStatus struct {
	State             string         `json:"state"`
	UpdateMode        string         `json:"update_mode"`
	DeviceCount       int            `json:"device_count"`
	DevicesByProtocol map[string]int `json:"devices_by_protocol"`
	Tenants           []string       `json:"tenants"`
	UpdatesInFlight   int            `json:"updates_in_flight"`
	DMFEnabled        bool           `json:"dmf_enabled"`
	DMFConnected      bool           `json:"dmf_connected"`
	OpenPings         int            `json:"open_pings"`
	StorageEnabled    bool           `json:"storage_enabled"`
	JournalDropped    uint64         `json:"journal_dropped,omitempty"`
	LiveClients       int            `json:"live_clients"`
}

// DeviceInfo is the API view of a simulated device.
type DeviceInfo struct {
	Tenant         string              `json:"tenant"`
	ID             string              `json:"id"`
	Protocol       string              `json:"protocol"`
	PollDelay      int                 `json:"poll_delay"`
	Status         *types.UpdateStatus `json:"status,omitempty"`
	ActionID       uint64              `json:"action_id,omitempty"`
	UpdateInFlight bool                `json:"update_in_flight"`
}

// Simulator is what the API needs from the running simulator.
type Simulator interface {
	Config() *config.Config
	DMFEnabled() bool

	// StartFleet creates fleet.Amount devices named fleet.Name + index.
	StartFleet(ctx context.Context, fleet config.Autostart) (int, types.Protocol, error)
	StartScenario(ctx context.Context, name string) (int, error)
	Scenarios() []string

	Devices() []DeviceInfo
	Device(tenant, id string) (DeviceInfo, bool)
	UpdateAttribute(ctx context.Context, tenant, id string, mode types.UpdateMode, key, value string) error
	RemoveDevice(ctx context.Context, tenant, id string) error
	Reset(ctx context.Context) error

	// Feedback returns the recorded status reports of a device, newest first.
	Feedback(ctx context.Context, tenant, id string, limit int) ([]storage.FeedbackRecord, error)

	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
