package devices

import (
	"sort"
	"sync"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"go.uber.org/zap"
)

// Key builds the registry key of a device.
func Key(tenant, id string) string {
	return tenant + "/" + id
}

// Registry holds the simulated devices of all tenants.
type Registry struct {
	devices map[string]Device
	mu      sync.RWMutex
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]Device),
		logger:  logger,
	}
}

// Add registers a device. If the (tenant, id) pair is taken, the existing
// device is returned together with types.ErrDeviceExists.
func (r *Registry) Add(device Device) (Device, error) {
	key := Key(device.Tenant(), device.ID())

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.devices[key]; ok {
		return existing, types.ErrDeviceExists
	}
	r.devices[key] = device

	r.logger.Debug("Device registered",
		zap.String("tenant", device.Tenant()),
		zap.String("device_id", device.ID()),
		zap.String("protocol", string(device.Protocol())))

	return device, nil
}

// Get returns the device or nil.
func (r *Registry) Get(tenant, id string) Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[Key(tenant, id)]
}

// Remove unregisters the device and returns it, or nil if it was unknown.
func (r *Registry) Remove(tenant, id string) Device {
	key := Key(tenant, id)

	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[key]
	if !ok {
		return nil
	}
	delete(r.devices, key)

	r.logger.Debug("Device removed",
		zap.String("tenant", tenant),
		zap.String("device_id", id))

	return device
}

// Tenants returns every tenant with at least one device, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for _, d := range r.devices {
		seen[d.Tenant()] = struct{}{}
	}
	r.mu.RUnlock()

	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// List returns all devices ordered by tenant and id.
func (r *Registry) List() []Device {
	r.mu.RLock()
	list := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return Key(list[i].Tenant(), list[i].ID()) < Key(list[j].Tenant(), list[j].ID())
	})
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear removes every device.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.devices)
	r.devices = make(map[string]Device)
	r.mu.Unlock()

	r.logger.Info("Device registry cleared", zap.Int("removed", n))
}
