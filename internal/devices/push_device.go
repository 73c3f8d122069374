package devices

import (
	"context"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
)

// ThingSender announces push devices and their attributes to the server.
type ThingSender interface {
	CreateOrUpdateThing(ctx context.Context, tenant, thingID string) error
	UpdateAttribute(ctx context.Context, tenant, thingID string, mode types.UpdateMode, key, value string) error
}

// PushDevice is a device reached through the DMF message broker. It holds
// status only; the router and sender drive it.
type PushDevice struct {
	base
	sender ThingSender
}

func NewPushDevice(id, tenant string, pollDelay int, sender ThingSender) *PushDevice {
	d := &PushDevice{sender: sender}
	d.init(id, tenant, types.ProtocolPush, pollDelay)
	return d
}

func (d *PushDevice) Clean() {
	d.clearStatus()
}

// Poll re-announces the thing so the server keeps it online.
func (d *PushDevice) Poll(ctx context.Context) error {
	if d.sender == nil {
		return nil
	}
	return d.sender.CreateOrUpdateThing(ctx, d.tenant, d.id)
}

func (d *PushDevice) UpdateAttribute(ctx context.Context, mode types.UpdateMode, key, value string) error {
	if d.sender == nil {
		return nil
	}
	return d.sender.UpdateAttribute(ctx, d.tenant, d.id, mode, key, value)
}
