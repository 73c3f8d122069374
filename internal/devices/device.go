package devices

import (
	"context"
	"sync"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
)

// Device is the capability shared by every simulated device regardless of
// the protocol it speaks.
type Device interface {
	ID() string
	Tenant() string
	Protocol() types.Protocol

	TargetToken() string
	SetTargetToken(token string)

	// UpdateStatus returns a copy of the current status, or nil.
	UpdateStatus() *types.UpdateStatus
	SetUpdateStatus(status *types.UpdateStatus)

	// Clean drops the update status after an attempt finished.
	Clean()

	// Poll runs one protocol cycle against the update server.
	Poll(ctx context.Context) error
	UpdateAttribute(ctx context.Context, mode types.UpdateMode, key, value string) error

	PollDelay() int
	// Tick advances the poll counter by one second and reports whether a
	// poll is due.
	Tick() bool
}

// FeedbackFunc reports the device's current status upstream. It is bound
// to one action when it is created.
type FeedbackFunc func(ctx context.Context, d Device)

// UpdateRequest asks the orchestrator to simulate an update on a device.
type UpdateRequest struct {
	Tenant       string
	DeviceID     string
	ActionID     uint64
	ActionType   types.ActionType
	Modules      []types.SoftwareModule
	TargetToken  string
	GatewayToken string
	Feedback     FeedbackFunc
}

// Updater starts simulated updates.
type Updater interface {
	StartUpdate(ctx context.Context, req UpdateRequest) error
}

type base struct {
	id        string
	tenant    string
	protocol  types.Protocol
	pollDelay int

	mu              sync.Mutex
	targetToken     string
	status          *types.UpdateStatus
	nextPollCounter int
}

func (b *base) init(id, tenant string, protocol types.Protocol, pollDelay int) {
	b.id = id
	b.tenant = tenant
	b.protocol = protocol
	b.pollDelay = pollDelay
	b.nextPollCounter = pollDelay
}

func (b *base) ID() string               { return b.id }
func (b *base) Tenant() string           { return b.tenant }
func (b *base) Protocol() types.Protocol { return b.protocol }
func (b *base) PollDelay() int           { return b.pollDelay }

func (b *base) TargetToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetToken
}

func (b *base) SetTargetToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.targetToken = token
}

func (b *base) UpdateStatus() *types.UpdateStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.Clone()
}

func (b *base) SetUpdateStatus(status *types.UpdateStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status.Clone()
}

func (b *base) clearStatus() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = nil
}

func (b *base) Tick() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pollDelay <= 0 {
		return false
	}
	b.nextPollCounter--
	if b.nextPollCounter > 0 {
		return false
	}
	b.nextPollCounter = b.pollDelay
	return true
}
