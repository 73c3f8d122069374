package storage

import (
	"time"

	"github.com/google/uuid"
)

// SimulatedDevice is a device created through the API or a scenario. It is
// recreated when the simulator restarts.
type SimulatedDevice struct {
	ID           uuid.UUID `json:"id"`
	Tenant       string    `json:"tenant"`
	DeviceID     string    `json:"device_id"`
	Protocol     string    `json:"protocol"`
	Endpoint     string    `json:"endpoint,omitempty"`
	GatewayToken string    `json:"-"`
	PollDelay    int       `json:"poll_delay"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FeedbackRecord is one status report sent for an action.
type FeedbackRecord struct {
	ID         uuid.UUID `json:"id"`
	Tenant     string    `json:"tenant"`
	DeviceID   string    `json:"device_id"`
	ActionID   uint64    `json:"action_id"`
	ActionType string    `json:"action_type"`
	Status     string    `json:"status"`
	Messages   []string  `json:"messages"`
	RecordedAt time.Time `json:"recorded_at"`
}
