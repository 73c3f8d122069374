package devices

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/ddi"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"go.uber.org/zap"
)

// ControllerClient is the subset of the DDI root controller API a polling
// device needs.
type ControllerClient interface {
	GetControllerBase(ctx context.Context, tenant, controllerID string) (*ddi.ControllerBase, error)
	GetDeploymentAction(ctx context.Context, tenant, controllerID string, actionID uint64) (*ddi.DeploymentBase, error)
	PostDeploymentFeedback(ctx context.Context, tenant, controllerID string, actionID uint64, feedback ddi.ActionFeedback) error
	PostConfirmationFeedback(ctx context.Context, tenant, controllerID string, actionID uint64, feedback ddi.ConfirmationFeedback) error
	PutConfigData(ctx context.Context, tenant, controllerID string, data ddi.ConfigData) error
}

// PollDevice simulates a device that polls the DDI API for deployments.
type PollDevice struct {
	base

	client       ControllerClient
	updater      Updater
	gatewayToken string
	logger       *zap.Logger

	removed       bool
	currentAction uint64
	tracking      bool
}

func NewPollDevice(id, tenant string, pollDelay int, client ControllerClient, updater Updater, gatewayToken string, logger *zap.Logger) *PollDevice {
	d := &PollDevice{
		client:       client,
		updater:      updater,
		gatewayToken: gatewayToken,
		logger:       logger.With(zap.String("tenant", tenant), zap.String("device_id", id)),
	}
	d.init(id, tenant, types.ProtocolPoll, pollDelay)
	return d
}

// Clean drops the status and stops the device from polling again.
func (d *PollDevice) Clean() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = nil
	d.removed = true
}

func (d *PollDevice) Removed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removed
}

// CurrentAction returns the action the device is working on, if any.
func (d *PollDevice) CurrentAction() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentAction, d.tracking
}

func (d *PollDevice) Poll(ctx context.Context) error {
	if d.Removed() {
		return nil
	}

	controller, err := d.client.GetControllerBase(ctx, d.tenant, d.id)
	if err != nil {
		return fmt.Errorf("failed base poll: %w", err)
	}

	if href, ok := controller.Links.Get(ddi.LinkConfirmationBase); ok {
		actionID, err := ddi.ActionIDFromHref(href)
		if err != nil {
			return err
		}
		d.logger.Debug("Confirming action", zap.Uint64("action_id", actionID))
		return d.client.PostConfirmationFeedback(ctx, d.tenant, d.id, actionID, ddi.NewConfirmedFeedback())
	}

	href, ok := controller.Links.Get(ddi.LinkDeploymentBase)
	if !ok {
		return nil
	}
	actionID, err := ddi.ActionIDFromHref(href)
	if err != nil {
		return err
	}

	if current, tracking := d.CurrentAction(); tracking && current != actionID {
		return nil
	}

	deployment, err := d.client.GetDeploymentAction(ctx, d.tenant, d.id, actionID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.currentAction = actionID
	d.tracking = true
	d.mu.Unlock()

	err = d.updater.StartUpdate(ctx, UpdateRequest{
		Tenant:       d.tenant,
		DeviceID:     d.id,
		ActionID:     actionID,
		ActionType:   deployment.ActionType(),
		Modules:      deployment.SoftwareModules(),
		GatewayToken: d.gatewayToken,
		Feedback:     d.feedback(actionID),
	})
	if errors.Is(err, types.ErrUpdateInProgress) {
		return nil
	}
	return err
}

// feedback posts the device status for actionID. Statuses without a DDI
// equivalent panic inside ddi.FeedbackFor.
func (d *PollDevice) feedback(actionID uint64) FeedbackFunc {
	return func(ctx context.Context, dev Device) {
		fb := ddi.FeedbackFor(dev.UpdateStatus())
		if err := d.client.PostDeploymentFeedback(ctx, d.tenant, d.id, actionID, fb); err != nil {
			d.logger.Error("Failed to send feedback",
				zap.Uint64("action_id", actionID),
				zap.String("execution", string(fb.Status.Execution)),
				zap.Error(err))
		}

		d.mu.Lock()
		d.tracking = false
		d.currentAction = 0
		d.mu.Unlock()
	}
}

func (d *PollDevice) UpdateAttribute(ctx context.Context, mode types.UpdateMode, key, value string) error {
	return d.client.PutConfigData(ctx, d.tenant, d.id, ddi.NewConfigData(mode, key, value))
}
