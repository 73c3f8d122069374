package dmf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRejected marks inbound messages that are malformed and must not be
// redelivered.
var ErrRejected = errors.New("message rejected")

const cancelMessage = "Simulation canceled"

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// FeedbackSender is the outbound side the router reports through.
type FeedbackSender interface {
	SendActionStatus(ctx context.Context, tenant string, status ActionStatus, messages []string, actionID uint64) error
	FinishUpdate(ctx context.Context, update Update, messages []string) error
	FinishUpdateWithError(ctx context.Context, update Update, messages []string) error
	Ping(ctx context.Context, tenant, correlationID string) error
	UpdateAttributes(ctx context.Context, tenant, thingID string) error
}

// ArtifactStager makes artifacts available at the location devices will
// download them from.
type ArtifactStager interface {
	Stage(ctx context.Context, tenant, thingID string, artifact types.Artifact, targetToken string) error
}

type RouterConfig struct {
	CheckHealth  bool
	MaxOpenPings int
}

// Router dispatches inbound DMF messages.
type Router struct {
	registry  *devices.Registry
	updater   devices.Updater
	sender    FeedbackSender
	stager    ArtifactStager
	validator *Validator
	actions   *ActionSet
	pings     *PingSet
	cfg       RouterConfig
	logger    *zap.Logger
}

func NewRouter(
	registry *devices.Registry,
	updater devices.Updater,
	sender FeedbackSender,
	stager ArtifactStager,
	validator *Validator,
	actions *ActionSet,
	cfg RouterConfig,
	logger *zap.Logger,
) *Router {
	if cfg.MaxOpenPings <= 0 {
		cfg.MaxOpenPings = 5
	}
	return &Router{
		registry:  registry,
		updater:   updater,
		sender:    sender,
		stager:    stager,
		validator: validator,
		actions:   actions,
		pings:     NewPingSet(),
		cfg:       cfg,
		logger:    logger,
	}
}

func (r *Router) Actions() *ActionSet { return r.actions }
func (r *Router) Pings() *PingSet     { return r.pings }

// Handle processes one inbound message. Errors wrapping ErrRejected are
// permanent; everything else is logged and swallowed here.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	switch msg.Type() {
	case TypeEvent:
		if !msg.JSONContent() {
			return rejectf("content type is not JSON compatible")
		}
		return r.handleEvent(ctx, msg)

	case TypeThingDeleted:
		if !msg.JSONContent() {
			return rejectf("content type is not JSON compatible")
		}
		if r.registry.Remove(msg.Tenant(), msg.ThingID()) == nil {
			r.logger.Debug("Deleted thing was not simulated",
				zap.String("tenant", msg.Tenant()),
				zap.String("thing_id", msg.ThingID()))
		}
		return nil

	case TypePingResponse:
		if !r.pings.Remove(msg.CorrelationID) {
			r.logger.Error("Unknown PING_RESPONSE received",
				zap.String("correlation_id", msg.CorrelationID))
		}
		r.logger.Debug("Got ping response",
			zap.String("tenant", msg.Tenant()),
			zap.String("correlation_id", msg.CorrelationID),
			zap.ByteString("timestamp", msg.Body))
		return nil

	default:
		r.logger.Info("No valid message type property", zap.String("type", string(msg.Type())))
		return nil
	}
}

func (r *Router) handleEvent(ctx context.Context, msg Message) error {
	topic := msg.Header(HeaderTopic)
	if topic == "" {
		r.logger.Error("Event topic is not set",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("thing_id", msg.ThingID()))
		return rejectf("event topic is not set")
	}
	return r.dispatch(ctx, msg, EventTopic(topic), msg.Body)
}

func (r *Router) dispatch(ctx context.Context, msg Message, topic EventTopic, body json.RawMessage) error {
	tenant, thingID := msg.Tenant(), msg.ThingID()

	switch topic {
	case TopicDownload, TopicDownloadAndInstall:
		var req DownloadRequest
		if err := r.decode(schemaDownloadRequest, body, &req); err != nil {
			return err
		}
		return r.handleUpdate(ctx, tenant, thingID, types.ActionType(topic), req)

	case TopicCancelDownload:
		var req ActionRequest
		if err := r.decode(schemaActionRequest, body, &req); err != nil {
			return err
		}
		r.cancel(ctx, tenant, thingID, req.ActionID)
		return nil

	case TopicRequestAttributesUpdate:
		if err := r.sender.UpdateAttributes(ctx, tenant, thingID); err != nil {
			r.logger.Warn("Failed to send attributes",
				zap.String("tenant", tenant),
				zap.String("thing_id", thingID),
				zap.Error(err))
		}
		return nil

	case TopicMultiAction:
		var req MultiActionRequest
		if err := r.decode(schemaMultiAction, body, &req); err != nil {
			return err
		}
		if len(req.Elements) == 0 {
			r.logger.Info("Multi action without elements", zap.String("thing_id", thingID))
			return nil
		}
		first := req.Elements[0]
		if first.Topic == TopicMultiAction {
			return rejectf("nested multi action")
		}
		return r.dispatch(ctx, msg, first.Topic, first.Action)

	default:
		r.logger.Info("No valid event property", zap.String("topic", string(topic)))
		return nil
	}
}

func (r *Router) decode(schema string, body json.RawMessage, v any) error {
	if err := r.validator.Validate(schema, body); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

func (r *Router) handleUpdate(ctx context.Context, tenant, thingID string, actionType types.ActionType, req DownloadRequest) error {
	if !r.actions.Open(req.ActionID) {
		r.logger.Debug("Dropping already known action",
			zap.Uint64("action_id", req.ActionID),
			zap.String("thing_id", thingID))
		return nil
	}

	modules := req.Modules()
	if r.stager != nil {
		for _, module := range modules {
			for _, artifact := range module.Artifacts {
				if err := r.stager.Stage(ctx, tenant, thingID, artifact, req.TargetSecurityToken); err != nil {
					r.logger.Warn("Failed to stage artifact",
						zap.String("filename", artifact.Filename),
						zap.Error(err))
				}
			}
		}
	}

	update := Update{Tenant: tenant, ThingID: thingID, ActionID: req.ActionID}
	startErr := r.updater.StartUpdate(ctx, devices.UpdateRequest{
		Tenant:      tenant,
		DeviceID:    thingID,
		ActionID:    req.ActionID,
		ActionType:  actionType,
		Modules:     modules,
		TargetToken: req.TargetSecurityToken,
		Feedback:    r.feedback(update, actionType),
	})
	if startErr != nil {
		r.logger.Warn("Update could not be started",
			zap.Uint64("action_id", req.ActionID),
			zap.String("thing_id", thingID),
			zap.Error(startErr))
		r.actions.Emit(req.ActionID, true, func() {
			if err := r.sender.FinishUpdateWithError(ctx, update, []string{startErr.Error()}); err != nil {
				r.logger.Error("Failed to report update error", zap.Error(err))
			}
		})
	}
	return nil
}

// feedback reports the device status of one action. A final status
// retires the action, so later reports for it are dropped.
func (r *Router) feedback(update Update, actionType types.ActionType) devices.FeedbackFunc {
	return func(ctx context.Context, d devices.Device) {
		status := d.UpdateStatus()
		send := r.statusSender(ctx, update, status)
		final := actionType.Final(status.ResponseStatus)

		if !r.actions.Emit(update.ActionID, final, send) {
			r.logger.Debug("Dropping status of finished action",
				zap.Uint64("action_id", update.ActionID),
				zap.String("status", status.ResponseStatus.String()))
		}
	}
}

func (r *Router) statusSender(ctx context.Context, update Update, status *types.UpdateStatus) func() {
	if status == nil {
		panic(fmt.Errorf("%w: device has no update status", types.ErrUnknownResponseStatus))
	}

	messages := status.Messages
	var send func() error
	switch status.ResponseStatus {
	case types.StatusSuccessful:
		send = func() error { return r.sender.FinishUpdate(ctx, update, messages) }
	case types.StatusError:
		send = func() error { return r.sender.FinishUpdateWithError(ctx, update, messages) }
	case types.StatusDownloading:
		send = func() error {
			return r.sender.SendActionStatus(ctx, update.Tenant, ActionStatusDownload, messages, update.ActionID)
		}
	case types.StatusDownloaded:
		send = func() error {
			return r.sender.SendActionStatus(ctx, update.Tenant, ActionStatusDownloaded, messages, update.ActionID)
		}
	case types.StatusRunning:
		send = func() error {
			return r.sender.SendActionStatus(ctx, update.Tenant, ActionStatusRunning, messages, update.ActionID)
		}
	default:
		panic(fmt.Errorf("%w: %s", types.ErrUnknownResponseStatus, status.ResponseStatus))
	}

	return func() {
		if err := send(); err != nil {
			r.logger.Error("Failed to send action status",
				zap.Uint64("action_id", update.ActionID),
				zap.String("status", status.ResponseStatus.String()),
				zap.Error(err))
		}
	}
}

func (r *Router) cancel(ctx context.Context, tenant, thingID string, actionID uint64) {
	update := Update{Tenant: tenant, ThingID: thingID, ActionID: actionID}
	sent := r.actions.Finish(actionID, func() {
		if err := r.sender.FinishUpdate(ctx, update, []string{cancelMessage}); err != nil {
			r.logger.Error("Failed to send cancel feedback",
				zap.Uint64("action_id", actionID),
				zap.Error(err))
		}
	})
	if !sent {
		r.logger.Debug("Cancel for finished action ignored", zap.Uint64("action_id", actionID))
	}
}

// CheckHealth pings every tenant with simulated devices and warns when
// too many pings are unanswered.
func (r *Router) CheckHealth(ctx context.Context) {
	if !r.cfg.CheckHealth {
		return
	}

	if n := r.pings.Len(); n > r.cfg.MaxOpenPings {
		r.logger.Warn("DMF does not seem to be reachable",
			zap.Int("open_pings", n),
			zap.Duration("oldest_ping", r.pings.OldestAge()))
	} else {
		r.logger.Debug("Open pings", zap.Int("open_pings", n))
	}

	for _, tenant := range r.registry.Tenants() {
		correlationID := uuid.NewString()
		r.pings.Add(correlationID)
		if err := r.sender.Ping(ctx, tenant, correlationID); err != nil {
			r.logger.Warn("Failed to ping tenant",
				zap.String("tenant", tenant),
				zap.Error(err))
			continue
		}
		r.logger.Debug("Pinged tenant",
			zap.String("tenant", tenant),
			zap.String("correlation_id", correlationID))
	}
}

// LoggingStager only records which artifacts would be staged.
type LoggingStager struct {
	logger *zap.Logger
}

func NewLoggingStager(logger *zap.Logger) *LoggingStager {
	return &LoggingStager{logger: logger}
}

func (s *LoggingStager) Stage(_ context.Context, tenant, thingID string, artifact types.Artifact, _ string) error {
	s.logger.Debug("Artifact staged",
		zap.String("tenant", tenant),
		zap.String("thing_id", thingID),
		zap.String("filename", artifact.Filename))
	return nil
}
