package dmf

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below debug. Full message content is only logged when
// the logger is enabled at this level.
const TraceLevel = zapcore.DebugLevel - 1

// Transport publishes DMF messages to the update server.
type Transport interface {
	Publish(ctx context.Context, msg Message) error
}

// Update identifies the action a status message reports on.
type Update struct {
	Tenant   string
	ThingID  string
	ActionID uint64
}

// Sender builds outbound DMF messages and hands them to the transport.
type Sender struct {
	transport  Transport
	replyTo    string
	attributes map[string]string
	logger     *zap.Logger
}

func NewSender(transport Transport, replyTo string, attributes map[string]string, logger *zap.Logger) *Sender {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	return &Sender{
		transport:  transport,
		replyTo:    replyTo,
		attributes: attrs,
		logger:     logger,
	}
}

// Send strips internal headers, assigns a correlation id if the message
// has none and publishes it.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if msg.Headers == nil {
		msg.Headers = make(map[string]string)
	}
	delete(msg.Headers, headerTypeID)

	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	if ce := s.logger.Check(TraceLevel, "Sending message"); ce != nil {
		ce.Write(
			zap.String("correlation_id", msg.CorrelationID),
			zap.Any("headers", msg.Headers),
			zap.String("content_type", msg.ContentType),
			zap.ByteString("body", msg.Body))
	} else {
		s.logger.Debug("Sending message",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("type", msg.Headers[HeaderType]),
			zap.String("topic", msg.Headers[HeaderTopic]),
			zap.String("tenant", msg.Headers[HeaderTenant]))
	}

	if err := s.transport.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s message: %w", msg.Headers[HeaderType], err)
	}
	return nil
}

func (s *Sender) withBody(msg Message, body any) (Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal message body: %w", err)
	}
	msg.Body = data
	return msg, nil
}

// SendActionStatus reports an intermediate or final action status.
func (s *Sender) SendActionStatus(ctx context.Context, tenant string, status ActionStatus, messages []string, actionID uint64) error {
	msg := newMessage(TypeEvent, tenant)
	msg.Headers[HeaderTopic] = string(TopicUpdateActionStatus)
	msg.Headers[HeaderContentType] = ContentTypeJSON

	msg, err := s.withBody(msg, ActionUpdateStatus{
		ActionID:     actionID,
		ActionStatus: status,
		Message:      messages,
	})
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}

func (s *Sender) FinishUpdate(ctx context.Context, update Update, messages []string) error {
	return s.SendActionStatus(ctx, update.Tenant, ActionStatusFinished, messages, update.ActionID)
}

func (s *Sender) FinishUpdateWithError(ctx context.Context, update Update, messages []string) error {
	if err := s.SendActionStatus(ctx, update.Tenant, ActionStatusError, messages, update.ActionID); err != nil {
		return err
	}
	s.logger.Debug("Update process finished with error",
		zap.String("thing_id", update.ThingID),
		zap.Strings("messages", messages))
	return nil
}

func (s *Sender) SendWarning(ctx context.Context, update Update, messages []string) error {
	return s.SendActionStatus(ctx, update.Tenant, ActionStatusWarning, messages, update.ActionID)
}

// Ping sends a health check ping with the given correlation id.
func (s *Sender) Ping(ctx context.Context, tenant, correlationID string) error {
	msg := newMessage(TypePing, tenant)
	msg.ContentType = ContentTypeText
	msg.CorrelationID = correlationID
	msg.ReplyTo = s.replyTo
	return s.Send(ctx, msg)
}

// CreateOrUpdateThing announces a device to the server.
func (s *Sender) CreateOrUpdateThing(ctx context.Context, tenant, thingID string) error {
	msg := newMessage(TypeThingCreated, tenant)
	msg.Headers[HeaderThingID] = thingID
	msg.Headers[HeaderSender] = senderName
	msg.ReplyTo = s.replyTo

	if err := s.Send(ctx, msg); err != nil {
		return err
	}
	s.logger.Debug("Sent thing created message", zap.String("thing_id", thingID))
	return nil
}

// UpdateAttributes merges the configured device attributes into the
// thing's attributes on the server.
func (s *Sender) UpdateAttributes(ctx context.Context, tenant, thingID string) error {
	return s.sendAttributes(ctx, tenant, thingID, types.ModeMerge, s.attributes)
}

func (s *Sender) UpdateAttribute(ctx context.Context, tenant, thingID string, mode types.UpdateMode, key, value string) error {
	return s.sendAttributes(ctx, tenant, thingID, mode, map[string]string{key: value})
}

func (s *Sender) sendAttributes(ctx context.Context, tenant, thingID string, mode types.UpdateMode, attributes map[string]string) error {
	msg := newMessage(TypeEvent, tenant)
	msg.Headers[HeaderTopic] = string(TopicUpdateAttributes)
	msg.Headers[HeaderThingID] = thingID
	msg.ReplyTo = s.replyTo

	msg, err := s.withBody(msg, AttributeUpdate{Mode: mode, Attributes: attributes})
	if err != nil {
		return err
	}
	return s.Send(ctx, msg)
}
