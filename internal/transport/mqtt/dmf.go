package mqtt

import (
	"context"
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/dmf"
	"go.uber.org/zap"
)

// Publisher sends raw payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// DMFTransport carries DMF messages as JSON envelopes on one topic.
type DMFTransport struct {
	publisher Publisher
	topic     string
}

func NewDMFTransport(publisher Publisher, topic string) *DMFTransport {
	return &DMFTransport{publisher: publisher, topic: topic}
}

func (t *DMFTransport) Publish(ctx context.Context, msg dmf.Message) error {
	data, err := dmf.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return t.publisher.Publish(ctx, t.topic, data)
}

// DMFHandler decodes inbound envelopes and hands them to handle. Rejected
// and undecodable messages are logged and dropped.
func DMFHandler(handle func(ctx context.Context, msg dmf.Message) error, logger *zap.Logger) MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) {
		msg, err := dmf.Decode(payload)
		if err != nil {
			logger.Warn("Dropping undecodable message", zap.String("topic", topic), zap.Error(err))
			return
		}

		if err := handle(ctx, msg); err != nil {
			if errors.Is(err, dmf.ErrRejected) {
				logger.Warn("Message rejected",
					zap.String("topic", topic),
					zap.String("correlation_id", msg.CorrelationID),
					zap.Error(err))
				return
			}
			logger.Error("Failed to handle message", zap.String("topic", topic), zap.Error(err))
		}
	}
}
