package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/dmf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type capturePublisher struct {
	topic   string
	payload []byte
}

func (c *capturePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	c.topic = topic
	c.payload = payload
	return nil
}

func TestDMFTransportPublishesEnvelope(t *testing.T) {
	pub := &capturePublisher{}
	transport := NewDMFTransport(pub, "dmf/out")

	msg := dmf.Message{
		Headers:       map[string]string{dmf.HeaderType: string(dmf.TypePing), dmf.HeaderTenant: "t1"},
		ContentType:   dmf.ContentTypeText,
		CorrelationID: "c1",
		ReplyTo:       "sim",
	}
	require.NoError(t, transport.Publish(context.Background(), msg))
	assert.Equal(t, "dmf/out", pub.topic)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(pub.payload, &envelope))
	assert.Equal(t, "c1", envelope["correlationId"])
	assert.Equal(t, "sim", envelope["replyTo"])
	assert.Equal(t, "PING", envelope["headers"].(map[string]any)["type"])
}

func TestDMFHandler(t *testing.T) {
	var got []dmf.Message
	handler := DMFHandler(func(_ context.Context, msg dmf.Message) error {
		got = append(got, msg)
		return nil
	}, zaptest.NewLogger(t))

	handler(context.Background(), "dmf/in", []byte(`{"headers":{"type":"EVENT","topic":"CANCEL_DOWNLOAD"},"body":{"actionId":1}}`))
	handler(context.Background(), "dmf/in", []byte(`garbage`))

	require.Len(t, got, 1)
	assert.Equal(t, dmf.TypeEvent, got[0].Type())
	assert.JSONEq(t, `{"actionId":1}`, string(got[0].Body))
}

func TestDMFHandlerLogsRejections(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	handler := DMFHandler(func(context.Context, dmf.Message) error {
		return fmt.Errorf("%w: bad body", dmf.ErrRejected)
	}, zap.New(core))

	handler(context.Background(), "dmf/in", []byte(`{"headers":{"type":"EVENT"}}`))
	assert.Equal(t, 1, logs.FilterMessage("Message rejected").Len())
}
