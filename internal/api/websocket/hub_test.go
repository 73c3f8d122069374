package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type received struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http"), cancel
}

func dial(t *testing.T, hub *Hub, url string, clients int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.GetClientCount() == clients },
		time.Second, 10*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func statusEvent(tenant, id string) updater.StatusEvent {
	return updater.StatusEvent{
		Tenant:     tenant,
		DeviceID:   id,
		Protocol:   types.ProtocolPush,
		ActionID:   7,
		ActionType: types.ActionDownloadAndInstall,
		Status:     types.NewUpdateStatus(types.StatusRunning, "Simulation begins!"),
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	hub, url, _ := startHub(t)
	hub.SetStatusProvider(func() any { return map[string]int{"devices": 3} })

	conn := dial(t, hub, url, 1)
	msg := read(t, conn)
	assert.Equal(t, MessageTypeSystemStatus, msg.Type)
	assert.JSONEq(t, `{"devices":3}`, string(msg.Data))
}

func TestStatusBroadcast(t *testing.T) {
	hub, url, _ := startHub(t)
	a := dial(t, hub, url, 1)
	b := dial(t, hub, url, 2)

	hub.OnStatus(context.Background(), statusEvent("t1", "dev1"))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := read(t, conn)
		require.Equal(t, MessageTypeDeviceStatus, msg.Type)
		var data DeviceStatusData
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, DeviceStatusData{
			Tenant:     "t1",
			DeviceID:   "dev1",
			Protocol:   "DMF",
			ActionID:   7,
			ActionType: "DOWNLOAD_AND_INSTALL",
			Status:     "RUNNING",
			Messages:   []string{"Simulation begins!"},
		}, data)
	}
}

func TestSubscriptionFilter(t *testing.T) {
	hub, url, _ := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "tenant": "t2"}))
	ack := read(t, conn)
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	assert.JSONEq(t, `{"tenant":"t2"}`, string(ack.Data))

	hub.OnStatus(context.Background(), statusEvent("t1", "dev1"))
	hub.OnStatus(context.Background(), statusEvent("t2", "dev9"))
	hub.Broadcast(NewDeviceLifecycleMessage(MessageTypeDeviceRemoved, "", "", ""))

	var data DeviceStatusData
	msg := read(t, conn)
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "dev9", data.DeviceID)

	// broadcasts without a device reach every client
	assert.Equal(t, MessageTypeDeviceRemoved, read(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, MessageTypeError, read(t, conn).Type)
}

func TestStopClosesClients(t *testing.T) {
	hub, url, cancel := startHub(t)
	conn := dial(t, hub, url, 1)

	cancel()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
