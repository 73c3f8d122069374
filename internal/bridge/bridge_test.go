package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type publishRecorder struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (p *publishRecorder) Publish(_ context.Context, topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

type feedbackRecorder struct {
	statuses []*types.UpdateStatus
}

func (f *feedbackRecorder) feedback(_ context.Context, d devices.Device) {
	f.statuses = append(f.statuses, d.UpdateStatus())
}

func (f *feedbackRecorder) last() *types.UpdateStatus {
	return f.statuses[len(f.statuses)-1]
}

func newRequest(rec *feedbackRecorder, actionType types.ActionType) devices.UpdateRequest {
	return devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   1,
		ActionType: actionType,
		Modules: []types.SoftwareModule{{
			Artifacts: []types.Artifact{{
				Filename: "fw.bin",
				Hashes:   types.ArtifactHashes{MD5: "abc"},
				URLs:     map[string]string{types.SchemeHTTP: "http://h/fw.bin", types.SchemeHTTPS: "https://h/fw.bin"},
			}},
		}},
		Feedback: rec.feedback,
	}
}

func state(deviceID, fwState string) []byte {
	data, _ := json.Marshal(StateReport{DeviceID: deviceID, FwState: fwState})
	return data
}

func TestUpdateDevicePublishesFirmwareConfig(t *testing.T) {
	pub := &publishRecorder{}
	b := New(pub, Config{ConfigTopic: "devices/config"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	device := devices.NewPushDevice("dev1", "t1", 30, nil)

	require.NoError(t, b.UpdateDevice(context.Background(), device, newRequest(rec, types.ActionDownloadAndInstall)))

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "devices/config/dev1", pub.topics[0])
	assert.JSONEq(t,
		`{"firmware-update":[{"ObjectName":"fw.bin","Url":"https://h/fw.bin","Md5Hash":"abc"}]}`,
		string(pub.payloads[0]))
	assert.Equal(t, 1, b.Pending())
	assert.Empty(t, rec.statuses)
}

func TestStateMapping(t *testing.T) {
	b := New(&publishRecorder{}, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	device := devices.NewPushDevice("dev1", "t1", 30, nil)
	ctx := context.Background()
	require.NoError(t, b.UpdateDevice(ctx, device, newRequest(rec, types.ActionDownloadAndInstall)))

	cases := []struct {
		state   string
		status  types.ResponseStatus
		message string
	}{
		{StateMessageReceived, types.StatusRunning, "Message sent to initiate fw update!"},
		{StateDownloading, types.StatusDownloading, "Payload downloading"},
		{StateInstalling, types.StatusDownloaded, "Payload installing"},
		{StateInstalled, types.StatusSuccessful, "Payload installed"},
	}
	for _, tc := range cases {
		b.HandleState(ctx, "state", state("dev1", tc.state))
		assert.Equal(t, tc.status, rec.last().ResponseStatus, tc.state)
		assert.Equal(t, []string{tc.message}, rec.last().Messages, tc.state)
	}
	assert.Zero(t, b.Pending())

	// reports after completion have no pending update
	b.HandleState(ctx, "state", state("dev1", StateInstalled))
	assert.Len(t, rec.statuses, 4)
}

func TestUnknownStateEndsUpdate(t *testing.T) {
	b := New(&publishRecorder{}, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	ctx := context.Background()
	require.NoError(t, b.UpdateDevice(ctx, devices.NewPushDevice("dev1", "t1", 30, nil), newRequest(rec, types.ActionDownloadAndInstall)))

	b.HandleState(ctx, "state", state("dev1", "exploded"))
	assert.Equal(t, types.StatusError, rec.last().ResponseStatus)
	assert.Equal(t, []string{"Unknown State"}, rec.last().Messages)
	assert.Zero(t, b.Pending())
}

func TestIgnoresMalformedReports(t *testing.T) {
	b := New(&publishRecorder{}, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	ctx := context.Background()
	require.NoError(t, b.UpdateDevice(ctx, devices.NewPushDevice("dev1", "t1", 30, nil), newRequest(rec, types.ActionDownload)))

	b.HandleState(ctx, "state", []byte(`not json`))
	b.HandleState(ctx, "state", []byte(`{"deviceId":"dev1"}`))
	b.HandleState(ctx, "state", state("other", StateInstalled))
	assert.Empty(t, rec.statuses)
	assert.Equal(t, 1, b.Pending())

	// download only actions end once the payload is on the device
	b.HandleState(ctx, "state", state("dev1", StateInstalling))
	assert.Zero(t, b.Pending())
}

func TestDuplicateUpdate(t *testing.T) {
	b := New(&publishRecorder{}, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	device := devices.NewPushDevice("dev1", "t1", 30, nil)
	ctx := context.Background()
	require.NoError(t, b.UpdateDevice(ctx, device, newRequest(rec, types.ActionDownloadAndInstall)))

	err := b.UpdateDevice(ctx, device, newRequest(&feedbackRecorder{}, types.ActionDownloadAndInstall))
	assert.ErrorIs(t, err, types.ErrUpdateInProgress)
	require.Len(t, rec.statuses, 1)
	assert.Equal(t, []string{"Payload Reached"}, rec.last().Messages)
}

func TestSameIDInOtherTenant(t *testing.T) {
	pub := &publishRecorder{}
	b := New(pub, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	recA := &feedbackRecorder{}
	ctx := context.Background()
	require.NoError(t, b.UpdateDevice(ctx, devices.NewPushDevice("dev1", "t1", 30, nil), newRequest(recA, types.ActionDownloadAndInstall)))

	recB := &feedbackRecorder{}
	reqB := newRequest(recB, types.ActionDownloadAndInstall)
	reqB.Tenant = "t2"
	err := b.UpdateDevice(ctx, devices.NewPushDevice("dev1", "t2", 30, nil), reqB)
	assert.ErrorIs(t, err, ErrDeviceIDConflict)
	assert.NotErrorIs(t, err, types.ErrUpdateInProgress)
	assert.Empty(t, recA.statuses)
	assert.Empty(t, recB.statuses)
	assert.Len(t, pub.topics, 1)
	assert.Equal(t, 1, b.Pending())

	b.HandleState(ctx, "state", state("dev1", StateInstalled))
	require.Len(t, recA.statuses, 1)
	assert.Equal(t, types.StatusSuccessful, recA.last().ResponseStatus)
	assert.Zero(t, b.Pending())

	require.NoError(t, b.UpdateDevice(ctx, devices.NewPushDevice("dev1", "t2", 30, nil), reqB))
	assert.Equal(t, 1, b.Pending())
}

func TestUnsupportedAndPublishFailure(t *testing.T) {
	pub := &publishRecorder{}
	b := New(pub, Config{ConfigTopic: "cfg"}, zaptest.NewLogger(t))
	rec := &feedbackRecorder{}
	device := devices.NewPushDevice("dev1", "t1", 30, nil)
	ctx := context.Background()

	err := b.UpdateDevice(ctx, device, newRequest(rec, "CANCEL"))
	assert.ErrorIs(t, err, types.ErrUnsupportedAction)
	assert.Equal(t, []string{"Unsupported Action"}, rec.last().Messages)

	pub.err = errors.New("offline")
	err = b.UpdateDevice(ctx, device, newRequest(rec, types.ActionDownload))
	assert.Error(t, err)
	assert.Zero(t, b.Pending())
}
