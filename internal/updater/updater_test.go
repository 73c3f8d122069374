package updater

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/devices"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// queueScheduler holds scheduled tasks until the test runs them.
type queueScheduler struct {
	mu    sync.Mutex
	tasks []worker.Task
}

func (q *queueScheduler) Schedule(_ time.Duration, task worker.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *queueScheduler) runAll() {
	q.mu.Lock()
	tasks := q.tasks
	q.tasks = nil
	q.mu.Unlock()
	for _, task := range tasks {
		task(context.Background())
	}
}

type pushCreator struct{}

func (pushCreator) Build(spec devices.Spec) (devices.Device, error) {
	return devices.NewPushDevice(spec.ID, spec.Tenant, spec.PollDelay, nil), nil
}

func (pushCreator) Activate(context.Context, devices.Device, bool) error { return nil }

type statusRecorder struct {
	mu       sync.Mutex
	statuses []*types.UpdateStatus
}

func (r *statusRecorder) feedback(_ context.Context, d devices.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, d.UpdateStatus())
}

func (r *statusRecorder) sequence() []types.ResponseStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ResponseStatus, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s.ResponseStatus)
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (e *eventRecorder) OnStatus(_ context.Context, event StatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

type fakeBridge struct {
	reqs []devices.UpdateRequest
	devs []devices.Device
}

func (b *fakeBridge) UpdateDevice(_ context.Context, device devices.Device, req devices.UpdateRequest) error {
	b.reqs = append(b.reqs, req)
	b.devs = append(b.devs, device)
	return nil
}

func artifactServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func modulesFor(url string, size int64, sha string) []types.SoftwareModule {
	return []types.SoftwareModule{{
		ID:      1,
		Type:    "os",
		Version: "1.0",
		Artifacts: []types.Artifact{{
			Filename: "fw.bin",
			Size:     size,
			Hashes:   types.ArtifactHashes{SHA1: sha},
			URLs:     map[string]string{types.SchemeHTTP: url},
		}},
	}}
}

func newTestOrchestrator(t *testing.T, mode Mode, bridge Bridge) (*Orchestrator, *devices.Registry, *queueScheduler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := devices.NewRegistry(logger)
	scheduler := &queueScheduler{}
	o, err := NewOrchestrator(registry, pushCreator{}, scheduler,
		NewDownloader(DownloaderConfig{Timeout: 5 * time.Second}, logger), bridge,
		Config{Mode: mode, UpdateDelay: time.Millisecond}, logger)
	require.NoError(t, err)
	return o, registry, scheduler
}

func TestCommandModeSequence(t *testing.T) {
	srv := artifactServer(t, bytes.Repeat([]byte("a"), 100))
	o, registry, scheduler := newTestOrchestrator(t, ModeCommand, nil)
	events := &eventRecorder{}
	o.AddObserver(events)
	rec := &statusRecorder{}

	err := o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   1,
		ActionType: types.ActionDownloadAndInstall,
		Modules:    modulesFor(srv.URL+"/fw.bin", 100, ""),
		Feedback:   rec.feedback,
	})
	require.NoError(t, err)

	_, busy := o.InFlight("t1", "dev1")
	assert.True(t, busy)

	scheduler.runAll()

	assert.Equal(t, []types.ResponseStatus{
		types.StatusRunning,
		types.StatusDownloading,
		types.StatusDownloaded,
		types.StatusSuccessful,
	}, rec.sequence())

	assert.Equal(t, []string{"Simulation begins!"}, rec.statuses[0].Messages)
	assert.Equal(t, []string{"Download starts for: fw.bin with SHA1 hash  and size 100"}, rec.statuses[1].Messages)
	require.Len(t, rec.statuses[2].Messages, 2)
	assert.Equal(t, "Simulator: Download complete!", rec.statuses[2].Messages[0])
	assert.Contains(t, rec.statuses[2].Messages[1], "(100 bytes)")
	assert.Equal(t, []string{"Simulation complete!"}, rec.statuses[3].Messages)

	assert.Len(t, events.events, 4)
	assert.Equal(t, types.ProtocolPush, events.events[0].Protocol)

	_, busy = o.InFlight("t1", "dev1")
	assert.False(t, busy)

	device := registry.Get("t1", "dev1")
	require.NotNil(t, device, "unknown device is created")
	assert.Equal(t, types.ProtocolPush, device.Protocol())
	assert.Equal(t, 1800, device.PollDelay())
	assert.Nil(t, device.UpdateStatus(), "device is cleaned after success")
}

func TestCommandModeDownloadErrorStops(t *testing.T) {
	srv := artifactServer(t, bytes.Repeat([]byte("a"), 90))
	o, registry, scheduler := newTestOrchestrator(t, ModeCommand, nil)
	rec := &statusRecorder{}

	require.NoError(t, o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   1,
		ActionType: types.ActionDownloadAndInstall,
		Modules:    modulesFor(srv.URL+"/fw.bin", 100, ""),
		Feedback:   rec.feedback,
	}))
	scheduler.runAll()

	assert.Equal(t, []types.ResponseStatus{
		types.StatusRunning,
		types.StatusDownloading,
		types.StatusError,
	}, rec.sequence())
	last := rec.statuses[2]
	assert.Contains(t, last.Messages[len(last.Messages)-1], "Expected: 100 but got: 90")
	assert.Nil(t, registry.Get("t1", "dev1").UpdateStatus())
}

func TestCommandModeDownloadOnly(t *testing.T) {
	o, _, scheduler := newTestOrchestrator(t, ModeCommand, nil)
	rec := &statusRecorder{}

	require.NoError(t, o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   2,
		ActionType: types.ActionDownload,
		Feedback:   rec.feedback,
	}))
	scheduler.runAll()

	assert.Equal(t, []types.ResponseStatus{types.StatusRunning, types.StatusDownloaded}, rec.sequence())
	_, busy := o.InFlight("t1", "dev1")
	assert.False(t, busy)
}

func TestUnsupportedAction(t *testing.T) {
	o, _, scheduler := newTestOrchestrator(t, ModeCommand, nil)
	rec := &statusRecorder{}

	err := o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   3,
		ActionType: "CANCEL",
		Feedback:   rec.feedback,
	})
	assert.ErrorIs(t, err, types.ErrUnsupportedAction)
	require.Len(t, rec.statuses, 1)
	assert.Equal(t, types.StatusError, rec.statuses[0].ResponseStatus)
	assert.Equal(t, []string{"Unsupported Action"}, rec.statuses[0].Messages)
	assert.Empty(t, scheduler.tasks)
}

func TestConcurrentUpdateRejected(t *testing.T) {
	o, _, scheduler := newTestOrchestrator(t, ModeCommand, nil)
	rec := &statusRecorder{}
	req := devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   4,
		ActionType: types.ActionDownloadAndInstall,
		Feedback:   rec.feedback,
	}

	require.NoError(t, o.StartUpdate(context.Background(), req))

	second := req
	second.ActionID = 5
	assert.ErrorIs(t, o.StartUpdate(context.Background(), second), types.ErrUpdateInProgress)

	scheduler.runAll()
	assert.NoError(t, o.StartUpdate(context.Background(), second))
}

func TestStartUpdateSetsTargetToken(t *testing.T) {
	o, registry, _ := newTestOrchestrator(t, ModeCommand, nil)
	_, err := registry.Add(devices.NewPushDevice("dev1", "t1", 30, nil))
	require.NoError(t, err)

	require.NoError(t, o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:      "t1",
		DeviceID:    "dev1",
		ActionID:    6,
		ActionType:  types.ActionDownload,
		TargetToken: "secret",
		Feedback:    (&statusRecorder{}).feedback,
	}))

	device := registry.Get("t1", "dev1")
	assert.Equal(t, "secret", device.TargetToken())
	assert.Equal(t, 30, device.PollDelay(), "existing device is reused")
}

func TestBridgeModeDelegates(t *testing.T) {
	bridge := &fakeBridge{}
	o, _, scheduler := newTestOrchestrator(t, ModeBridge, bridge)
	rec := &statusRecorder{}

	require.NoError(t, o.StartUpdate(context.Background(), devices.UpdateRequest{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   7,
		ActionType: types.ActionDownloadAndInstall,
		Feedback:   rec.feedback,
	}))
	assert.Empty(t, scheduler.tasks)
	require.Len(t, bridge.reqs, 1)

	req, device := bridge.reqs[0], bridge.devs[0]
	device.SetUpdateStatus(types.NewUpdateStatus(types.StatusRunning, "Message sent to initiate fw update!"))
	req.Feedback(context.Background(), device)
	_, busy := o.InFlight("t1", "dev1")
	assert.True(t, busy)

	device.SetUpdateStatus(types.NewUpdateStatus(types.StatusSuccessful, "Payload installed"))
	req.Feedback(context.Background(), device)

	assert.Equal(t, []types.ResponseStatus{types.StatusRunning, types.StatusSuccessful}, rec.sequence())
	_, busy = o.InFlight("t1", "dev1")
	assert.False(t, busy)
}

func TestBridgeModeRequiresBridge(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := NewOrchestrator(devices.NewRegistry(logger), pushCreator{}, &queueScheduler{}, nil, nil,
		Config{Mode: ModeBridge}, logger)
	assert.Error(t, err)

	_, err = NewOrchestrator(devices.NewRegistry(logger), pushCreator{}, &queueScheduler{}, nil, nil,
		Config{Mode: "carrier-pigeon"}, logger)
	assert.Error(t, err)
}

func TestDownloaderSuccessAndAuth(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()
	d := NewDownloader(DownloaderConfig{}, zaptest.NewLogger(t))
	artifact := modulesFor(srv.URL, 100, "")[0].Artifacts[0]

	status := d.Download(context.Background(), srv.URL, artifact, "target", "gateway")
	assert.Equal(t, types.StatusSuccessful, status.ResponseStatus)
	assert.Equal(t, []string{"Downloaded " + srv.URL + " (100 bytes)"}, status.Messages)
	assert.Equal(t, "TargetToken target", auth)

	d.Download(context.Background(), srv.URL, artifact, "", "gateway")
	assert.Equal(t, "GatewayToken gateway", auth)

	d.Download(context.Background(), srv.URL, artifact, "", "")
	assert.Empty(t, auth)
}

func TestDownloaderErrors(t *testing.T) {
	body := bytes.Repeat([]byte("a"), 90)
	srv := artifactServer(t, body)
	d := NewDownloader(DownloaderConfig{VerifyHash: true}, zaptest.NewLogger(t))
	ctx := context.Background()

	status := d.Download(ctx, srv.URL+"/fw.bin", modulesFor("", 100, "")[0].Artifacts[0], "", "")
	assert.Equal(t, types.StatusError, status.ResponseStatus)
	assert.Contains(t, status.Messages[0], "90")
	assert.Contains(t, status.Messages[0], "100")

	status = d.Download(ctx, srv.URL+"/missing", modulesFor("", 90, "")[0].Artifacts[0], "", "")
	assert.Equal(t, []string{"Download " + srv.URL + "/missing failed (404)"}, status.Messages)

	status = d.Download(ctx, srv.URL+"/fw.bin", modulesFor("", 90, "deadbeef")[0].Artifacts[0], "", "")
	assert.Equal(t, types.StatusError, status.ResponseStatus)
	assert.Contains(t, status.Messages[0], "hash mismatch")

	sum := sha1.Sum(body)
	status = d.Download(ctx, srv.URL+"/fw.bin", modulesFor("", 90, hex.EncodeToString(sum[:]))[0].Artifacts[0], "", "")
	assert.Equal(t, types.StatusSuccessful, status.ResponseStatus)

	status = d.Download(ctx, "http://127.0.0.1:1/unreachable", modulesFor("", 90, "")[0].Artifacts[0], "", "")
	assert.Equal(t, types.StatusError, status.ResponseStatus)
	assert.Contains(t, status.Messages[0], "Failed to download")
}

func TestDownloadAllKeepsGoingAfterError(t *testing.T) {
	srv := artifactServer(t, bytes.Repeat([]byte("a"), 10))
	d := NewDownloader(DownloaderConfig{}, zaptest.NewLogger(t))
	modules := []types.SoftwareModule{{
		Artifacts: []types.Artifact{
			{Filename: "missing", Size: 10, URLs: map[string]string{types.SchemeHTTP: srv.URL + "/missing"}},
			{Filename: "nourl", Size: 10},
			{Filename: "ok", Size: 10, URLs: map[string]string{types.SchemeHTTPS: srv.URL + "/ok"}},
		},
	}}

	results := d.DownloadAll(context.Background(), modules, "", "")
	require.Len(t, results, 2)
	assert.Equal(t, types.StatusError, results[0].ResponseStatus)
	assert.Equal(t, types.StatusSuccessful, results[1].ResponseStatus)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "<EMPTY>", MaskToken(""))
	assert.Equal(t, "***", MaskToken("abcdef"))
	assert.Equal(t, "ab***fg", MaskToken("abcdefg"))
}
