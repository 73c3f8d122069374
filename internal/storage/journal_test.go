package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/types"
	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memoryStore struct {
	mu      sync.Mutex
	records []FeedbackRecord
}

func (m *memoryStore) RecordFeedback(_ context.Context, r FeedbackRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func event(actionID uint64, status types.ResponseStatus) updater.StatusEvent {
	return updater.StatusEvent{
		Tenant:     "t1",
		DeviceID:   "dev1",
		ActionID:   actionID,
		ActionType: types.ActionDownloadAndInstall,
		Status:     types.NewUpdateStatus(status, "msg"),
		Timestamp:  time.Now(),
	}
}

func TestJournalRecordsEvents(t *testing.T) {
	store := &memoryStore{}
	j := NewJournal(store, 10, zaptest.NewLogger(t))
	j.Start()

	j.OnStatus(context.Background(), event(1, types.StatusRunning))
	j.OnStatus(context.Background(), event(1, types.StatusSuccessful))

	require.Eventually(t, func() bool { return store.len() == 2 }, time.Second, 5*time.Millisecond)
	j.Stop()

	assert.Equal(t, "RUNNING", store.records[0].Status)
	assert.Equal(t, "SUCCESSFUL", store.records[1].Status)
	assert.Equal(t, []string{"msg"}, store.records[1].Messages)
	assert.Equal(t, "DOWNLOAD_AND_INSTALL", store.records[1].ActionType)
	assert.NotEqual(t, store.records[0].ID, store.records[1].ID)
}

func TestJournalDrainsOnStop(t *testing.T) {
	store := &memoryStore{}
	j := NewJournal(store, 10, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		j.OnStatus(context.Background(), event(uint64(i), types.StatusRunning))
	}
	j.Start()
	j.Stop()

	assert.Equal(t, 5, store.len())
}

func TestJournalDropsWhenFull(t *testing.T) {
	store := &memoryStore{}
	j := NewJournal(store, 2, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		j.OnStatus(context.Background(), event(uint64(i), types.StatusRunning))
	}
	assert.Equal(t, uint64(3), j.Dropped())

	j.Start()
	j.Stop()
	assert.Equal(t, 2, store.len())
}
