package storage

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/updater"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FeedbackStore persists journal records.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, r FeedbackRecord) error
}

// Journal records every status report in the background so a slow
// database never holds up feedback to the server.
type Journal struct {
	store   FeedbackStore
	queue   chan FeedbackRecord
	timeout time.Duration
	logger  *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	dropped  uint64
}

func NewJournal(store FeedbackStore, queueSize int, logger *zap.Logger) *Journal {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Journal{
		store:   store,
		queue:   make(chan FeedbackRecord, queueSize),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

func (j *Journal) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.running = true
	j.stopChan = make(chan struct{})

	j.wg.Add(1)
	go j.loop()
	j.logger.Info("Feedback journal started")
}

// Stop writes the records still queued and returns.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	close(j.stopChan)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("Feedback journal stopped", zap.Uint64("dropped", j.Dropped()))
}

// OnStatus queues the report. It never blocks; reports are dropped when
// the queue is full.
func (j *Journal) OnStatus(_ context.Context, event updater.StatusEvent) {
	record := FeedbackRecord{
		ID:         uuid.New(),
		Tenant:     event.Tenant,
		DeviceID:   event.DeviceID,
		ActionID:   event.ActionID,
		ActionType: string(event.ActionType),
		Status:     event.Status.ResponseStatus.String(),
		Messages:   append([]string(nil), event.Status.Messages...),
		RecordedAt: event.Timestamp,
	}

	select {
	case j.queue <- record:
	default:
		j.mu.Lock()
		j.dropped++
		j.mu.Unlock()
		j.logger.Warn("Feedback journal full, dropping record",
			zap.String("device_id", event.DeviceID),
			zap.Uint64("action_id", event.ActionID))
	}
}

func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *Journal) loop() {
	defer j.wg.Done()

	for {
		select {
		case record := <-j.queue:
			j.write(record)
		case <-j.stopChan:
			for {
				select {
				case record := <-j.queue:
					j.write(record)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(record FeedbackRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.store.RecordFeedback(ctx, record); err != nil {
		j.logger.Error("Failed to record feedback",
			zap.String("device_id", record.DeviceID),
			zap.Uint64("action_id", record.ActionID),
			zap.Error(err))
	}
}
