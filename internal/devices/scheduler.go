package devices

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenDeviceSimulator/internal/worker"
	"go.uber.org/zap"
)

// TaskSubmitter queues work on the worker pool.
type TaskSubmitter interface {
	Submit(task worker.Task) error
}

// Scheduler drives the poll cadence of all registered devices. Every tick
// advances each device's poll counter; due devices are polled on the
// worker pool, at most one poll per device at a time.
type Scheduler struct {
	registry *Registry
	pool     TaskSubmitter
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex

	inFlight map[string]struct{}
}

func NewScheduler(registry *Registry, pool TaskSubmitter, interval, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		registry: registry,
		pool:     pool,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.loop()

	s.logger.Info("Poll scheduler started", zap.Duration("interval", s.interval))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()

	s.logger.Info("Poll scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick advances every device by one step and submits due polls.
func (s *Scheduler) Tick() {
	for _, device := range s.registry.List() {
		if !device.Tick() {
			continue
		}
		s.submit(device)
	}
}

// PollNow submits a poll outside the regular cadence, unless one is
// already running for the device.
func (s *Scheduler) PollNow(device Device) {
	s.submit(device)
}

func (s *Scheduler) submit(device Device) {
	key := Key(device.Tenant(), device.ID())

	s.mu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[key] = struct{}{}
	s.mu.Unlock()

	err := s.pool.Submit(func(ctx context.Context) {
		defer s.release(key)

		pollCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		if err := device.Poll(pollCtx); err != nil {
			s.logger.Warn("Poll failed",
				zap.String("tenant", device.Tenant()),
				zap.String("device_id", device.ID()),
				zap.Error(err))
		}
	})
	if err != nil {
		s.release(key)
	}
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	delete(s.inFlight, key)
	s.mu.Unlock()
}
