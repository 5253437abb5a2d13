package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"page-collab/internal/logger"
	"page-collab/internal/models"

	"go.uber.org/zap"
)

/*
ACTIVITY JOURNAL WORKER POOL

Connection lifecycle events are produced on hot paths (under room locks, in
the disconnect cleanup) and must never wait on the database. Record hands the
event to a bounded queue and returns; a fixed set of workers drains the queue
into the repository. When the queue is full the event is dropped and counted.
*/

const storeTimeout = 5 * time.Second

// ActivityService journals connection activity asynchronously.
type ActivityService struct {
	repo ActivityRepository

	jobs    chan models.ActivityEvent
	workers int
	wg      sync.WaitGroup

	// mu guards closing jobs against concurrent Record calls.
	mu      sync.RWMutex
	stopped bool

	dropped atomic.Int64
	stored  atomic.Int64
}

// NewActivityService creates the pool. Call Start to launch the workers.
func NewActivityService(repo ActivityRepository, numWorkers, queueSize int) *ActivityService {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &ActivityService{
		repo:    repo,
		jobs:    make(chan models.ActivityEvent, queueSize),
		workers: numWorkers,
	}
}

// Start launches the workers.
func (s *ActivityService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	logger.Info("activity journal started", zap.Int("workers", s.workers), zap.Int("queue", cap(s.jobs)))
}

func (s *ActivityService) worker(id int) {
	defer s.wg.Done()

	// Runs until jobs is closed, so queued events are flushed on shutdown.
	for event := range s.jobs {
		if err := s.store(event); err != nil {
			logger.Warn("failed to store activity event",
				zap.Int("worker", id),
				zap.String("conn_id", event.ConnectionID),
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
			continue
		}
		s.stored.Add(1)
	}
}

func (s *ActivityService) store(event models.ActivityEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.repo.Store(ctx, &event); err != nil {
		return fmt.Errorf("store %s event: %w", event.Kind, err)
	}
	return nil
}

// Record enqueues event without blocking. Events arriving after Shutdown or
// while the queue is full are dropped.
func (s *ActivityService) Record(event models.ActivityEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		s.dropped.Add(1)
		return
	}

	select {
	case s.jobs <- event:
	default:
		if s.dropped.Add(1)%100 == 1 {
			logger.Warn("activity queue full, dropping events", zap.Int64("dropped_total", s.dropped.Load()))
		}
	}
}

// Recent returns the latest events for pageID, newest first.
func (s *ActivityService) Recent(ctx context.Context, pageID string, limit int) ([]*models.ActivityEvent, error) {
	events, err := s.repo.ListByPage(ctx, pageID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity for page %s: %w", pageID, err)
	}
	return events, nil
}

// Shutdown stops accepting events, flushes the queue and waits for workers.
func (s *ActivityService) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.jobs)
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("activity journal stopped",
		zap.Int64("stored", s.stored.Load()),
		zap.Int64("dropped", s.dropped.Load()),
	)
}

// QueueLength returns the number of events waiting to be stored.
func (s *ActivityService) QueueLength() int {
	return len(s.jobs)
}

// Dropped returns how many events were discarded.
func (s *ActivityService) Dropped() int64 {
	return s.dropped.Load()
}
