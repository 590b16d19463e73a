package jobs

import (
	"context"
	"log"
	"time"

	"github.com/zabbix-fleet/zabbix-fleet/internal/storage"
)

// Scheduler periodically enqueues sync jobs for active connections and a
// daily cleanup job.
type Scheduler struct {
	runner   *Runner
	db       *storage.DB
	interval time.Duration
	stopChan chan struct{}
}

// NewScheduler creates a scheduler enqueuing syncs at the given interval
func NewScheduler(runner *Runner, db *storage.DB, interval time.Duration) *Scheduler {
	return &Scheduler{
		runner:   runner,
		db:       db,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the periodic loops until Stop or ctx cancellation
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		log.Println("Invalid sync interval, defaulting to 15 minutes")
		s.interval = 15 * time.Minute
	}

	log.Printf("Scheduler started: syncing active connections every %v", s.interval)

	syncTicker := time.NewTicker(s.interval)
	defer syncTicker.Stop()
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer cleanupTicker.Stop()

	// first pass shortly after startup
	s.enqueueSyncs()

	for {
		select {
		case <-syncTicker.C:
			s.enqueueSyncs()
		case <-cleanupTicker.C:
			s.enqueueCleanup()
		case <-s.stopChan:
			log.Println("Scheduler stopped")
			return
		case <-ctx.Done():
			log.Println("Scheduler context cancelled")
			return
		}
	}
}

// Stop stops the scheduler loops
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

func (s *Scheduler) enqueueSyncs() {
	connections, err := s.db.GetActiveConnections()
	if err != nil {
		log.Printf("Failed to list active connections: %v", err)
		return
	}

	for _, conn := range connections {
		connID := conn.ID
		jobID, err := s.runner.Enqueue(TypeSyncData, &connID, map[string]interface{}{
			"connection_name": conn.Name,
			"connection_url":  conn.URL,
		})
		if err != nil {
			log.Printf("Failed to enqueue sync for connection %s: %v", conn.Name, err)
			continue
		}
		log.Printf("Scheduled sync job %d for connection %s", jobID, conn.Name)
	}
}

func (s *Scheduler) enqueueCleanup() {
	jobID, err := s.runner.Enqueue(TypeCleanupOldJobs, nil, nil)
	if err != nil {
		log.Printf("Failed to enqueue cleanup job: %v", err)
		return
	}
	log.Printf("Scheduled cleanup job %d", jobID)
}
