package services

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
)

// RetentionCleanupService periodically purges download events older than
// the configured retention window. Quota records are long-lived and are
// never touched by this job.
type RetentionCleanupService struct {
	db            *gorm.DB
	retentionDays int
	checkInterval time.Duration
	batchSize     int
	stopChan      chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	isRunning     bool
}

// NewRetentionCleanupService creates the cleanup service
func NewRetentionCleanupService(db *gorm.DB, retentionDays int) *RetentionCleanupService {
	if retentionDays <= 0 {
		retentionDays = 365
	}
	return &RetentionCleanupService{
		db:            db,
		retentionDays: retentionDays,
		checkInterval: 6 * time.Hour,
		batchSize:     1000,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the cleanup service
func (s *RetentionCleanupService) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	log.Printf("RetentionCleanupService started (retention: %d days, interval: %v)",
		s.retentionDays, s.checkInterval)
}

// Stop stops the cleanup service
func (s *RetentionCleanupService) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	log.Println("RetentionCleanupService stopped")
}

func (s *RetentionCleanupService) run() {
	defer s.wg.Done()

	// Run first cleanup after a short delay (let system stabilize)
	select {
	case <-time.After(5 * time.Minute):
		s.cleanup()
	case <-s.stopChan:
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *RetentionCleanupService) cleanup() {
	if s.db == nil {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	var total int64

	// Delete in batches so the purge never holds long transactions open
	// against the event log while downloads are being recorded
	for {
		result := s.db.Exec(`
			DELETE FROM download_events
			WHERE id IN (
				SELECT id FROM download_events WHERE created_at < ? LIMIT ?
			)
		`, cutoff, s.batchSize)

		if result.Error != nil {
			log.Printf("RetentionCleanup: error purging events: %v", result.Error)
			return
		}

		total += result.RowsAffected
		if result.RowsAffected < int64(s.batchSize) {
			break
		}

		select {
		case <-s.stopChan:
			return
		default:
		}
	}

	if total > 0 {
		log.Printf("RetentionCleanup: purged %d download events older than %s",
			total, cutoff.Format("2006-01-02"))
	}
}
