package workers

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// StaleReportCleanupWorker removes in-progress report drafts that haven't been
// touched within the retention period. Completed reports are never touched.
type StaleReportCleanupWorker struct {
	DB              *sql.DB
	RetentionHours  int // how long an untouched draft survives (default: 72)
	CheckIntervalMs int // how often to run cleanup (default: 3600000 = 1 hour)
}

// Start begins the cleanup loop.
func (w *StaleReportCleanupWorker) Start(ctx context.Context) {
	if w.RetentionHours <= 0 {
		w.RetentionHours = 72
	}
	if w.CheckIntervalMs <= 0 {
		w.CheckIntervalMs = 3600000 // 1 hour
	}

	ticker := time.NewTicker(time.Duration(w.CheckIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	log.Printf("[StaleReportCleanup] started (retention=%dh, interval=%dms)", w.RetentionHours, w.CheckIntervalMs)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[StaleReportCleanup] stopped")
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *StaleReportCleanupWorker) cleanup(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(w.RetentionHours) * time.Hour)

	result, err := w.DB.ExecContext(ctx, `
		DELETE FROM public.reports
		WHERE status = 'in-progress'
		AND updated_at < $1
	`, cutoff)
	if err != nil {
		log.Printf("[StaleReportCleanup] error: %v", err)
		return
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		log.Printf("[StaleReportCleanup] error getting rows affected: %v", err)
		return
	}

	if deleted > 0 {
		log.Printf("[StaleReportCleanup] deleted %d stale in-progress reports", deleted)
	}
}
