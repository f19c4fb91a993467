package exchange

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/minimalgames/giftledger/internal/logging"
)

// IdleTxReaper terminates backend connections sitting idle inside an open
// transaction past the threshold. An abandoned transaction holds its row
// locks indefinitely, which starves the advisory lock and the FOR UPDATE
// paths; killing the backend rolls it back and releases everything.
type IdleTxReaper struct {
	db        *sql.DB
	interval  time.Duration
	threshold time.Duration
}

func NewIdleTxReaper(db *sql.DB, interval, threshold time.Duration) *IdleTxReaper {
	return &IdleTxReaper{db: db, interval: interval, threshold: threshold}
}

func (r *IdleTxReaper) Start(ctx context.Context) {
	log := logging.FromContext(ctx)
	log.Info("idle transaction reaper started", "interval", r.interval, "threshold", r.threshold)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("idle transaction reaper stopped")
			return
		case <-ticker.C:
			killed, err := r.reap(ctx)
			if err != nil {
				log.Error("idle transaction reap failed", "error", err)
				continue
			}
			if killed > 0 {
				log.Warn("idle transactions terminated", "count", killed)
			}
		}
	}
}

func (r *IdleTxReaper) reap(ctx context.Context) (int, error) {
	query := `
		SELECT count(pg_terminate_backend(pid))
		FROM pg_stat_activity
		WHERE state = 'idle in transaction'
		  AND state_change < now() - ($1 || ' milliseconds')::interval
		  AND pid <> pg_backend_pid()
		  AND datname = current_database()`

	var killed int
	if err := r.db.QueryRowContext(ctx, query, r.threshold.Milliseconds()).Scan(&killed); err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return killed, nil
}
