// Package history persists observed carbon intensity samples to SQLite for
// offline analysis. The store is write-only from the engine's point of view:
// decisions never read it, so a missing or empty database is harmless.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
)

const schema = `
CREATE TABLE IF NOT EXISTS intensity_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT NOT NULL,
	intensity REAL NOT NULL,
	observed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intensity_history_target_time
	ON intensity_history(target, observed_at);
`

// retention bounds how long samples are kept.
const retention = 30 * 24 * time.Hour

// Sample is one recorded intensity observation.
type Sample struct {
	Target     string
	Intensity  float64
	ObservedAt time.Time
}

// Store records intensity samples in a SQLite database.
type Store struct {
	db     *sql.DB
	stopCh chan struct{}
}

// Open creates or opens the database at path and starts the daily prune loop.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %v", err)
	}

	s := &Store{db: db, stopCh: make(chan struct{})}
	go s.pruneLoop()

	klog.V(2).InfoS("Opened intensity history store", "path", path)
	return s, nil
}

// Record stores one observation. Errors are returned for the caller to log;
// they never affect scheduling.
func (s *Store) Record(target string, intensity float64, observedAt time.Time) error {
	_, err := s.db.Exec(
		"INSERT INTO intensity_history (target, intensity, observed_at) VALUES (?, ?, ?)",
		target, intensity, observedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record intensity sample: %v", err)
	}
	return nil
}

// Recent returns the samples for a target observed within the window, oldest
// first.
func (s *Store) Recent(target string, window time.Duration) ([]Sample, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.Query(
		"SELECT target, intensity, observed_at FROM intensity_history WHERE target = ? AND observed_at >= ? ORDER BY observed_at",
		target, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query intensity history: %v", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sample Sample
		if err := rows.Scan(&sample.Target, &sample.Intensity, &sample.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intensity sample: %v", err)
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// Prune removes samples observed before the cutoff and returns how many were
// deleted.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM intensity_history WHERE observed_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune intensity history: %v", err)
	}
	return result.RowsAffected()
}

func (s *Store) pruneLoop() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			deleted, err := s.Prune(time.Now().Add(-retention))
			if err != nil {
				klog.ErrorS(err, "History prune failed")
				continue
			}
			if deleted > 0 {
				klog.V(3).InfoS("Pruned intensity history", "deleted", deleted)
			}
		}
	}
}

// Close stops the prune loop and closes the database.
func (s *Store) Close() error {
	close(s.stopCh)
	return s.db.Close()
}
