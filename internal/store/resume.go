package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bwb-tools/efatura-export/internal/domain"
)

// The resume marker is a single-slot record living next to the rows it
// protects. It names the one UID whose row set may be incomplete
// because a prior run died mid-document.

// Marker returns the live resume marker, or nil when none is set.
func (s *Store) Marker() (*domain.ResumeMarker, error) {
	var (
		uid       string
		startedAt string
	)
	err := s.db.QueryRow("SELECT uid, started_at FROM resume_marker WHERE id = 1").Scan(&uid, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading resume marker: %w", err)
	}

	m := &domain.ResumeMarker{UID: uid}
	if t, err := time.Parse(timeFormat, startedAt); err == nil {
		m.StartedAt = t
	}
	return m, nil
}

// BeginDocument durably records uid as in-progress before any of its
// rows are staged. An existing marker is superseded; its unflushed rows
// were never durable, so superseding loses nothing.
func (s *Store) BeginDocument(uid string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO resume_marker (id, uid, started_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET uid = excluded.uid, started_at = excluded.started_at
	`, uid, now.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing resume marker for %s: %w", uid, err)
	}
	return nil
}

// ClearMarker removes the resume marker if it names uid. Called only
// after a checkpoint has made that UID's rows durable.
func (s *Store) ClearMarker(uid string) error {
	_, err := s.db.Exec("DELETE FROM resume_marker WHERE id = 1 AND uid = ?", uid)
	if err != nil {
		return fmt.Errorf("clearing resume marker for %s: %w", uid, err)
	}
	return nil
}
