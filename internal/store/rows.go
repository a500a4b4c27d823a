package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bwb-tools/efatura-export/internal/domain"
)

// timeFormat is how last_updated is stored.
const timeFormat = "2006-01-02 15:04:05"

// RewriteDocument stages the full replacement row set for a UID. The
// rows become durable at the next Checkpoint; staging the same UID
// again before then replaces the earlier staging.
func (s *Store) RewriteDocument(uid string, rows []domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, staged := s.pending[uid]; !staged {
		s.order = append(s.order, uid)
	}
	s.pending[uid] = rows
}

// PendingDocuments returns how many UIDs await the next checkpoint.
func (s *Store) PendingDocuments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Checkpoint flushes every staged rewrite in one transaction: for each
// staged UID, existing rows are deleted and the staged set inserted.
// Returns the UIDs made durable. A UID is either fully flushed or, on
// error, untouched in the database.
func (s *Store) Checkpoint() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	insert, err := tx.Prepare(insertRowSQL())
	if err != nil {
		return nil, fmt.Errorf("preparing row insert: %w", err)
	}
	defer insert.Close()

	for _, uid := range s.order {
		rows, ok := s.pending[uid]
		if !ok {
			continue
		}
		if _, err := tx.Exec("DELETE FROM document_rows WHERE uid = ?", uid); err != nil {
			return nil, fmt.Errorf("deleting rows for %s: %w", uid, err)
		}
		for _, r := range rows {
			if _, err := insert.Exec(rowArgs(r)...); err != nil {
				return nil, fmt.Errorf("inserting row for %s: %w", uid, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing checkpoint: %w", err)
	}

	flushed := s.order
	s.order = nil
	s.pending = make(map[string][]domain.Row)
	return flushed, nil
}

// HasRows reports whether the UID has any rows, staged or durable.
func (s *Store) HasRows(uid string) (bool, error) {
	s.mu.Lock()
	_, staged := s.pending[uid]
	s.mu.Unlock()
	if staged {
		return true, nil
	}

	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM document_rows WHERE uid = ?", uid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting rows for %s: %w", uid, err)
	}
	return n > 0, nil
}

// RowCount returns the number of durable rows for a UID.
func (s *Store) RowCount(uid string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM document_rows WHERE uid = ?", uid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting rows for %s: %w", uid, err)
	}
	return n, nil
}

// TotalRows returns the durable row count across all documents.
func (s *Store) TotalRows() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM document_rows").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting rows: %w", err)
	}
	return n, nil
}

// DocumentCount returns how many distinct UIDs have durable rows.
func (s *Store) DocumentCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(DISTINCT uid) FROM document_rows").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// RowsForUID reads the durable rows for one UID in insertion order.
func (s *Store) RowsForUID(uid string) ([]domain.Row, error) {
	rows, err := s.db.Query(
		"SELECT "+strings.Join(domain.Columns, ", ")+" FROM document_rows WHERE uid = ? ORDER BY id", uid)
	if err != nil {
		return nil, fmt.Errorf("querying rows for %s: %w", uid, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BackfillEfaturaDates fills empty efatura_date fields from the listing
// metadata. Runs directly against durable rows; returns how many rows
// changed.
func (s *Store) BackfillEfaturaDates(dates map[string]string) (int, error) {
	if len(dates) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning backfill transaction: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for uid, date := range dates {
		if date == "" {
			continue
		}
		res, err := tx.Exec(
			"UPDATE document_rows SET efatura_date = ? WHERE uid = ? AND efatura_date = ''", date, uid)
		if err != nil {
			return 0, fmt.Errorf("backfilling %s: %w", uid, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing backfill: %w", err)
	}
	return total, nil
}

func insertRowSQL() string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(domain.Columns)), ", ")
	return "INSERT INTO document_rows (" + strings.Join(domain.Columns, ", ") + ") VALUES (" + placeholders + ")"
}

func rowArgs(r domain.Row) []any {
	return []any{
		r.UID,
		r.Error,
		r.SupplierName,
		r.SupplierTaxID,
		r.SupplierAddress,
		r.EfaturaDate,
		r.DocumentDate,
		r.DocumentType,
		r.DocumentNumber,
		r.ItemCode,
		r.ItemName,
		nullFloat(r.Quantity),
		r.Unit,
		nullFloat(r.UnitPrice),
		nullFloat(r.Discount),
		nullFloat(r.LineTotal),
		r.LastUpdated.Format(timeFormat),
		r.Exported,
	}
}

func scanRow(rows *sql.Rows) (domain.Row, error) {
	var (
		r                       domain.Row
		qty, price, disc, total sql.NullFloat64
		lastUpdated             string
	)
	err := rows.Scan(
		&r.UID, &r.Error, &r.SupplierName, &r.SupplierTaxID, &r.SupplierAddress,
		&r.EfaturaDate, &r.DocumentDate, &r.DocumentType, &r.DocumentNumber,
		&r.ItemCode, &r.ItemName, &qty, &r.Unit, &price, &disc, &total,
		&lastUpdated, &r.Exported,
	)
	if err != nil {
		return domain.Row{}, fmt.Errorf("scanning row: %w", err)
	}
	r.Quantity = floatPtr(qty)
	r.UnitPrice = floatPtr(price)
	r.Discount = floatPtr(disc)
	r.LineTotal = floatPtr(total)
	if t, err := time.Parse(timeFormat, lastUpdated); err == nil {
		r.LastUpdated = t
	}
	return r, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
