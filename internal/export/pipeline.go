// Package export drives one run: list the window, fetch and normalise
// each document, stage its rows, and checkpoint on schedule. Processing
// is strictly sequential; the resume marker is only ever about one UID.
package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bwb-tools/efatura-export/internal/config"
	"github.com/bwb-tools/efatura-export/internal/dfe"
	"github.com/bwb-tools/efatura-export/internal/domain"
	"github.com/bwb-tools/efatura-export/internal/efatura"
	"github.com/bwb-tools/efatura-export/internal/logger"
	"github.com/bwb-tools/efatura-export/internal/store"
)

// Client is the portal surface the pipeline needs.
type Client interface {
	ValidateCredentials(ctx context.Context) (string, error)
	ListDocuments(ctx context.Context, start, end time.Time, pageSize int) ([]efatura.ListEntry, error)
	FetchDocumentXML(ctx context.Context, uid string) (string, error)
}

// Pipeline processes one export run against one store.
type Pipeline struct {
	Config *config.Config
	Client Client
	Store  *store.Store
	Dumps  *store.DumpStore

	// MaxDocs caps how many documents are processed this invocation.
	// Zero means no cap.
	MaxDocs int

	// RewriteExisting forces reprocessing of UIDs that already have
	// rows.
	RewriteExisting bool

	// Now is the clock, replaceable in tests.
	Now func() time.Time

	lastCheckpoint time.Time
	markerUID      string
}

// Run executes the pipeline once. Fatal conditions (bad credentials,
// unreachable listing) abort with an error; per-document failures are
// converted into error rows and the run continues.
func (p *Pipeline) Run(ctx context.Context) (*domain.RunResult, error) {
	if p.Now == nil {
		p.Now = time.Now
	}
	result := &domain.RunResult{
		RunID:     uuid.NewString(),
		StorePath: p.Store.Path(),
	}

	taxID, err := p.Client.ValidateCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("validating credentials: %w", err)
	}
	logger.Info("credentials valid (taxpayer %s)", taxID)

	entries, err := p.Client.ListDocuments(ctx, p.Config.DateStart, p.Config.DateEnd, p.Config.PageSize)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	efaturaDates := make(map[string]string, len(entries))
	uids := make([]string, 0, len(entries))
	for _, e := range entries {
		uids = append(uids, e.UID)
		if e.EfaturaDate != "" {
			efaturaDates[e.UID] = e.EfaturaDate
		}
	}
	sort.Strings(uids)

	if n, err := p.Store.BackfillEfaturaDates(efaturaDates); err != nil {
		logger.Warn("backfilling registration dates: %v", err)
	} else if n > 0 {
		logger.Info("backfilled registration date on %d existing rows", n)
	}

	resumeUID := ""
	if marker, err := p.Store.Marker(); err != nil {
		return nil, err
	} else if marker != nil {
		resumeUID = marker.UID
		p.markerUID = marker.UID
		logger.Info("resume marker found for %s (started %s), forcing rewrite", marker.UID, marker.StartedAt.Format(time.RFC3339))
	}

	p.lastCheckpoint = p.Now()

	for _, uid := range uids {
		if ctx.Err() != nil {
			logger.Warn("interrupted, abandoning remaining documents")
			break
		}
		if p.MaxDocs > 0 && result.DocumentsProcessed >= p.MaxDocs {
			logger.Info("document cap (%d) reached", p.MaxDocs)
			break
		}

		forced := uid == resumeUID
		if !p.RewriteExisting && !forced {
			has, err := p.Store.HasRows(uid)
			if err != nil {
				return nil, err
			}
			if has {
				result.Skipped++
				continue
			}
		}

		if err := p.processDocument(ctx, uid, efaturaDates[uid], result); err != nil {
			// Only fatal conditions escalate past a document.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("interrupted while processing %s", uid)
				break
			}
			// Completed documents staged so far are flushed so the
			// next run does not re-download them. The failed uid has
			// nothing staged and its marker survives the flush.
			if cperr := p.maybeCheckpoint(true); cperr != nil {
				logger.Warn("checkpoint before abort: %v", cperr)
			}
			return result, err
		}
		result.DocumentsProcessed++

		if err := p.maybeCheckpoint(false); err != nil {
			return result, err
		}
		if p.Config.ProgressEveryDocs > 0 && result.DocumentsProcessed%p.Config.ProgressEveryDocs == 0 {
			logger.Info("progress: %d documents, %d rows, %d errors, %d skipped",
				result.DocumentsProcessed, result.RowsWritten, result.ErrorCount, result.Skipped)
		}
	}

	if err := p.maybeCheckpoint(true); err != nil {
		return result, err
	}
	logger.Info("run %s finished: %d documents, %d rows, %d errors, %d skipped",
		result.RunID, result.DocumentsProcessed, result.RowsWritten, result.ErrorCount, result.Skipped)
	return result, nil
}

// processDocument fetches, normalises, and stages one document. Returns
// an error only for fatal conditions; everything else becomes an error
// row.
func (p *Pipeline) processDocument(ctx context.Context, uid, efaturaDate string, result *domain.RunResult) error {
	if err := p.Store.BeginDocument(uid, p.Now()); err != nil {
		return err
	}
	p.markerUID = uid

	body, err := p.Client.FetchDocumentXML(ctx, uid)
	if err != nil {
		if fatalFetchError(err) {
			return fmt.Errorf("fetching %s: %w", uid, err)
		}
		logger.Warn("fetching %s: %v", uid, err)
		p.stageError(uid, fmt.Sprintf("fetch failed: %v", err), result)
		return nil
	}

	doc, perr := p.normalise(ctx, uid, body)
	if perr != nil {
		if fatalFetchError(perr) {
			return perr
		}
		p.stageError(uid, perr.Error(), result)
		return nil
	}
	doc.EfaturaDate = efaturaDate

	if len(doc.Lines) == 0 {
		note := fmt.Sprintf("doc_kind=%s doc_number=%s refs=%v", doc.Kind, doc.Number, doc.RefUIDs)
		p.Dumps.DumpNoLines(uid, note, body)
		p.stageError(uid, domain.ErrNoLines.Error(), result)
		return nil
	}

	rows := doc.Rows(p.Now())
	p.Store.RewriteDocument(uid, rows)
	result.RowsWritten += len(rows)
	logger.Debug("%s: %d rows (%s %s)", uid, len(rows), doc.Kind, doc.Number)
	return nil
}

// normalise parses one body and extracts its document, following at
// most one reference hop when the document itself carries no lines.
func (p *Pipeline) normalise(ctx context.Context, uid, body string) (*domain.Document, error) {
	parsed, err := dfe.Parse(body)
	if err != nil {
		p.Dumps.DumpXML(uid, "parse_error", body)
		return nil, fmt.Errorf("unparseable document: %v", err)
	}

	doc := dfe.Extract(parsed, uid)
	if len(doc.Lines) > 0 || len(doc.RefUIDs) == 0 {
		return doc, nil
	}

	// Receipts often carry no lines of their own and point at the
	// fiscal document that does. One hop only; a referenced document
	// that is itself empty stays a no-lines case.
	refUID := doc.RefUIDs[0]
	logger.Debug("%s has no lines, following reference %s", uid, refUID)

	refBody, err := p.Client.FetchDocumentXML(ctx, refUID)
	if err != nil {
		if fatalFetchError(err) {
			return nil, fmt.Errorf("fetching reference %s: %w", refUID, err)
		}
		logger.Warn("fetching reference %s for %s: %v", refUID, uid, err)
		return doc, nil
	}
	refParsed, err := dfe.Parse(refBody)
	if err != nil {
		p.Dumps.DumpXML(refUID, "ref_parse_error", refBody)
		return doc, nil
	}

	refDoc := dfe.Extract(refParsed, refUID)
	doc.Lines = refDoc.Lines
	if doc.SupplierName == "" {
		doc.SupplierName = refDoc.SupplierName
	}
	if doc.SupplierTaxID == "" {
		doc.SupplierTaxID = refDoc.SupplierTaxID
	}
	if doc.SupplierAddress == "" {
		doc.SupplierAddress = refDoc.SupplierAddress
	}
	return doc, nil
}

// stageError records the single synthetic row for a failed document.
func (p *Pipeline) stageError(uid, reason string, result *domain.RunResult) {
	p.Store.RewriteDocument(uid, []domain.Row{domain.ErrorRow(uid, reason, p.Now())})
	result.RowsWritten++
	result.ErrorCount++
}

// maybeCheckpoint flushes staged rewrites when the document-count or
// elapsed-time threshold is exceeded, or unconditionally when forced.
// The resume marker is cleared once its UID is durable.
func (p *Pipeline) maybeCheckpoint(force bool) error {
	pending := p.Store.PendingDocuments()
	if !force {
		due := (p.Config.SaveEveryDocs > 0 && pending >= p.Config.SaveEveryDocs) ||
			(p.Config.SaveEverySeconds > 0 && p.Now().Sub(p.lastCheckpoint) >= time.Duration(p.Config.SaveEverySeconds)*time.Second)
		if !due {
			return nil
		}
	}
	if pending == 0 {
		p.lastCheckpoint = p.Now()
		return nil
	}

	flushed, err := p.Store.Checkpoint()
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	logger.Info("checkpoint: %d documents flushed", len(flushed))
	p.lastCheckpoint = p.Now()

	if p.markerUID != "" {
		for _, uid := range flushed {
			if uid == p.markerUID {
				if err := p.Store.ClearMarker(p.markerUID); err != nil {
					return err
				}
				p.markerUID = ""
				break
			}
		}
	}
	return nil
}

// fatalFetchError reports whether a fetch failure must abort the run.
func fatalFetchError(err error) bool {
	return errors.Is(err, domain.ErrAuthInvalid) ||
		errors.Is(err, domain.ErrAuthExpired) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
