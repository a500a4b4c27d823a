package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bwb-tools/efatura-export/internal/config"
	"github.com/bwb-tools/efatura-export/internal/domain"
	"github.com/bwb-tools/efatura-export/internal/efatura"
	"github.com/bwb-tools/efatura-export/internal/store"
)

// fakeClient serves canned listing entries and bodies, counting fetches
// so tests can assert the skip policy.
type fakeClient struct {
	entries     []efatura.ListEntry
	bodies      map[string]string
	fetchErr    map[string]error
	validateErr error
	listErr     error
	fetches     map[string]int
}

func (f *fakeClient) ValidateCredentials(context.Context) (string, error) {
	if f.validateErr != nil {
		return "", f.validateErr
	}
	return "200123456", nil
}

func (f *fakeClient) ListDocuments(context.Context, time.Time, time.Time, int) ([]efatura.ListEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.entries, nil
}

func (f *fakeClient) FetchDocumentXML(_ context.Context, uid string) (string, error) {
	if f.fetches == nil {
		f.fetches = map[string]int{}
	}
	f.fetches[uid]++
	if err, ok := f.fetchErr[uid]; ok {
		return "", err
	}
	body, ok := f.bodies[uid]
	if !ok {
		return "", &efatura.APIError{StatusCode: 404, URL: uid}
	}
	return body, nil
}

func invoiceBody(lines int) string {
	body := `<Dfe DocumentTypeCode="1"><Invoice>` +
		`<IssueDate>2026-04-01</IssueDate>` +
		`<DocumentNumber>FTE 1/2026</DocumentNumber>` +
		`<EmitterParty><Name>Fornecedor Lda</Name><TaxId>200111222</TaxId></EmitterParty>` +
		`<Lines>`
	for i := 0; i < lines; i++ {
		body += fmt.Sprintf(`<Line><Quantity UnitCode="UN">%d</Quantity><Price>10</Price>`+
			`<Item><Description>Artigo %d</Description></Item></Line>`, i+1, i+1)
	}
	return body + `</Lines></Invoice></Dfe>`
}

func receiptBody(refUID string) string {
	return `<Dfe DocumentTypeCode="4"><Receipt>` +
		`<DocumentNumber>RCE 9/2026</DocumentNumber>` +
		`<FiscalDocument>` + refUID + `</FiscalDocument>` +
		`</Receipt></Dfe>`
}

func setupPipeline(t *testing.T, client *fakeClient) (*Pipeline, *store.Store, string) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.NewStore(filepath.Join(dir, "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dumps, err := store.NewDumpStore(dir)
	require.NoError(t, err)

	cfg := &config.Config{
		DateStart:        time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		DateEnd:          time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
		PageSize:         100,
		SaveEveryDocs:    0,
		SaveEverySeconds: 0,
	}

	return &Pipeline{
		Config: cfg,
		Client: client,
		Store:  st,
		Dumps:  dumps,
	}, st, dir
}

func TestRunWritesRows(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV1000000001", EfaturaDate: "2026-04-02"}},
		bodies:  map[string]string{"CV1000000001": invoiceBody(2)},
	}
	p, st, _ := setupPipeline(t, client)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DocumentsProcessed)
	assert.Equal(t, 2, result.RowsWritten)
	assert.Equal(t, 0, result.ErrorCount)

	rows, err := st.RowsForUID("CV1000000001")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Fornecedor Lda", rows[0].SupplierName)
	assert.Equal(t, "2026-04-02", rows[0].EfaturaDate)
	assert.Equal(t, "Fatura Eletrónica", rows[0].DocumentType)

	marker, err := st.Marker()
	require.NoError(t, err)
	assert.Nil(t, marker, "marker cleared after the final checkpoint")
}

func TestNoLinesProducesOneErrorRow(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV1000000001"}},
		bodies:  map[string]string{"CV1000000001": `<Dfe DocumentTypeCode="4"><Receipt><DocumentNumber>RCE 1</DocumentNumber></Receipt></Dfe>`},
	}
	p, st, dir := setupPipeline(t, client)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ErrorCount)

	rows, err := st.RowsForUID("CV1000000001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsError())

	dumped, err := os.ReadDir(filepath.Join(dir, "no_lines"))
	require.NoError(t, err)
	assert.NotEmpty(t, dumped, "no-lines body dumped for audit")
}

func TestReferenceFollow(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV2000000001"}},
		bodies: map[string]string{
			"CV2000000001": receiptBody("CV1000000001"),
			"CV1000000001": invoiceBody(3),
		},
	}
	p, st, _ := setupPipeline(t, client)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.RowsWritten)
	assert.Equal(t, 0, result.ErrorCount)

	rows, err := st.RowsForUID("CV2000000001")
	require.NoError(t, err)
	require.Len(t, rows, 3, "referenced document's lines persist under the receipt's uid")
	assert.Equal(t, "Fornecedor Lda", rows[0].SupplierName, "supplier backfilled from the referenced document")
	assert.Equal(t, 1, client.fetches["CV1000000001"], "one hop only")
}

func TestReferencedDocumentAlsoEmpty(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV2000000001"}},
		bodies: map[string]string{
			"CV2000000001": receiptBody("CV1000000001"),
			"CV1000000001": receiptBody("CV3000000001"),
		},
	}
	p, st, _ := setupPipeline(t, client)

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ErrorCount)
	assert.Equal(t, 0, client.fetches["CV3000000001"], "no second hop")

	rows, err := st.RowsForUID("CV2000000001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].IsError())
}

func TestSkipPolicy(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV1000000001"}},
		bodies:  map[string]string{"CV1000000001": invoiceBody(1)},
	}
	p, st, _ := setupPipeline(t, client)

	// First run writes the rows.
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, client.fetches["CV1000000001"])

	// Second run skips without a network round-trip.
	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.DocumentsProcessed)
	assert.Equal(t, 1, client.fetches["CV1000000001"], "no refetch for a skipped document")

	// Explicit rewrite forces a refetch.
	p.RewriteExisting = true
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, client.fetches["CV1000000001"])

	count, err := st.RowCount("CV1000000001")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestResumeMarkerForcesRewrite(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{{UID: "CV1000000001"}},
		bodies:  map[string]string{"CV1000000001": invoiceBody(1)},
	}
	p, st, _ := setupPipeline(t, client)

	// Simulate a prior run that died mid-document: stale rows are
	// durable and the marker is still live.
	st.RewriteDocument("CV1000000001", []domain.Row{
		{UID: "CV1000000001", ItemName: "stale 1", LastUpdated: time.Now()},
		{UID: "CV1000000001", ItemName: "stale 2", LastUpdated: time.Now()},
		{UID: "CV1000000001", ItemName: "stale 3", LastUpdated: time.Now()},
	})
	_, err := st.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, st.BeginDocument("CV1000000001", time.Now()))

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.DocumentsProcessed, "skip policy does not apply to the marked uid")
	assert.Equal(t, 1, client.fetches["CV1000000001"])

	rows, err := st.RowsForUID("CV1000000001")
	require.NoError(t, err)
	require.Len(t, rows, 1, "stale rows fully replaced")
	assert.Equal(t, "Artigo 1", rows[0].ItemName)

	marker, err := st.Marker()
	require.NoError(t, err)
	assert.Nil(t, marker, "marker cleared only after its uid is durable")
}

func TestMaxDocsCap(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{
			{UID: "CV1000000001"},
			{UID: "CV1000000002"},
			{UID: "CV1000000003"},
		},
		bodies: map[string]string{
			"CV1000000001": invoiceBody(1),
			"CV1000000002": invoiceBody(1),
			"CV1000000003": invoiceBody(1),
		},
	}
	p, _, _ := setupPipeline(t, client)
	p.MaxDocs = 2

	result, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.DocumentsProcessed)
}

func TestFatalFailures(t *testing.T) {
	t.Run("invalid credentials abort the run", func(t *testing.T) {
		client := &fakeClient{validateErr: fmt.Errorf("bad: %w", domain.ErrAuthInvalid)}
		p, _, _ := setupPipeline(t, client)

		_, err := p.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthInvalid)
	})

	t.Run("listing failure aborts the run", func(t *testing.T) {
		client := &fakeClient{listErr: fmt.Errorf("listing down")}
		p, _, _ := setupPipeline(t, client)

		_, err := p.Run(context.Background())
		assert.Error(t, err)
	})

	t.Run("auth expiry mid-run aborts", func(t *testing.T) {
		client := &fakeClient{
			entries:  []efatura.ListEntry{{UID: "CV1000000001"}},
			fetchErr: map[string]error{"CV1000000001": fmt.Errorf("expired: %w", domain.ErrAuthExpired)},
		}
		p, _, _ := setupPipeline(t, client)

		_, err := p.Run(context.Background())
		assert.ErrorIs(t, err, domain.ErrAuthExpired)
	})

	t.Run("completed documents are flushed before aborting", func(t *testing.T) {
		client := &fakeClient{
			entries:  []efatura.ListEntry{{UID: "CV1000000001"}, {UID: "CV1000000002"}},
			bodies:   map[string]string{"CV1000000001": invoiceBody(2)},
			fetchErr: map[string]error{"CV1000000002": fmt.Errorf("expired: %w", domain.ErrAuthExpired)},
		}
		p, st, _ := setupPipeline(t, client)

		_, err := p.Run(context.Background())
		require.ErrorIs(t, err, domain.ErrAuthExpired)

		rows, err := st.RowsForUID("CV1000000001")
		require.NoError(t, err)
		assert.Len(t, rows, 2, "finished work survives the abort")

		marker, err := st.Marker()
		require.NoError(t, err)
		require.NotNil(t, marker, "the failed document stays marked for the next run")
		assert.Equal(t, "CV1000000002", marker.UID)
	})
}

func TestPerDocumentFailuresBecomeErrorRows(t *testing.T) {
	t.Run("unparseable body", func(t *testing.T) {
		client := &fakeClient{
			entries: []efatura.ListEntry{{UID: "CV1000000001"}, {UID: "CV1000000002"}},
			bodies: map[string]string{
				"CV1000000001": "<Dfe><Invoice></Dfe>",
				"CV1000000002": invoiceBody(1),
			},
		}
		p, st, dir := setupPipeline(t, client)

		result, err := p.Run(context.Background())
		require.NoError(t, err, "one bad document never fails the run")
		assert.Equal(t, 2, result.DocumentsProcessed)
		assert.Equal(t, 1, result.ErrorCount)

		rows, err := st.RowsForUID("CV1000000001")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].IsError())

		dumped, err := os.ReadDir(filepath.Join(dir, "bad_responses"))
		require.NoError(t, err)
		assert.NotEmpty(t, dumped)
	})

	t.Run("transient fetch failure", func(t *testing.T) {
		client := &fakeClient{
			entries:  []efatura.ListEntry{{UID: "CV1000000001"}},
			fetchErr: map[string]error{"CV1000000001": &efatura.RetriesExhaustedError{Attempts: 3, URL: "x"}},
		}
		p, st, _ := setupPipeline(t, client)

		result, err := p.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, result.ErrorCount)

		rows, err := st.RowsForUID("CV1000000001")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.True(t, rows[0].IsError())
	})
}

func TestCheckpointCadence(t *testing.T) {
	client := &fakeClient{
		entries: []efatura.ListEntry{
			{UID: "CV1000000001"},
			{UID: "CV1000000002"},
		},
		bodies: map[string]string{
			"CV1000000001": invoiceBody(1),
			"CV1000000002": invoiceBody(1),
		},
	}
	p, st, _ := setupPipeline(t, client)
	p.Config.SaveEveryDocs = 1

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	total, err := st.TotalRows()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, st.PendingDocuments())
}
