package efatura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwb-tools/efatura-export/internal/domain"
	"github.com/bwb-tools/efatura-export/internal/logger"
)

// maxPages is a hard cap on the pagination walk. An API this far past
// the cap is looping, not listing.
const maxPages = 10000

// ListEntry is one document reference returned by the listing endpoint.
// EfaturaDate is the portal's registration timestamp when the page
// carried one.
type ListEntry struct {
	UID         string
	EfaturaDate string
}

// collectionKeys are the wrapper keys under which the listing endpoint
// has been observed to nest its result array.
var collectionKeys = []string{"content", "items", "data", "results", "dfes", "documents", "list"}

// uidKeys are the item fields tried, in order, before falling back to
// scanning every string field for a UID-shaped value.
var uidKeys = []string{"Id", "id", "Uid", "uid", "UID", "DfeId", "dfeId", "IUD", "iud", "documentId"}

// dateKeys are the item fields tried, in order, for the portal
// registration date before the substring heuristic kicks in.
var dateKeys = []string{
	"AuthorizedDate", "authorizedDate", "authorized_date",
	"AuthorizedDateTime", "authorizedDateTime",
	"RegisterDate", "registerDate", "registeredDate", "registered_date",
	"CreatedAt", "createdAt", "SubmissionDate", "submissionDate",
	"date",
}

// ListDocuments walks the paginated listing for the date window and
// returns every distinct UID in first-seen order. The walk stops on an
// empty page, a page contributing no new UIDs, a repeated page
// signature, or a last-page hint. A short page is not a stop signal
// because the server may serve a fixed page size regardless of the
// PageSize hint.
func (c *Client) ListDocuments(ctx context.Context, start, end time.Time, pageSize int) ([]ListEntry, error) {
	if pageSize <= 0 {
		pageSize = 200
	}

	var (
		entries []ListEntry
		seen    = map[string]bool{}
		prevSig domain.PageSignature
	)

	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("%w: listing exceeded %d pages", domain.ErrTooManyPages, maxPages)
		}

		params := url.Values{}
		params.Set("AuthorizedDateStart", start.Format("2006-01-02"))
		params.Set("AuthorizedDateEnd", end.Format("2006-01-02"))
		params.Set("PageSize", strconv.Itoa(pageSize))
		params.Set("Page", strconv.Itoa(page))
		reqURL := c.servicesBase + listPath + "?" + params.Encode()

		body, resp, err := c.get(ctx, reqURL, "application/json", true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 200 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: preview(body), URL: reqURL}
		}

		items, hints, err := decodePage(body)
		if err != nil {
			return nil, fmt.Errorf("decoding listing page %d: %w", page, err)
		}
		if len(items) == 0 {
			logger.Debug("listing page %d empty, stopping", page)
			break
		}

		pageEntries := extractEntries(items)
		if len(pageEntries) == 0 {
			logger.Warn("listing page %d had %d items but no recognisable UIDs, stopping", page, len(items))
			break
		}

		sig := signature(pageEntries)
		if !prevSig.Zero() && sig == prevSig {
			logger.Warn("listing page %d repeats the previous page, stopping", page)
			break
		}
		prevSig = sig

		added := 0
		for _, e := range pageEntries {
			if seen[e.UID] {
				continue
			}
			seen[e.UID] = true
			entries = append(entries, e)
			added++
		}
		logger.Debug("listing page %d: %d items, %d new", page, len(items), added)
		if added == 0 {
			logger.Warn("listing page %d contributed no new documents, stopping", page)
			break
		}

		if hints.last(page) {
			break
		}
	}

	logger.Info("listing found %d documents", len(entries))
	return entries, nil
}

// pageHints carries the optional paging metadata some responses expose.
type pageHints struct {
	isLast     *bool
	hasNext    *bool
	totalPages *int
}

func (h pageHints) last(page int) bool {
	if h.isLast != nil && *h.isLast {
		return true
	}
	if h.hasNext != nil && !*h.hasNext {
		return true
	}
	if h.totalPages != nil && page >= *h.totalPages {
		return true
	}
	return false
}

// decodePage normalises the two observed response shapes, a bare array
// or an object wrapping the array under a collection key.
func decodePage(body []byte) ([]map[string]any, pageHints, error) {
	var hints pageHints

	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil {
		return arr, hints, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, hints, fmt.Errorf("response is neither array nor object: %w", err)
	}

	for _, key := range []string{"last", "isLast", "IsLast"} {
		if v, ok := obj[key].(bool); ok {
			b := v
			hints.isLast = &b
		}
	}
	for _, key := range []string{"hasNext", "hasMore", "HasNext"} {
		if v, ok := obj[key].(bool); ok {
			b := v
			hints.hasNext = &b
		}
	}
	for _, key := range []string{"totalPages", "TotalPages", "pageCount"} {
		if v, ok := obj[key].(float64); ok {
			n := int(v)
			hints.totalPages = &n
		}
	}

	for _, key := range collectionKeys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			continue
		}
		items := make([]map[string]any, 0, len(list))
		for _, el := range list {
			if m, ok := el.(map[string]any); ok {
				items = append(items, m)
			}
		}
		return items, hints, nil
	}

	// Single object fallback: some windows return one bare item.
	if hasUID(obj) {
		return []map[string]any{obj}, hints, nil
	}
	return nil, hints, nil
}

// extractEntries pulls UID and registration date out of each item.
// Items without a UID-shaped value are skipped.
func extractEntries(items []map[string]any) []ListEntry {
	entries := make([]ListEntry, 0, len(items))
	for _, item := range items {
		uid := itemUID(item)
		if uid == "" {
			continue
		}
		entries = append(entries, ListEntry{UID: uid, EfaturaDate: itemDate(item)})
	}
	return entries
}

func itemUID(item map[string]any) string {
	for _, key := range uidKeys {
		if v, ok := item[key].(string); ok {
			if s := strings.TrimSpace(v); domain.IsUID(s) {
				return s
			}
		}
	}
	for _, v := range item {
		if s, ok := v.(string); ok && domain.IsUID(strings.TrimSpace(s)) {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func itemDate(item map[string]any) string {
	for _, key := range dateKeys {
		if v, ok := item[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	// Heuristic for field names not seen before.
	for key, v := range item {
		lk := strings.ToLower(key)
		if !strings.Contains(lk, "authorizeddate") && !strings.Contains(lk, "register") {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func hasUID(item map[string]any) bool {
	return itemUID(item) != ""
}

// signature fingerprints a page for loop detection.
func signature(entries []ListEntry) domain.PageSignature {
	return domain.PageSignature{
		FirstUID: entries[0].UID,
		LastUID:  entries[len(entries)-1].UID,
		Count:    len(entries),
	}
}
