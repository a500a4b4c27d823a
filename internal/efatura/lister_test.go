package efatura

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listWindow = struct {
	start time.Time
	end   time.Time
}{
	start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	end:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
}

func listItem(uid string) map[string]any {
	return map[string]any{"Id": uid, "AuthorizedDateTime": "2026-01-15"}
}

func TestListDocuments(t *testing.T) {
	t.Run("walks pages and de-duplicates", func(t *testing.T) {
		pages := map[string][]map[string]any{
			"1": {listItem("CV1000000001"), listItem("CV1000000002")},
			"2": {listItem("CV1000000002"), listItem("CV1000000003")},
			"3": {},
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "2026-01-01", r.URL.Query().Get("AuthorizedDateStart"))
			assert.Equal(t, "2026-01-31", r.URL.Query().Get("AuthorizedDateEnd"))
			json.NewEncoder(w).Encode(pages[r.URL.Query().Get("Page")])
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 2)
		require.NoError(t, err)

		uids := make([]string, 0, len(entries))
		for _, e := range entries {
			uids = append(uids, e.UID)
		}
		assert.Equal(t, []string{"CV1000000001", "CV1000000002", "CV1000000003"}, uids)
		assert.Equal(t, "2026-01-15", entries[0].EfaturaDate)
	})

	t.Run("terminates on a repeating page signature", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			// The endpoint reports full pages forever, repeating the
			// second page from page 3 on.
			page, _ := strconv.Atoi(r.URL.Query().Get("Page"))
			if page > 2 {
				page = 2
			}
			a := fmt.Sprintf("CV%010d", page*2-1)
			b := fmt.Sprintf("CV%010d", page*2)
			json.NewEncoder(w).Encode([]map[string]any{listItem(a), listItem(b)})
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 2)
		require.NoError(t, err)
		assert.Len(t, entries, 4, "the repeated page's identifiers appear once")
		assert.Equal(t, 3, calls, "one extra page to observe the repeat, then stop")
	})

	t.Run("short pages do not end the walk", func(t *testing.T) {
		// The server serves fixed 2-item pages no matter what
		// PageSize asks for. Every page must still be visited.
		pages := map[string][]map[string]any{
			"1": {listItem("CV1000000001"), listItem("CV1000000002")},
			"2": {listItem("CV1000000003"), listItem("CV1000000004")},
			"3": {},
		}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(pages[r.URL.Query().Get("Page")])
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 50)
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, "CV1000000004", entries[3].UID)
	})

	t.Run("honours wrapped responses and last-page hints", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			json.NewEncoder(w).Encode(map[string]any{
				"content": []map[string]any{listItem("CV1000000001"), listItem("CV1000000002")},
				"last":    true,
			})
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 2)
		require.NoError(t, err)
		assert.Len(t, entries, 2)
		assert.Equal(t, 1, calls, "last:true stops the walk even on a full page")
	})

	t.Run("uid found by scanning unknown keys", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{
				{"WeirdField": "CV1000000009", "Other": "x"},
			})
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "CV1000000009", entries[0].UID)
	})

	t.Run("registration date read from portal field names", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("Page") != "1" {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			json.NewEncoder(w).Encode([]map[string]any{
				{"Id": "CV1000000001", "AuthorizedDate": "2026-01-15"},
				{"Id": "CV1000000002", "RegisterDate": "2026-01-16"},
				{"Id": "CV1000000003", "DfeRegisterInstant": "2026-01-17T10:00:00"},
			})
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 10)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, "2026-01-15", entries[0].EfaturaDate)
		assert.Equal(t, "2026-01-16", entries[1].EfaturaDate)
		assert.Equal(t, "2026-01-17T10:00:00", entries[2].EfaturaDate, "unknown field matched by substring")
	})

	t.Run("items without uids end the walk", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{{"Id": "banana"}})
		}))
		defer server.Close()

		entries, err := testClient(t, server).ListDocuments(context.Background(), listWindow.start, listWindow.end, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
