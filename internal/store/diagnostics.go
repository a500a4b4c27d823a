package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bwb-tools/efatura-export/internal/logger"
)

// DumpStore persists problem payloads for offline analysis: one
// directory for responses/bodies that would not parse, one for
// documents that yielded no line items. Files are keyed by UID and
// timestamp so repeated failures never overwrite each other.
type DumpStore struct {
	badDir     string
	noLinesDir string
}

const dumpTimeFormat = "20060102_150405"

// NewDumpStore creates the dump directories under baseDir.
func NewDumpStore(baseDir string) (*DumpStore, error) {
	d := &DumpStore{
		badDir:     filepath.Join(baseDir, "bad_responses"),
		noLinesDir: filepath.Join(baseDir, "no_lines"),
	}
	for _, dir := range []string{d.badDir, d.noLinesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating dump directory: %w", err)
		}
	}
	return d, nil
}

// DumpXML saves a body that failed to parse or process.
func (d *DumpStore) DumpXML(uid, stage, body string) {
	d.write(d.badDir, uid, stage, "xml", []byte(body))
}

// DumpNoLines saves the body of a document that produced no line items,
// with a short note describing what was tried.
func (d *DumpStore) DumpNoLines(uid, note, body string) {
	d.write(d.noLinesDir, uid, "no_lines", "xml", []byte(body))
	if note != "" {
		d.write(d.noLinesDir, uid, "no_lines_meta", "txt", []byte(note+"\n"))
	}
}

// DumpResponse saves a failed HTTP response with a metadata sidecar.
func (d *DumpStore) DumpResponse(uid, stage, note string, status int, url string, body []byte) {
	d.write(d.badDir, uid, stage, "body", body)
	meta := fmt.Sprintf("url: %s\nstatus: %d\nnote: %s\n", url, status, note)
	d.write(d.badDir, uid, stage+"_meta", "txt", []byte(meta))
}

func (d *DumpStore) write(dir, uid, stage, ext string, data []byte) {
	name := fmt.Sprintf("%s.%s.%s.%s", uid, stage, time.Now().Format(dumpTimeFormat), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		// Diagnostics must never take the run down.
		logger.Warn("writing dump %s: %v", path, err)
		return
	}
	logger.Debug("dumped %s", path)
}
