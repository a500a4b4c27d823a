package domain

import "time"

// PageSignature identifies one listing page by its content. Two equal
// consecutive signatures mean the endpoint stopped advancing.
type PageSignature struct {
	FirstUID string
	LastUID  string
	Count    int
}

// Zero reports whether the signature carries no identifiers.
func (s PageSignature) Zero() bool {
	return s.FirstUID == "" && s.LastUID == "" && s.Count == 0
}

// ResumeMarker names the single document whose rows may be incomplete
// in the store because a prior run was interrupted mid-document. At
// most one marker exists at a time.
type ResumeMarker struct {
	UID       string
	StartedAt time.Time
}

// RunResult summarises one pipeline invocation for the caller.
type RunResult struct {
	RunID              string
	DocumentsProcessed int
	RowsWritten        int
	ErrorCount         int
	Skipped            int
	StorePath          string
}
