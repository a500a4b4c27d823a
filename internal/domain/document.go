package domain

import (
	"regexp"
	"time"
)

// uidPattern matches DFE identifiers: two uppercase letters followed by
// at least ten digits.
var uidPattern = regexp.MustCompile(`^[A-Z]{2}\d{10,}$`)

// IsUID reports whether s looks like a DFE identifier.
func IsUID(s string) bool {
	return uidPattern.MatchString(s)
}

// Document is one fiscal document after normalisation. It exists for a
// single processing pass: built from the detail endpoint's body, turned
// into rows, then discarded.
type Document struct {
	// UID is the opaque identifier, the join key for all its rows.
	UID string

	// TypeCode is the raw DocumentTypeCode attribute from the envelope.
	// May be empty or unrecognised.
	TypeCode string

	// Kind is the short document-kind prefix (FTE, RCE, ...) resolved
	// from TypeCode or the principal element name.
	Kind string

	// KindLabel is the human-readable kind name, when known.
	KindLabel string

	// Node is the local name of the principal document element.
	Node string

	SupplierName    string
	SupplierTaxID   string
	SupplierAddress string

	// EfaturaDate is the portal's authorized/registered date from the
	// listing entry, not the document body.
	EfaturaDate string

	// IssueDate is the document's own date.
	IssueDate string

	// Number is the document number, possibly "Serie/Number".
	Number string

	// RefUIDs are identifiers of other fiscal documents referenced in
	// the body, in document order, de-duplicated.
	RefUIDs []string

	Lines []LineItem
}

// LineItem is one item line of a Document.
type LineItem struct {
	Code      string
	Name      string
	Quantity  *float64
	Unit      string
	UnitPrice *float64
	Discount  *float64
	Total     *float64
}

// Rows converts the document into persisted rows, one per line item.
// Header fields are duplicated across every row.
func (d *Document) Rows(now time.Time) []Row {
	rows := make([]Row, 0, len(d.Lines))
	for _, ln := range d.Lines {
		rows = append(rows, Row{
			UID:             d.UID,
			SupplierName:    d.SupplierName,
			SupplierTaxID:   d.SupplierTaxID,
			SupplierAddress: d.SupplierAddress,
			EfaturaDate:     d.EfaturaDate,
			DocumentDate:    d.IssueDate,
			DocumentType:    d.KindLabel,
			DocumentNumber:  d.Number,
			ItemCode:        ln.Code,
			ItemName:        ln.Name,
			Quantity:        ln.Quantity,
			Unit:            ln.Unit,
			UnitPrice:       ln.UnitPrice,
			Discount:        ln.Discount,
			LineTotal:       ln.Total,
			LastUpdated:     now,
		})
	}
	return rows
}

// ErrorRow builds the single synthetic row recorded for a document that
// produced no usable line items. The document stays visible in the store
// instead of silently vanishing.
func ErrorRow(uid, reason string, now time.Time) Row {
	return Row{
		UID:         uid,
		Error:       reason,
		LastUpdated: now,
	}
}
