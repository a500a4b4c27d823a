package domain

import "time"

// Columns is the fixed column order of the tabular store. Downstream
// consumers depend on this order: columns may be appended, never
// reordered or removed.
var Columns = []string{
	"uid",
	"error",
	"supplier_name",
	"supplier_tax_id",
	"supplier_address",
	"efatura_date",
	"document_date",
	"document_type",
	"document_number",
	"item_code",
	"item_name",
	"quantity",
	"unit",
	"unit_price",
	"discount",
	"line_total",
	"last_updated",
	"exported",
}

// Row is one persisted line of the tabular store. A document with N
// line items produces N rows carrying the same UID; a document with no
// extractable items produces exactly one row with Error set.
type Row struct {
	UID             string
	Error           string
	SupplierName    string
	SupplierTaxID   string
	SupplierAddress string
	EfaturaDate     string
	DocumentDate    string
	DocumentType    string
	DocumentNumber  string
	ItemCode        string
	ItemName        string
	Quantity        *float64
	Unit            string
	UnitPrice       *float64
	Discount        *float64
	LineTotal       *float64
	LastUpdated     time.Time

	// Exported is reserved for downstream consumers that mark rows as
	// taken. The pipeline writes it empty and never touches it again.
	Exported string
}

// IsError reports whether the row is a synthetic error row.
func (r Row) IsError() bool {
	return r.Error != ""
}
