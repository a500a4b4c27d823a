// Package dfe parses Cabo Verde DFE documents: sanitising the raw XML,
// locating the principal document node, and extracting header and line
// data into domain rows.
package dfe

// TypeMeta describes one DFE document kind.
type TypeMeta struct {
	// Element is the principal element's local name.
	Element string
	// Prefix is the document-number prefix for this kind.
	Prefix string
	// Label is the Portuguese name shown in the output.
	Label string
}

// typeByCode maps the Dfe root's DocumentTypeCode attribute to the
// expected principal element.
var typeByCode = map[string]TypeMeta{
	"1": {Element: "Invoice", Prefix: "FTE", Label: "Fatura Eletrónica"},
	"2": {Element: "InvoiceReceipt", Prefix: "FRE", Label: "Fatura Recibo Eletrónica"},
	"3": {Element: "SalesReceipt", Prefix: "TVE", Label: "Talão de Venda Eletrónico"},
	"4": {Element: "Receipt", Prefix: "RCE", Label: "Recibo Eletrónico"},
	"5": {Element: "CreditNote", Prefix: "NCE", Label: "Nota de Crédito Eletrónica"},
	"6": {Element: "DebitNote", Prefix: "NDE", Label: "Nota de Débito Eletrónica"},
	"7": {Element: "Transport", Prefix: "DTE", Label: "Documento de Transporte Eletrónico"},
	"8": {Element: "ReturnNote", Prefix: "DVE", Label: "Nota de Devolução Eletrónica"},
	"9": {Element: "RegistrationNote", Prefix: "NLE", Label: "Nota de Lançamento Eletrónica"},
}

// typeByElement is the reverse lookup used when the root attribute is
// absent or unrecognised.
var typeByElement = map[string]TypeMeta{}

func init() {
	for _, meta := range typeByCode {
		typeByElement[meta.Element] = meta
	}
}

// prefixToLabel maps document-number prefixes to type labels. The
// first block is the Cabo Verde electronic set; the rest are generic
// prefixes seen in migrated documents.
var prefixToLabel = map[string]string{
	"FTE": "Fatura Eletrónica",
	"FRE": "Fatura Recibo Eletrónica",
	"TVE": "Talão de Venda Eletrónico",
	"RCE": "Recibo Eletrónico",
	"NCE": "Nota de Crédito Eletrónica",
	"NDE": "Nota de Débito Eletrónica",
	"DVE": "Nota de Devolução Eletrónica",
	"DTE": "Documento de Transporte Eletrónico",
	"NLE": "Nota de Lançamento Eletrónica",

	"FT": "Factura",
	"FS": "Ticket",
	"FR": "Factura-Recibo",
	"RC": "Recibo",
	"NC": "Nota de Crédito",
	"ND": "Nota de Débito",
	"GR": "Guia de Remessa",
	"OR": "Orçamento",
}

// signatureElements are XML-DSig subtrees excluded from principal-node
// selection and deep searches.
var signatureElements = map[string]bool{
	"Signature":  true,
	"SignedInfo": true,
	"KeyInfo":    true,
}
