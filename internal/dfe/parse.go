package dfe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/bwb-tools/efatura-export/internal/domain"
	"github.com/bwb-tools/efatura-export/internal/logger"
)

// Parse parses a raw document body. A direct parse is tried first; on
// failure the body is sanitised and parsed again. The second failure is
// reported as ErrUnparseable so callers can record the document and
// move on.
func Parse(raw string) (*xmlquery.Node, error) {
	doc, err := xmlquery.Parse(strings.NewReader(raw))
	if err == nil && hasElement(doc) {
		return doc, nil
	}
	if err == nil {
		err = fmt.Errorf("no elements in body")
	}
	firstErr := err

	cleaned := Sanitize(raw)
	if cleaned == "" {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnparseable, firstErr)
	}
	doc, err = xmlquery.Parse(strings.NewReader(cleaned))
	if err != nil {
		return nil, fmt.Errorf("%w: after sanitization: %v (original: %v)", domain.ErrUnparseable, err, firstErr)
	}
	if !hasElement(doc) {
		return nil, fmt.Errorf("%w: no elements in body", domain.ErrUnparseable)
	}
	logger.Debug("document parsed after sanitization")
	return doc, nil
}

// hasElement reports whether the parsed tree contains any element node.
// A bare text body parses without error but carries no document.
func hasElement(doc *xmlquery.Node) bool {
	for ch := doc.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == xmlquery.ElementNode {
			return true
		}
	}
	return false
}

// dfeRoot returns the Dfe element, or the first element when the body
// arrived without the usual root.
func dfeRoot(doc *xmlquery.Node) *xmlquery.Node {
	if root := findFirstByLocal(doc, "Dfe"); root != nil {
		return root
	}
	for child := doc.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode {
			return child
		}
	}
	return doc
}

// principalNode selects the element representing the actual fiscal
// document. Bodies routinely embed FiscalDocument cross-references, so
// a naive deep search picks the wrong node; the schema puts the real
// document as a direct child of Dfe.
func principalNode(root *xmlquery.Node) *xmlquery.Node {
	expected := ""
	if meta, ok := typeByCode[attrValue(root, "DocumentTypeCode")]; ok {
		expected = meta.Element
	}

	// First pass: the direct child the type code promises.
	if expected != "" {
		for ch := root.FirstChild; ch != nil; ch = ch.NextSibling {
			if ch.Type == xmlquery.ElementNode && ch.Data == expected {
				return ch
			}
		}
	}

	// Second pass: any direct child with a known document element name.
	for ch := root.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type != xmlquery.ElementNode || signatureElements[ch.Data] {
			continue
		}
		if _, ok := typeByElement[ch.Data]; ok {
			return ch
		}
	}

	// Deep search as last resort.
	var found *xmlquery.Node
	walk(root, func(n *xmlquery.Node) bool {
		if _, ok := typeByElement[n.Data]; ok {
			found = n
			return false
		}
		return true
	})
	if found != nil {
		return found
	}
	return root
}

// referenceLocals matches elements whose text may carry a referenced
// document's UID.
func isReferenceElement(local string) bool {
	ln := strings.ToLower(local)
	return strings.Contains(ln, "fiscaldocument") ||
		strings.Contains(ln, "reference") ||
		strings.HasSuffix(ln, "document")
}

// CollectReferenceUIDs gathers UID-shaped values from reference-looking
// elements under n, de-duplicated in document order.
func CollectReferenceUIDs(n *xmlquery.Node) []string {
	var out []string
	seen := map[string]bool{}
	walk(n, func(node *xmlquery.Node) bool {
		if !isReferenceElement(node.Data) {
			return true
		}
		text := directText(node)
		if domain.IsUID(text) && !seen[text] {
			seen[text] = true
			out = append(out, text)
		}
		return true
	})
	return out
}

// directText returns only n's own text children, not descendants'.
// Reference elements hold their UID as immediate text.
func directText(n *xmlquery.Node) string {
	var b strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == xmlquery.TextNode || ch.Type == xmlquery.CharDataNode {
			b.WriteString(ch.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

// Extract pulls the header and line items out of a parsed body.
func Extract(doc *xmlquery.Node, uid string) *domain.Document {
	root := dfeRoot(doc)
	node := principalNode(root)

	d := &domain.Document{
		UID:      uid,
		TypeCode: attrValue(root, "DocumentTypeCode"),
		Node:     node.Data,
	}

	if meta, ok := typeByCode[d.TypeCode]; ok {
		d.Kind = meta.Prefix
		d.KindLabel = meta.Label
	} else if meta, ok := typeByElement[node.Data]; ok {
		d.Kind = meta.Prefix
		d.KindLabel = meta.Label
	} else {
		d.Kind = node.Data
	}

	extractSupplier(d, root, node)

	d.IssueDate = coalesce(
		textAnywhere(node, "IssueDate", "IssueDateTime", "AuthorizedDateTime"),
		textAnywhere(root, "IssueDate", "IssueDateTime", "AuthorizedDateTime"),
	)

	// Some documents split Serie + DocumentNumber.
	serie := textAnywhere(node, "Serie")
	number := textAnywhere(node, "DocumentNumber")
	switch {
	case serie != "" && number != "":
		d.Number = serie + "/" + number
	default:
		d.Number = coalesce(number, serie,
			textAnywhere(node, "Number", "DocumentId", "DocumentID", "ID"))
	}

	if label := InferDocumentType(d.Number, d.Kind); label != "" {
		d.KindLabel = label
	}

	for _, ref := range CollectReferenceUIDs(node) {
		if ref != uid {
			d.RefUIDs = append(d.RefUIDs, ref)
		}
	}
	d.Lines = ExtractLines(node)
	if len(d.Lines) == 0 && node != root {
		// Some bodies place <Lines> as a sibling of the principal
		// element rather than inside it.
		d.Lines = ExtractLines(root)
	}
	return d
}

func extractSupplier(d *domain.Document, root, node *xmlquery.Node) {
	var emitter *xmlquery.Node
	for _, cand := range []string{"EmitterParty", "SellerParty", "SupplierParty", "AccountingSupplierParty"} {
		if emitter = findFirstByLocal(node, cand); emitter != nil {
			break
		}
	}
	if emitter == nil {
		emitter = findFirstByLocal(root, "EmitterParty")
	}
	if emitter == nil {
		return
	}

	d.SupplierName = coalesce(
		textAnywhere(emitter, "Name", "PartyName"),
		textAnywhere(node, "EmitterName", "SupplierName"),
	)
	d.SupplierTaxID = coalesce(
		textAnywhere(emitter, "TaxId", "TaxID", "CompanyID", "VatID"),
		textAnywhere(node, "TaxId", "TaxID"),
	)
	d.SupplierAddress = supplierAddress(emitter)
}

// supplierAddress joins the address parts found under the party
// element. Namespace prefixes vary, so matching is by local name.
func supplierAddress(party *xmlquery.Node) string {
	addr := findFirstByLocal(party, "Address")
	if addr == nil {
		return ""
	}
	var parts []string
	for _, local := range []string{"Street", "BuildingFloor", "AddressDetail", "City", "PostalCode"} {
		if text := nodeText(childByLocal(addr, local)); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, ", ")
}

// ExtractLines finds line items under the principal node. Bodies may
// hold several <Lines> elements (references embed their own); the first
// one yielding actual line children wins.
func ExtractLines(node *xmlquery.Node) []domain.LineItem {
	for _, linesEl := range findAllByLocal(node, "Lines") {
		if items := parseLines(linesEl); len(items) > 0 {
			return items
		}
	}
	return nil
}

// parseLines parses the children of one <Lines> element. Direct
// children whose local name ends in "Line" are preferred; a descendant
// scan is the last resort.
func parseLines(linesEl *xmlquery.Node) []domain.LineItem {
	var candidates []*xmlquery.Node
	for ch := linesEl.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == xmlquery.ElementNode && strings.HasSuffix(strings.ToLower(ch.Data), "line") {
			candidates = append(candidates, ch)
		}
	}
	if len(candidates) == 0 {
		walk(linesEl, func(n *xmlquery.Node) bool {
			if n != linesEl && strings.HasSuffix(strings.ToLower(n.Data), "line") {
				candidates = append(candidates, n)
			}
			return true
		})
	}

	items := make([]domain.LineItem, 0, len(candidates))
	for _, line := range candidates {
		items = append(items, parseLine(line))
	}
	return items
}

func parseLine(line *xmlquery.Node) domain.LineItem {
	var it domain.LineItem

	qtyEl := findFirstByLocal(line, "Quantity")
	if qtyEl == nil {
		for _, local := range []string{"InvoicedQuantity", "CreditedQuantity", "DebitedQuantity"} {
			if qtyEl = findFirstByLocal(line, local); qtyEl != nil {
				break
			}
		}
	}
	it.Quantity = safeFloat(nodeText(qtyEl))
	if qtyEl != nil {
		it.Unit = coalesce(attrValue(qtyEl, "UnitCode"), attrValue(qtyEl, "unitCode"))
	}

	it.UnitPrice = safeFloat(textAnywhere(line, "Price", "UnitPrice", "PriceAmount"))
	ext := safeFloat(textAnywhere(line, "PriceExtension", "LineExtensionAmount"))
	net := safeFloat(textAnywhere(line, "NetTotal", "LineTotal"))
	total := safeFloat(textAnywhere(line, "Total", "Amount"))

	if item := findFirstByLocal(line, "Item"); item == nil {
		for _, local := range []string{"Product", "GoodsItem"} {
			if item = findFirstByLocal(line, local); item != nil {
				break
			}
		}
		if item != nil {
			fillItemFields(&it, item, line)
		} else {
			it.Name = textAnywhere(line, "Description", "Name")
			it.Code = textAnywhere(line, "EmitterIdentification", "SellerItemIdentification", "ID", "Code")
		}
	} else {
		fillItemFields(&it, item, line)
	}

	// Discount: explicit field when present, else derived from the
	// gross/net gap.
	it.Discount = safeFloat(textAnywhere(line, "Discount", "DiscountAmount"))
	if it.Discount == nil && it.Quantity != nil && it.UnitPrice != nil {
		gross := *it.Quantity * *it.UnitPrice
		if ext != nil {
			it.Discount = ptr(round2(max0(gross - *ext)))
		} else if net != nil {
			it.Discount = ptr(round2(max0(gross - *net)))
		}
	}

	for _, v := range []*float64{net, ext, total} {
		if v != nil {
			it.Total = v
			break
		}
	}
	if it.Total == nil && it.Quantity != nil && it.UnitPrice != nil {
		it.Total = ptr(round2(*it.Quantity * *it.UnitPrice))
	}
	return it
}

func fillItemFields(it *domain.LineItem, item, line *xmlquery.Node) {
	it.Name = coalesce(
		textAnywhere(item, "Description", "Name", "ItemName"),
		textAnywhere(line, "Description", "Name"),
	)
	it.Code = coalesce(
		textAnywhere(item, "EmitterIdentification", "SellerItemIdentification", "ID", "Code"),
		textAnywhere(line, "EmitterIdentification", "SellerItemIdentification", "ID", "Code"),
	)
}

// numberPrefix matches the leading letters of a document number.
var numberPrefix = regexp.MustCompile(`^\s*([A-Za-z]{1,4})\b`)

// InferDocumentType resolves the type label from the document number's
// prefix, falling back to the kind prefix itself.
func InferDocumentType(documentNumber, kind string) string {
	if m := numberPrefix.FindStringSubmatch(documentNumber); m != nil {
		if label, ok := prefixToLabel[strings.ToUpper(m[1])]; ok {
			return label
		}
	}
	if label, ok := prefixToLabel[strings.ToUpper(kind)]; ok {
		return label
	}
	return ""
}

// safeFloat parses a numeric text, tolerating comma decimal separators
// and surrounding noise. Returns nil when no value is present.
func safeFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, " ", "")
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func ptr(v float64) *float64 { return &v }

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func round2(v float64) float64 {
	if v < 0 {
		return -round2(-v)
	}
	return float64(int64(v*100+0.5)) / 100
}
