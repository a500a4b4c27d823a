package dfe

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

// Portal documents arrive with inconsistent namespace prefixes, so all
// matching here is by local element name. xmlquery stores the local
// name in Node.Data and the prefix separately.

// walk visits n and every descendant in document order, skipping
// signature subtrees, until fn returns false.
func walk(n *xmlquery.Node, fn func(*xmlquery.Node) bool) bool {
	if n == nil {
		return true
	}
	if n.Type == xmlquery.ElementNode && signatureElements[n.Data] {
		return true
	}
	if n.Type == xmlquery.ElementNode {
		if !fn(n) {
			return false
		}
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if !walk(child, fn) {
			return false
		}
	}
	return true
}

// findFirstByLocal returns the first descendant element (n included)
// whose local name matches.
func findFirstByLocal(n *xmlquery.Node, local string) *xmlquery.Node {
	var found *xmlquery.Node
	walk(n, func(node *xmlquery.Node) bool {
		if node.Data == local {
			found = node
			return false
		}
		return true
	})
	return found
}

// findAllByLocal returns every descendant element whose local name
// matches, in document order.
func findAllByLocal(n *xmlquery.Node, local string) []*xmlquery.Node {
	var found []*xmlquery.Node
	walk(n, func(node *xmlquery.Node) bool {
		if node.Data == local {
			found = append(found, node)
		}
		return true
	})
	return found
}

// childByLocal returns the first direct child element with the local
// name.
func childByLocal(n *xmlquery.Node, local string) *xmlquery.Node {
	if n == nil {
		return nil
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == xmlquery.ElementNode && child.Data == local {
			return child
		}
	}
	return nil
}

// nodeText returns the trimmed text content of n, empty for nil.
func nodeText(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

// textAnywhere returns the text of the first matching descendant for
// the first local name that yields a non-empty value.
func textAnywhere(n *xmlquery.Node, locals ...string) string {
	for _, local := range locals {
		if text := nodeText(findFirstByLocal(n, local)); text != "" {
			return text
		}
	}
	return ""
}

// attrValue returns the named attribute of n, matching by local name.
func attrValue(n *xmlquery.Node, local string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

// coalesce returns the first non-empty string.
func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
