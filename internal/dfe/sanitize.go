package dfe

import (
	"regexp"
	"strings"
)

// entityPattern matches a well-formed entity body immediately after an
// ampersand: numeric, hex or named, terminated by a semicolon.
var entityPattern = regexp.MustCompile(`^(#[0-9]+|#x[0-9a-fA-F]+|[a-zA-Z][a-zA-Z0-9]*);`)

// controlChars matches the control characters XML 1.0 forbids. Tab,
// newline and carriage return stay.
var controlChars = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F]")

// Sanitize repairs the defects observed in portal payloads so the XML
// parser gets a fighting chance: leading garbage before the first '<',
// forbidden control characters, and bare ampersands that are not part
// of an entity.
func Sanitize(raw string) string {
	s := raw
	if idx := strings.IndexByte(s, '<'); idx > 0 {
		s = s[idx:]
	} else if idx < 0 {
		return ""
	}
	s = controlChars.ReplaceAllString(s, "")
	return escapeBareAmpersands(s)
}

// escapeBareAmpersands rewrites '&' to '&amp;' unless it already starts
// a well-formed entity.
func escapeBareAmpersands(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 16)
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			b.WriteByte(s[i])
			continue
		}
		if entityPattern.MatchString(s[i+1:]) {
			b.WriteByte('&')
			continue
		}
		b.WriteString("&amp;")
	}
	return b.String()
}
