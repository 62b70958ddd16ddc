package sync

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeName canonicalizes a person name for comparison and storage:
// Unicode NFC so composed and decomposed forms compare equal, then
// whitespace trimmed and collapsed.
func NormalizeName(name string) string {
	name = norm.NFC.String(name)

	return strings.Join(strings.Fields(name), " ")
}

// NormalizePhone canonicalizes a phone number for mapping lookups: strip
// formatting, keep digits and a single leading plus. Both sides of every
// phone comparison in the engine go through this, so "+1 (555) 010-2030"
// and "15550102030" with a plus collide as intended.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}

	var b strings.Builder

	b.Grow(len(phone))

	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}

	return b.String()
}
