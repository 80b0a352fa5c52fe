package strings

import "strings"

// legalXML reports whether r is allowed by the XML 1.0 character range.
// Control characters below 0x20 other than TAB, LF and CR are excluded,
// as are the non-characters 0xFFFE and 0xFFFF.
func legalXML(r rune) bool {
	switch {
	case r == 0x09 || r == 0x0A || r == 0x0D:
		return true
	case r >= 0x20 && r <= 0xD7FF:
		return true
	case r >= 0xE000 && r <= 0xFFFD:
		return true
	case r >= 0x10000 && r <= 0x10FFFF:
		return true
	}
	return false
}

// ContainsIllegalXML reports whether s contains characters that may not
// appear in an XML 1.0 document. Request arguments and harvested
// identifiers end up inside XML responses, so they are screened with this.
func ContainsIllegalXML(s string) bool {
	return strings.ContainsFunc(s, func(r rune) bool { return !legalXML(r) })
}

// FilterIllegalXML returns s with characters outside the XML 1.0 range
// removed. Used to sanitize messages that interpolate client input.
func FilterIllegalXML(s string) string {
	if !ContainsIllegalXML(s) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if legalXML(r) {
			return r
		}
		return -1
	}, s)
}
