package models

// Answer styles accepted by the general chat endpoint.
const (
	StyleGeneral      = "General Chat"
	StyleProfessional = "Professional Analysis"
	StylePlainSummary = "Plain Summary"
)

// Styles lists the answer styles in display order.
var Styles = []string{StyleGeneral, StyleProfessional, StylePlainSummary}

// DefaultStyle picks the answer style for an identity role. Anonymous visitors get the general style.
func DefaultStyle(role string) string {
	switch role {
	case "lawyer", "paralegal", "legal_professional":
		return StyleProfessional
	case "client", "individual":
		return StylePlainSummary
	default:
		return StyleGeneral
	}
}

// IsStyle reports whether s names a known answer style.
func IsStyle(s string) bool {
	for _, known := range Styles {
		if s == known {
			return true
		}
	}
	return false
}
