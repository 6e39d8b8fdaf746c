package models

// Identity is the authenticated user as reported by the auth context.
type Identity struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Token       string `json:"-"`
}

// PersistenceMode selects where conversation state lives.
type PersistenceMode int

const (
	ModeNone PersistenceMode = iota
	ModeAnonymous
	ModeAuthenticated
)

func (m PersistenceMode) String() string {
	switch m {
	case ModeAnonymous:
		return "anonymous"
	case ModeAuthenticated:
		return "authenticated"
	default:
		return "none"
	}
}

// SelectMode derives the persistence mode from the two context flags supplied by the host.
// The authenticated context wins when both are set.
func SelectMode(isAuthenticatedContext, isAnonymousContext bool) PersistenceMode {
	switch {
	case isAuthenticatedContext:
		return ModeAuthenticated
	case isAnonymousContext:
		return ModeAnonymous
	default:
		return ModeNone
	}
}
