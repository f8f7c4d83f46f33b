package domain

import "github.com/google/uuid"

// Role is the authenticated caller's role as issued by the identity provider.
type Role string

const (
	RoleInvestor Role = "INVESTOR"
	RoleBG       Role = "BG"
)

// Principal is the authenticated identity passed explicitly to every
// operation. There is no ambient session state; handlers build a Principal
// from the validated token and thread it through context-free call sites.
type Principal struct {
	UserID  uuid.UUID
	Subject string
	Role    Role
}

// IsInvestor reports whether the principal may perform investor operations.
func (p Principal) IsInvestor() bool { return p.Role == RoleInvestor }

// IsBG reports whether the principal may perform BG operations.
func (p Principal) IsBG() bool { return p.Role == RoleBG }
