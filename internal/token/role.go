package token

import "github.com/nmxmxh/marketgate/pkg/errors"

// Role is an ordered privilege tier. Higher values grant access to everything
// a lower tier can reach.
type Role int

const (
	RoleGuest Role = iota
	RoleBasic
	RolePremium
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleGuest:   "guest",
	RoleBasic:   "basic",
	RolePremium: "premium",
	RoleAdmin:   "admin",
}

var rolesByName = map[string]Role{
	"guest":   RoleGuest,
	"basic":   RoleBasic,
	"premium": RolePremium,
	"admin":   RoleAdmin,
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// AtLeast reports whether r meets or exceeds the given minimum tier.
func (r Role) AtLeast(min Role) bool {
	return r >= min
}

// ParseRole resolves a role string to its tier. Unknown strings are rejected,
// never coerced to a default tier.
func ParseRole(s string) (Role, error) {
	if r, ok := rolesByName[s]; ok {
		return r, nil
	}
	return RoleGuest, errors.ErrUnknownRole
}
