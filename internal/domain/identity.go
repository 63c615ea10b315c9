package domain

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole returns the role for s and whether it is known.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleUser:
		return RoleUser, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Identity is a verified caller identity handed out by the identity provider.
type Identity struct {
	Subject string `json:"sub"`
	Role    Role   `json:"role"`
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }
