package auth

type Role string

const (
	RoleAgent      Role = "agent"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

// Identity is the caller resolved from a bearer token. Every workflow
// operation is scoped to its TenantID.
type Identity struct {
	TenantID string
	UserID   string
	Role     Role
}

// CanReview reports whether the caller may approve overrides and settle
// commissions.
func (i Identity) CanReview() bool {
	return i.Role == RoleSupervisor || i.Role == RoleAdmin
}

func isValidRole(role Role) bool {
	switch role {
	case RoleAgent, RoleSupervisor, RoleAdmin:
		return true
	default:
		return false
	}
}
