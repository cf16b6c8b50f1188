package rbac

// Role names carried in access tokens.
const (
	RoleUser     = "user"
	RoleListener = "listener"
	RoleAdmin    = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleUser, RoleListener, RoleAdmin:
		return true
	default:
		return false
	}
}
