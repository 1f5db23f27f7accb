package auth

// Role represents a permission level on an organization or project.
type Role string

const (
	RoleRead  Role = "read"  // Can view the resource and its children
	RoleWrite Role = "write" // Can create and update children
	RoleAdmin Role = "admin" // Full control, including permission updates
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleRead, RoleWrite, RoleAdmin:
		return true
	}
	return false
}

// Expand returns the full set of roles implied by r. Admin implies write and
// read; write implies read.
func Expand(r Role) []Role {
	switch r {
	case RoleAdmin:
		return []Role{RoleRead, RoleWrite, RoleAdmin}
	case RoleWrite:
		return []Role{RoleRead, RoleWrite}
	case RoleRead:
		return []Role{RoleRead}
	}
	return nil
}

// Includes reports whether the role list grants the wanted role.
func Includes(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// Highest returns the strongest role in the list, or the empty role when the
// list grants nothing.
func Highest(roles []Role) Role {
	var best Role
	for _, r := range roles {
		switch r {
		case RoleAdmin:
			return RoleAdmin
		case RoleWrite:
			best = RoleWrite
		case RoleRead:
			if best == "" {
				best = RoleRead
			}
		}
	}
	return best
}
