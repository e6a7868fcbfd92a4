package enums

import "fmt"

// ActorRole is the platform-level role carried in access tokens.
type ActorRole string

const (
	ActorRoleUser       ActorRole = "user"
	ActorRoleArbitrator ActorRole = "arbitrator"
	ActorRoleAdmin      ActorRole = "admin"
	ActorRoleSystem     ActorRole = "system"
)

var validActorRoles = []ActorRole{
	ActorRoleUser,
	ActorRoleArbitrator,
	ActorRoleAdmin,
	ActorRoleSystem,
}

// String implements fmt.Stringer.
func (r ActorRole) String() string {
	return string(r)
}

// IsValid reports whether the value is a known ActorRole.
func (r ActorRole) IsValid() bool {
	for _, candidate := range validActorRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

// CanArbitrate reports whether the role may resolve disputes and settle manual payouts.
func (r ActorRole) CanArbitrate() bool {
	return r == ActorRoleArbitrator || r == ActorRoleAdmin
}

// ParseActorRole converts raw input into an ActorRole.
func ParseActorRole(value string) (ActorRole, error) {
	for _, candidate := range validActorRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid actor role %q", value)
}
