package domain

// Identity names a participant: a party, a verifier, a collaborator service or
// the escrow account itself.
type Identity string

// Caller is the principal invoking an operation. Capability carries a signed
// grant issued when an owner approved this caller; it is empty for plain users.
type Caller struct {
	ID         Identity
	Capability string
}

// As returns a Caller without any capability attached.
func As(id Identity) Caller {
	return Caller{ID: id}
}

// Role is a tier in the account directory.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleNone      Role = "none"
)

// Administrative reports whether the role may perform administrative actions.
func (r Role) Administrative() bool {
	return r == RoleOwner || r == RoleAdmin
}
