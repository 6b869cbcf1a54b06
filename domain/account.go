package domain

import "time"

// Account is a directory entry. It mirrors the accounts table and carries no
// presentation tags so different layers can reuse it.
type Account struct {
	ID           Identity
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
