package auth

import "covenant/domain"

// RegisterRequest contains self-registration data supplied by callers.
type RegisterRequest struct {
	ID       domain.Identity `json:"id"`
	Password string          `json:"password"`
}

// AddAccountRequest lets an administrator enroll someone else. Password may be
// empty for accounts that never log in directly, such as collaborator services.
type AddAccountRequest struct {
	ID       domain.Identity `json:"id"`
	Password string          `json:"password"`
	Role     domain.Role     `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	ID       domain.Identity `json:"id"`
	Password string          `json:"password"`
}

// LoginResult bundles the token and account returned after a successful login.
type LoginResult struct {
	Token   string
	Account domain.Account
}
