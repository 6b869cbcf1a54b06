// Package auth is the role directory: who is registered, with which role,
// and how they prove it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

var (
	// ErrInvalidCredentials signals a wrong id or password.
	ErrInvalidCredentials = domain.NewError(domain.ErrUnauthorized, "auth: invalid credentials")
	// ErrWeakPassword signals the password doesn't meet requirements.
	ErrWeakPassword = domain.NewError(domain.ErrOutOfRange, "auth: password must be at least 8 characters")
	ErrNotAdmin     = domain.NewError(domain.ErrUnauthorized, "auth: sender must be admin")
	ErrNotOwner     = domain.NewError(domain.ErrUnauthorized, "auth: sender must be owner")
	ErrInactive     = domain.NewError(domain.ErrUnauthorized, "auth: account is inactive")
	ErrExists       = domain.NewError(domain.ErrAlreadyDone, "auth: account already registered")
	ErrUnknown      = domain.NewError(domain.ErrNotFound, "auth: account not found")
	ErrInvalidRole  = domain.NewError(domain.ErrOutOfRange, "auth: invalid role")
)

const (
	TopicAccountAdded   = "directory.account_added"
	TopicRoleChanged    = "directory.role_changed"
	TopicActiveChanged  = "directory.active_changed"
	minPasswordLength   = 8
	defaultTokenTimeout = 24 * time.Hour
)

// Service handles the account directory.
type Service struct {
	store     store.Store
	jwtSecret []byte
	tokenTTL  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService creates a new directory service.
func NewService(st store.Store, jwtSecret string, opts ...Option) *Service {
	s := &Service{
		store:     st,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  defaultTokenTimeout,
		clock:     time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap makes owner the first account. It is a no-op once any account
// exists.
func (s *Service) Bootstrap(ctx context.Context, owner domain.Identity, password string) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.Accounts().Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = s.create(ctx, tx, owner, password, domain.RoleOwner, true)
		return err
	})
}

// Register creates a user account for the caller.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Account, error) {
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	if req.ID == "" {
		return nil, fmt.Errorf("auth: id is required")
	}

	var acc domain.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = s.create(ctx, tx, req.ID, req.Password, domain.RoleUser, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// AddAccount enrolls req.ID on behalf of an administrator.
func (s *Service) AddAccount(ctx context.Context, caller domain.Caller, req AddAccountRequest) (*domain.Account, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("auth: id is required")
	}
	if req.Password != "" && len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}
	role := req.Role
	if role == "" {
		role = domain.RoleUser
	}
	if !isValidRole(role) {
		return nil, ErrInvalidRole
	}

	var acc domain.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.requireRole(ctx, tx, caller.ID, role); err != nil {
			return err
		}
		var err error
		acc, err = s.create(ctx, tx, req.ID, req.Password, role, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Service) create(ctx context.Context, tx store.Tx, id domain.Identity, password string, role domain.Role, active bool) (domain.Account, error) {
	var hash string
	if password != "" {
		raw, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return domain.Account{}, fmt.Errorf("auth: hash password: %w", err)
		}
		hash = string(raw)
	}

	now := s.clock().UTC()
	acc := domain.Account{
		ID:           id,
		PasswordHash: hash,
		Role:         role,
		Active:       active,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.Accounts().Create(ctx, acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.Account{}, ErrExists
		}
		return domain.Account{}, err
	}
	if err := outbox.Append(ctx, tx, now, TopicAccountAdded, 0, map[string]any{
		"id":   string(id),
		"role": string(role),
	}); err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("account added", zap.String("id", string(id)), zap.String("role", string(role)))
	return acc, nil
}

// requireRole checks that actor may hand out target. Owner and admin roles
// can only be granted by the owner.
func (s *Service) requireRole(ctx context.Context, tx store.Tx, actor domain.Identity, target domain.Role) error {
	role, err := s.RoleOfTx(ctx, tx, actor)
	if err != nil {
		return err
	}
	if target.Administrative() {
		if role != domain.RoleOwner {
			return ErrNotOwner
		}
		return nil
	}
	if !role.Administrative() {
		return ErrNotAdmin
	}
	return nil
}

// SetRole changes the role of id.
func (s *Service) SetRole(ctx context.Context, caller domain.Caller, id domain.Identity, role domain.Role) error {
	if !isValidRole(role) {
		return ErrInvalidRole
	}
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.requireRole(ctx, tx, caller.ID, role); err != nil {
			return err
		}
		acc, err := s.account(ctx, tx, id)
		if err != nil {
			return err
		}
		acc.Role = role
		acc.UpdatedAt = s.clock().UTC()
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, acc.UpdatedAt, TopicRoleChanged, 0, map[string]any{
			"id":   string(id),
			"role": string(role),
		})
	})
}

// SetActive activates or deactivates id.
func (s *Service) SetActive(ctx context.Context, caller domain.Caller, id domain.Identity, active bool) error {
	return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.requireRole(ctx, tx, caller.ID, domain.RoleUser); err != nil {
			return err
		}
		acc, err := s.account(ctx, tx, id)
		if err != nil {
			return err
		}
		acc.Active = active
		acc.UpdatedAt = s.clock().UTC()
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, acc.UpdatedAt, TopicActiveChanged, 0, map[string]any{
			"id":     string(id),
			"active": active,
		})
	})
}

func (s *Service) account(ctx context.Context, tx store.Tx, id domain.Identity) (domain.Account, error) {
	acc, err := tx.Accounts().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Account{}, ErrUnknown
		}
		return domain.Account{}, err
	}
	return acc, nil
}

// Account returns the directory entry for id.
func (s *Service) Account(ctx context.Context, id domain.Identity) (*domain.Account, error) {
	var acc domain.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = s.account(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// RoleOf returns the effective role of id. Unknown and inactive accounts have
// RoleNone.
func (s *Service) RoleOf(ctx context.Context, id domain.Identity) (domain.Role, error) {
	var role domain.Role
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		role, err = s.RoleOfTx(ctx, tx, id)
		return err
	})
	return role, err
}

// RoleOfTx is RoleOf inside an existing transaction.
func (s *Service) RoleOfTx(ctx context.Context, tx store.Tx, id domain.Identity) (domain.Role, error) {
	if id == "" {
		return domain.RoleNone, nil
	}
	acc, err := tx.Accounts().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.RoleNone, nil
		}
		return "", err
	}
	if !acc.Active {
		return domain.RoleNone, nil
	}
	return acc.Role, nil
}

// IsRegisteredTx reports whether id holds an active account.
func (s *Service) IsRegisteredTx(ctx context.Context, tx store.Tx, id domain.Identity) (bool, error) {
	role, err := s.RoleOfTx(ctx, tx, id)
	if err != nil {
		return false, err
	}
	return role != domain.RoleNone, nil
}

// IsRegistered reports whether id holds an active account.
func (s *Service) IsRegistered(ctx context.Context, id domain.Identity) (bool, error) {
	var ok bool
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		ok, err = s.IsRegisteredTx(ctx, tx, id)
		return err
	})
	return ok, err
}

// NumAccounts counts every account, active or not.
func (s *Service) NumAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.Accounts().Count(ctx)
		return err
	})
	return n, err
}

// Login authenticates an account and returns a JWT token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	var acc domain.Account
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx, req.ID)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if acc.PasswordHash == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(req.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !acc.Active {
		return LoginResult{}, ErrInactive
	}

	token, err := s.generateToken(acc.ID, acc.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}

	return LoginResult{
		Token:   token,
		Account: acc,
	}, nil
}

// VerifyToken validates a JWT token and returns the account id and role it
// was issued for.
func (s *Service) VerifyToken(tokenString string) (domain.Identity, domain.Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		return "", "", fmt.Errorf("auth: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		id, ok := claims["sub"].(string)
		if !ok || id == "" {
			return "", "", fmt.Errorf("auth: invalid subject in token")
		}
		roleStr, ok := claims["role"].(string)
		if !ok {
			return "", "", fmt.Errorf("auth: invalid role in token")
		}
		role := domain.Role(roleStr)
		if !isValidRole(role) {
			return "", "", fmt.Errorf("auth: invalid role %q in token", roleStr)
		}
		return domain.Identity(id), role, nil
	}

	return "", "", fmt.Errorf("auth: invalid token")
}

func (s *Service) generateToken(id domain.Identity, role domain.Role) (string, error) {
	now := s.clock()
	claims := jwt.MapClaims{
		"sub":  string(id),
		"role": string(role),
		"exp":  now.Add(s.tokenTTL).Unix(),
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role domain.Role) bool {
	switch role {
	case domain.RoleOwner, domain.RoleAdmin, domain.RoleModerator, domain.RoleUser:
		return true
	default:
		return false
	}
}
