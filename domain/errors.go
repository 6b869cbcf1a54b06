package domain

import "errors"

// Error categories shared by every governance component. Package level
// sentinels wrap one of these so callers can branch on either.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotInvolved           = errors.New("not involved")
	ErrInvalidState          = errors.New("invalid state")
	ErrOutOfRange            = errors.New("out of range")
	ErrAlreadyDone           = errors.New("already done")
	ErrTooEarly              = errors.New("too early")
	ErrNotReady              = errors.New("not ready")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrNotFound              = errors.New("not found")
)

// Error is a named failure that belongs to one of the categories above.
type Error struct {
	Kind error
	Msg  string
}

// NewError builds a sentinel that unwraps to kind.
func NewError(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

// Kind returns the category of err, or nil when err carries none.
func Kind(err error) error {
	for _, k := range []error{
		ErrUnauthorized,
		ErrNotInvolved,
		ErrInvalidState,
		ErrOutOfRange,
		ErrAlreadyDone,
		ErrTooEarly,
		ErrNotReady,
		ErrInsufficientFunds,
		ErrInsufficientAllowance,
		ErrNotFound,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
