// Package reputation keeps the bounded trust score of every participant.
package reputation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"covenant/access"
	"covenant/domain"
	"covenant/outbox"
	"covenant/store"
)

const (
	MinScore = 0
	MaxScore = 500

	// Component names the ledger in grants and capabilities.
	Component = "reputation"
	// ScopeWrite covers every score mutation.
	ScopeWrite = "write"

	defaultScoreKey = "reputation.default_score"

	TopicChanged        = "reputation.changed"
	TopicDefaultChanged = "reputation.default_changed"
)

var (
	// ErrScoreOutOfRange is returned for scores outside [MinScore, MaxScore].
	ErrScoreOutOfRange = domain.NewError(domain.ErrOutOfRange, "reputation: score out of range")
	// ErrNegativeDelta is returned when a delta is below zero.
	ErrNegativeDelta = domain.NewError(domain.ErrOutOfRange, "reputation: delta must not be negative")
)

// Ledger is the reputation service.
type Ledger struct {
	store          store.Store
	guard          *access.Guard
	initialDefault int
	clock          func() time.Time
	logger         *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultScore sets the score reported for subjects never written, until
// an owner changes it.
func WithDefaultScore(score int) Option {
	return func(l *Ledger) { l.initialDefault = score }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger builds a ledger guarded by guard.
func NewLedger(st store.Store, guard *access.Guard, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:          st,
		guard:          guard,
		initialDefault: 250,
		clock:          time.Now,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if !inRange(l.initialDefault) {
		return nil, ErrScoreOutOfRange
	}
	return l, nil
}

func inRange(v int) bool { return v >= MinScore && v <= MaxScore }

func clamp(v int) int {
	if v < MinScore {
		return MinScore
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// Guard exposes the access guard so other components can be approved.
func (l *Ledger) Guard() *access.Guard { return l.guard }

// ApproveCaller lets owner grant id write access. The returned capability
// must accompany every call id makes.
func (l *Ledger) ApproveCaller(ctx context.Context, owner domain.Caller, id domain.Identity) (string, error) {
	var capability string
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		capability, err = l.guard.Approve(ctx, tx, owner, ScopeWrite, id)
		return err
	})
	if err != nil {
		return "", err
	}
	l.logger.Info("reputation caller approved", zap.String("grantee", string(id)))
	return capability, nil
}

// SetDefaultScore changes the score reported for unset subjects.
func (l *Ledger) SetDefaultScore(ctx context.Context, caller domain.Caller, value int) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := l.guard.Authorize(ctx, tx, caller, ScopeWrite); err != nil {
			return err
		}
		if !inRange(value) {
			return ErrScoreOutOfRange
		}
		if err := tx.Settings().Put(ctx, defaultScoreKey, value); err != nil {
			return err
		}
		return outbox.Append(ctx, tx, l.clock(), TopicDefaultChanged, 0, map[string]any{"value": value})
	})
}

// DefaultScore returns the current default.
func (l *Ledger) DefaultScore(ctx context.Context) (int, error) {
	var out int
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.defaultScoreTx(ctx, tx)
		return err
	})
	return out, err
}

func (l *Ledger) defaultScoreTx(ctx context.Context, tx store.Tx) (int, error) {
	var v int
	ok, err := tx.Settings().Get(ctx, defaultScoreKey, &v)
	if err != nil {
		return 0, err
	}
	if !ok {
		return l.initialDefault, nil
	}
	return v, nil
}

// SetScore overwrites the score of subject.
func (l *Ledger) SetScore(ctx context.Context, caller domain.Caller, subject domain.Identity, value int) error {
	return l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return l.SetScoreTx(ctx, tx, caller, subject, value)
	})
}

// SetScoreTx is SetScore inside an existing transaction.
func (l *Ledger) SetScoreTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, value int) error {
	if err := l.guard.Authorize(ctx, tx, caller, ScopeWrite); err != nil {
		return err
	}
	if !inRange(value) {
		return ErrScoreOutOfRange
	}
	return l.write(ctx, tx, subject, value)
}

// IncreaseScore adds delta, saturating at MaxScore, and returns the new score.
func (l *Ledger) IncreaseScore(ctx context.Context, caller domain.Caller, subject domain.Identity, delta int) (int, error) {
	var out int
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.IncreaseTx(ctx, tx, caller, subject, delta)
		return err
	})
	return out, err
}

// DecreaseScore subtracts delta, saturating at MinScore, and returns the new score.
func (l *Ledger) DecreaseScore(ctx context.Context, caller domain.Caller, subject domain.Identity, delta int) (int, error) {
	var out int
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.DecreaseTx(ctx, tx, caller, subject, delta)
		return err
	})
	return out, err
}

// IncreaseTx is IncreaseScore inside an existing transaction.
func (l *Ledger) IncreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	return l.adjust(ctx, tx, caller, subject, delta)
}

// DecreaseTx is DecreaseScore inside an existing transaction.
func (l *Ledger) DecreaseTx(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}
	return l.adjust(ctx, tx, caller, subject, -delta)
}

func (l *Ledger) adjust(ctx context.Context, tx store.Tx, caller domain.Caller, subject domain.Identity, delta int) (int, error) {
	if err := l.guard.Authorize(ctx, tx, caller, ScopeWrite); err != nil {
		return 0, err
	}
	current, err := l.ScoreTx(ctx, tx, subject)
	if err != nil {
		return 0, err
	}
	next := clamp(current + delta)
	if err := l.write(ctx, tx, subject, next); err != nil {
		return 0, err
	}
	return next, nil
}

func (l *Ledger) write(ctx context.Context, tx store.Tx, subject domain.Identity, value int) error {
	if subject == "" {
		return fmt.Errorf("reputation: subject required")
	}
	if err := tx.Scores().Put(ctx, subject, value); err != nil {
		return err
	}
	return outbox.Append(ctx, tx, l.clock(), TopicChanged, 0, map[string]any{
		"subject": string(subject),
		"value":   value,
	})
}

// Score returns the score of subject, or the default when never set.
func (l *Ledger) Score(ctx context.Context, subject domain.Identity) (int, error) {
	var out int
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = l.ScoreTx(ctx, tx, subject)
		return err
	})
	return out, err
}

// ScoreTx is Score inside an existing transaction.
func (l *Ledger) ScoreTx(ctx context.Context, tx store.Tx, subject domain.Identity) (int, error) {
	v, ok, err := tx.Scores().Get(ctx, subject)
	if err != nil {
		return 0, err
	}
	if ok {
		return v, nil
	}
	return l.defaultScoreTx(ctx, tx)
}
