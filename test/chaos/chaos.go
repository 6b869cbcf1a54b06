package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"covenant/domain"
)

// ErrInjected is returned by FlakyPublisher when it decides to fail.
var ErrInjected = errors.New("chaos: injected publish failure")

// FlakyPublisher fails roughly one delivery in every FailEvery and records the
// ids it did deliver.
type FlakyPublisher struct {
	FailEvery int

	mu        sync.Mutex
	rng       *rand.Rand
	delivered map[string]int
}

func NewFlakyPublisher(seed int64, failEvery int) *FlakyPublisher {
	return &FlakyPublisher{
		FailEvery: failEvery,
		rng:       rand.New(rand.NewSource(seed)),
		delivered: make(map[string]int),
	}
}

func (p *FlakyPublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailEvery > 0 && p.rng.Intn(p.FailEvery) == 0 {
		return ErrInjected
	}
	p.delivered[ev.ID]++
	return nil
}

// Duplicates returns event ids that were delivered more than once.
func (p *FlakyPublisher) Duplicates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for id, n := range p.delivered {
		if n > 1 {
			out = append(out, id)
		}
	}
	return out
}

// TerminateRandomBackend periodically kills a random backend connected to the
// test database other than its own.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, seed int64, stop <-chan struct{}) {
	rng := rand.New(rand.NewSource(seed))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}
