package store

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"covenant/domain"
)

type grantKey struct {
	component string
	scope     string
	grantee   domain.Identity
}

type allowanceKey struct {
	owner   domain.Identity
	spender domain.Identity
}

type ballotKey struct {
	agreementID int64
	voter       domain.Identity
}

type disputeBallotKey struct {
	sessionID string
	voter     domain.Identity
}

type memState struct {
	settings       map[string][]byte
	grants         map[grantKey]struct{}
	scores         map[domain.Identity]int
	balances       map[domain.Identity]int64
	allowances     map[allowanceKey]int64
	accounts       map[domain.Identity]domain.Account
	agreementSeq   int64
	agreements     map[int64]domain.Agreement
	refs           map[int64]string
	refIDs         map[string]int64
	wallets        map[domain.Identity]domain.Identity
	ballots        map[ballotKey]domain.VerificationBallot
	sessions       map[string]domain.DisputeSession
	disputeBallots map[disputeBallotKey]domain.DisputeBallot
	events         []domain.Event
}

func newMemState() *memState {
	return &memState{
		settings:       make(map[string][]byte),
		grants:         make(map[grantKey]struct{}),
		scores:         make(map[domain.Identity]int),
		balances:       make(map[domain.Identity]int64),
		allowances:     make(map[allowanceKey]int64),
		accounts:       make(map[domain.Identity]domain.Account),
		agreements:     make(map[int64]domain.Agreement),
		refs:           make(map[int64]string),
		refIDs:         make(map[string]int64),
		wallets:        make(map[domain.Identity]domain.Identity),
		ballots:        make(map[ballotKey]domain.VerificationBallot),
		sessions:       make(map[string]domain.DisputeSession),
		disputeBallots: make(map[disputeBallotKey]domain.DisputeBallot),
	}
}

// clone copies every table. Records are value types, so a shallow map copy
// is enough except for event payloads, which are never mutated after append.
func (s *memState) clone() *memState {
	return &memState{
		settings:       maps.Clone(s.settings),
		grants:         maps.Clone(s.grants),
		scores:         maps.Clone(s.scores),
		balances:       maps.Clone(s.balances),
		allowances:     maps.Clone(s.allowances),
		accounts:       maps.Clone(s.accounts),
		agreementSeq:   s.agreementSeq,
		agreements:     maps.Clone(s.agreements),
		refs:           maps.Clone(s.refs),
		refIDs:         maps.Clone(s.refIDs),
		wallets:        maps.Clone(s.wallets),
		ballots:        maps.Clone(s.ballots),
		sessions:       maps.Clone(s.sessions),
		disputeBallots: maps.Clone(s.disputeBallots),
		events:         slices.Clone(s.events),
	}
}

// Memory is an in-process Store. Units of work are serialized by a mutex and
// run against a private copy of the state that replaces the live one only on
// success.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

// WithinTx implements Store. fn must not call WithinTx on the same store.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.state.clone()
	if err := fn(ctx, &memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

// Events returns a copy of every outbox entry, oldest first.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.events)
}

type memTx struct {
	s *memState
}

func (t *memTx) Settings() SettingsRepository    { return memSettings{t.s} }
func (t *memTx) Grants() GrantRepository         { return memGrants{t.s} }
func (t *memTx) Scores() ScoreRepository         { return memScores{t.s} }
func (t *memTx) Tokens() TokenRepository         { return memTokens{t.s} }
func (t *memTx) Accounts() AccountRepository     { return memAccounts{t.s} }
func (t *memTx) Agreements() AgreementRepository { return memAgreements{t.s} }
func (t *memTx) Ballots() BallotRepository       { return memBallots{t.s} }
func (t *memTx) Disputes() DisputeRepository     { return memDisputes{t.s} }
func (t *memTx) Events() EventRepository         { return memEvents{t.s} }

type memSettings struct{ s *memState }

func (r memSettings) Get(_ context.Context, key string, dst any) (bool, error) {
	raw, ok := r.s.settings[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("store: decode setting %s: %w", key, err)
	}
	return true, nil
}

func (r memSettings) Put(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode setting %s: %w", key, err)
	}
	r.s.settings[key] = raw
	return nil
}

type memGrants struct{ s *memState }

func (r memGrants) Add(_ context.Context, component, scope string, grantee domain.Identity) error {
	r.s.grants[grantKey{component, scope, grantee}] = struct{}{}
	return nil
}

func (r memGrants) Has(_ context.Context, component, scope string, grantee domain.Identity) (bool, error) {
	_, ok := r.s.grants[grantKey{component, scope, grantee}]
	return ok, nil
}

func (r memGrants) Revoke(_ context.Context, component, scope string, grantee domain.Identity) error {
	delete(r.s.grants, grantKey{component, scope, grantee})
	return nil
}

type memScores struct{ s *memState }

func (r memScores) Get(_ context.Context, subject domain.Identity) (int, bool, error) {
	v, ok := r.s.scores[subject]
	return v, ok, nil
}

func (r memScores) Put(_ context.Context, subject domain.Identity, score int) error {
	r.s.scores[subject] = score
	return nil
}

func (r memScores) All(_ context.Context) (map[domain.Identity]int, error) {
	return maps.Clone(r.s.scores), nil
}

type memTokens struct{ s *memState }

func (r memTokens) Balance(_ context.Context, holder domain.Identity) (int64, error) {
	return r.s.balances[holder], nil
}

func (r memTokens) SetBalance(_ context.Context, holder domain.Identity, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("store: negative balance for %s", holder)
	}
	r.s.balances[holder] = amount
	return nil
}

func (r memTokens) Allowance(_ context.Context, owner, spender domain.Identity) (int64, error) {
	return r.s.allowances[allowanceKey{owner, spender}], nil
}

func (r memTokens) SetAllowance(_ context.Context, owner, spender domain.Identity, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("store: negative allowance for %s", owner)
	}
	r.s.allowances[allowanceKey{owner, spender}] = amount
	return nil
}

func (r memTokens) Balances(_ context.Context) (map[domain.Identity]int64, error) {
	return maps.Clone(r.s.balances), nil
}

type memAccounts struct{ s *memState }

func (r memAccounts) Create(_ context.Context, acc domain.Account) error {
	if _, ok := r.s.accounts[acc.ID]; ok {
		return ErrDuplicate
	}
	r.s.accounts[acc.ID] = acc
	return nil
}

func (r memAccounts) Get(_ context.Context, id domain.Identity) (domain.Account, error) {
	acc, ok := r.s.accounts[id]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return acc, nil
}

func (r memAccounts) Update(_ context.Context, acc domain.Account) error {
	if _, ok := r.s.accounts[acc.ID]; !ok {
		return ErrNotFound
	}
	r.s.accounts[acc.ID] = acc
	return nil
}

func (r memAccounts) Count(_ context.Context) (int, error) {
	return len(r.s.accounts), nil
}

type memAgreements struct{ s *memState }

func (r memAgreements) NextID(_ context.Context) (int64, error) {
	r.s.agreementSeq++
	return r.s.agreementSeq, nil
}

func (r memAgreements) Get(_ context.Context, id int64) (domain.Agreement, error) {
	rec, ok := r.s.agreements[id]
	if !ok {
		return domain.Agreement{}, ErrNotFound
	}
	return rec, nil
}

func (r memAgreements) Put(_ context.Context, rec domain.Agreement) error {
	if rec.ID <= 0 {
		return fmt.Errorf("store: agreement id must be positive")
	}
	r.s.agreements[rec.ID] = rec
	return nil
}

func (r memAgreements) List(_ context.Context) ([]domain.Agreement, error) {
	out := make([]domain.Agreement, 0, len(r.s.agreements))
	for _, rec := range r.s.agreements {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memAgreements) BindRef(_ context.Context, id int64, ref string) error {
	if _, ok := r.s.refIDs[ref]; ok {
		return ErrDuplicate
	}
	if _, ok := r.s.refs[id]; ok {
		return ErrDuplicate
	}
	r.s.refs[id] = ref
	r.s.refIDs[ref] = id
	return nil
}

func (r memAgreements) IDByRef(_ context.Context, ref string) (int64, error) {
	id, ok := r.s.refIDs[ref]
	if !ok {
		return 0, ErrNotFound
	}
	return id, nil
}

func (r memAgreements) RefByID(_ context.Context, id int64) (string, error) {
	ref, ok := r.s.refs[id]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (r memAgreements) SetWallet(_ context.Context, party, wallet domain.Identity) error {
	r.s.wallets[party] = wallet
	return nil
}

func (r memAgreements) Wallet(_ context.Context, party domain.Identity) (domain.Identity, bool, error) {
	w, ok := r.s.wallets[party]
	return w, ok, nil
}

type memBallots struct{ s *memState }

func (r memBallots) Add(_ context.Context, b domain.VerificationBallot) error {
	key := ballotKey{b.AgreementID, b.Voter}
	if _, ok := r.s.ballots[key]; ok {
		return ErrDuplicate
	}
	r.s.ballots[key] = b
	return nil
}

func (r memBallots) List(_ context.Context, agreementID int64) ([]domain.VerificationBallot, error) {
	out := []domain.VerificationBallot{}
	for k, b := range r.s.ballots {
		if k.agreementID == agreementID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CastAt.Equal(out[j].CastAt) {
			return out[i].Voter < out[j].Voter
		}
		return out[i].CastAt.Before(out[j].CastAt)
	})
	return out, nil
}

type memDisputes struct{ s *memState }

func (r memDisputes) Create(_ context.Context, s domain.DisputeSession) error {
	if _, ok := r.s.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	r.s.sessions[s.ID] = s
	return nil
}

func (r memDisputes) Get(_ context.Context, id string) (domain.DisputeSession, error) {
	s, ok := r.s.sessions[id]
	if !ok {
		return domain.DisputeSession{}, ErrNotFound
	}
	return s, nil
}

func (r memDisputes) Update(_ context.Context, s domain.DisputeSession) error {
	if _, ok := r.s.sessions[s.ID]; !ok {
		return ErrNotFound
	}
	r.s.sessions[s.ID] = s
	return nil
}

func (r memDisputes) AddBallot(_ context.Context, b domain.DisputeBallot) error {
	key := disputeBallotKey{b.SessionID, b.Voter}
	if _, ok := r.s.disputeBallots[key]; ok {
		return ErrDuplicate
	}
	r.s.disputeBallots[key] = b
	return nil
}

func (r memDisputes) Ballots(_ context.Context, sessionID string) ([]domain.DisputeBallot, error) {
	out := []domain.DisputeBallot{}
	for k, b := range r.s.disputeBallots {
		if k.sessionID == sessionID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CastAt.Equal(out[j].CastAt) {
			return out[i].Voter < out[j].Voter
		}
		return out[i].CastAt.Before(out[j].CastAt)
	})
	return out, nil
}

type memEvents struct{ s *memState }

func (r memEvents) Append(_ context.Context, ev domain.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("store: event id required")
	}
	if ev.Status == "" {
		ev.Status = domain.EventPending
	}
	r.s.events = append(r.s.events, ev)
	return nil
}

func (r memEvents) List(_ context.Context, topic string) ([]domain.Event, error) {
	out := []domain.Event{}
	for _, ev := range r.s.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r memEvents) Pending(_ context.Context, limit int) ([]domain.Event, error) {
	out := []domain.Event{}
	for _, ev := range r.s.events {
		if ev.Status != domain.EventPending {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r memEvents) MarkProcessed(_ context.Context, id string) error {
	for i := range r.s.events {
		if r.s.events[i].ID == id {
			r.s.events[i].Status = domain.EventProcessed
			return nil
		}
	}
	return ErrNotFound
}

func (r memEvents) MarkFailed(_ context.Context, id string, maxAttempts int) error {
	for i := range r.s.events {
		if r.s.events[i].ID != id {
			continue
		}
		r.s.events[i].Attempts++
		if maxAttempts > 0 && r.s.events[i].Attempts >= maxAttempts {
			r.s.events[i].Status = domain.EventDead
		}
		return nil
	}
	return ErrNotFound
}
