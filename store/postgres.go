package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"covenant/domain"
)

// governanceLockKey serializes every unit of work across connections.
const governanceLockKey int64 = 0x636f76656e616e74

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	pool TxBeginner
}

// NewPostgres wraps a pool. Run Migrate before first use.
func NewPostgres(pool TxBeginner) *Postgres {
	return &Postgres{pool: pool}
}

// WithinTx implements Store. The advisory lock gives the same total order the
// memory store gets from its mutex.
func (p *Postgres) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, governanceLockKey); err != nil {
		return fmt.Errorf("store: acquire governance lock: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Settings() SettingsRepository    { return pgSettings{t.tx} }
func (t *pgTx) Grants() GrantRepository         { return pgGrants{t.tx} }
func (t *pgTx) Scores() ScoreRepository         { return pgScores{t.tx} }
func (t *pgTx) Tokens() TokenRepository         { return pgTokens{t.tx} }
func (t *pgTx) Accounts() AccountRepository     { return pgAccounts{t.tx} }
func (t *pgTx) Agreements() AgreementRepository { return pgAgreements{t.tx} }
func (t *pgTx) Ballots() BallotRepository       { return pgBallots{t.tx} }
func (t *pgTx) Disputes() DisputeRepository     { return pgDisputes{t.tx} }
func (t *pgTx) Events() EventRepository         { return pgEvents{t.tx} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type pgSettings struct{ tx pgx.Tx }

func (r pgSettings) Get(ctx context.Context, key string, dst any) (bool, error) {
	var raw []byte
	err := r.tx.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("store: decode setting %s: %w", key, err)
	}
	return true, nil
}

func (r pgSettings) Put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode setting %s: %w", key, err)
	}
	const q = `
INSERT INTO settings (key, value) VALUES ($1, $2::jsonb)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
`
	if _, err := r.tx.Exec(ctx, q, key, raw); err != nil {
		return fmt.Errorf("store: put setting %s: %w", key, err)
	}
	return nil
}

type pgGrants struct{ tx pgx.Tx }

func (r pgGrants) Add(ctx context.Context, component, scope string, grantee domain.Identity) error {
	const q = `
INSERT INTO grants (component, scope, grantee) VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
`
	if _, err := r.tx.Exec(ctx, q, component, scope, string(grantee)); err != nil {
		return fmt.Errorf("store: add grant: %w", err)
	}
	return nil
}

func (r pgGrants) Has(ctx context.Context, component, scope string, grantee domain.Identity) (bool, error) {
	var ok bool
	const q = `SELECT EXISTS (SELECT 1 FROM grants WHERE component = $1 AND scope = $2 AND grantee = $3)`
	if err := r.tx.QueryRow(ctx, q, component, scope, string(grantee)).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: check grant: %w", err)
	}
	return ok, nil
}

func (r pgGrants) Revoke(ctx context.Context, component, scope string, grantee domain.Identity) error {
	const q = `DELETE FROM grants WHERE component = $1 AND scope = $2 AND grantee = $3`
	if _, err := r.tx.Exec(ctx, q, component, scope, string(grantee)); err != nil {
		return fmt.Errorf("store: revoke grant: %w", err)
	}
	return nil
}

type pgScores struct{ tx pgx.Tx }

func (r pgScores) Get(ctx context.Context, subject domain.Identity) (int, bool, error) {
	var score int
	err := r.tx.QueryRow(ctx, `SELECT score FROM reputation_scores WHERE subject = $1`, string(subject)).Scan(&score)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: get score: %w", err)
	}
	return score, true, nil
}

func (r pgScores) Put(ctx context.Context, subject domain.Identity, score int) error {
	const q = `
INSERT INTO reputation_scores (subject, score) VALUES ($1, $2)
ON CONFLICT (subject) DO UPDATE SET score = EXCLUDED.score
`
	if _, err := r.tx.Exec(ctx, q, string(subject), score); err != nil {
		return fmt.Errorf("store: put score: %w", err)
	}
	return nil
}

func (r pgScores) All(ctx context.Context) (map[domain.Identity]int, error) {
	rows, err := r.tx.Query(ctx, `SELECT subject, score FROM reputation_scores`)
	if err != nil {
		return nil, fmt.Errorf("store: list scores: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Identity]int)
	for rows.Next() {
		var (
			subject string
			score   int
		)
		if err := rows.Scan(&subject, &score); err != nil {
			return nil, fmt.Errorf("store: scan score: %w", err)
		}
		out[domain.Identity(subject)] = score
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate scores: %w", err)
	}
	return out, nil
}

type pgTokens struct{ tx pgx.Tx }

func (r pgTokens) Balance(ctx context.Context, holder domain.Identity) (int64, error) {
	var amount int64
	err := r.tx.QueryRow(ctx, `SELECT amount FROM token_balances WHERE holder = $1`, string(holder)).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: get balance: %w", err)
	}
	return amount, nil
}

func (r pgTokens) SetBalance(ctx context.Context, holder domain.Identity, amount int64) error {
	const q = `
INSERT INTO token_balances (holder, amount) VALUES ($1, $2)
ON CONFLICT (holder) DO UPDATE SET amount = EXCLUDED.amount
`
	if _, err := r.tx.Exec(ctx, q, string(holder), amount); err != nil {
		return fmt.Errorf("store: set balance: %w", err)
	}
	return nil
}

func (r pgTokens) Allowance(ctx context.Context, owner, spender domain.Identity) (int64, error) {
	var amount int64
	const q = `SELECT amount FROM token_allowances WHERE owner = $1 AND spender = $2`
	err := r.tx.QueryRow(ctx, q, string(owner), string(spender)).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: get allowance: %w", err)
	}
	return amount, nil
}

func (r pgTokens) SetAllowance(ctx context.Context, owner, spender domain.Identity, amount int64) error {
	const q = `
INSERT INTO token_allowances (owner, spender, amount) VALUES ($1, $2, $3)
ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount
`
	if _, err := r.tx.Exec(ctx, q, string(owner), string(spender), amount); err != nil {
		return fmt.Errorf("store: set allowance: %w", err)
	}
	return nil
}

func (r pgTokens) Balances(ctx context.Context) (map[domain.Identity]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT holder, amount FROM token_balances`)
	if err != nil {
		return nil, fmt.Errorf("store: list balances: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Identity]int64)
	for rows.Next() {
		var (
			holder string
			amount int64
		)
		if err := rows.Scan(&holder, &amount); err != nil {
			return nil, fmt.Errorf("store: scan balance: %w", err)
		}
		out[domain.Identity(holder)] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate balances: %w", err)
	}
	return out, nil
}

type pgAccounts struct{ tx pgx.Tx }

func (r pgAccounts) Create(ctx context.Context, acc domain.Account) error {
	const q = `
INSERT INTO accounts (id, password_hash, role, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := r.tx.Exec(ctx, q, string(acc.ID), acc.PasswordHash, string(acc.Role), acc.Active, acc.CreatedAt, acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create account: %w", err)
	}
	return nil
}

func (r pgAccounts) Get(ctx context.Context, id domain.Identity) (domain.Account, error) {
	const q = `
SELECT id, password_hash, role, active, created_at, updated_at
FROM accounts
WHERE id = $1
`
	var (
		acc     domain.Account
		accID   string
		accRole string
	)
	err := r.tx.QueryRow(ctx, q, string(id)).Scan(&accID, &acc.PasswordHash, &accRole, &acc.Active, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrNotFound
		}
		return domain.Account{}, fmt.Errorf("store: get account: %w", err)
	}
	acc.ID = domain.Identity(accID)
	acc.Role = domain.Role(accRole)
	return acc, nil
}

func (r pgAccounts) Update(ctx context.Context, acc domain.Account) error {
	const q = `
UPDATE accounts
SET password_hash = $2, role = $3, active = $4, updated_at = $5
WHERE id = $1
`
	tag, err := r.tx.Exec(ctx, q, string(acc.ID), acc.PasswordHash, string(acc.Role), acc.Active, acc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r pgAccounts) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count accounts: %w", err)
	}
	return n, nil
}

type pgAgreements struct{ tx pgx.Tx }

const agreementColumns = `id, status, created_at, verification_window_start, common_type, dispute_type,
       initiator, initiator_signature, respondent, respondent_signature, signed_count,
       outcome, verifier_quota, approve_count, reject_count, pending_completion,
       completion_requested_by, dispute_ref`

func scanAgreement(row pgx.Row) (domain.Agreement, error) {
	var (
		rec                            domain.Agreement
		status, commonType, disputeTyp int16
		outcome, signedCount           int16
		initiator, respondent          string
		requestedBy                    string
	)
	err := row.Scan(
		&rec.ID,
		&status,
		&rec.CreatedAt,
		&rec.VerificationWindowStart,
		&commonType,
		&disputeTyp,
		&initiator,
		&rec.Parties.InitiatorSignature,
		&respondent,
		&rec.Parties.RespondentSignature,
		&signedCount,
		&outcome,
		&rec.VerifierQuota,
		&rec.ApproveCount,
		&rec.RejectCount,
		&rec.PendingCompletion,
		&requestedBy,
		&rec.DisputeRef,
	)
	if err != nil {
		return domain.Agreement{}, err
	}
	rec.Status = domain.Status(status)
	rec.CommonType = uint8(commonType)
	rec.DisputeType = uint8(disputeTyp)
	rec.Parties.Initiator = domain.Identity(initiator)
	rec.Parties.Respondent = domain.Identity(respondent)
	rec.Parties.SignedCount = int(signedCount)
	rec.Outcome = domain.Outcome(outcome)
	rec.CompletionRequestedBy = domain.Identity(requestedBy)
	return rec, nil
}

func (r pgAgreements) NextID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.tx.QueryRow(ctx, `SELECT nextval('agreement_ids')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: next agreement id: %w", err)
	}
	return id, nil
}

func (r pgAgreements) Get(ctx context.Context, id int64) (domain.Agreement, error) {
	rec, err := scanAgreement(r.tx.QueryRow(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Agreement{}, ErrNotFound
		}
		return domain.Agreement{}, fmt.Errorf("store: get agreement: %w", err)
	}
	return rec, nil
}

func (r pgAgreements) Put(ctx context.Context, rec domain.Agreement) error {
	if rec.ID <= 0 {
		return fmt.Errorf("store: agreement id must be positive")
	}
	const q = `
INSERT INTO agreements (` + agreementColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    created_at = EXCLUDED.created_at,
    verification_window_start = EXCLUDED.verification_window_start,
    common_type = EXCLUDED.common_type,
    dispute_type = EXCLUDED.dispute_type,
    initiator = EXCLUDED.initiator,
    initiator_signature = EXCLUDED.initiator_signature,
    respondent = EXCLUDED.respondent,
    respondent_signature = EXCLUDED.respondent_signature,
    signed_count = EXCLUDED.signed_count,
    outcome = EXCLUDED.outcome,
    verifier_quota = EXCLUDED.verifier_quota,
    approve_count = EXCLUDED.approve_count,
    reject_count = EXCLUDED.reject_count,
    pending_completion = EXCLUDED.pending_completion,
    completion_requested_by = EXCLUDED.completion_requested_by,
    dispute_ref = EXCLUDED.dispute_ref
`
	_, err := r.tx.Exec(ctx, q,
		rec.ID,
		int16(rec.Status),
		rec.CreatedAt,
		rec.VerificationWindowStart,
		int16(rec.CommonType),
		int16(rec.DisputeType),
		string(rec.Parties.Initiator),
		rec.Parties.InitiatorSignature,
		string(rec.Parties.Respondent),
		rec.Parties.RespondentSignature,
		int16(rec.Parties.SignedCount),
		int16(rec.Outcome),
		rec.VerifierQuota,
		rec.ApproveCount,
		rec.RejectCount,
		rec.PendingCompletion,
		string(rec.CompletionRequestedBy),
		rec.DisputeRef,
	)
	if err != nil {
		return fmt.Errorf("store: put agreement: %w", err)
	}
	return nil
}

func (r pgAgreements) List(ctx context.Context) ([]domain.Agreement, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+agreementColumns+` FROM agreements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agreements: %w", err)
	}
	defer rows.Close()

	out := []domain.Agreement{}
	for rows.Next() {
		rec, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan agreement: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate agreements: %w", err)
	}
	return out, nil
}

func (r pgAgreements) BindRef(ctx context.Context, id int64, ref string) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO agreement_refs (agreement_id, ref) VALUES ($1, $2)`, id, ref)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: bind ref: %w", err)
	}
	return nil
}

func (r pgAgreements) IDByRef(ctx context.Context, ref string) (int64, error) {
	var id int64
	if err := r.tx.QueryRow(ctx, `SELECT agreement_id FROM agreement_refs WHERE ref = $1`, ref).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("store: id by ref: %w", err)
	}
	return id, nil
}

func (r pgAgreements) RefByID(ctx context.Context, id int64) (string, error) {
	var ref string
	if err := r.tx.QueryRow(ctx, `SELECT ref FROM agreement_refs WHERE agreement_id = $1`, id).Scan(&ref); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: ref by id: %w", err)
	}
	return ref, nil
}

func (r pgAgreements) SetWallet(ctx context.Context, party, wallet domain.Identity) error {
	const q = `
INSERT INTO wallet_redirects (party, wallet) VALUES ($1, $2)
ON CONFLICT (party) DO UPDATE SET wallet = EXCLUDED.wallet
`
	if _, err := r.tx.Exec(ctx, q, string(party), string(wallet)); err != nil {
		return fmt.Errorf("store: set wallet: %w", err)
	}
	return nil
}

func (r pgAgreements) Wallet(ctx context.Context, party domain.Identity) (domain.Identity, bool, error) {
	var wallet string
	err := r.tx.QueryRow(ctx, `SELECT wallet FROM wallet_redirects WHERE party = $1`, string(party)).Scan(&wallet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("store: get wallet: %w", err)
	}
	return domain.Identity(wallet), true, nil
}

type pgBallots struct{ tx pgx.Tx }

func (r pgBallots) Add(ctx context.Context, b domain.VerificationBallot) error {
	const q = `INSERT INTO verification_ballots (agreement_id, voter, side, cast_at) VALUES ($1, $2, $3, $4)`
	if _, err := r.tx.Exec(ctx, q, b.AgreementID, string(b.Voter), int16(b.Side), b.CastAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: add ballot: %w", err)
	}
	return nil
}

func (r pgBallots) List(ctx context.Context, agreementID int64) ([]domain.VerificationBallot, error) {
	const q = `
SELECT agreement_id, voter, side, cast_at
FROM verification_ballots
WHERE agreement_id = $1
ORDER BY cast_at, voter
`
	rows, err := r.tx.Query(ctx, q, agreementID)
	if err != nil {
		return nil, fmt.Errorf("store: list ballots: %w", err)
	}
	defer rows.Close()

	out := []domain.VerificationBallot{}
	for rows.Next() {
		var (
			b     domain.VerificationBallot
			voter string
			side  int16
		)
		if err := rows.Scan(&b.AgreementID, &voter, &side, &b.CastAt); err != nil {
			return nil, fmt.Errorf("store: scan ballot: %w", err)
		}
		b.Voter = domain.Identity(voter)
		b.Side = domain.Side(side)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate ballots: %w", err)
	}
	return out, nil
}

type pgDisputes struct{ tx pgx.Tx }

const sessionColumns = `id, agreement_id, initiator, respondent, title, description, initiator_outcome,
       respondent_outcome, state, final_outcome, created_at, voting_opened_at, concluded_at`

func (r pgDisputes) Create(ctx context.Context, s domain.DisputeSession) error {
	const q = `
INSERT INTO dispute_sessions (` + sessionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`
	_, err := r.tx.Exec(ctx, q,
		s.ID, s.AgreementID, string(s.Initiator), string(s.Respondent), s.Title, s.Description,
		s.InitiatorOutcome, s.RespondentOutcome, int16(s.State), s.FinalOutcome, s.CreatedAt,
		s.VotingOpenedAt, s.ConcludedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create dispute: %w", err)
	}
	return nil
}

func (r pgDisputes) Get(ctx context.Context, id string) (domain.DisputeSession, error) {
	var (
		s                     domain.DisputeSession
		initiator, respondent string
		state                 int16
		openedAt, concludedAt *time.Time
	)
	err := r.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM dispute_sessions WHERE id = $1`, id).Scan(
		&s.ID, &s.AgreementID, &initiator, &respondent, &s.Title, &s.Description,
		&s.InitiatorOutcome, &s.RespondentOutcome, &state, &s.FinalOutcome, &s.CreatedAt,
		&openedAt, &concludedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DisputeSession{}, ErrNotFound
		}
		return domain.DisputeSession{}, fmt.Errorf("store: get dispute: %w", err)
	}
	s.Initiator = domain.Identity(initiator)
	s.Respondent = domain.Identity(respondent)
	s.State = domain.DisputeState(state)
	s.VotingOpenedAt = openedAt
	s.ConcludedAt = concludedAt
	return s, nil
}

func (r pgDisputes) Update(ctx context.Context, s domain.DisputeSession) error {
	const q = `
UPDATE dispute_sessions
SET initiator_outcome = $2,
    respondent_outcome = $3,
    state = $4,
    final_outcome = $5,
    voting_opened_at = $6,
    concluded_at = $7
WHERE id = $1
`
	tag, err := r.tx.Exec(ctx, q, s.ID, s.InitiatorOutcome, s.RespondentOutcome, int16(s.State), s.FinalOutcome, s.VotingOpenedAt, s.ConcludedAt)
	if err != nil {
		return fmt.Errorf("store: update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r pgDisputes) AddBallot(ctx context.Context, b domain.DisputeBallot) error {
	const q = `
INSERT INTO dispute_ballots (session_id, voter, supports_initiator, weight, cast_at)
VALUES ($1, $2, $3, $4, $5)
`
	if _, err := r.tx.Exec(ctx, q, b.SessionID, string(b.Voter), b.SupportsInitiator, b.Weight, b.CastAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: add dispute ballot: %w", err)
	}
	return nil
}

func (r pgDisputes) Ballots(ctx context.Context, sessionID string) ([]domain.DisputeBallot, error) {
	const q = `
SELECT session_id, voter, supports_initiator, weight, cast_at
FROM dispute_ballots
WHERE session_id = $1
ORDER BY cast_at, voter
`
	rows, err := r.tx.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: list dispute ballots: %w", err)
	}
	defer rows.Close()

	out := []domain.DisputeBallot{}
	for rows.Next() {
		var (
			b     domain.DisputeBallot
			voter string
		)
		if err := rows.Scan(&b.SessionID, &voter, &b.SupportsInitiator, &b.Weight, &b.CastAt); err != nil {
			return nil, fmt.Errorf("store: scan dispute ballot: %w", err)
		}
		b.Voter = domain.Identity(voter)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate dispute ballots: %w", err)
	}
	return out, nil
}

type pgEvents struct{ tx pgx.Tx }

func scanEvents(rows pgx.Rows) ([]domain.Event, error) {
	defer rows.Close()
	out := []domain.Event{}
	for rows.Next() {
		var (
			ev  domain.Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AgreementID, &raw, &ev.Status, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("store: decode event payload: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return out, nil
}

func (r pgEvents) Append(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		return fmt.Errorf("store: event id required")
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal event payload: %w", err)
	}
	const q = `
INSERT INTO outbox (id, topic, agreement_id, payload, created_at)
VALUES ($1::uuid, $2, $3, $4::jsonb, $5)
`
	if _, err := r.tx.Exec(ctx, q, ev.ID, ev.Topic, ev.AgreementID, payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("store: enqueue outbox: %w", err)
	}
	return nil
}

func (r pgEvents) List(ctx context.Context, topic string) ([]domain.Event, error) {
	const q = `
SELECT id::text, topic, agreement_id, payload, status, attempts, created_at
FROM outbox
WHERE $1 = '' OR topic = $1
ORDER BY seq
`
	rows, err := r.tx.Query(ctx, q, topic)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	return scanEvents(rows)
}

func (r pgEvents) Pending(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	const q = `
SELECT id::text, topic, agreement_id, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY seq
FOR UPDATE SKIP LOCKED
LIMIT $1
`
	rows, err := r.tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending events: %w", err)
	}
	return scanEvents(rows)
}

func (r pgEvents) MarkProcessed(ctx context.Context, id string) error {
	tag, err := r.tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1::uuid`, id)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r pgEvents) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	const q = `
UPDATE outbox
SET attempts = attempts + 1,
    last_attempt = now(),
    status = CASE WHEN $2 > 0 AND attempts + 1 >= $2 THEN 'dead' ELSE status END
WHERE id = $1::uuid
`
	tag, err := r.tx.Exec(ctx, q, id, maxAttempts)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
