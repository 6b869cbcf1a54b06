package domain

import "time"

// Status is the lifecycle position of an agreement. The numeric order is part
// of the public record format.
type Status uint8

const (
	StatusDraft Status = iota
	StatusSigned
	StatusInProgress
	StatusDisputed
	StatusCompleted
	StatusVoided
)

func (s Status) String() string {
	switch s {
	case StatusDraft:
		return "draft"
	case StatusSigned:
		return "signed"
	case StatusInProgress:
		return "in_progress"
	case StatusDisputed:
		return "disputed"
	case StatusCompleted:
		return "completed"
	case StatusVoided:
		return "voided"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further lifecycle action is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusVoided
}

// Outcome is the result of verification voting.
type Outcome uint8

const (
	OutcomeUnresolved Outcome = iota
	OutcomePassed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePassed:
		return "passed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// Side is a verifier's choice.
type Side uint8

const (
	SideApprove Side = 1
	SideReject  Side = 2
)

func (s Side) Valid() bool { return s == SideApprove || s == SideReject }

func (s Side) String() string {
	switch s {
	case SideApprove:
		return "approve"
	case SideReject:
		return "reject"
	default:
		return "invalid"
	}
}

// Parties holds both signatories and their signature hashes.
type Parties struct {
	Initiator           Identity
	InitiatorSignature  string
	Respondent          Identity
	RespondentSignature string
	SignedCount         int
}

// Agreement is the canonical record kept by the registry.
type Agreement struct {
	ID                      int64
	Status                  Status
	CreatedAt               time.Time
	VerificationWindowStart time.Time
	CommonType              uint8
	DisputeType             uint8
	Parties                 Parties
	Outcome                 Outcome
	VerifierQuota           int
	ApproveCount            int
	RejectCount             int
	PendingCompletion       bool
	CompletionRequestedBy   Identity
	DisputeRef              string
}

// Involves reports whether id is one of the two parties.
func (a Agreement) Involves(id Identity) bool {
	return id != "" && (id == a.Parties.Initiator || id == a.Parties.Respondent)
}

// Counterpart returns the other party, or "" if id is not involved.
func (a Agreement) Counterpart(id Identity) Identity {
	switch id {
	case a.Parties.Initiator:
		return a.Parties.Respondent
	case a.Parties.Respondent:
		return a.Parties.Initiator
	default:
		return ""
	}
}

// VerificationBallot is one verifier's vote on an agreement.
type VerificationBallot struct {
	AgreementID int64
	Voter       Identity
	Side        Side
	CastAt      time.Time
}
