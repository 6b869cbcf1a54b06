package domain

import "time"

// DisputeState is the lifecycle of an arbitration session.
type DisputeState uint8

const (
	DisputeInitiated DisputeState = iota
	DisputeVotingOpen
	DisputeVotingClosed
	DisputeConcluded
	DisputeCancelled
)

func (s DisputeState) String() string {
	switch s {
	case DisputeInitiated:
		return "initiated"
	case DisputeVotingOpen:
		return "voting_open"
	case DisputeVotingClosed:
		return "voting_closed"
	case DisputeConcluded:
		return "concluded"
	case DisputeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// DisputeSession is the arbitration record for one disputed agreement.
type DisputeSession struct {
	ID                string
	AgreementID       int64
	Initiator         Identity
	Respondent        Identity
	Title             string
	Description       string
	InitiatorOutcome  string
	RespondentOutcome string
	State             DisputeState
	FinalOutcome      string
	CreatedAt         time.Time
	VotingOpenedAt    *time.Time
	ConcludedAt       *time.Time
}

// DisputeBallot is one weighted vote in a session.
type DisputeBallot struct {
	SessionID         string
	Voter             Identity
	SupportsInitiator bool
	Weight            int
	CastAt            time.Time
}
