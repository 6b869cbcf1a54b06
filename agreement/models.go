package agreement

import "covenant/domain"

// RegisterParams describes a new agreement between two parties.
type RegisterParams struct {
	Ref         string
	CommonType  uint8
	DisputeType uint8
	Initiator   domain.Identity
	Respondent  domain.Identity
}

// Settings holds the economic constants of the registry.
type Settings struct {
	// RegistrationFee is drawn from each party into escrow on registration.
	RegistrationFee int64
	// VerifierQuota is the number of verifiers an agreement expects.
	VerifierQuota int
	// CompletionReward is the reputation each party earns on completion.
	CompletionReward int
}

// DefaultSettings returns the stock registry constants.
func DefaultSettings() Settings {
	return Settings{
		RegistrationFee:  20,
		VerifierQuota:    8,
		CompletionReward: 1,
	}
}

const (
	TopicCreated           = "agreement.created"
	TopicSigned            = "agreement.signed"
	TopicProceeded         = "agreement.proceeded"
	TopicPendingCompletion = "agreement.pending_completion"
	TopicCompleted         = "agreement.completed"
	TopicVoided            = "agreement.voided"
	TopicDisputeFiled      = "agreement.dispute_filed"
	TopicRecorded          = "agreement.recorded"
	TopicWalletRedirected  = "agreement.wallet_redirected"
	TopicAccessGranted     = "agreement.access_granted"
	TopicVerificationVote  = "agreement.verification_vote"
	TopicVerificationSet   = "agreement.verification_applied"
)
