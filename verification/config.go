package verification

import "time"

// Window bounds when votes are accepted and when resolution may happen, all
// measured from an agreement's verification window start.
type Window struct {
	MinResolutionDelay time.Duration `json:"min_resolution_delay"`
	MaxResolutionDelay time.Duration `json:"max_resolution_delay"`
	VerificationCutoff time.Duration `json:"verification_cutoff"`
}

// DefaultWindow returns the stock timing.
func DefaultWindow() Window {
	return Window{
		MinResolutionDelay: 12 * time.Hour,
		MaxResolutionDelay: 7 * 24 * time.Hour,
		VerificationCutoff: 3 * 24 * time.Hour,
	}
}

// Validate checks the window invariants.
func (w Window) Validate() error {
	if w.MinResolutionDelay < 0 || w.MinResolutionDelay >= w.MaxResolutionDelay {
		return ErrInvalidRange
	}
	if w.VerificationCutoff <= 0 {
		return ErrInvalidCutoff
	}
	return nil
}

// Economics are the rewards and penalties applied by voting.
type Economics struct {
	VoteReward                int64
	FraudSlashPercent         int64
	FraudReputationPenalty    int
	MinorityTokenPenalty      int64
	MinorityReputationPenalty int
}

// DefaultEconomics returns the stock rewards and penalties.
func DefaultEconomics() Economics {
	return Economics{
		VoteReward:                10,
		FraudSlashPercent:         50,
		FraudReputationPenalty:    2,
		MinorityTokenPenalty:      100,
		MinorityReputationPenalty: 1,
	}
}
