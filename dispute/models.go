package dispute

import (
	"time"

	"covenant/domain"
)

// FileParams opens an arbitration session on an in-progress agreement. The
// caller filing it becomes the initiator; the other party responds.
type FileParams struct {
	AgreementID int64  `json:"agreement_id"`
	DisputeType uint8  `json:"dispute_type"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Tier classifies a voter by reputation.
type Tier uint8

const (
	TierUntrusted Tier = iota
	TierNeutral
	TierTrusted
)

func (t Tier) String() string {
	switch t {
	case TierNeutral:
		return "neutral"
	case TierTrusted:
		return "trusted"
	default:
		return "untrusted"
	}
}

// Tiers maps reputation onto voting rights. Scores below NeutralFrom may not
// vote; neutral voters stake exactly NeutralStake; trusted voters stake
// anything in [TrustedMinStake, TrustedMaxStake].
type Tiers struct {
	NeutralFrom     int `yaml:"neutral_from" json:"neutral_from"`
	TrustedFrom     int `yaml:"trusted_from" json:"trusted_from"`
	NeutralStake    int `yaml:"neutral_stake" json:"neutral_stake"`
	TrustedMinStake int `yaml:"trusted_min_stake" json:"trusted_min_stake"`
	TrustedMaxStake int `yaml:"trusted_max_stake" json:"trusted_max_stake"`
}

// DefaultTiers returns the standard thresholds.
func DefaultTiers() Tiers {
	return Tiers{
		NeutralFrom:     150,
		TrustedFrom:     300,
		NeutralStake:    5,
		TrustedMinStake: 5,
		TrustedMaxStake: 8,
	}
}

// Classify returns the tier for score.
func (t Tiers) Classify(score int) Tier {
	switch {
	case score >= t.TrustedFrom:
		return TierTrusted
	case score >= t.NeutralFrom:
		return TierNeutral
	default:
		return TierUntrusted
	}
}

// StakeAllowed reports whether a voter of tier may stake weight.
func (t Tiers) StakeAllowed(tier Tier, weight int) bool {
	switch tier {
	case TierNeutral:
		return weight == t.NeutralStake
	case TierTrusted:
		return weight >= t.TrustedMinStake && weight <= t.TrustedMaxStake
	default:
		return false
	}
}

func (t Tiers) validate() error {
	if t.NeutralFrom < 0 || t.TrustedFrom < t.NeutralFrom {
		return ErrInvalidTiers
	}
	if t.NeutralStake <= 0 || t.TrustedMinStake <= 0 || t.TrustedMaxStake < t.TrustedMinStake {
		return ErrInvalidTiers
	}
	return nil
}

// Settings holds the session economics.
type Settings struct {
	// LoserPenalty is the reputation the losing party gives up.
	LoserPenalty int `yaml:"loser_penalty" json:"loser_penalty"`
	// VotingPeriod is how long voting stays open before anyone may close it.
	VotingPeriod time.Duration `yaml:"voting_period" json:"voting_period"`
}

// DefaultSettings returns the standard economics.
func DefaultSettings() Settings {
	return Settings{LoserPenalty: 50, VotingPeriod: 72 * time.Hour}
}

// Tally is the weighted result of a closed vote.
type Tally struct {
	ForInitiator  int `json:"for_initiator"`
	ForRespondent int `json:"for_respondent"`
	Ballots       int `json:"ballots"`
}

// Winner returns the prevailing party. The initiator needs strictly more
// weight; ties go to the respondent.
func (t Tally) Winner(s domain.DisputeSession) domain.Identity {
	if t.ForInitiator > t.ForRespondent {
		return s.Initiator
	}
	return s.Respondent
}

func tally(ballots []domain.DisputeBallot) Tally {
	var t Tally
	for _, b := range ballots {
		if b.SupportsInitiator {
			t.ForInitiator += b.Weight
		} else {
			t.ForRespondent += b.Weight
		}
		t.Ballots++
	}
	return t
}
