package auction

import (
	"encoding/json"
	"errors"
	"fmt"
)

const invalidString = "invalid"

// ID is the type used for auction identity.
type ID string

// BidderID is an opaque participant identity. Auction owners are
// identified the same way.
type BidderID string

// DefaultRandomnessDelay is the number of ticks that must elapse after
// the ending period closes before randomness may be consumed.
const DefaultRandomnessDelay uint64 = 2

var (
	// ErrAuctionNotFound indicates the requested auction was not found.
	ErrAuctionNotFound = errors.New("auction not found")

	// ErrNotInBiddingPhase indicates a bid arrived before the opening
	// period started or after the ending period closed.
	ErrNotInBiddingPhase = errors.New("auction is not in a bidding phase")

	// ErrZeroAmount indicates a bid with a zero amount.
	ErrZeroAmount = errors.New("bid amount must be greater than zero")

	// ErrOverflow indicates a bid that would overflow the bidder's balance.
	ErrOverflow = errors.New("bid overflows bidder balance")

	// ErrRandomnessNotReady indicates finalization was requested before the
	// randomness safety delay elapsed.
	ErrRandomnessNotReady = errors.New("randomness is not ready")

	// ErrAlreadyFinalized indicates the auction winner was already resolved.
	ErrAlreadyFinalized = errors.New("auction is already finalized")

	// ErrNotFinalized indicates a payout was requested before the winner
	// was resolved.
	ErrNotFinalized = errors.New("auction is not finalized")

	// ErrAlreadyClaimed indicates the caller already settled their payout.
	ErrAlreadyClaimed = errors.New("payout already claimed")

	// ErrInvalidConfig indicates a new auction was misconfigured.
	ErrInvalidConfig = errors.New("invalid auction configuration")

	// ErrStartTickInPast indicates a new auction would have started already.
	ErrStartTickInPast = errors.New("start tick is not in the future")
)

// Phase is the lifecycle phase of an auction. It is derived from the
// current tick and the winner-resolution flag, never stored.
type Phase int

const (
	// PhaseNotStarted indicates the opening period hasn't started.
	PhaseNotStarted Phase = iota
	// PhaseOpening indicates bids are accepted with no risk of being
	// the randomly chosen closing sample.
	PhaseOpening
	// PhaseEnding indicates bids are accepted and every tick is a
	// candidate closing sample.
	PhaseEnding
	// PhaseFinalizing indicates bidding is over but the winner hasn't
	// been resolved.
	PhaseFinalizing
	// PhaseEnded indicates the winner was resolved.
	PhaseEnded
)

// String returns a string-encoded phase.
func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not-started"
	case PhaseOpening:
		return "opening"
	case PhaseEnding:
		return "ending"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseEnded:
		return "ended"
	default:
		return invalidString
	}
}

// Subject is the kind of prize an auction settles.
type Subject int

const (
	// SubjectUnspecified is an invalid subject. Defined for safety.
	SubjectUnspecified Subject = iota
	// SubjectAssetCollection transfers an item of an asset collection.
	SubjectAssetCollection
	// SubjectNamedDomain transfers ownership of a registered name.
	SubjectNamedDomain
)

// String returns a string-encoded subject.
func (s Subject) String() string {
	switch s {
	case SubjectUnspecified:
		return "unspecified"
	case SubjectAssetCollection:
		return "asset-collection"
	case SubjectNamedDomain:
		return "named-domain"
	default:
		return invalidString
	}
}

// SubjectByString finds a subject by its string form.
func SubjectByString(s string) (Subject, error) {
	switch s {
	case SubjectAssetCollection.String():
		return SubjectAssetCollection, nil
	case SubjectNamedDomain.String():
		return SubjectNamedDomain, nil
	default:
		return SubjectUnspecified, fmt.Errorf("unknown subject %q", s)
	}
}

// MarshalJSON encodes the subject as its string form.
func (s Subject) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a string-encoded subject.
func (s *Subject) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	subject, err := SubjectByString(str)
	if err != nil {
		return err
	}
	*s = subject
	return nil
}

// Config describes an auction. It is immutable after creation.
type Config struct {
	// StartTick is the first tick of the opening period.
	StartTick uint64 `json:"start_tick"`
	// OpeningDuration is the length of the opening period in ticks.
	OpeningDuration uint64 `json:"opening_duration"`
	// EndingDuration is the length of the ending period in ticks. Every
	// tick of the ending period is one candle sample.
	EndingDuration uint64 `json:"ending_duration"`
	// RandomnessDelay is the number of ticks after the ending period
	// closes before randomness may be consumed.
	RandomnessDelay uint64 `json:"randomness_delay"`
	// Subject is the kind of prize being auctioned.
	Subject Subject `json:"subject"`
	// Owner receives the winning amount at settlement.
	Owner BidderID `json:"owner"`
	// DomainName is the auctioned name. Required iff Subject is
	// SubjectNamedDomain.
	DomainName string `json:"domain_name,omitempty"`
	// RewardRef locates the asset for the reward delegate, e.g., a
	// collection address or registrar handle.
	RewardRef string `json:"reward_ref"`
}

// Validate ensures the configuration is a valid auction description.
func (c Config) Validate() error {
	if c.OpeningDuration == 0 {
		return errors.New("opening duration must be greater than zero")
	}
	if c.EndingDuration == 0 {
		return errors.New("ending duration must be greater than zero")
	}
	if c.RandomnessDelay == 0 {
		return errors.New("randomness delay must be greater than zero")
	}
	if c.Owner == "" {
		return errors.New("owner is empty")
	}
	if c.RewardRef == "" {
		return errors.New("reward ref is empty")
	}
	switch c.Subject {
	case SubjectAssetCollection:
		if c.DomainName != "" {
			return fmt.Errorf("domain name set for subject %s", c.Subject)
		}
	case SubjectNamedDomain:
		if c.DomainName == "" {
			return errors.New("domain name is empty")
		}
	default:
		return fmt.Errorf("subject %d is reserved", c.Subject)
	}
	return nil
}

// EndingStart returns the tick of the first candle sample.
func (c Config) EndingStart() uint64 {
	return c.StartTick + c.OpeningDuration
}

// EndingLast returns the tick of the last candle sample.
func (c Config) EndingLast() uint64 {
	return c.EndingStart() + c.EndingDuration - 1
}

// Samples returns the number of candle samples in the ending period.
func (c Config) Samples() uint64 {
	return c.EndingDuration
}

// PhaseAt derives the auction phase at tick now. resolved reports whether
// the winner record was set.
func (c Config) PhaseAt(now uint64, resolved bool) Phase {
	switch {
	case now < c.StartTick:
		return PhaseNotStarted
	case now < c.EndingStart():
		return PhaseOpening
	case now <= c.EndingLast():
		return PhaseEnding
	case !resolved:
		return PhaseFinalizing
	default:
		return PhaseEnded
	}
}

// SampleAt returns the candle sample index for tick now. It is only
// meaningful while PhaseAt reports PhaseEnding.
func (c Config) SampleAt(now uint64) uint64 {
	return now - c.EndingStart()
}
