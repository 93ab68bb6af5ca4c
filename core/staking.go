package core

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Staking parameter defaults (spec.md §4.3). Reputation and entropy inputs
// to SelectionWeight are supplied by its caller; this file owns validator
// registration, delegation, unbonding and slashing state only.
const (
	MinValidatorStake  = 10_000
	MinDelegation      = 100
	UnbondingPeriod    = 7 * 24 * time.Hour
	MaxValidators      = 100
	SlashDoubleSignPct = 0.05
	SlashDowntimePct   = 0.01
	MinCommissionRate  = 0.0
	MaxCommissionRate  = 0.25
)

// Validator is a registered block-sealing candidate.
type Validator struct {
	Address        Address `json:"address"`
	Description    string  `json:"description"`
	SelfStake      uint64  `json:"self_stake"`
	DelegatedStake uint64  `json:"delegated_stake"`
	CommissionRate float64 `json:"commission_rate"`
	Jailed         bool    `json:"jailed"`
	JailedUntil    time.Time `json:"jailed_until,omitempty"`
}

// Delegation records a delegator's stake to a validator.
type Delegation struct {
	Delegator Address `json:"delegator"`
	Validator Address `json:"validator"`
	Amount    uint64  `json:"amount"`
	// RewardDebt accumulates the rewards DistributeReward owes this
	// delegation; ClaimDelegatorRewards pays it out and resets it to zero.
	RewardDebt uint64 `json:"reward_debt"`
}

// UnbondingEntry is a pending stake release.
type UnbondingEntry struct {
	Delegator    Address   `json:"delegator"`
	Validator    Address   `json:"validator"`
	Amount       uint64    `json:"amount"`
	CompletionAt time.Time `json:"completion_at"`
}

// SlashEvent records a punitive stake reduction.
type SlashEvent struct {
	Validator Address   `json:"validator"`
	Reason    string    `json:"reason"`
	Amount    uint64    `json:"amount"`
	At        time.Time `json:"at"`
}

// StakingManager owns the validator set, delegations, unbonding queue and
// slash history. One instance per node, guarded by its own RWMutex; callers
// that also touch the ledger must acquire the ledger lock first to respect
// the fixed ledger->staking->governance->registry ordering.
type StakingManager struct {
	mu sync.RWMutex

	validators  map[Address]*Validator
	delegations map[Address]map[Address]*Delegation // validator -> delegator -> delegation
	unbonding   []UnbondingEntry
	slashes     []SlashEvent

	log *zap.SugaredLogger
}

// NewStakingManager constructs an empty staking manager.
func NewStakingManager(log *zap.Logger) *StakingManager {
	return &StakingManager{
		validators:  make(map[Address]*Validator),
		delegations: make(map[Address]map[Address]*Delegation),
		log:         log.Sugar().Named("staking"),
	}
}

// RegisterValidator admits addr as a validator if selfStake meets the
// minimum, the set has room, and commission is within range.
func (s *StakingManager) RegisterValidator(addr Address, selfStake uint64, commission float64, description string) error {
	if selfStake < MinValidatorStake {
		return ErrBelowMinStake
	}
	if commission < MinCommissionRate || commission > MaxCommissionRate {
		return ErrCommissionRange
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.validators[addr]; exists {
		return coded("ALREADY_VALIDATOR", "address already registered as validator")
	}
	if len(s.validators) >= MaxValidators {
		return ErrMaxValidators
	}
	s.validators[addr] = &Validator{
		Address:        addr,
		Description:    description,
		SelfStake:      selfStake,
		CommissionRate: commission,
	}
	s.delegations[addr] = make(map[Address]*Delegation)
	s.log.Infow("validator registered", "address", addr.String(), "self_stake", selfStake)
	return nil
}

// Delegate adds amount of stake from delegator to validator.
func (s *StakingManager) Delegate(validator, delegator Address, amount uint64) error {
	if amount < MinDelegation {
		return coded("BELOW_MIN_DELEGATION", "delegation below minimum")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return ErrUnknownValidator
	}
	d, ok := s.delegations[validator][delegator]
	if !ok {
		d = &Delegation{Delegator: delegator, Validator: validator}
		s.delegations[validator][delegator] = d
	}
	d.Amount += amount
	v.DelegatedStake += amount
	return nil
}

// Undelegate queues amount for release from validator after UnbondingPeriod.
func (s *StakingManager) Undelegate(validator, delegator Address, amount uint64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return ErrUnknownValidator
	}
	d, ok := s.delegations[validator][delegator]
	if !ok || d.Amount < amount {
		return coded("INSUFFICIENT_DELEGATION", "undelegate amount exceeds delegated balance")
	}
	d.Amount -= amount
	v.DelegatedStake -= amount
	s.unbonding = append(s.unbonding, UnbondingEntry{
		Delegator:    delegator,
		Validator:    validator,
		Amount:       amount,
		CompletionAt: now.Add(UnbondingPeriod),
	})
	return nil
}

// MaturedUnbondings returns and removes entries whose completion time has
// passed as of now; the caller credits each delegator's ledger balance.
func (s *StakingManager) MaturedUnbondings(now time.Time) []UnbondingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matured, remaining []UnbondingEntry
	for _, e := range s.unbonding {
		if !now.Before(e.CompletionAt) {
			matured = append(matured, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	s.unbonding = remaining
	return matured
}

// Slash reduces validator's self and delegated stake proportionally by pct
// and jails it until jailedUntil. double-sign and downtime are the two
// spec-defined reasons, at SlashDoubleSignPct and SlashDowntimePct.
func (s *StakingManager) Slash(validator Address, reason string, pct float64, jailedUntil time.Time) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return 0, ErrUnknownValidator
	}
	selfCut := uint64(float64(v.SelfStake) * pct)
	delegatedCut := uint64(float64(v.DelegatedStake) * pct)
	v.SelfStake -= selfCut
	v.DelegatedStake -= delegatedCut
	v.Jailed = true
	v.JailedUntil = jailedUntil

	for _, d := range s.delegations[validator] {
		if v.DelegatedStake+delegatedCut == 0 {
			continue
		}
		share := float64(d.Amount) / float64(v.DelegatedStake+delegatedCut)
		d.Amount -= uint64(share * float64(delegatedCut))
	}

	total := selfCut + delegatedCut
	s.slashes = append(s.slashes, SlashEvent{Validator: validator, Reason: reason, Amount: total, At: time.Now()})
	s.log.Warnw("validator slashed", "address", validator.String(), "reason", reason, "amount", total)
	return total, nil
}

// Unjail releases validator from jail once its jail period has elapsed.
func (s *StakingManager) Unjail(validator Address, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return ErrUnknownValidator
	}
	if !v.Jailed {
		return nil
	}
	if now.Before(v.JailedUntil) {
		return ErrJailNotElapsed
	}
	v.Jailed = false
	return nil
}

// DistributeReward splits reward between validator (by commission) and its
// delegators (pro-rata by delegated amount), crediting each delegation's
// RewardDebt so ClaimDelegatorRewards can later pay it out.
func (s *StakingManager) DistributeReward(validator Address, reward uint64) (validatorShare uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validators[validator]
	if !ok {
		return 0, ErrUnknownValidator
	}
	commission := uint64(math.Round(float64(reward) * v.CommissionRate))
	remainder := reward - commission
	validatorShare = commission

	if v.DelegatedStake == 0 {
		return validatorShare + remainder, nil
	}
	for _, d := range s.delegations[validator] {
		share := float64(d.Amount) / float64(v.DelegatedStake)
		d.RewardDebt += uint64(share * float64(remainder))
	}
	return validatorShare, nil
}

// ClaimDelegatorRewards pays out and resets the accumulated RewardDebt for a
// delegator's position with validator. Resolves spec.md's Open Question on
// delegator reward claims as an explicit operation rather than automatic
// same-block crediting, matching how the teacher's DAOStaking exposes
// explicit Stake/Unstake rather than implicit accrual.
func (s *StakingManager) ClaimDelegatorRewards(validator, delegator Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delMap, ok := s.delegations[validator]
	if !ok {
		return 0, ErrUnknownValidator
	}
	d, ok := delMap[delegator]
	if !ok {
		return 0, coded("NO_DELEGATION", "no delegation found for delegator at validator")
	}
	owed := d.RewardDebt
	d.RewardDebt = 0
	return owed, nil
}

// Validator returns a copy of the validator record, if registered.
func (s *StakingManager) Validator(addr Address) (Validator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validators[addr]
	if !ok {
		return Validator{}, false
	}
	return *v, true
}

// ActiveValidators returns all non-jailed validators.
func (s *StakingManager) ActiveValidators() []Validator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Validator, 0, len(s.validators))
	for _, v := range s.validators {
		if !v.Jailed {
			out = append(out, *v)
		}
	}
	return out
}

// MarshalSnapshot serializes the full staking state, used for debug/status
// endpoints and persistence snapshots.
func (s *StakingManager) MarshalSnapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type snapshot struct {
		Validators  map[Address]*Validator            `json:"validators"`
		Delegations map[Address]map[Address]*Delegation `json:"delegations"`
		Unbonding   []UnbondingEntry                  `json:"unbonding"`
		Slashes     []SlashEvent                       `json:"slashes"`
	}
	return json.Marshal(&snapshot{
		Validators:  s.validators,
		Delegations: s.delegations,
		Unbonding:   s.unbonding,
		Slashes:     s.slashes,
	})
}
