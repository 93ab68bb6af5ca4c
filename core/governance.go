package core

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProposalKind is the closed union of governance proposal types.
type ProposalKind string

const (
	ProposalParameterChange ProposalKind = "ParameterChange"
	ProposalTreasurySpend   ProposalKind = "TreasurySpend"
	ProposalValidatorChange ProposalKind = "ValidatorChange"
	ProposalText            ProposalKind = "Text"
	ProposalEmergency       ProposalKind = "Emergency"
)

// ProposalStatus is the lifecycle state machine position.
type ProposalStatus string

const (
	StatusDepositPeriod    ProposalStatus = "DepositPeriod"
	StatusVotingPeriod     ProposalStatus = "VotingPeriod"
	StatusPassed           ProposalStatus = "Passed"
	StatusRejected         ProposalStatus = "Rejected"
	StatusVetoed           ProposalStatus = "Vetoed"
	StatusExpired          ProposalStatus = "Expired"
	StatusExecuted         ProposalStatus = "Executed"
	StatusExecutionFailed  ProposalStatus = "ExecutionFailed"
)

// Governance tuning parameters (spec.md §4.4).
const (
	DepositPeriodDuration = 3 * 24 * time.Hour
	VotingPeriodDuration  = 7 * 24 * time.Hour
	QuorumThreshold       = 0.334
	VetoThreshold         = 0.334
	PassThreshold         = 0.5
	MaxActiveProposals    = 25
)

// VoteOption is the closed union of ballot choices.
type VoteOption string

const (
	VoteYes        VoteOption = "Yes"
	VoteNo         VoteOption = "No"
	VoteAbstain    VoteOption = "Abstain"
	VoteNoWithVeto VoteOption = "NoWithVeto"
)

// Proposal is a single governance item moving through the lifecycle state
// machine: DepositPeriod -> VotingPeriod -> {Passed, Rejected, Vetoed,
// Expired} -> Executed | ExecutionFailed. Emergency proposals skip straight
// to VotingPeriod, bypassing the deposit period (SPEC_FULL.md Section C.5).
type Proposal struct {
	ID          string            `json:"id"`
	Kind        ProposalKind      `json:"kind"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Changes     map[string]string `json:"changes,omitempty"`
	Proposer    Address           `json:"proposer"`
	Deposit     uint64            `json:"deposit"`
	Status      ProposalStatus    `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	VotingEnds  time.Time         `json:"voting_ends"`
	Votes       map[Address]VoteOption `json:"votes"`
}

// tally summarizes a completed vote.
type tally struct {
	yes, no, abstain, veto float64
	total                  float64
}

// GovernanceManager owns the active proposal set. One instance per node,
// guarded by its own RWMutex; the fixed lock order across subsystems is
// ledger -> staking -> governance -> registry.
type GovernanceManager struct {
	mu        sync.RWMutex
	proposals map[string]*Proposal
	log       *zap.SugaredLogger
}

// NewGovernanceManager constructs an empty governance manager.
func NewGovernanceManager(log *zap.Logger) *GovernanceManager {
	return &GovernanceManager{
		proposals: make(map[string]*Proposal),
		log:       log.Sugar().Named("governance"),
	}
}

func (g *GovernanceManager) activeCount() int {
	n := 0
	for _, p := range g.proposals {
		if p.Status == StatusDepositPeriod || p.Status == StatusVotingPeriod {
			n++
		}
	}
	return n
}

// Submit creates a new proposal. Emergency proposals enter VotingPeriod
// immediately; all others start in DepositPeriod.
func (g *GovernanceManager) Submit(kind ProposalKind, title, description string, changes map[string]string, proposer Address, deposit uint64, now time.Time) (*Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.activeCount() >= MaxActiveProposals {
		return nil, ErrActiveProposalCap
	}
	p := &Proposal{
		ID:          uuid.NewString(),
		Kind:        kind,
		Title:       title,
		Description: description,
		Changes:     changes,
		Proposer:    proposer,
		Deposit:     deposit,
		CreatedAt:   now,
		Votes:       make(map[Address]VoteOption),
	}
	if kind == ProposalEmergency {
		p.Status = StatusVotingPeriod
		p.VotingEnds = now.Add(VotingPeriodDuration)
	} else {
		p.Status = StatusDepositPeriod
	}
	g.proposals[p.ID] = p
	g.log.Infow("proposal submitted", "id", p.ID, "kind", kind)
	return p, nil
}

// AdvanceDeposit moves a DepositPeriod proposal into VotingPeriod once its
// deposit requirement is met; called once per new deposit contribution.
func (g *GovernanceManager) AdvanceDeposit(id string, totalDeposit, minDeposit uint64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return ErrUnknownProposal
	}
	if p.Status != StatusDepositPeriod {
		return nil
	}
	if now.After(p.CreatedAt.Add(DepositPeriodDuration)) {
		p.Status = StatusExpired
		return nil
	}
	if totalDeposit >= minDeposit {
		p.Status = StatusVotingPeriod
		p.VotingEnds = now.Add(VotingPeriodDuration)
	}
	return nil
}

// Vote casts or overwrites voter's ballot on a proposal in VotingPeriod.
func (g *GovernanceManager) Vote(id string, voter Address, option VoteOption, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return ErrUnknownProposal
	}
	if p.Status != StatusVotingPeriod {
		return coded("NOT_VOTING", "proposal is not in its voting period")
	}
	if now.After(p.VotingEnds) {
		return ErrVotingEnded
	}
	p.Votes[voter] = option
	return nil
}

// votingPower looks up each voter's stake-derived weight.
type votingPower func(Address) float64

// Tally closes a proposal whose voting period has ended, computing the
// quorum/veto/pass outcome against total eligible voting power.
func (g *GovernanceManager) Tally(id string, totalVotingPower float64, power votingPower, now time.Time) (ProposalStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return "", ErrUnknownProposal
	}
	if p.Status != StatusVotingPeriod {
		return p.Status, nil
	}
	if now.Before(p.VotingEnds) {
		return p.Status, coded("VOTING_ACTIVE", "voting period has not yet ended")
	}

	t := tally{}
	for voter, opt := range p.Votes {
		w := power(voter)
		t.total += w
		switch opt {
		case VoteYes:
			t.yes += w
		case VoteNo:
			t.no += w
		case VoteAbstain:
			t.abstain += w
		case VoteNoWithVeto:
			t.veto += w
		}
	}

	if totalVotingPower <= 0 || t.total/totalVotingPower < QuorumThreshold {
		p.Status = StatusRejected
		return p.Status, nil
	}
	if t.total > 0 && t.veto/t.total >= VetoThreshold {
		p.Status = StatusVetoed
		return p.Status, nil
	}
	nonAbstain := t.yes + t.no
	if nonAbstain > 0 && t.yes/nonAbstain > PassThreshold {
		p.Status = StatusPassed
	} else {
		p.Status = StatusRejected
	}
	return p.Status, nil
}

// Execute applies a Passed proposal's changes via apply, transitioning it to
// Executed on success or ExecutionFailed otherwise.
func (g *GovernanceManager) Execute(id string, apply func(*Proposal) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.proposals[id]
	if !ok {
		return ErrUnknownProposal
	}
	if p.Status != StatusPassed {
		return coded("NOT_PASSED", "only passed proposals can be executed")
	}
	if err := apply(p); err != nil {
		p.Status = StatusExecutionFailed
		g.log.Warnw("proposal execution failed", "id", id, "error", err)
		return err
	}
	p.Status = StatusExecuted
	return nil
}

// Get returns a copy of the proposal, if present.
func (g *GovernanceManager) Get(id string) (Proposal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.proposals[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// List returns a copy of all proposals.
func (g *GovernanceManager) List() []Proposal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Proposal, 0, len(g.proposals))
	for _, p := range g.proposals {
		out = append(out, *p)
	}
	return out
}

// MarshalSnapshot serializes the full proposal set for status endpoints.
func (g *GovernanceManager) MarshalSnapshot() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return json.Marshal(g.proposals)
}
