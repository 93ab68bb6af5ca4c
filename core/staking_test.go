package core

import (
	"crypto/ed25519"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStakingManager(t *testing.T) *StakingManager {
	t.Helper()
	return NewStakingManager(zap.NewNop())
}

func testAddr(t *testing.T) Address {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return DeriveAddress(pub)
}

func TestRegisterValidatorBounds(t *testing.T) {
	s := newTestStakingManager(t)
	addr := testAddr(t)

	if err := s.RegisterValidator(addr, MinValidatorStake-1, 0.1, "below minimum"); err != ErrBelowMinStake {
		t.Fatalf("expected ErrBelowMinStake, got %v", err)
	}
	if err := s.RegisterValidator(addr, MinValidatorStake, MaxCommissionRate+0.01, "bad commission"); err != ErrCommissionRange {
		t.Fatalf("expected ErrCommissionRange, got %v", err)
	}
	if err := s.RegisterValidator(addr, MinValidatorStake, 0.1, "ok"); err != nil {
		t.Fatalf("expected valid registration to succeed, got %v", err)
	}
	if err := s.RegisterValidator(addr, MinValidatorStake, 0.1, "dup"); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestRegisterValidatorMaxSetSize(t *testing.T) {
	s := newTestStakingManager(t)
	for i := 0; i < MaxValidators; i++ {
		if err := s.RegisterValidator(testAddr(t), MinValidatorStake, 0.1, "v"); err != nil {
			t.Fatalf("unexpected error registering validator %d: %v", i, err)
		}
	}
	if err := s.RegisterValidator(testAddr(t), MinValidatorStake, 0.1, "overflow"); err != ErrMaxValidators {
		t.Fatalf("expected ErrMaxValidators, got %v", err)
	}
}

func TestDelegateAndUndelegateUnbondingQueue(t *testing.T) {
	s := newTestStakingManager(t)
	validator := testAddr(t)
	delegator := testAddr(t)
	if err := s.RegisterValidator(validator, MinValidatorStake, 0.1, ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.Delegate(validator, delegator, MinDelegation-1); err == nil {
		t.Fatalf("expected below-minimum delegation to fail")
	}
	if err := s.Delegate(validator, delegator, 1000); err != nil {
		t.Fatalf("delegate: %v", err)
	}
	v, ok := s.Validator(validator)
	if !ok || v.DelegatedStake != 1000 {
		t.Fatalf("expected delegated stake 1000, got %+v", v)
	}

	now := time.Now()
	if err := s.Undelegate(validator, delegator, 2000, now); err == nil {
		t.Fatalf("expected undelegate over-balance to fail")
	}
	if err := s.Undelegate(validator, delegator, 400, now); err != nil {
		t.Fatalf("undelegate: %v", err)
	}
	v, _ = s.Validator(validator)
	if v.DelegatedStake != 600 {
		t.Fatalf("expected delegated stake 600 after undelegate, got %d", v.DelegatedStake)
	}

	if matured := s.MaturedUnbondings(now); len(matured) != 0 {
		t.Fatalf("expected no matured unbondings before the unbonding period elapses")
	}
	after := now.Add(UnbondingPeriod + time.Second)
	matured := s.MaturedUnbondings(after)
	if len(matured) != 1 || matured[0].Amount != 400 {
		t.Fatalf("expected one matured unbonding entry of 400, got %+v", matured)
	}
	if matured := s.MaturedUnbondings(after); len(matured) != 0 {
		t.Fatalf("matured unbondings must only be returned once")
	}
}

func TestSlashReducesStakeAndJails(t *testing.T) {
	s := newTestStakingManager(t)
	validator := testAddr(t)
	delegator := testAddr(t)
	if err := s.RegisterValidator(validator, MinValidatorStake, 0.1, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Delegate(validator, delegator, 1000); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	jailUntil := time.Now().Add(time.Hour)
	amount, err := s.Slash(validator, "double-sign", SlashDoubleSignPct, jailUntil)
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if amount == 0 {
		t.Fatalf("expected non-zero slash amount")
	}
	v, _ := s.Validator(validator)
	if !v.Jailed {
		t.Fatalf("validator should be jailed after slashing")
	}
	if v.SelfStake >= MinValidatorStake {
		t.Fatalf("expected self stake to be reduced by slashing, got %d", v.SelfStake)
	}

	if err := s.Unjail(validator, time.Now()); err != ErrJailNotElapsed {
		t.Fatalf("expected ErrJailNotElapsed before jail period elapses, got %v", err)
	}
	if err := s.Unjail(validator, jailUntil.Add(time.Second)); err != nil {
		t.Fatalf("expected unjail to succeed after jail period elapses, got %v", err)
	}
	v, _ = s.Validator(validator)
	if v.Jailed {
		t.Fatalf("validator should no longer be jailed")
	}
}

func TestDistributeRewardAndClaimDelegatorRewards(t *testing.T) {
	s := newTestStakingManager(t)
	validator := testAddr(t)
	delegator := testAddr(t)
	if err := s.RegisterValidator(validator, MinValidatorStake, 0.5, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Delegate(validator, delegator, 1000); err != nil {
		t.Fatalf("delegate: %v", err)
	}

	validatorShare, err := s.DistributeReward(validator, 1000)
	if err != nil {
		t.Fatalf("distribute reward: %v", err)
	}
	if validatorShare != 500 {
		t.Fatalf("expected 50%% commission share of 500, got %d", validatorShare)
	}

	owed, err := s.ClaimDelegatorRewards(validator, delegator)
	if err != nil {
		t.Fatalf("claim rewards: %v", err)
	}
	if owed != 500 {
		t.Fatalf("expected delegator to be owed the remaining 500, got %d", owed)
	}

	owedAgain, err := s.ClaimDelegatorRewards(validator, delegator)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if owedAgain != 0 {
		t.Fatalf("reward debt must reset to zero after claiming, got %d", owedAgain)
	}
}

func TestActiveValidatorsExcludesJailed(t *testing.T) {
	s := newTestStakingManager(t)
	a := testAddr(t)
	b := testAddr(t)
	if err := s.RegisterValidator(a, MinValidatorStake, 0.1, ""); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := s.RegisterValidator(b, MinValidatorStake, 0.1, ""); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := s.Slash(a, "downtime", SlashDowntimePct, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("slash: %v", err)
	}
	active := s.ActiveValidators()
	if len(active) != 1 || active[0].Address != b {
		t.Fatalf("expected only validator b active, got %+v", active)
	}
}
