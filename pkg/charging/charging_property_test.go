//go:build property
// +build property

// Package charging_test contains property-based tests for charge arithmetic:
// non-negativity, success gating, attempt dominance, and tiered milestone sums.
package charging_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kashaf12/mandate/pkg/charging"
	"github.com/kashaf12/mandate/pkg/contracts"
)

// TestChargeNeverNegative verifies no policy can refund.
// Property: Charge(policy, outcome) >= 0 for every policy kind, including
// custom functions that return negative values.
func TestChargeNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("no policy ever charges negative", prop.ForAll(
		func(kindIdx int, executed, execOK, verifyOK bool, est, custom float64) bool {
			o := outcome(executed, execOK, verifyOK, est)
			var p contracts.ChargingPolicy
			switch kindIdx {
			case 0:
				p.Kind = contracts.ChargeAttemptBased
			case 1:
				p.Kind = contracts.ChargeSuccessBased
			case 2:
				p.Kind = contracts.ChargeTiered
				p.Tiers = &contracts.TieredCosts{AttemptCost: 0.1, SuccessCost: 0.3, VerificationCost: 0.2}
			case 3:
				p.Kind = contracts.ChargeCustom
				p.Custom = func(contracts.Outcome) float64 { return custom }
			}
			return charging.Charge(p, o) >= 0
		},
		gen.IntRange(0, 3),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 5),
		gen.Float64Range(-5, 5),
	))

	properties.TestingRun(t)
}

// TestSuccessGatesCharge verifies the default policy charges only on full
// success. Property: charge == Cost() when execution and verification both
// passed, zero otherwise.
func TestSuccessGatesCharge(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("success-based charges exactly on full success", prop.ForAll(
		func(executed, execOK, verifyOK bool, est float64, hasActual bool, actual float64) bool {
			o := outcome(executed, execOK, verifyOK, est)
			if hasActual {
				o.ActualCost = &actual
			}
			got := charging.Charge(contracts.ChargingPolicy{}, o)
			if execOK && verifyOK {
				return got == o.Cost()
			}
			return got == 0
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 5),
		gen.Bool(),
		gen.Float64Range(0, 5),
	))

	properties.TestingRun(t)
}

// TestAttemptDominatesSuccess compares the two simple policies on coherent
// outcomes. Property: attempt-based never charges less than success-based;
// they agree exactly when the action fully succeeded or never ran.
func TestAttemptDominatesSuccess(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("attempt-based charge dominates success-based", prop.ForAll(
		func(executed, rawExecOK, rawVerifyOK bool, est float64) bool {
			execOK := executed && rawExecOK
			verifyOK := execOK && rawVerifyOK
			o := outcome(executed, execOK, verifyOK, est)

			attempt := charging.Charge(contracts.ChargingPolicy{Kind: contracts.ChargeAttemptBased}, o)
			success := charging.Charge(contracts.ChargingPolicy{Kind: contracts.ChargeSuccessBased}, o)

			if attempt < success {
				return false
			}
			if verifyOK || !executed {
				return attempt == success
			}
			return success == 0
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 5),
	))

	properties.TestingRun(t)
}

// TestTieredSumsMilestones verifies tiered charging is additive.
// Property: charge == sum of the tier amounts for each milestone reached.
func TestTieredSumsMilestones(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("tiered charge is the sum of reached milestones", prop.ForAll(
		func(executed, rawExecOK, rawVerifyOK bool, attemptCost, successCost, verifyCost float64) bool {
			execOK := executed && rawExecOK
			verifyOK := execOK && rawVerifyOK
			p := contracts.ChargingPolicy{
				Kind: contracts.ChargeTiered,
				Tiers: &contracts.TieredCosts{
					AttemptCost:      attemptCost,
					SuccessCost:      successCost,
					VerificationCost: verifyCost,
				},
			}

			var want float64
			if executed {
				want += attemptCost
			}
			if execOK {
				want += successCost
			}
			if verifyOK {
				want += verifyCost
			}
			return charging.Charge(p, outcome(executed, execOK, verifyOK, 1.0)) == want
		},
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
		gen.Float64Range(0, 3),
		gen.Float64Range(0, 3),
		gen.Float64Range(0, 3),
	))

	properties.TestingRun(t)
}

// TestCustomNeverRefunds verifies the clamp on custom functions.
// Property: a custom result v charges v when positive and zero otherwise.
func TestCustomNeverRefunds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("custom charges clamp at zero", prop.ForAll(
		func(v float64, executed bool) bool {
			p := contracts.ChargingPolicy{
				Kind:   contracts.ChargeCustom,
				Custom: func(contracts.Outcome) float64 { return v },
			}
			got := charging.Charge(p, outcome(executed, executed, executed, 1.0))
			if v > 0 {
				return got == v
			}
			return got == 0
		},
		gen.Float64Range(-5, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
