package charging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kashaf12/mandate/pkg/charging"
	"github.com/kashaf12/mandate/pkg/contracts"
)

func outcome(executed, execOK, verifyOK bool, estimated float64) contracts.Outcome {
	return contracts.Outcome{
		Executed:            executed,
		ExecutionSuccess:    execOK,
		VerificationSuccess: verifyOK,
		EstimatedCost:       estimated,
	}
}

func TestCharge_AttemptBased(t *testing.T) {
	p := contracts.ChargingPolicy{Kind: contracts.ChargeAttemptBased}

	assert.Equal(t, 0.5, charging.Charge(p, outcome(true, false, false, 0.5)), "failed attempt still charges")
	assert.Equal(t, 0.5, charging.Charge(p, outcome(true, true, true, 0.5)))
	assert.Zero(t, charging.Charge(p, outcome(false, false, false, 0.5)), "never executed, never charged")
}

func TestCharge_AttemptBasedPrefersActualCost(t *testing.T) {
	p := contracts.ChargingPolicy{Kind: contracts.ChargeAttemptBased}

	actual := 0.3
	o := outcome(true, false, false, 0.5)
	o.ActualCost = &actual
	assert.Equal(t, 0.3, charging.Charge(p, o))
}

func TestCharge_SuccessBased(t *testing.T) {
	p := contracts.ChargingPolicy{Kind: contracts.ChargeSuccessBased}

	assert.Equal(t, 0.5, charging.Charge(p, outcome(true, true, true, 0.5)))
	assert.Zero(t, charging.Charge(p, outcome(true, false, false, 0.5)), "failed execution is free")
	assert.Zero(t, charging.Charge(p, outcome(true, true, false, 0.5)), "failed verification is free")
}

func TestCharge_ZeroValuePolicyIsSuccessBased(t *testing.T) {
	var p contracts.ChargingPolicy

	assert.Equal(t, 0.5, charging.Charge(p, outcome(true, true, true, 0.5)))
	assert.Zero(t, charging.Charge(p, outcome(true, false, false, 0.5)))
}

func TestCharge_Tiered(t *testing.T) {
	p := contracts.ChargingPolicy{
		Kind: contracts.ChargeTiered,
		Tiers: &contracts.TieredCosts{
			AttemptCost:      0.1,
			SuccessCost:      0.4,
			VerificationCost: 0.2,
		},
	}

	assert.InDelta(t, 0.7, charging.Charge(p, outcome(true, true, true, 9.9)), 1e-9)
	assert.InDelta(t, 0.5, charging.Charge(p, outcome(true, true, false, 9.9)), 1e-9)
	assert.InDelta(t, 0.1, charging.Charge(p, outcome(true, false, false, 9.9)), 1e-9)
	assert.Zero(t, charging.Charge(p, outcome(false, false, false, 9.9)))
}

func TestCharge_TieredWithoutTiersChargesNothing(t *testing.T) {
	p := contracts.ChargingPolicy{Kind: contracts.ChargeTiered}
	assert.Zero(t, charging.Charge(p, outcome(true, true, true, 1.0)))
}

func TestCharge_Custom(t *testing.T) {
	flatFee := func(o contracts.Outcome) float64 {
		if o.Executed {
			return 0.05
		}
		return 0
	}
	p := contracts.ChargingPolicy{Kind: contracts.ChargeCustom, Custom: flatFee}

	assert.Equal(t, 0.05, charging.Charge(p, outcome(true, false, false, 1.0)))
	assert.Zero(t, charging.Charge(p, outcome(false, false, false, 1.0)))
}

func TestCharge_CustomNegativeClampsToZero(t *testing.T) {
	refund := func(contracts.Outcome) float64 { return -1.0 }
	p := contracts.ChargingPolicy{Kind: contracts.ChargeCustom, Custom: refund}

	assert.Zero(t, charging.Charge(p, outcome(true, true, true, 1.0)))
}

func TestCharge_CustomNilFallsBackToSuccessBased(t *testing.T) {
	p := contracts.ChargingPolicy{Kind: contracts.ChargeCustom}

	assert.Equal(t, 1.0, charging.Charge(p, outcome(true, true, true, 1.0)))
	assert.Zero(t, charging.Charge(p, outcome(true, false, false, 1.0)))
}
