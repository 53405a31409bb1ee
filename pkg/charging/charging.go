// Package charging maps execution outcomes to chargeable cost.
package charging

import "github.com/kashaf12/mandate/pkg/contracts"

// Charge computes the cost to commit for an outcome under a policy. It is a
// pure function; the executor calls it after execution and verification and
// commits only non-zero charges.
//
// Negative results from a custom function clamp to zero: a charging policy
// can waive cost but never refund it.
func Charge(policy contracts.ChargingPolicy, o contracts.Outcome) float64 {
	switch policy.Kind {
	case contracts.ChargeAttemptBased:
		if o.Executed {
			return o.Cost()
		}
		return 0

	case contracts.ChargeTiered:
		if policy.Tiers == nil {
			return 0
		}
		var total float64
		if o.Executed {
			total += policy.Tiers.AttemptCost
		}
		if o.ExecutionSuccess {
			total += policy.Tiers.SuccessCost
		}
		if o.VerificationSuccess {
			total += policy.Tiers.VerificationCost
		}
		return total

	case contracts.ChargeCustom:
		if policy.Custom == nil {
			return successBased(o)
		}
		if c := policy.Custom(o); c > 0 {
			return c
		}
		return 0

	default:
		// ChargeSuccessBased and the zero value.
		return successBased(o)
	}
}

func successBased(o contracts.Outcome) float64 {
	if o.ExecutionSuccess && o.VerificationSuccess {
		return o.Cost()
	}
	return 0
}
