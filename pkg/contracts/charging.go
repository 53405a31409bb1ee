package contracts

// ChargingPolicyKind tags the charging policy variants.
type ChargingPolicyKind string

const (
	// ChargeAttemptBased charges whenever execution was attempted,
	// regardless of outcome.
	ChargeAttemptBased ChargingPolicyKind = "ATTEMPT_BASED"
	// ChargeSuccessBased charges only when execution and verification both
	// succeeded. This is the default.
	ChargeSuccessBased ChargingPolicyKind = "SUCCESS_BASED"
	// ChargeTiered charges fixed amounts per milestone reached.
	ChargeTiered ChargingPolicyKind = "TIERED"
	// ChargeCustom delegates to a caller-supplied pure function.
	ChargeCustom ChargingPolicyKind = "CUSTOM"
)

// TieredCosts are the per-milestone amounts for ChargeTiered: AttemptCost
// when execution was attempted, SuccessCost when it succeeded, and
// VerificationCost when verification passed.
type TieredCosts struct {
	AttemptCost      float64 `json:"attemptCost"`
	SuccessCost      float64 `json:"successCost"`
	VerificationCost float64 `json:"verificationCost,omitempty"`
}

// Outcome is what the executor knows about an action after running it.
// ActualCost is authoritative when the result reported one; EstimatedCost
// is the provisional figure from admission.
type Outcome struct {
	Executed            bool
	ExecutionSuccess    bool
	VerificationSuccess bool
	EstimatedCost       float64
	ActualCost          *float64
}

// Cost returns the authoritative cost of the outcome: actual when
// reported, estimated otherwise.
func (o Outcome) Cost() float64 {
	if o.ActualCost != nil {
		return *o.ActualCost
	}
	return o.EstimatedCost
}

// CustomChargeFunc maps an outcome to a charge. It must be pure: same
// outcome, same charge.
type CustomChargeFunc func(Outcome) float64

// CostReporter lets an execution result report the authoritative cost of
// the call. When a result implements it and returns ok, the reported value
// supersedes the admission estimate for charging. Results that are plain
// maps can report the same thing through an "actual_cost" number.
type CostReporter interface {
	ActualCost() (cost float64, ok bool)
}

// ChargingPolicy decides what an action costs given how it turned out. The
// zero value behaves as ChargeSuccessBased.
type ChargingPolicy struct {
	Kind   ChargingPolicyKind `json:"kind"`
	Tiers  *TieredCosts       `json:"tiers,omitempty"`
	Custom CustomChargeFunc   `json:"-"`
}
