// Package contracts defines the types shared across the kernel: the Mandate
// authority envelope, the Action record, the Decision an admission check
// produces, per-agent accounting state, charging policies, and audit
// entries.
//
// These types carry no behavior beyond construction and small pure helpers.
// Enforcement lives in the policy engine; mutation lives in the state
// manager. A Mandate is immutable once issued and is a hard limit, not a
// suggestion: nothing in this package or its consumers relaxes a ceiling at
// runtime.
package contracts
