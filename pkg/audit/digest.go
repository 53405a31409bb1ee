package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/kashaf12/mandate/pkg/contracts"
)

// digestFields is the stable identity of a terminal evaluation: who acted,
// what was decided, and what it cost. Volatile fields (entry id, wall-clock
// duration) stay out so two observers of the same evaluation agree.
type digestFields struct {
	AgentID       string              `json:"agentId"`
	MandateID     string              `json:"mandateId"`
	ActionID      string              `json:"actionId"`
	Decision      contracts.Effect    `json:"decision"`
	Code          contracts.BlockCode `json:"code,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	EstimatedCost float64             `json:"estimatedCost"`
	ChargedCost   float64             `json:"chargedCost"`
}

// Digest computes a SHA-256 over the RFC 8785 canonical form of the
// entry's identity fields, so the hash is stable across field order and
// encoder quirks.
func Digest(e *contracts.AuditEntry) (string, error) {
	raw, err := json.Marshal(digestFields{
		AgentID:       e.AgentID,
		MandateID:     e.MandateID,
		ActionID:      e.ActionID,
		Decision:      e.Decision,
		Code:          e.Code,
		Reason:        e.Reason,
		EstimatedCost: e.EstimatedCost,
		ChargedCost:   e.ChargedCost,
	})
	if err != nil {
		return "", fmt.Errorf("audit: encode digest fields: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize digest: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// StampDigest fills the entry's DecisionDigest in place. Entries that
// already carry one are left alone; a digest failure leaves it empty.
func StampDigest(e *contracts.AuditEntry) {
	if e.DecisionDigest != "" {
		return
	}
	if d, err := Digest(e); err == nil {
		e.DecisionDigest = d
	}
}
