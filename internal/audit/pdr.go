// Package audit records Process Decision Records for admin state changes.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/store"
)

// Actions recorded by the admin and its scheduler.
const (
	ActionStartTask    = "start_task"
	ActionStopTask     = "stop_task"
	ActionFinishTask   = "finish_task"
	ActionSetFatal     = "set_fatal"
	ActionDispatchTask = "dispatch_task"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailure  = "failure"
)

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store *store.Store
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a state-mutating action.
func (w *PDRWriter) Record(action string, inputs any, outcome, taskKey, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, HashInputs(inputs), outcome, taskKey, details)
}

// HashInputs returns the SHA256 of the JSON encoding of inputs.
func HashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
