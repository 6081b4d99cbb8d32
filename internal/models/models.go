// Package models defines the core domain types for mergeplane.
package models

import (
	"fmt"
	"strings"
)

// OperationID identifies an operation within one plan.
type OperationID int64

// DefaultEstimateMemory is used when an operation declares no memory estimate.
const DefaultEstimateMemory int64 = 1

// OperationDescription describes one index-transformation operation of a plan.
type OperationDescription struct {
	ID             OperationID       `json:"id"`
	Type           string            `json:"type"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Depends        []OperationID     `json:"depends,omitempty"`
	EstimateMemory int64             `json:"estimate_memory"`
	UseFenceDir    bool              `json:"use_fence_dir"`
}

// NewOperationDescription returns a description with the default memory estimate.
func NewOperationDescription(id OperationID, opType string) OperationDescription {
	return OperationDescription{
		ID:             id,
		Type:           opType,
		Parameters:     map[string]string{},
		EstimateMemory: DefaultEstimateMemory,
	}
}

// Param returns a parameter value, or def when it is absent.
func (d OperationDescription) Param(key, def string) string {
	if v, ok := d.Parameters[key]; ok {
		return v
	}
	return def
}

// Memory returns the memory estimate, never less than one unit.
func (d OperationDescription) Memory() int64 {
	if d.EstimateMemory < 1 {
		return DefaultEstimateMemory
	}
	return d.EstimateMemory
}

func (d OperationDescription) String() string {
	deps := make([]string, len(d.Depends))
	for i, dep := range d.Depends {
		deps[i] = fmt.Sprint(int64(dep))
	}
	return fmt.Sprintf("op[%d:%s deps=%s]", d.ID, d.Type, strings.Join(deps, ","))
}

// Plan is a DAG of operations describing one merge execution.
type Plan struct {
	TaskType     string                 `json:"task_type"`
	TaskName     string                 `json:"task_name"`
	Operations   []OperationDescription `json:"operations"`
	EndOperation *OperationDescription  `json:"end_operation,omitempty"`
}

// OperationCount returns the number of operations including the end operation.
func (p *Plan) OperationCount() int {
	if p == nil {
		return 0
	}
	n := len(p.Operations)
	if p.EndOperation != nil {
		n++
	}
	return n
}

// AddOperation appends an operation to the plan.
func (p *Plan) AddOperation(op OperationDescription) {
	p.Operations = append(p.Operations, op)
}

// SetEndOperation sets the terminal operation.
func (p *Plan) SetEndOperation(op OperationDescription) {
	p.EndOperation = &op
}
