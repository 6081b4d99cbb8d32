package admin

import "errors"

// Sentinel errors for admin operations.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTaskNotFound   = errors.New("task not found")
	ErrEmptyPlan      = errors.New("plan has no operations")
)
