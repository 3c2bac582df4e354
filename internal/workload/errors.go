package workload

import "errors"

var (
	// ErrBudgetInconsistency means the store ran empty while a pending record
	// still did not fit the budget: the record alone exceeds the limit, or the
	// byte accounting drifted.
	ErrBudgetInconsistency = errors.New("budget inconsistency")

	// ErrPostconditionViolation means the store was not empty after the final
	// drain. It indicates a bug, never an environmental failure.
	ErrPostconditionViolation = errors.New("postcondition violation")
)
