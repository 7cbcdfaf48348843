package transport

import (
	"fmt"
	"strings"

	"github.com/drwave/drwave/pkg/engine"
)

// Operation names one invocation shape accepted at the boundary.
type Operation string

const (
	OpCreateExecution   Operation = "create_execution"
	OpCreateWave        Operation = "create_wave"
	OpPollExecution     Operation = "poll_execution"
	OpFinalizeExecution Operation = "finalize_execution"
	OpPauseExecution    Operation = "pause_execution"
	OpResumeExecution   Operation = "resume_execution"
	OpCancelExecution   Operation = "cancel_execution"
	OpFailExecution     Operation = "fail_execution"
	OpGetExecution      Operation = "get_execution"
	OpActiveRegions     Operation = "active_regions"
	OpAccountCapacity   Operation = "account_capacity"
	OpCombinedCapacity  Operation = "combined_capacity"
	OpInvalidateRegions Operation = "invalidate_regions"
	OpSweepClaims       Operation = "sweep_claims"
)

// operations maps each operation to a constructor for its request variant.
var operations = map[Operation]func() Request{
	OpCreateExecution:   func() Request { return &CreateExecutionRequest{} },
	OpCreateWave:        func() Request { return &CreateWaveRequest{} },
	OpPollExecution:     func() Request { return &PollExecutionRequest{} },
	OpFinalizeExecution: func() Request { return &FinalizeExecutionRequest{} },
	OpPauseExecution:    func() Request { return &PauseExecutionRequest{} },
	OpResumeExecution:   func() Request { return &ResumeExecutionRequest{} },
	OpCancelExecution:   func() Request { return &CancelExecutionRequest{} },
	OpFailExecution:     func() Request { return &FailExecutionRequest{} },
	OpGetExecution:      func() Request { return &GetExecutionRequest{} },
	OpActiveRegions:     func() Request { return &ActiveRegionsRequest{} },
	OpAccountCapacity:   func() Request { return &AccountCapacityRequest{} },
	OpCombinedCapacity:  func() Request { return &CombinedCapacityRequest{} },
	OpInvalidateRegions: func() Request { return &InvalidateRegionsRequest{} },
	OpSweepClaims:       func() Request { return &SweepClaimsRequest{} },
}

// ParseOperation normalizes name and checks it against the fixed set of
// operations. Names are matched case-insensitively and may use dashes.
func ParseOperation(name string) (Operation, error) {
	op := Operation(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_"))
	if _, ok := operations[op]; !ok {
		return "", engine.NewPermanentError(fmt.Sprintf("unknown operation %q", name), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation(name)
	}
	return op, nil
}

// Operations returns every supported operation in declaration order.
func Operations() []Operation {
	return []Operation{
		OpCreateExecution, OpCreateWave, OpPollExecution, OpFinalizeExecution,
		OpPauseExecution, OpResumeExecution, OpCancelExecution, OpFailExecution,
		OpGetExecution, OpActiveRegions, OpAccountCapacity, OpCombinedCapacity,
		OpInvalidateRegions, OpSweepClaims,
	}
}

// Mutates reports whether the operation changes persisted state.
func (o Operation) Mutates() bool {
	switch o {
	case OpGetExecution, OpActiveRegions, OpAccountCapacity, OpCombinedCapacity:
		return false
	default:
		return true
	}
}
