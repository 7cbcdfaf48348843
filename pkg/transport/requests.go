package transport

import (
	"github.com/drwave/drwave/pkg/engine"
)

// Request is the typed parameter set of one operation. The set of
// implementations is closed; Dispatcher switches over them exhaustively.
type Request interface {
	Operation() Operation
	isRequest()
}

// executionScoped is implemented by requests that target one execution.
type executionScoped interface {
	executionID() string
}

// ExecutionRef identifies the execution an operation targets.
type ExecutionRef struct {
	ExecutionID string `json:"execution_id" validate:"required"`
}

func (r ExecutionRef) executionID() string { return r.ExecutionID }

// CreateExecutionRequest carries a plan inline. A RECOVERY plan must also set
// Confirmed. InitiatedBy defaults to the caller principal.
type CreateExecutionRequest struct {
	engine.PlanSpec
	Confirmed bool `json:"confirmed,omitempty"`
}

type CreateWaveRequest struct {
	ExecutionRef
	WaveNumber *int `json:"wave_number" validate:"required,gte=0"`
}

type PollExecutionRequest struct {
	ExecutionRef
}

type FinalizeExecutionRequest struct {
	ExecutionRef
}

type PauseExecutionRequest struct {
	ExecutionRef
	BeforeWave *int  `json:"before_wave,omitempty" validate:"omitempty,gte=0"`
	Reason     string `json:"reason,omitempty" validate:"max=1024"`
}

type ResumeExecutionRequest struct {
	ExecutionRef
	Token string `json:"token" validate:"required"`
}

type CancelExecutionRequest struct {
	ExecutionRef
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

type FailExecutionRequest struct {
	ExecutionRef
	Reason string `json:"reason" validate:"required,max=1024"`
}

type GetExecutionRequest struct {
	ExecutionRef
}

type ActiveRegionsRequest struct{}

type AccountCapacityRequest struct {
	AccountID string `json:"account_id" validate:"required,awsaccount"`
}

type CombinedCapacityRequest struct {
	AccountIDs []string `json:"account_ids" validate:"required,min=1,max=50,unique,dive,awsaccount"`
}

type InvalidateRegionsRequest struct{}

type SweepClaimsRequest struct{}

func (*CreateExecutionRequest) Operation() Operation   { return OpCreateExecution }
func (*CreateWaveRequest) Operation() Operation        { return OpCreateWave }
func (*PollExecutionRequest) Operation() Operation     { return OpPollExecution }
func (*FinalizeExecutionRequest) Operation() Operation { return OpFinalizeExecution }
func (*PauseExecutionRequest) Operation() Operation    { return OpPauseExecution }
func (*ResumeExecutionRequest) Operation() Operation   { return OpResumeExecution }
func (*CancelExecutionRequest) Operation() Operation   { return OpCancelExecution }
func (*FailExecutionRequest) Operation() Operation     { return OpFailExecution }
func (*GetExecutionRequest) Operation() Operation      { return OpGetExecution }
func (*ActiveRegionsRequest) Operation() Operation     { return OpActiveRegions }
func (*AccountCapacityRequest) Operation() Operation   { return OpAccountCapacity }
func (*CombinedCapacityRequest) Operation() Operation  { return OpCombinedCapacity }
func (*InvalidateRegionsRequest) Operation() Operation { return OpInvalidateRegions }
func (*SweepClaimsRequest) Operation() Operation       { return OpSweepClaims }

func (*CreateExecutionRequest) isRequest()   {}
func (*CreateWaveRequest) isRequest()        {}
func (*PollExecutionRequest) isRequest()     {}
func (*FinalizeExecutionRequest) isRequest() {}
func (*PauseExecutionRequest) isRequest()    {}
func (*ResumeExecutionRequest) isRequest()   {}
func (*CancelExecutionRequest) isRequest()   {}
func (*FailExecutionRequest) isRequest()     {}
func (*GetExecutionRequest) isRequest()      {}
func (*ActiveRegionsRequest) isRequest()     {}
func (*AccountCapacityRequest) isRequest()   {}
func (*CombinedCapacityRequest) isRequest()  {}
func (*InvalidateRegionsRequest) isRequest() {}
func (*SweepClaimsRequest) isRequest()       {}
