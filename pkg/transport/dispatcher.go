package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/drwave/drwave/pkg/capacity"
	"github.com/drwave/drwave/pkg/claims"
	"github.com/drwave/drwave/pkg/engine"
	"github.com/drwave/drwave/pkg/policy"
	"github.com/drwave/drwave/pkg/stores"
	"github.com/drwave/drwave/pkg/telemetry"
)

// Invocation is the normalized shape of every inbound call.
type Invocation struct {
	Operation       string          `json:"operation"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	CallerPrincipal string          `json:"caller_principal"`
}

// Response is returned for every invocation. Exactly one of Result and Error
// is set.
type Response struct {
	Operation string      `json:"operation"`
	OK        bool        `json:"ok"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorBody  `json:"error,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
}

// ErrorBody is the wire form of a classified error.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Class   string                 `json:"class"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Executions is the engine surface the dispatcher drives.
type Executions interface {
	Create(ctx context.Context, plan *engine.PlanSpec) (*engine.Execution, error)
	CreateWave(ctx context.Context, executionID string, waveNumber int) (*engine.Wave, error)
	Poll(ctx context.Context, executionID string) (*engine.PollResult, error)
	Finalize(ctx context.Context, executionID string) (*engine.Execution, error)
	Pause(ctx context.Context, executionID string, req engine.PauseRequest) (*engine.Execution, error)
	Resume(ctx context.Context, executionID, token string) (*engine.Execution, error)
	Cancel(ctx context.Context, executionID, reason string) (*engine.Execution, error)
	Fail(ctx context.Context, executionID, reason string) (*engine.Execution, error)
	Get(ctx context.Context, executionID string) (*engine.Execution, error)
}

// Capacity is the region/capacity cache surface.
type Capacity interface {
	ActiveRegions(ctx context.Context) []string
	Capacity(ctx context.Context, accountID string) (*capacity.AccountCapacity, error)
	CombinedCapacity(ctx context.Context, accountIDs []string) (*capacity.CombinedCapacity, error)
	Invalidate()
}

// Claims is the conflict detector surface.
type Claims interface {
	Sweep(ctx context.Context) (*claims.SweepResult, error)
}

// Authorizer decides whether an invocation may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, in policy.Input) (*policy.Decision, error)
}

// AuditLog records invocations.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry *stores.AuditEntry) error
}

// Config wires a Dispatcher. Executions is required; the rest are optional,
// and operations whose backend is missing fail with INTERNAL_ERROR.
type Config struct {
	Executions Executions
	Capacity   Capacity
	Claims     Claims
	Authorizer Authorizer
	Audit      AuditLog

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// Dispatcher validates, authorizes and routes invocations. It is the only
// path by which external callers reach the engine.
type Dispatcher struct {
	executions Executions
	capacity   Capacity
	claims     Claims
	authorizer Authorizer
	audit      AuditLog

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Executions == nil {
		return nil, fmt.Errorf("executions backend is required")
	}
	return &Dispatcher{
		executions: cfg.Executions,
		capacity:   cfg.Capacity,
		claims:     cfg.Claims,
		authorizer: cfg.Authorizer,
		audit:      cfg.Audit,
		logger:     cfg.Logger.With().Str("component", "transport").Logger(),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}, nil
}

// Handle runs one invocation and always returns a response; failures are
// reported in Response.Error.
func (d *Dispatcher) Handle(ctx context.Context, inv Invocation) *Response {
	resp := &Response{Operation: inv.Operation}
	result, warnings, err := d.Invoke(ctx, inv)
	resp.Warnings = warnings
	if err != nil {
		resp.Error = errorBody(err)
		return resp
	}
	resp.OK = true
	resp.Result = result
	return resp
}

// Invoke runs one invocation and returns its typed result. Non-blocking
// policy denials come back as warnings.
func (d *Dispatcher) Invoke(ctx context.Context, inv Invocation) (result interface{}, warnings []string, err error) {
	timer := telemetry.NewTimer()
	caller := strings.TrimSpace(inv.CallerPrincipal)

	op, err := ParseOperation(inv.Operation)
	if err != nil {
		d.finish(ctx, inv.Operation, caller, "", err, timer)
		return nil, nil, err
	}

	ctx, span := d.tracer.StartSpan(ctx, "invocation."+string(op),
		telemetry.AttrOperation.String(string(op)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	req, err := decodeRequest(op, inv.Parameters)
	if err != nil {
		d.finish(ctx, string(op), caller, "", err, timer)
		return nil, nil, err
	}
	normalize(req, caller)

	executionID := ""
	if scoped, ok := req.(executionScoped); ok {
		executionID = scoped.executionID()
	}

	if err = validateRequest(req); err != nil {
		d.finish(ctx, string(op), caller, executionID, err, timer)
		return nil, nil, err
	}

	warnings, err = d.authorize(ctx, op, caller, inv.Parameters)
	if err != nil {
		d.finish(ctx, string(op), caller, executionID, err, timer)
		return nil, warnings, err
	}

	result, err = d.dispatch(ctx, req, caller)
	if executionID == "" {
		if exec, ok := result.(*engine.Execution); ok && exec != nil {
			executionID = exec.ID
		}
	}
	d.finish(ctx, string(op), caller, executionID, err, timer)
	return result, warnings, err
}

// authorize evaluates the policy gate. The policy sees the raw parameters.
func (d *Dispatcher) authorize(ctx context.Context, op Operation, caller string, params json.RawMessage) ([]string, error) {
	if d.authorizer == nil {
		return nil, nil
	}

	input := policy.Input{Operation: string(op), CallerPrincipal: caller}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input.Parameters); err != nil {
			return nil, validationError(op, fmt.Sprintf("invalid parameters: %v", err), nil)
		}
	}

	decision, err := d.authorizer.Authorize(ctx, input)
	if err != nil {
		return nil, engine.NewPermanentError("authorization failed", err).
			WithCode(engine.ErrCodeInternal).
			WithOperation(string(op))
	}

	warnings := make([]string, 0, len(decision.Warnings))
	for _, w := range decision.Warnings {
		warnings = append(warnings, w.Message)
	}
	if !decision.Allowed {
		reasons := decision.Reasons()
		return warnings, engine.NewPermanentError(
			fmt.Sprintf("%s denied: %s", op, strings.Join(reasons, "; ")), nil,
		).WithCode(engine.ErrCodeUnauthorized).
			WithOperation(string(op)).
			WithDetail("reasons", reasons)
	}
	if len(warnings) == 0 {
		warnings = nil
	}
	return warnings, nil
}

// dispatch routes a validated request to its backend.
func (d *Dispatcher) dispatch(ctx context.Context, req Request, caller string) (interface{}, error) {
	switch r := req.(type) {
	case *CreateExecutionRequest:
		plan := r.PlanSpec
		return d.executions.Create(ctx, &plan)
	case *CreateWaveRequest:
		return d.executions.CreateWave(ctx, r.ExecutionID, *r.WaveNumber)
	case *PollExecutionRequest:
		return d.executions.Poll(ctx, r.ExecutionID)
	case *FinalizeExecutionRequest:
		return d.executions.Finalize(ctx, r.ExecutionID)
	case *PauseExecutionRequest:
		return d.executions.Pause(ctx, r.ExecutionID, engine.PauseRequest{
			BeforeWave: r.BeforeWave,
			Reason:     r.Reason,
			PausedBy:   caller,
		})
	case *ResumeExecutionRequest:
		return d.executions.Resume(ctx, r.ExecutionID, r.Token)
	case *CancelExecutionRequest:
		return d.executions.Cancel(ctx, r.ExecutionID, r.Reason)
	case *FailExecutionRequest:
		return d.executions.Fail(ctx, r.ExecutionID, r.Reason)
	case *GetExecutionRequest:
		return d.executions.Get(ctx, r.ExecutionID)

	case *ActiveRegionsRequest:
		if d.capacity == nil {
			return nil, unavailable(r)
		}
		return d.capacity.ActiveRegions(ctx), nil
	case *AccountCapacityRequest:
		if d.capacity == nil {
			return nil, unavailable(r)
		}
		return d.capacity.Capacity(ctx, r.AccountID)
	case *CombinedCapacityRequest:
		if d.capacity == nil {
			return nil, unavailable(r)
		}
		return d.capacity.CombinedCapacity(ctx, r.AccountIDs)
	case *InvalidateRegionsRequest:
		if d.capacity == nil {
			return nil, unavailable(r)
		}
		d.capacity.Invalidate()
		return map[string]bool{"invalidated": true}, nil
	case *SweepClaimsRequest:
		if d.claims == nil {
			return nil, unavailable(r)
		}
		return d.claims.Sweep(ctx)
	}
	return nil, engine.NewPermanentError(fmt.Sprintf("no handler for %T", req), nil).WithCode(engine.ErrCodeInternal)
}

func unavailable(req Request) error {
	return engine.NewPermanentError(fmt.Sprintf("%s is not configured on this dispatcher", req.Operation()), nil).
		WithCode(engine.ErrCodeInternal).
		WithOperation(string(req.Operation()))
}

// finish logs, counts and audits one invocation.
func (d *Dispatcher) finish(ctx context.Context, op, caller, executionID string, err error, timer *telemetry.Timer) {
	code := engine.CodeOf(err)
	d.metrics.RecordInvocation(op, code)

	ev := d.logger.Info()
	if err != nil {
		ev = d.logger.Warn().Err(err)
		if code == engine.ErrCodeInternal {
			ev = d.logger.Error().Err(err)
		}
	}
	ev = ev.Str("operation", op).
		Str("caller_principal", caller).
		Dur("duration", timer.Duration())
	if executionID != "" {
		ev = ev.Str("execution_id", executionID)
	}
	if code != "" {
		ev = ev.Str("code", code)
	}
	ev.Msg("invocation handled")

	if d.audit == nil {
		return
	}
	entry := &stores.AuditEntry{
		Operation:       op,
		CallerPrincipal: caller,
		ExecutionID:     executionID,
		Outcome:         "OK",
	}
	if err != nil {
		entry.Outcome = code
		entry.Details = err.Error()
	}
	if aerr := d.audit.AppendAudit(context.WithoutCancel(ctx), entry); aerr != nil {
		d.logger.Warn().Err(aerr).Str("operation", op).Msg("failed to write audit entry")
	}
}

// errorBody converts err to its wire form.
func errorBody(err error) *ErrorBody {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return &ErrorBody{
			Code:    engine.CodeOf(err),
			Class:   string(ee.Class),
			Message: ee.Error(),
			Details: ee.Details,
		}
	}
	return &ErrorBody{
		Code:    engine.CodeOf(err),
		Class:   string(engine.ErrorClassPermanent),
		Message: err.Error(),
	}
}
