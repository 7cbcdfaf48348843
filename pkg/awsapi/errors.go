package awsapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/drwave/drwave/pkg/engine"
)

// Upstream API names, used in spans, metrics and error messages.
const (
	APIRecovery = "drs"
	APICompute  = "ec2"
	APIIdentity = "sts"
)

// throttlingCodes are error codes AWS services use for rate limiting.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"RequestLimitExceeded":                   true,
	"ProvisionedThroughputExceededException": true,
	"SlowDown":                               true,
}

// fatalCodes are errors retrying will not fix.
var fatalCodes = map[string]bool{
	"AccessDenied":                  true,
	"AccessDeniedException":         true,
	"UnauthorizedOperation":         true,
	"UnrecognizedClientException":   true,
	"InvalidClientTokenId":          true,
	"ValidationException":           true,
	"ResourceNotFoundException":     true,
	"ConflictException":             true,
	"ServiceQuotaExceededException": true,
}

// uninitializedCode is returned by the recovery service before the account
// has been initialized in a region.
const uninitializedCode = "UninitializedAccountException"

// Classify converts an AWS SDK error into a classified engine error. Errors
// that are already classified are returned unchanged.
func Classify(api, operation string, err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	msg := fmt.Sprintf("%s %s failed", api, operation)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeUpstreamTransient).
			WithOperation(operation)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Network failures and other errors without an API code.
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeUpstreamTransient).
			WithOperation(operation)
	}

	code := apiErr.ErrorCode()
	switch {
	case code == uninitializedCode:
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeNotInitialized).
			WithOperation(operation).
			WithDetail("aws_code", code)
	case throttlingCodes[code]:
		return engine.NewThrottledError(msg, err).
			WithCode(engine.ErrCodeUpstreamTransient).
			WithOperation(operation).
			WithDetail("aws_code", code)
	case fatalCodes[code] || apiErr.ErrorFault() == smithy.FaultClient:
		return engine.NewPermanentError(msg, err).
			WithCode(engine.ErrCodeUpstreamFatal).
			WithOperation(operation).
			WithDetail("aws_code", code)
	default:
		return engine.NewTransientError(msg, err).
			WithCode(engine.ErrCodeUpstreamTransient).
			WithOperation(operation).
			WithDetail("aws_code", code)
	}
}

// errorCode returns the AWS error code of err, or "".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
