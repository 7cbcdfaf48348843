package policy

import (
	"time"
)

// Severity represents the severity level of a denial.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is recorded but does not block the invocation.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the invocation.
	SeverityError Severity = "error"

	// SeverityCritical blocks the invocation.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a denial of this severity rejects the invocation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a named Rego module. Each policy must define a `deny` set in its
// package; every element of the set is one denial.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for denials that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Input is the document a policy sees as `input`.
type Input struct {
	// Operation is the normalized operation name, e.g. "create_execution".
	Operation string `json:"operation"`

	// CallerPrincipal identifies the caller.
	CallerPrincipal string `json:"caller_principal"`

	// Parameters holds the raw invocation parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Timestamp is when the invocation was received.
	Timestamp time.Time `json:"timestamp"`
}

// Denial is one element of a policy's deny set.
type Denial struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating every enabled policy against one
// invocation.
type Decision struct {
	// Allowed is false when any denial blocks.
	Allowed bool `json:"allowed"`

	// Denials lists blocking denials.
	Denials []Denial `json:"denials,omitempty"`

	// Warnings lists non-blocking denials and evaluation failures.
	Warnings []Denial `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the policies that ran, sorted by name.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking denials.
func (d *Decision) Reasons() []string {
	reasons := make([]string, 0, len(d.Denials))
	for _, den := range d.Denials {
		reasons = append(reasons, den.Message)
	}
	return reasons
}
