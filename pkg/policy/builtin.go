package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		callerIdentityPolicy(),
		recoveryConfirmationPolicy(),
		pauseReasonPolicy(),
	}
}

// callerIdentityPolicy rejects anonymous invocations.
func callerIdentityPolicy() Policy {
	return Policy{
		Name:        "caller-identity",
		Description: "Every invocation must carry a caller principal",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"identity"},
		Rego: `package drwave.policies.identity

import rego.v1

deny contains violation if {
	not input.caller_principal
	violation := {"message": "caller principal is required"}
}

deny contains violation if {
	trim_space(input.caller_principal) == ""
	violation := {"message": "caller principal is required"}
}
`,
	}
}

// recoveryConfirmationPolicy requires an explicit confirmation before a real
// (non-drill) recovery is created. Drills are always allowed.
func recoveryConfirmationPolicy() Policy {
	return Policy{
		Name:        "recovery-confirmation",
		Description: "A RECOVERY execution must be created with confirmed=true",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety"},
		Rego: `package drwave.policies.recovery

import rego.v1

deny contains violation if {
	input.operation == "create_execution"
	upper(object.get(input, ["parameters", "kind"], "DRILL")) == "RECOVERY"
	not object.get(input, ["parameters", "confirmed"], false) == true
	violation := {
		"message": sprintf("%s must confirm a RECOVERY execution (set confirmed=true)", [input.caller_principal]),
		"severity": "critical",
	}
}
`,
	}
}

// pauseReasonPolicy warns when an execution is paused without a reason.
func pauseReasonPolicy() Policy {
	return Policy{
		Name:        "pause-reason",
		Description: "Pausing an execution should state a reason",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"audit"},
		Rego: `package drwave.policies.pause

import rego.v1

deny contains violation if {
	input.operation == "pause_execution"
	object.get(input, ["parameters", "reason"], "") == ""
	violation := {"message": "pause_execution called without a reason"}
}
`,
	}
}
