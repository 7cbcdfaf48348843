// Package policy gates invocations with Open Policy Agent (OPA) Rego policies.
//
// Every invocation that reaches the transport layer is turned into an Input
// document and evaluated against each enabled policy before it is dispatched.
// A policy is a Rego module defining a `deny` set in its own package; each
// element is either a string or an object with "message" and optional
// "severity" keys:
//
//	package drwave.policies.windows
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.operation == "create_execution"
//	    input.parameters.kind == "RECOVERY"
//	    time.weekday(time.now_ns()) == "Sunday"
//	    violation := {"message": "no recoveries on Sunday", "severity": "critical"}
//	}
//
// Denials with severity error or critical reject the invocation; warning and
// info denials are returned on the Decision without blocking. A policy that
// fails to evaluate rejects the invocation.
//
// # Built-in Policies
//
//  1. caller-identity - the caller principal must be non-empty
//  2. recovery-confirmation - a RECOVERY execution requires confirmed=true
//  3. pause-reason - warns when pause_execution carries no reason
//
// Built-ins can be disabled but not replaced.
//
// # Loading
//
// Custom policies are read from .rego or .json files, or from directories
// holding them. A .rego file's leading comment block becomes the description,
// and may set metadata:
//
//	# Recoveries need a change ticket.
//	# severity: critical
//	# tags: change, safety
//	package drwave.policies.ticket
//
// Engine.Watch reloads the whole custom set when any policy file changes.
// A reload that fails to compile leaves the previous set in place.
package policy
