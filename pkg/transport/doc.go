// Package transport is the invocation boundary in front of the engine.
//
// Every inbound call, whether from the CLI or a Lambda event, is an
// Invocation of {operation, parameters, caller_principal}. The Dispatcher
// maps the operation name onto a closed set of typed Request variants,
// decodes the parameters strictly, validates them with go-playground
// validator, asks the policy gate, and only then calls the engine, the
// capacity cache or the conflict detector. Every invocation is logged,
// counted and appended to the audit log with its outcome code.
//
// Failures never escape as panics or untyped errors: unknown operations and
// bad parameters are VALIDATION_ERROR, policy denials are UNAUTHORIZED, and
// engine errors keep their own code.
package transport
