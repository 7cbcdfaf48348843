package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/drwave/drwave/pkg/engine"
)

// requestValidate is shared by every Dispatcher; validator caches struct
// metadata per instance.
var requestValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("awsaccount", validateAccountID)
	return v
}

// validateAccountID accepts 12-digit AWS account ids.
func validateAccountID(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if len(s) != 12 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// decodeRequest builds the request variant for op from raw JSON parameters.
// Unknown fields are rejected.
func decodeRequest(op Operation, params json.RawMessage) (Request, error) {
	req := operations[op]()
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return req, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, validationError(op, fmt.Sprintf("invalid parameters: %v", err), nil)
	}
	if dec.More() {
		return nil, validationError(op, "invalid parameters: trailing data", nil)
	}
	return req, nil
}

// normalize applies defaults that depend on the caller before validation.
func normalize(req Request, caller string) {
	switch r := req.(type) {
	case *CreateExecutionRequest:
		r.Kind = engine.ExecutionKind(strings.ToUpper(string(r.Kind)))
		if r.InitiatedBy == "" {
			r.InitiatedBy = caller
		}
	}
}

// validateRequest checks struct tags and returns a VALIDATION_ERROR listing
// every failing field.
func validateRequest(req Request) error {
	err := requestValidate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return validationError(req.Operation(), err.Error(), nil)
	}

	fields := make(map[string]string, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		path := fieldPath(fe.Namespace())
		rule := fe.Tag()
		if fe.Param() != "" {
			rule = fmt.Sprintf("%s=%s", rule, fe.Param())
		}
		fields[path] = rule
		msgs = append(msgs, fmt.Sprintf("%s failed %s", path, rule))
	}
	return validationError(req.Operation(), strings.Join(msgs, "; "), fields)
}

// fieldPath strips the struct name and embedded struct segments from a
// validator namespace, e.g. "CreateExecutionRequest.PlanSpec.waves[0].server_ids"
// becomes "waves[0].server_ids".
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	out := parts[:0]
	for i, p := range parts {
		if i == 0 || p == "PlanSpec" || p == "ExecutionRef" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func validationError(op Operation, message string, fields map[string]string) *engine.EngineError {
	e := engine.NewPermanentError(message, nil).
		WithCode(engine.ErrCodeValidation).
		WithOperation(string(op))
	if len(fields) > 0 {
		e = e.WithDetail("fields", fields)
	}
	return e
}
