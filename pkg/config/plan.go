package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/drwave/drwave/pkg/engine"
)

// PlanLoader reads recovery plans from YAML, JSON or CUE and checks them
// against the plan schema, the struct tags and the wave graph rules.
// A PlanLoader is not safe for concurrent use.
type PlanLoader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewPlanLoader creates a plan loader with the built-in schemas.
func NewPlanLoader() *PlanLoader {
	return &PlanLoader{
		schemas:   NewSchemaRegistry(),
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Schemas returns the registry the loader checks plans against.
func (pl *PlanLoader) Schemas() *SchemaRegistry {
	return pl.schemas
}

// LoadFile reads a plan from a file or, for CUE, a package directory.
//
// Any problem is returned as an INVALID_PLAN engine error whose "errors"
// detail lists every ValidationError found.
func (pl *PlanLoader) LoadFile(path string) (*engine.PlanSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat plan %s: %w", path, err)
	}
	format, err := DetectPlanFormat(path, info.IsDir())
	if err != nil {
		return nil, invalidPlan(path, []ValidationError{{File: path, Message: err.Error(), Severity: "error"}})
	}

	if format == PlanFormatCUE {
		val, verrs := pl.loadCUE(path, info.IsDir())
		if len(verrs) > 0 {
			return nil, invalidPlan(path, verrs)
		}
		return pl.fromCUE(path, val)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	return pl.Load(path, format, content)
}

// Load decodes an in-memory plan. name is only used in error positions.
func (pl *PlanLoader) Load(name string, format PlanFormat, content []byte) (*engine.PlanSpec, error) {
	var plan engine.PlanSpec
	switch format {
	case PlanFormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(&plan); err != nil {
			return nil, invalidPlan(name, []ValidationError{yamlError(name, err)})
		}
	case PlanFormatJSON:
		dec := json.NewDecoder(bytes.NewReader(content))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&plan); err != nil {
			return nil, invalidPlan(name, []ValidationError{{File: name, Message: err.Error(), Severity: "error"}})
		}
	case PlanFormatCUE:
		val := pl.schemas.Context().CompileBytes(content, cue.Filename(name))
		if err := val.Err(); err != nil {
			return nil, invalidPlan(name, convertCUEErrors(err))
		}
		return pl.fromCUE(name, val)
	default:
		return nil, fmt.Errorf("unsupported plan format %q", format)
	}

	normalizePlan(&plan)
	if err := pl.schemas.ValidateAgainstSchema("plan", &plan); err != nil {
		return nil, invalidPlan(name, convertCUEErrors(err))
	}
	return pl.finish(name, &plan)
}

func (pl *PlanLoader) loadCUE(path string, isDir bool) (cue.Value, []ValidationError) {
	if !isDir {
		content, err := os.ReadFile(path)
		if err != nil {
			return cue.Value{}, []ValidationError{{
				File:     path,
				Message:  fmt.Sprintf("failed to read file: %v", err),
				Severity: "error",
			}}
		}
		val := pl.schemas.Context().CompileBytes(content, cue.Filename(path))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(err)
		}
		return val, nil
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(instances) == 0 {
		return cue.Value{}, []ValidationError{{File: path, Message: "no CUE files found", Severity: "error"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, convertCUEErrors(inst.Err)
	}
	val := pl.schemas.Context().BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// fromCUE checks a compiled CUE document. The plan is either the whole
// document or its top-level "plan" field.
func (pl *PlanLoader) fromCUE(name string, val cue.Value) (*engine.PlanSpec, error) {
	if p := val.LookupPath(cue.ParsePath("plan")); p.Exists() {
		val = p
	}

	unified, err := pl.schemas.Check("plan", val)
	if err != nil {
		return nil, invalidPlan(name, convertCUEErrors(err))
	}

	var plan engine.PlanSpec
	if err := unified.Decode(&plan); err != nil {
		return nil, invalidPlan(name, []ValidationError{{
			File:     name,
			Message:  fmt.Sprintf("failed to decode plan: %v", err),
			Severity: "error",
		}})
	}
	normalizePlan(&plan)
	return pl.finish(name, &plan)
}

// finish runs the struct tag checks and the wave graph rules.
func (pl *PlanLoader) finish(name string, plan *engine.PlanSpec) (*engine.PlanSpec, error) {
	if err := pl.validator.Struct(plan); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			verrs := make([]ValidationError, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				verrs = append(verrs, ValidationError{
					File:     name,
					Path:     fe.Namespace(),
					Message:  fmt.Sprintf("failed on the %q rule", fe.Tag()),
					Severity: "error",
				})
			}
			return nil, invalidPlan(name, verrs)
		}
		return nil, fmt.Errorf("failed to validate plan: %w", err)
	}

	if _, err := engine.ValidatePlan(plan); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithDetail("errors", []ValidationError{{File: name, Message: ee.Message, Severity: "error"}})
		}
		return nil, err
	}
	return plan, nil
}

func normalizePlan(plan *engine.PlanSpec) {
	plan.Kind = engine.ExecutionKind(strings.ToUpper(strings.TrimSpace(string(plan.Kind))))
	plan.PlanID = strings.TrimSpace(plan.PlanID)
}

func invalidPlan(name string, verrs []ValidationError) *engine.EngineError {
	msg := "plan is invalid"
	if len(verrs) > 0 {
		msg = verrs[0].String()
		if len(verrs) > 1 {
			msg = fmt.Sprintf("%s (and %d more)", msg, len(verrs)-1)
		}
	}
	return engine.NewInvalidPlanError("%s", msg).WithDetail("errors", verrs).WithDetail("source", name)
}

func yamlError(name string, err error) ValidationError {
	if errors.Is(err, io.EOF) {
		return ValidationError{File: name, Message: "plan is empty", Severity: "error"}
	}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		return ValidationError{File: name, Message: strings.Join(typeErr.Errors, "; "), Severity: "error"}
	}
	return ValidationError{File: name, Message: err.Error(), Severity: "error"}
}

// convertCUEErrors flattens a CUE error into positioned validation errors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message:  cueerrors.Details(e, nil),
			Severity: "error",
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if path := e.Path(); len(path) > 0 {
			ve.Path = strings.Join(path, ".")
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error(), Severity: "error"})
	}
	return out
}
