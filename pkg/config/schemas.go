package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds named CUE schemas. Each schema is a CUE source whose
// top-level definition (for example #Plan) constrains a document.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]registeredSchema
	mu      sync.RWMutex
}

type registeredSchema struct {
	source     cue.Value
	definition string
}

// NewSchemaRegistry creates a registry with the built-in plan schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]registeredSchema),
	}
	if err := sr.RegisterSchema("plan", "#Plan", builtinPlanSchema); err != nil {
		panic(fmt.Sprintf("built-in plan schema: %v", err))
	}
	if err := sr.RegisterSchema("wave", "#Wave", builtinPlanSchema); err != nil {
		panic(fmt.Sprintf("built-in wave schema: %v", err))
	}
	return sr
}

// RegisterSchema compiles schema and registers definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def := val.LookupPath(cue.ParsePath(definition)); !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = registeredSchema{source: val, definition: definition}
	return nil
}

// GetSchema returns the definition value registered under name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	if !ok {
		return cue.Value{}, false
	}
	return s.source.LookupPath(cue.ParsePath(s.definition)), true
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check unifies val with the named schema and requires a concrete result.
// The returned value is the unified document.
func (sr *SchemaRegistry) Check(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema encodes a Go value and checks it against the named
// schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	_, err := sr.Check(schemaName, dataVal)
	return err
}

// Context returns the CUE context the registry compiles with. Values checked
// against the registry must be built in this context.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

const builtinPlanSchema = `
// Recovery plan accepted by drwave.
#Plan: {
	plan_id:   string & !=""
	plan_name: string & !=""
	kind:      string & =~"^(?i)(drill|recovery)$"

	// Account that owns the source servers; the orchestrator's own when absent.
	account_id?: string & =~"^[0-9]{12}$"
	region?:     string & =~"^[a-z]{2}(-[a-z]+)+-[0-9]+$"

	initiated_by?: string

	waves: [#Wave, ...#Wave]
}

#Wave: {
	number:     int & >=0
	name?:      string
	server_ids: [#ServerID, ...#ServerID]

	pause_before?: bool
	depends_on?: [...int & >=0]
}

#ServerID: string & =~"^s-[0-9a-f]{17}$"
`
