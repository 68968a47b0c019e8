package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE definitions that composition values are unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

// newSchemaRegistry shares ctx so schema values unify with values built by a parser.
func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	base := ctx.CompileString(builtinSchema, cue.Filename("schema.cue"))
	if err := base.Err(); err != nil {
		panic(fmt.Sprintf("built-in schema does not compile: %v", err))
	}
	for name, def := range builtinDefinitions {
		sr.schemas[name] = base.LookupPath(cue.ParsePath("#" + def))
	}
	return sr
}

// builtinDefinitions maps schema names to definitions in builtinSchema.
var builtinDefinitions = map[string]string{
	"composition": "Composition",
	"resource":    "Resource",
	"endpoint":    "Endpoint",
	"binding":     "Binding",
	"aggregator":  "Aggregator",
	"command":     "Command",
	"cache":       "Cache",
}

// RegisterSchema compiles schema and registers it under name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify applies the named schema to val, filling defaults.
func (sr *SchemaRegistry) Unify(name string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates a Go value against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
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

const builtinSchema = `
#Name: =~"^[A-Za-z][A-Za-z0-9_-]*$"

#Composition: {
	name: #Name

	network?: {
		container_host?: string
	}

	policies?: {
		paths?: [...string]
		watch?: bool
	}

	start?: {
		max_parallel?: int & >=0
		max_retries?:  int & >=0
		timeout?:      string
	}

	resources: {[#Name]: #Resource}
}

#Resource: {
	kind: "container" | "process" | "external_service" | "parameter"

	image?:     string
	container?: string

	depends_on?: [...#Name]
	endpoints?: [...#Endpoint]
	env?: {[string]: string}
	metadata?: {[string]: string}
	bindings?: [...#Binding]
	aggregator?: #Aggregator
	commands?: [...#Command]

	health?: {
		endpoint: *"http" | string
		path:     *"/health" | string
	}

	cache?: #Cache
}

#Port: int & >0 & <65536

#Endpoint: {
	name:         #Name
	scheme:       *"http" | string
	target_port?: #Port
	host?:        string
	port?:        #Port
}

#Binding: {
	name: string & !=""
	inputs?: [...string]
	script: string & !=""
}

#Aggregator: {
	namespace?:       string
	urls_variable?:   string
	target_variable?: string
	container_host?:  string
	targets: [...{
		resource:      #Name
		endpoint:      *"http" | string
		path:          *"/health" | string
		display_name?: string
	}]
}

#Command: {
	name: #Name
	type: "cache_clear" | "cache_ping" | "http" | "composite"

	display_name?:      string
	description?:       string
	confirmation_text?: string
	icon_name?:         string
	enablement?: [...string]

	if type == "http" {
		method:   *"POST" | "GET" | "PUT" | "DELETE"
		endpoint: *"http" | string
		path:     string
	}

	if type == "composite" {
		steps: [#Step, ...#Step]
	}
}

#Step: {
	resource: #Name
	command:  #Name
}

#Cache: {
	address?:  string
	endpoint?: string
	password?: string
	db?:       int & >=0
	tls?:      bool
}
`
