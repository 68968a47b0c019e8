package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// DefaultFile is the composition file looked up when none is given.
const DefaultFile = "stackwire.cue"

// Parser parses and validates composition files.
type Parser struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
	starlark  *StarlarkEvaluator
}

// NewParser creates a new composition parser.
func NewParser() *Parser {
	ctx := cuecontext.New()
	return &Parser{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: newValidator(),
		starlark:  NewStarlarkEvaluator(0),
	}
}

// Schemas returns the schema registry.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Parse reads CUE files or package directories, unifies them with the
// composition schema and validates the result. Problems are reported together
// as ValidationErrors.
func (p *Parser) Parse(ctx context.Context, sources []string) (*Composition, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var (
		value cue.Value
		files []string
		errs  ValidationErrors
	)
	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		if info.IsDir() {
			var loaded []string
			val, loaded, err = p.loadDirectory(source)
			files = append(files, loaded...)
		} else {
			val, err = p.loadFile(source)
			files = append(files, source)
		}
		if err != nil {
			errs = append(errs, convertCUEErrors(err)...)
			continue
		}
		if value.Exists() {
			value = value.Unify(val)
		} else {
			value = val
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	return p.build(ctx, value, files)
}

// ParseInline parses composition source held in memory.
func (p *Parser) ParseInline(ctx context.Context, content string) (*Composition, error) {
	val := p.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return p.build(ctx, val, []string{"inline"})
}

func (p *Parser) loadDirectory(dir string) (cue.Value, []string, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return cue.Value{}, nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, inst.Err
	}

	val := p.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, err
	}

	files := make([]string, 0, len(inst.Files))
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (p *Parser) loadFile(path string) (cue.Value, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, fmt.Errorf("failed to read file: %w", err)
	}

	val := p.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, err
	}
	return val, nil
}

func (p *Parser) build(ctx context.Context, val cue.Value, files []string) (*Composition, error) {
	unified, err := p.schemas.Unify("composition", val)
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	comp := &Composition{SourceFiles: files, ParsedAt: time.Now()}
	if err := unified.Decode(comp); err != nil {
		return nil, ValidationErrors{{Message: fmt.Sprintf("failed to decode composition: %v", err)}}
	}

	var errs ValidationErrors
	iter, err := unified.LookupPath(cue.ParsePath("resources")).Fields()
	if err != nil {
		return nil, ValidationErrors{{Path: "resources", Message: err.Error()}}
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		var rc ResourceConfig
		if err := iter.Value().Decode(&rc); err != nil {
			errs = append(errs, ValidationError{
				Path:    "resources." + name,
				Message: fmt.Sprintf("failed to decode resource: %v", err),
			})
			continue
		}
		rc.Name = name
		comp.Resources = append(comp.Resources, rc)
	}

	errs = append(errs, p.validateStruct(comp)...)
	errs = append(errs, checkReferences(comp)...)
	errs = append(errs, p.checkScripts(ctx, comp)...)
	if len(errs) > 0 {
		return nil, errs
	}
	return comp, nil
}

func (p *Parser) checkScripts(ctx context.Context, comp *Composition) ValidationErrors {
	var errs ValidationErrors
	for _, rc := range comp.Resources {
		for i, b := range rc.Bindings {
			if err := p.starlark.Check(b.Script); err != nil {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("resources.%s.bindings[%d]", rc.Name, i),
					Message: err.Error(),
				})
			}
		}
	}
	return errs
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{Message: errors.Details(e, nil)}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}
