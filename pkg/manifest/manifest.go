// Package manifest renders a publish-mode composition as a YAML deployment
// manifest. Environment values that depend on endpoints stay symbolic and are
// resolved by the deployment target.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stackwire/pkg/commands"
	"github.com/openfroyo/stackwire/pkg/engine"
)

// Version is the manifest schema version.
const Version = "stackwire/v1"

// Manifest is the publish artifact of a composition.
type Manifest struct {
	Version     string     `yaml:"version"`
	Name        string     `yaml:"name"`
	GeneratedAt time.Time  `yaml:"generated_at"`
	Resources   []Resource `yaml:"resources"`
}

// Resource is one resource entry.
type Resource struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Image     string            `yaml:"image,omitempty"`
	DependsOn []string          `yaml:"depends_on,omitempty"`
	Endpoints []Endpoint        `yaml:"endpoints,omitempty"`
	Env       []EnvVar          `yaml:"env,omitempty"`
	Metadata  map[string]string `yaml:"metadata,omitempty"`
	Commands  []Command         `yaml:"commands,omitempty"`

	// Unresolved is set when the resource's configuration could not be completed.
	Unresolved string `yaml:"unresolved,omitempty"`
}

// Endpoint is an endpoint declaration without an address.
type Endpoint struct {
	Name       string `yaml:"name"`
	Scheme     string `yaml:"scheme"`
	TargetPort int    `yaml:"target_port,omitempty"`
}

// EnvVar is an environment entry. Expression marks values the deployment
// target must substitute.
type EnvVar struct {
	Name       string `yaml:"name"`
	Value      string `yaml:"value"`
	Expression bool   `yaml:"expression,omitempty"`
}

// Command describes a command attached to a resource.
type Command struct {
	Name             string `yaml:"name"`
	DisplayName      string `yaml:"display_name,omitempty"`
	Description      string `yaml:"description,omitempty"`
	ConfirmationText string `yaml:"confirmation_text,omitempty"`
	IconName         string `yaml:"icon_name,omitempty"`
}

// Option configures Build.
type Option func(*builder)

type builder struct {
	images   map[string]string
	commands *commands.Registry
	report   *engine.RunReport
	now      func() time.Time
}

// WithImages sets container images keyed by resource.
func WithImages(images map[string]string) Option {
	return func(b *builder) { b.images = images }
}

// WithCommands lists the commands registered for each resource.
func WithCommands(r *commands.Registry) Option {
	return func(b *builder) { b.commands = r }
}

// WithReport marks resources that failed in the publish run.
func WithReport(report *engine.RunReport) Option {
	return func(b *builder) { b.report = report }
}

// Build renders g, which must be a publish-mode graph whose run has completed.
func Build(name string, g *engine.Graph, opts ...Option) (*Manifest, error) {
	if !g.Context().IsPublish() {
		return nil, engine.NewPermanentError("manifests are built from publish-mode graphs", nil).
			WithCode(engine.ErrCodeValidation)
	}

	b := &builder{now: time.Now}
	for _, opt := range opts {
		opt(b)
	}

	m := &Manifest{
		Version:     Version,
		Name:        name,
		GeneratedAt: b.now().UTC(),
	}
	for _, res := range g.Resources() {
		m.Resources = append(m.Resources, b.resource(g, res))
	}
	return m, nil
}

func (b *builder) resource(g *engine.Graph, res *engine.Resource) Resource {
	out := Resource{
		Name:  res.Name(),
		Kind:  string(res.Kind()),
		Image: b.images[res.Name()],
	}
	if deps := res.Dependencies(); len(deps) > 0 {
		out.DependsOn = deps
	}

	for _, ep := range res.Endpoints() {
		out.Endpoints = append(out.Endpoints, Endpoint{
			Name:       ep.Name(),
			Scheme:     ep.Scheme(),
			TargetPort: ep.TargetPort(),
		})
	}

	symbolic := make(map[string]bool)
	if bindings, err := g.Binder().Resolve(res, g.Context()); err == nil {
		for _, binding := range bindings {
			symbolic[binding.Name] = binding.Value.Symbolic
		}
	} else {
		out.Unresolved = err.Error()
	}
	for _, env := range res.Environment() {
		out.Env = append(out.Env, EnvVar{Name: env.Name, Value: env.Value, Expression: symbolic[env.Name]})
	}

	if snap, err := g.Snapshot(res.Name()); err == nil && len(snap.Metadata) > 0 {
		out.Metadata = snap.Metadata
	}

	if b.commands != nil {
		for _, info := range b.commands.Commands(res.Name()) {
			out.Commands = append(out.Commands, Command{
				Name:             info.Name,
				DisplayName:      info.DisplayName,
				Description:      info.Description,
				ConfirmationText: info.ConfirmationText,
				IconName:         info.IconName,
			})
		}
	}

	if b.report != nil && out.Unresolved == "" {
		if err := b.report.Failure(res.Name()); err != nil {
			out.Unresolved = err.Error()
		}
	}
	return out
}

// Encode writes m as YAML.
func Encode(w io.Writer, m *Manifest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return enc.Close()
}

// Decode reads a manifest written by Encode.
func Decode(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version != Version {
		return nil, fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	return &m, nil
}

// WriteFile writes m to path, replacing any existing file.
func WriteFile(path string, m *Manifest) error {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
