package config

import (
	"fmt"
	"strings"
	"time"
)

// Resource kinds accepted in a composition file.
const (
	KindContainer       = "container"
	KindProcess         = "process"
	KindExternalService = "external_service"
	KindParameter       = "parameter"
)

// Command types accepted in a composition file.
const (
	CommandCacheClear = "cache_clear"
	CommandCachePing  = "cache_ping"
	CommandHTTP       = "http"
	CommandComposite  = "composite"
)

// Composition is a parsed stackwire.cue file.
type Composition struct {
	// Name is the application name.
	Name string `json:"name" validate:"required,resource_name"`

	// Network describes how containers reach the host.
	Network NetworkConfig `json:"network,omitempty"`

	// Policies configures enablement policies loaded from disk.
	Policies PolicyConfig `json:"policies,omitempty"`

	// Start tunes how resources are started.
	Start StartConfig `json:"start,omitempty"`

	// Resources in declaration order.
	Resources []ResourceConfig `json:"-" validate:"dive"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"-"`

	// ParsedAt is when the composition was parsed.
	ParsedAt time.Time `json:"-"`
}

// Resource returns a resource by name.
func (c *Composition) Resource(name string) (*ResourceConfig, bool) {
	for i := range c.Resources {
		if c.Resources[i].Name == name {
			return &c.Resources[i], true
		}
	}
	return nil, false
}

// NetworkConfig describes the container network view.
type NetworkConfig struct {
	// ContainerHost is the name containers use to reach the host.
	ContainerHost string `json:"container_host,omitempty" validate:"omitempty,hostname_rfc1123"`
}

// PolicyConfig configures policy loading.
type PolicyConfig struct {
	// Paths lists policy files or directories.
	Paths []string `json:"paths,omitempty"`

	// Watch reloads policies when files change.
	Watch bool `json:"watch,omitempty"`
}

// StartConfig tunes how resources are started.
type StartConfig struct {
	MaxParallel int    `json:"max_parallel,omitempty" validate:"gte=0"`
	MaxRetries  int    `json:"max_retries,omitempty" validate:"gte=0"`
	Timeout     string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// TimeoutDuration returns the parsed start timeout, zero when unset.
func (s StartConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(s.Timeout)
	return d
}

// ResourceConfig is one entry of the resources block.
type ResourceConfig struct {
	// Name is the resource name, taken from its key.
	Name string `json:"name" validate:"required,resource_name"`

	// Kind is the resource variant.
	Kind string `json:"kind" validate:"required,oneof=container process external_service parameter"`

	// Image is the container image, informational for container resources.
	Image string `json:"image,omitempty"`

	// Container is the Docker container name or ID to read allocations from.
	Container string `json:"container,omitempty"`

	// DependsOn lists resources that must start first.
	DependsOn []string `json:"depends_on,omitempty"`

	// Endpoints are the network endpoints the resource exposes.
	Endpoints []EndpointConfig `json:"endpoints,omitempty" validate:"dive"`

	// Env holds literal environment values.
	Env map[string]string `json:"env,omitempty"`

	// Metadata is free-form metadata visible to enablement predicates.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Bindings are scripted deferred values.
	Bindings []BindingConfig `json:"bindings,omitempty" validate:"dive"`

	// Aggregator makes the resource a health aggregator.
	Aggregator *AggregatorConfig `json:"aggregator,omitempty"`

	// Commands are attached to the resource.
	Commands []CommandConfig `json:"commands,omitempty" validate:"dive"`

	// Health configures the health probe.
	Health *HealthConfig `json:"health,omitempty"`

	// Cache marks the resource as a valkey-compatible cache.
	Cache *CacheConfig `json:"cache,omitempty"`
}

// Endpoint returns an endpoint by name.
func (r *ResourceConfig) Endpoint(name string) (*EndpointConfig, bool) {
	for i := range r.Endpoints {
		if r.Endpoints[i].Name == name {
			return &r.Endpoints[i], true
		}
	}
	return nil, false
}

// EndpointConfig declares a network endpoint.
type EndpointConfig struct {
	Name       string `json:"name" validate:"required,resource_name"`
	Scheme     string `json:"scheme" validate:"required,lowercase"`
	TargetPort int    `json:"target_port,omitempty" validate:"gte=0,lte=65535"`

	// Host and Port are a static allocation used when no runtime assigns one.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
}

// Static reports whether the endpoint carries a static allocation.
func (e EndpointConfig) Static() bool {
	return e.Port > 0
}

// BindingConfig is an environment value computed by a Starlark script from
// endpoint inputs.
type BindingConfig struct {
	// Name is the environment variable to set.
	Name string `json:"name" validate:"required"`

	// Inputs are "resource.endpoint" references the script may read.
	Inputs []string `json:"inputs,omitempty" validate:"dive,endpoint_ref"`

	// Script must assign a string to the global "value".
	Script string `json:"script" validate:"required"`
}

// AggregatorConfig makes a resource aggregate the health of its targets.
type AggregatorConfig struct {
	Namespace      string         `json:"namespace,omitempty"`
	URLsVariable   string         `json:"urls_variable,omitempty"`
	TargetVariable string         `json:"target_variable,omitempty"`
	ContainerHost  string         `json:"container_host,omitempty"`
	Targets        []TargetConfig `json:"targets" validate:"dive"`
}

// TargetConfig is one monitored target of an aggregator.
type TargetConfig struct {
	Resource    string `json:"resource" validate:"required"`
	Endpoint    string `json:"endpoint" validate:"required"`
	Path        string `json:"path"`
	DisplayName string `json:"display_name,omitempty"`
}

// CommandConfig attaches a command to a resource.
type CommandConfig struct {
	Name             string `json:"name" validate:"required,resource_name"`
	Type             string `json:"type" validate:"required,oneof=cache_clear cache_ping http composite"`
	DisplayName      string `json:"display_name,omitempty"`
	Description      string `json:"description,omitempty"`
	ConfirmationText string `json:"confirmation_text,omitempty"`
	IconName         string `json:"icon_name,omitempty"`

	// Enablement names predicates: "always", "healthy" or policy names.
	// Empty means always enabled.
	Enablement []string `json:"enablement,omitempty"`

	// HTTP commands call Method on Path of Endpoint.
	Method   string `json:"method,omitempty" validate:"omitempty,oneof=GET POST PUT DELETE"`
	Endpoint string `json:"endpoint,omitempty"`
	Path     string `json:"path,omitempty"`

	// Steps of a composite command.
	Steps []StepConfig `json:"steps,omitempty" validate:"dive"`
}

// StepConfig is one step of a composite command.
type StepConfig struct {
	Resource string `json:"resource" validate:"required"`
	Command  string `json:"command" validate:"required"`
}

// HealthConfig configures the HTTP health probe of a resource.
type HealthConfig struct {
	Endpoint string `json:"endpoint" validate:"required"`
	Path     string `json:"path"`
}

// CacheConfig points at a valkey-compatible cache. An empty Address is taken
// from the allocation of Endpoint when the cache is first used.
type CacheConfig struct {
	Address  string `json:"address,omitempty" validate:"omitempty,hostname_port"`
	Endpoint string `json:"endpoint,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	TLS      bool   `json:"tls,omitempty"`
}

// ParseRef splits "resource.endpoint".
func ParseRef(ref string) (resource, endpoint string, err error) {
	i := strings.LastIndex(ref, ".")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("invalid endpoint reference %q, expected resource.endpoint", ref)
	}
	return ref[:i], ref[i+1:], nil
}

// ValidationError is one problem found in a composition file.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value (e.g., "resources.api.endpoints[0]").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String formats the error with its location.
func (v ValidationError) String() string {
	var b strings.Builder
	if v.File != "" {
		b.WriteString(v.File)
		if v.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", v.Line, v.Column)
		}
		b.WriteString(": ")
	}
	if v.Path != "" {
		b.WriteString(v.Path)
		b.WriteString(": ")
	}
	b.WriteString(v.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a composition.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 1 {
		return v[0].String()
	}
	parts := make([]string, 0, len(v))
	for _, e := range v {
		parts = append(parts, e.String())
	}
	return fmt.Sprintf("%d validation errors: %s", len(v), strings.Join(parts, "; "))
}
