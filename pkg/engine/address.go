package engine

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultContainerHost is the host name containers use to reach the host network.
const DefaultContainerHost = "host.docker.internal"

// NetworkView describes where a consuming resource runs.
// An empty ContainerHost means the consumer shares the targets' network namespace.
type NetworkView struct {
	ContainerHost string `json:"container_host,omitempty"`
}

// Value is the rendered result of a deferred binding.
type Value struct {
	// Text is a literal address or a symbolic expression.
	Text string `json:"text"`

	// Symbolic is true when Text must be resolved at deployment time.
	Symbolic bool `json:"symbolic,omitempty"`
}

// String returns the value text.
func (v Value) String() string {
	return v.Text
}

// Literal builds a literal value.
func Literal(text string) Value {
	return Value{Text: text}
}

// Expression builds a symbolic value.
func Expression(text string) Value {
	return Value{Text: text, Symbolic: true}
}

// JoinValues concatenates values with sep. The result is symbolic if any part is.
func JoinValues(values []Value, sep string) Value {
	parts := make([]string, 0, len(values))
	symbolic := false
	for _, v := range values {
		parts = append(parts, v.Text)
		symbolic = symbolic || v.Symbolic
	}
	return Value{Text: strings.Join(parts, sep), Symbolic: symbolic}
}

// ResolvedEndpoint is the view of an endpoint handed to an evaluator.
// Allocation is nil in publish mode.
type ResolvedEndpoint struct {
	Ref        EndpointRef `json:"ref"`
	Scheme     string      `json:"scheme"`
	Allocation *Allocation `json:"allocation,omitempty"`
}

// URL renders the endpoint plus path for the execution context.
// Interactive mode yields the direct URL and, when the consumer's container host
// differs from the advertised host, a second container-reachable URL.
// Publish mode yields a single expression.
func (r ResolvedEndpoint) URL(path string, ec ExecutionContext, view NetworkView) ([]Value, error) {
	path = normalizePath(path)

	if ec.IsPublish() {
		return []Value{Expression(PublishExpression(r.Ref, "url") + path)}, nil
	}

	if r.Allocation == nil {
		return nil, &UnresolvedEndpointError{Ref: r.Ref}
	}

	direct := formatURL(r.Scheme, r.Allocation.Host, r.Allocation.Port, path)
	values := []Value{Literal(direct)}

	if view.ContainerHost != "" && !strings.EqualFold(view.ContainerHost, r.Allocation.Host) {
		values = append(values, Literal(formatURL(r.Scheme, view.ContainerHost, r.Allocation.Port, path)))
	}
	return values, nil
}

// PublishExpression returns the deployment-time reference for an endpoint property.
func PublishExpression(ref EndpointRef, property string) string {
	return fmt.Sprintf("{%s.bindings.%s.%s}", ref.Resource, ref.Endpoint, property)
}

func formatURL(scheme, host string, port int, path string) string {
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)), path)
}

func normalizePath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}
