package policy

import (
	"time"

	"github.com/openfroyo/stackwire/pkg/engine"
)

// Policy is a Rego module that can deny commands. The module denies by
// adding messages to its deny set; an empty set allows.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the module came from. Built-ins leave it empty.
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is bound to `input` during evaluation.
type Input struct {
	Resource  engine.Snapshot `json:"resource"`
	Timestamp time.Time       `json:"timestamp"`
}

// Reason is a single deny message and the policy that produced it.
type Reason struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// Decision is the combined result of every evaluated policy. Allowed is
// false as soon as one of them denies.
type Decision struct {
	Allowed  bool          `json:"allowed"`
	Reasons  []Reason      `json:"reasons,omitempty"`
	Policies []string      `json:"policies"`
	Duration time.Duration `json:"duration"`
}
