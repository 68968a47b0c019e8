package commands

import "github.com/openfroyo/stackwire/pkg/engine"

// Always enables a command unconditionally.
func Always(engine.Snapshot) bool { return true }

// HealthyOnly enables a command while the resource is healthy.
func HealthyOnly(s engine.Snapshot) bool { return s.Health == engine.HealthHealthy }

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(s engine.Snapshot) bool { return !p(s) }
}

// All enables a command when every predicate holds.
func All(preds ...Predicate) Predicate {
	return func(s engine.Snapshot) bool {
		for _, p := range preds {
			if !p(s) {
				return false
			}
		}
		return true
	}
}

// MetadataEquals enables a command when the snapshot carries key=value.
func MetadataEquals(key, value string) Predicate {
	return func(s engine.Snapshot) bool {
		return s.Metadata[key] == value
	}
}
