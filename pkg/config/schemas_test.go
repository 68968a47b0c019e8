package config

import (
	"context"
	"testing"

	"cuelang.org/go/cue"
)

func TestSchemaRegistry_Builtins(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"aggregator", "binding", "cache", "command", "composition", "endpoint", "resource"}
	got := sr.ListSchemas()
	if len(got) != len(want) {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListSchemas()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	for _, name := range want {
		schema, ok := sr.GetSchema(name)
		if !ok || !schema.Exists() {
			t.Errorf("schema %s missing", name)
		}
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		schema  string
		data    interface{}
		wantErr bool
	}{
		{"valid endpoint", "endpoint", map[string]interface{}{"name": "http", "port": 8080}, false},
		{"port out of range", "endpoint", map[string]interface{}{"name": "http", "port": 70000}, true},
		{"unknown field", "endpoint", map[string]interface{}{"name": "http", "proto": "tcp"}, true},
		{"valid cache", "cache", map[string]interface{}{"address": "localhost:6379", "db": 1}, false},
		{"negative db", "cache", map[string]interface{}{"db": -1}, true},
		{"unknown command type", "command", map[string]interface{}{"name": "x", "type": "shell"}, true},
		{"composite without steps", "command", map[string]interface{}{"name": "x", "type": "composite"}, true},
		{"unknown schema", "missing", map[string]interface{}{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, tt.schema, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_UnifyFillsDefaults(t *testing.T) {
	sr := NewSchemaRegistry()
	val := sr.ctx.CompileString(`name: "http"`)

	unified, err := sr.Unify("endpoint", val)
	if err != nil {
		t.Fatalf("Unify() error = %v", err)
	}
	scheme, err := unified.LookupPath(cue.ParsePath("scheme")).String()
	if err != nil || scheme != "http" {
		t.Errorf("scheme = %q, %v, want http", scheme, err)
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("label", `=~"^[a-z]+$"`); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "label", "web"); err != nil {
		t.Errorf("valid label rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "label", "Web"); err == nil {
		t.Error("invalid label accepted")
	}

	if err := sr.RegisterSchema("broken", `{`); err == nil {
		t.Error("expected a compile error")
	}
}
