package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParser_ParseFile(t *testing.T) {
	parser := NewParser()
	comp, err := parser.Parse(context.Background(), []string{filepath.Join("testdata", "shop.cue")})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if comp.Name != "shop" {
		t.Errorf("Name = %q, want shop", comp.Name)
	}
	if comp.Network.ContainerHost != "host.docker.internal" {
		t.Errorf("ContainerHost = %q", comp.Network.ContainerHost)
	}
	if comp.Start.MaxParallel != 4 || comp.Start.MaxRetries != 2 {
		t.Errorf("Start = %+v", comp.Start)
	}
	if comp.Start.TimeoutDuration().Seconds() != 30 {
		t.Errorf("TimeoutDuration() = %v, want 30s", comp.Start.TimeoutDuration())
	}

	var names []string
	for _, rc := range comp.Resources {
		names = append(names, rc.Name)
	}
	if got := strings.Join(names, ","); got != "api,web,cache,dashboard" {
		t.Errorf("resource order = %s, want declaration order", got)
	}
	if len(comp.SourceFiles) != 1 {
		t.Errorf("SourceFiles = %v", comp.SourceFiles)
	}
}

func TestParser_AppliesDefaults(t *testing.T) {
	parser := NewParser()
	comp, err := parser.Parse(context.Background(), []string{filepath.Join("testdata", "shop.cue")})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	api, ok := comp.Resource("api")
	if !ok {
		t.Fatal("api not found")
	}
	ep, ok := api.Endpoint("http")
	if !ok {
		t.Fatal("api.http not found")
	}
	if ep.Scheme != "http" {
		t.Errorf("Scheme = %q, want http", ep.Scheme)
	}
	if api.Health == nil || api.Health.Path != "/health" {
		t.Errorf("Health = %+v, want default path", api.Health)
	}

	web, _ := comp.Resource("web")
	if web.Health.Path != "/status" {
		t.Errorf("web health path = %q", web.Health.Path)
	}

	dashboard, _ := comp.Resource("dashboard")
	targets := dashboard.Aggregator.Targets
	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}
	if targets[0].Endpoint != "http" || targets[0].Path != "/health" {
		t.Errorf("target defaults = %+v", targets[0])
	}
	if targets[1].DisplayName != "Web" || targets[1].Path != "/status" {
		t.Errorf("target = %+v", targets[1])
	}

	cache, _ := comp.Resource("cache")
	if cache.Cache == nil || cache.Cache.Endpoint != "tcp" {
		t.Errorf("Cache = %+v", cache.Cache)
	}
	if len(cache.Commands) != 2 || cache.Commands[0].Enablement[0] != "healthy-only" {
		t.Errorf("Commands = %+v", cache.Commands)
	}
}

func TestParser_ParseInline(t *testing.T) {
	content := `
name: "inline"
resources: {
	api: {
		kind: "process"
		endpoints: [{name: "http", port: 8080}]
		commands: [{name: "reload", type: "http", path: "/reload"}]
	}
}
`
	comp, err := NewParser().ParseInline(context.Background(), content)
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}

	api, _ := comp.Resource("api")
	cmd := api.Commands[0]
	if cmd.Method != "POST" || cmd.Endpoint != "http" || cmd.Path != "/reload" {
		t.Errorf("http command defaults = %+v", cmd)
	}
	if !api.Endpoints[0].Static() {
		t.Error("endpoint with a port should be static")
	}
}

func TestParser_UnifiesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	app := filepath.Join(dir, "app.cue")
	resources := filepath.Join(dir, "resources.cue")
	writeFile(t, app, `name: "split"
`)
	writeFile(t, resources, `resources: api: kind: "process"
`)

	comp, err := NewParser().Parse(context.Background(), []string{app, resources})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if comp.Name != "split" || len(comp.Resources) != 1 {
		t.Errorf("composition = %+v", comp)
	}
	if len(comp.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v, want 2 files", comp.SourceFiles)
	}
}

func TestParser_SchemaErrors(t *testing.T) {
	_, err := NewParser().Parse(context.Background(), []string{filepath.Join("testdata", "broken.cue")})
	if err == nil {
		t.Fatal("expected an error for an unknown kind")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("error type = %T, want ValidationErrors", err)
	}
	if len(verrs) == 0 {
		t.Fatal("no validation errors reported")
	}
	if !strings.Contains(err.Error(), "kind") {
		t.Errorf("error does not name the kind field: %v", err)
	}
	if verrs[0].Line == 0 {
		t.Errorf("error carries no position: %+v", verrs[0])
	}
}

func TestParser_Errors(t *testing.T) {
	parser := NewParser()
	ctx := context.Background()

	if _, err := parser.Parse(ctx, nil); err == nil {
		t.Error("expected an error without sources")
	}
	if _, err := parser.Parse(ctx, []string{"testdata/missing.cue"}); err == nil {
		t.Error("expected an error for a missing file")
	}
	if _, err := parser.ParseInline(ctx, `name: "x"
resources: {`); err == nil {
		t.Error("expected a syntax error")
	}
	if _, err := parser.ParseInline(ctx, `name: "bad name"
resources: {}`); err == nil {
		t.Error("expected an invalid application name to fail")
	}
}

func TestValidationError_String(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{Message: "boom"}, "boom"},
		{ValidationError{Path: "resources.api", Message: "boom"}, "resources.api: boom"},
		{ValidationError{File: "a.cue", Line: 3, Column: 2, Message: "boom"}, "a.cue:3:2: boom"},
	}
	for _, tt := range tests {
		if got := tt.err.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	errs := ValidationErrors{{Message: "a"}, {Message: "b"}}
	if got := errs.Error(); got != "2 validation errors: a; b" {
		t.Errorf("Error() = %q", got)
	}
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		resource string
		endpoint string
		wantErr  bool
	}{
		{"api.http", "api", "http", false},
		{"my.api.http", "my.api", "http", false},
		{"api", "", "", true},
		{".http", "", "", true},
		{"api.", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			res, ep, err := ParseRef(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if res != tt.resource || ep != tt.endpoint {
				t.Errorf("ParseRef() = %s, %s", res, ep)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
