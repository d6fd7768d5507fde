package project

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cruciblehq/pyslim/internal/recipe"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	root := filepath.Join(t.TempDir(), "My_Service")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}

	d, err := Load(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.Name != "my_service" {
		t.Fatalf("name = %q, want my_service", d.Name)
	}
	if d.Image != "my_service:latest" {
		t.Fatalf("image = %q", d.Image)
	}
	if d.Root() != root {
		t.Fatalf("root = %q, want %q", d.Root(), root)
	}
	if d.ManifestPath() != "requirements.txt" || d.EntryPath() != filepath.Join("src", "main.py") {
		t.Fatalf("manifest = %q, entry = %q", d.ManifestPath(), d.EntryPath())
	}

	rec, err := d.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Stages[0].From != recipe.DefaultBase {
		t.Fatalf("base = %q", rec.Stages[0].From)
	}
}

func TestLoadFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultFile), `
name = "bot"
base = "python:3.11-slim"
manifest = "deps.txt"
source = "app"
entry = "run.py"
output = "dist"
platforms = ["linux/amd64", "linux/arm64"]

[env]
TZ = "Asia/Taipei"
`)

	d, err := Load(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.Output != filepath.Join(root, "dist") {
		t.Fatalf("output = %q", d.Output)
	}
	if len(d.Platforms) != 2 {
		t.Fatalf("platforms = %v", d.Platforms)
	}
	if d.EntryPath() != filepath.Join("app", "run.py") {
		t.Fatalf("entry = %q", d.EntryPath())
	}

	rec, err := d.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Config.Env["TZ"] != "Asia/Taipei" {
		t.Fatalf("env = %v", rec.Config.Env)
	}
	if rec.Config.Name != "bot:latest" {
		t.Fatalf("image name = %q", rec.Config.Name)
	}
	if got := rec.Config.Entrypoint[2]; got != "run.py" {
		t.Fatalf("entry = %q", got)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultFile), "bogus = 1\n")

	if _, err := Load(root, ""); !errors.Is(err, ErrDefinition) {
		t.Fatalf("err = %v, want ErrDefinition", err)
	}
}

func TestLoadExplicitMissing(t *testing.T) {
	if _, err := Load(t.TempDir(), "other.toml"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadInvalidName(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "custom.toml"), `name = "Bad Name"`)

	if _, err := Load(root, "custom.toml"); !errors.Is(err, ErrDefinition) {
		t.Fatalf("err = %v, want ErrDefinition", err)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"app":     "app",
		"My App":  "my-app",
		".hidden": "hidden",
		"a//b":    "a-b",
		"svc_1.2": "svc_1.2",
	}
	for in, want := range tests {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildOptions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, DefaultFile), `
name = "bot"
manifest = "deps.txt"
platforms = ["linux/arm64"]
`)

	d, err := Load(root, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	opts, err := d.BuildOptions()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opts.Resource != "bot" || opts.Root != root || opts.Manifest != "deps.txt" {
		t.Fatalf("opts = %+v", opts)
	}
	if len(opts.Platforms) != 1 || opts.Platforms[0] != "linux/arm64" {
		t.Fatalf("platforms = %v", opts.Platforms)
	}
	if len(opts.Required) != 1 || opts.Required[0] != filepath.Join("src", "main.py") {
		t.Fatalf("required = %v", opts.Required)
	}
	if opts.Recipe == nil || len(opts.Recipe.Stages) != 2 {
		t.Fatalf("recipe = %+v", opts.Recipe)
	}
}
