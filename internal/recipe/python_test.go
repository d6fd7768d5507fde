package recipe

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestPythonAppRecipe(t *testing.T) {
	rec, err := PythonApp{Name: "example/app:1.0"}.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := rec.Validate(); err != nil {
		t.Fatalf("generated recipe is invalid: %v", err)
	}

	if len(rec.Stages) != 2 {
		t.Fatalf("len(stages) = %d, want 2", len(rec.Stages))
	}

	builder, runtime := rec.Stages[0], rec.Stages[1]

	if builder.From != runtime.From || builder.From != DefaultBase {
		t.Fatalf("stages do not share the default base: %q, %q", builder.From, runtime.From)
	}
	if builder.Role != RoleBuilder || !builder.Transient {
		t.Fatalf("builder = %+v, want transient builder role", builder)
	}
	if runtime.Role != RoleRuntime || !runtime.Sealed || runtime.Transient {
		t.Fatalf("runtime = %+v, want sealed exported runtime role", runtime)
	}
	if len(runtime.Steps) != 0 {
		t.Fatalf("runtime stage has steps: %+v", runtime.Steps)
	}

	wantImports := []Import{
		{Stage: BuilderStage, Src: DefaultArtifactPath, Dest: DefaultArtifactPath},
		{Src: DefaultSource, Dest: DefaultWorkdir},
	}
	if !reflect.DeepEqual(runtime.Imports, wantImports) {
		t.Fatalf("imports = %+v, want %+v", runtime.Imports, wantImports)
	}

	cfg := rec.Config
	if cfg.Name != "example/app:1.0" || cfg.WorkingDir != DefaultWorkdir {
		t.Fatalf("config = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.Entrypoint, []string{"python", "-u", "main.py"}) {
		t.Fatalf("entrypoint = %v", cfg.Entrypoint)
	}
	if cfg.Env["PYTHONUNBUFFERED"] != "1" {
		t.Fatal("PYTHONUNBUFFERED not set")
	}
	if cfg.Env["PATH"] != "/root/.local/bin:$PATH" {
		t.Fatalf("PATH = %q", cfg.Env["PATH"])
	}
}

func TestPythonAppInstallStep(t *testing.T) {
	rec, err := PythonApp{Manifest: "deps/requirements-prod.txt"}.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps := rec.Stages[0].Steps
	var copyStep, runStep string
	for _, s := range steps {
		if s.Copy != "" {
			copyStep = s.Copy
		}
		if s.Run != "" {
			runStep = s.Run
		}
	}

	if copyStep != "deps/requirements-prod.txt /build/requirements-prod.txt" {
		t.Fatalf("copy = %q", copyStep)
	}
	for _, want := range []string{"pip", "install", "--user", "--no-cache-dir", "requirements-prod.txt"} {
		if !strings.Contains(runStep, want) {
			t.Fatalf("run %q missing %q", runStep, want)
		}
	}
}

func TestPythonAppEnvOverrides(t *testing.T) {
	rec, err := PythonApp{
		ArtifactPath: "/opt/deps",
		Env:          map[string]string{"TZ": "UTC", "PYTHONUNBUFFERED": "0"},
	}.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env := rec.Config.Env
	if env["TZ"] != "UTC" || env["PYTHONUNBUFFERED"] != "0" {
		t.Fatalf("env = %v, want user overrides applied", env)
	}
	if env["PYTHONUSERBASE"] != "/opt/deps" || env["PATH"] != "/opt/deps/bin:$PATH" {
		t.Fatalf("env = %v, want artifact path /opt/deps", env)
	}
	if rec.Stages[0].Steps[1].Env["PYTHONUSERBASE"] != "/opt/deps" {
		t.Fatal("builder does not install into the artifact path")
	}
}

func TestPythonAppInvalid(t *testing.T) {
	tests := []struct {
		name string
		app  PythonApp
	}{
		{"whitespace in source", PythonApp{Source: "my src"}},
		{"relative workdir", PythonApp{Workdir: "app"}},
		{"relative artifact", PythonApp{ArtifactPath: ".local"}},
		{"absolute entry", PythonApp{Entry: "/main.py"}},
		{"escaping entry", PythonApp{Entry: "../main.py"}},
		{"escaping after clean", PythonApp{Entry: "pkg/../../main.py"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.app.Recipe()
			if !errors.Is(err, ErrInvalidRecipe) {
				t.Fatalf("err = %v, want ErrInvalidRecipe", err)
			}
		})
	}
}

func TestPythonAppLocalEntry(t *testing.T) {
	for _, entry := range []string{"..main.py", "app/../main.py", "pkg/__main__.py"} {
		t.Run(entry, func(t *testing.T) {
			if _, err := (PythonApp{Entry: entry}).Recipe(); err != nil {
				t.Fatalf("Recipe with entry %q: %v", entry, err)
			}
		})
	}
}

func TestPythonAppUnpinnedBase(t *testing.T) {
	rec, err := PythonApp{Base: "python"}.Recipe()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rec.Validate(); !errors.Is(err, ErrUnpinnedBase) {
		t.Fatalf("err = %v, want ErrUnpinnedBase", err)
	}
}

func TestPythonAppDeterministic(t *testing.T) {
	a, _ := PythonApp{Name: "x:1"}.Recipe()
	b, _ := PythonApp{Name: "x:1"}.Recipe()
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical inputs produced different recipes")
	}
}
