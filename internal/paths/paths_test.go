package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestRuntimeFiles(t *testing.T) {
	dir := Runtime()
	if filepath.Dir(Socket()) != dir {
		t.Fatalf("socket %q not under %q", Socket(), dir)
	}
	if filepath.Dir(PIDFile()) != dir {
		t.Fatalf("pid file %q not under %q", PIDFile(), dir)
	}
	if !strings.HasSuffix(Socket(), "pyslim.sock") {
		t.Fatalf("socket = %q, want pyslim.sock suffix", Socket())
	}
}

func TestImages(t *testing.T) {
	got := Images("app")
	if filepath.Base(got) != "app" || filepath.Base(filepath.Dir(got)) != "images" {
		t.Fatalf("Images = %q, want .../images/app", got)
	}
}
