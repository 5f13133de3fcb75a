package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadPrefersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("JR_TEST_SECRET", "from-env")

	got, err := Load(Source{Name: "token", File: path, Env: "JR_TEST_SECRET", Value: "inline"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "from-file" {
		t.Fatalf("expected file value, got %q", got)
	}
}

func TestLoadEnvBeforeInline(t *testing.T) {
	t.Setenv("JR_TEST_SECRET", " from-env ")

	got, err := Load(Source{Env: "JR_TEST_SECRET", Value: "inline"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("expected env value, got %q", got)
	}
}

func TestLoadFallsBackToInline(t *testing.T) {
	t.Setenv("JR_TEST_SECRET", "")

	got, err := Load(Source{Env: "JR_TEST_SECRET", Value: "inline"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != "inline" {
		t.Fatalf("expected inline value, got %q", got)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tests := []struct {
		name string
		src  Source
		want string
	}{
		{name: "nothing", src: Source{Name: "api key"}, want: "api key is not configured"},
		{name: "missing file", src: Source{File: filepath.Join(dir, "nope")}, want: "reading secret from file"},
		{name: "empty file", src: Source{File: empty, Value: "inline"}, want: "is empty"},
		{name: "unset env", src: Source{Env: "JR_TEST_UNSET_SECRET"}, want: "$JR_TEST_UNSET_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
