package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvLoaderLoadsFlagPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.env")
	if err := os.WriteFile(path, []byte("SIMILARITY_CLI_TEST_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SIMILARITY_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")
	t.Setenv("SIMILARITY_CLI_TEST_VALUE", "")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fs, ".env", "")
	if err := fs.Parse([]string{"--env", path}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	loaded, err := loader.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path: %s", loaded)
	}
	if got := os.Getenv("SIMILARITY_CLI_TEST_VALUE"); got != "from-file" {
		t.Fatalf("unexpected env value: %q", got)
	}
}

func TestEnvLoaderCandidates(t *testing.T) {
	t.Parallel()

	value := "/etc/similarity/prod.env"
	loader := &EnvLoader{value: &value, defaultPath: ".env"}
	got := loader.candidates()
	want := []string{"/etc/similarity/prod.env", "prod.env", ".env"}
	if len(got) != len(want) {
		t.Fatalf("unexpected candidates: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestEnvLoaderMissingFile(t *testing.T) {
	t.Setenv("SIMILARITY_ENV_FILE", "")
	t.Setenv("HORSE_ENV_FILE", "")

	value := filepath.Join(t.TempDir(), "missing.env")
	loader := &EnvLoader{value: &value, defaultPath: filepath.Join(t.TempDir(), "also-missing.env")}
	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected missing env file to fail")
	}
}
