package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	return path
}

func TestLoadEnvParsesEntries(t *testing.T) {
	for _, key := range []string{"RISK_PLAIN", "RISK_QUOTED", "RISK_SINGLE", "RISK_EMPTY"} {
		clearEnv(t, key)
	}
	path := writeEnvFile(t, ""+
		"# secrets live in the environment, not in yaml\n"+
		"RISK_PLAIN=bar\n"+
		"RISK_QUOTED=\"baz\"\n"+
		"RISK_SINGLE='qux'\n"+
		"RISK_EMPTY=\n"+
		"not a key value line\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	want := map[string]string{
		"RISK_PLAIN":  "bar",
		"RISK_QUOTED": "baz",
		"RISK_SINGLE": "qux",
		"RISK_EMPTY":  "",
	}
	for key, expected := range want {
		if got := os.Getenv(key); got != expected {
			t.Fatalf("%s expected %q, got %q", key, expected, got)
		}
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("RISK_PLAIN", "existing")
	path := writeEnvFile(t, "RISK_PLAIN=from-file\n")
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("RISK_PLAIN"); got != "existing" {
		t.Fatalf("RISK_PLAIN expected existing, got %q", got)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := LoadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should not error, got %v", err)
	}
}

func clearEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
