package vault

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveKeyRef_Empty(t *testing.T) {
	v := New()
	key, err := v.ResolveKeyRef("")
	if err != nil || key != "" {
		t.Errorf("empty ref must resolve to no key: %q, %v", key, err)
	}
}

func TestResolveKeyRef_Env(t *testing.T) {
	v := New()
	t.Setenv("PROXYCACHE_TEST_KEY", "abc123")

	key, err := v.ResolveKeyRef("env:PROXYCACHE_TEST_KEY")
	if err != nil {
		t.Fatalf("ResolveKeyRef: %v", err)
	}
	if key != "abc123" {
		t.Errorf("key: got %q", key)
	}
}

func TestResolveKeyRef_EnvMissing(t *testing.T) {
	v := New()
	if _, err := v.ResolveKeyRef("env:PROXYCACHE_DEFINITELY_UNSET"); err == nil {
		t.Error("unset env var must be an error")
	}
}

func TestResolveKeyRef_File(t *testing.T) {
	v := New()
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  sekrit\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key, err := v.ResolveKeyRef("file://" + path)
	if err != nil {
		t.Fatalf("ResolveKeyRef: %v", err)
	}
	if key != "sekrit" {
		t.Errorf("key must be trimmed: got %q", key)
	}
}

func TestResolveKeyRef_EmptyFile(t *testing.T) {
	v := New()
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := v.ResolveKeyRef("file://" + path); err == nil {
		t.Error("an empty key file must be an error")
	}
}

func TestResolveKeyRef_InvalidFormats(t *testing.T) {
	v := New()
	for _, ref := range []string{
		"bogus:thing",
		"keyring://wrongservice/name",
		"keyring://proxycache/",
	} {
		if _, err := v.ResolveKeyRef(ref); err == nil {
			t.Errorf("ref %q must be rejected", ref)
		} else if !strings.Contains(err.Error(), "key") {
			t.Errorf("error for %q should mention the key ref: %v", ref, err)
		}
	}
}
