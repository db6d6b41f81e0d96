package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	return path
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	content := "# Keep Ethernet under IT control\n# severity: error\n\n" + protectEthernet
	path := writePolicy(t, t.TempDir(), "office.rego", content)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}
	policy := policies[0]

	if policy.Name != "office" {
		t.Errorf("Expected name 'office', got '%s'", policy.Name)
	}
	if policy.Description != "Keep Ethernet under IT control" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity from header, got %s", policy.Severity)
	}
	if policy.Rego != content || policy.Source != path || !policy.Enabled {
		t.Errorf("Unexpected policy: %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "site.json", `{"description": "site rules", "rego": "package site\n"}`)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}
	if policy := policies[0]; policy.Name != "site" || policy.Severity != SeverityWarning || !policy.Enabled {
		t.Errorf("Expected defaults to be applied, got %+v", policies[0])
	}

	bad := writePolicy(t, t.TempDir(), "bad.json", "{")
	if _, err := loader.loadFromFile(bad); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadFromFile_YAMLBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "site.yaml", `policies:
  - name: lab-vlans
    description: Lab VLANs stay on en1
    severity: error
    rego: |
      package site.lab
  - name: guest-dns
    enabled: false
    rego: |
      package site.guest
`)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if p := policies[0]; p.Name != "lab-vlans" || p.Severity != SeverityError || !p.Enabled || p.Source != path {
		t.Errorf("Unexpected first policy: %+v", p)
	}
	if p := policies[1]; p.Name != "guest-dns" || p.Severity != SeverityWarning || p.Enabled {
		t.Errorf("Unexpected second policy: %+v", p)
	}

	unnamed := writePolicy(t, t.TempDir(), "site.yml", "policies:\n  - rego: a\n  - rego: b\n")
	if _, err := loader.loadFromFile(unnamed); err == nil {
		t.Error("Expected error for unnamed bundle entries")
	}

	empty := writePolicy(t, t.TempDir(), "empty.yaml", "\n")
	if _, err := loader.loadFromFile(empty); err == nil {
		t.Error("Expected error for empty policy file")
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "office.rego", protectEthernet)
	writePolicy(t, dir, "nested/home.rego", "package site.home\n")
	writePolicy(t, dir, "README.md", "not a policy")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	other := t.TempDir()
	writePolicy(t, other, "office.rego", protectEthernet)
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir, other}); err == nil {
		t.Error("Expected error for duplicate policy names")
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestGuard_LoadPolicies(t *testing.T) {
	g := newTestGuard(t)
	dir := t.TempDir()
	writePolicy(t, dir, "office.rego", protectEthernet)

	if err := g.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if n := len(g.ListPolicies()); n != 4 {
		t.Errorf("Expected 4 policies, got %d", n)
	}

	writePolicy(t, dir, "broken.rego", "package broken\n\ndeny contains if {")
	if err := g.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "office.rego", protectEthernet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, []string{dir}, func(p []Policy) error {
			reloaded <- p
			return nil
		})
	}()

	// Give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, dir, "home.rego", "package site.home\n")

	select {
	case policies := <-reloaded:
		if len(policies) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(policies))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
