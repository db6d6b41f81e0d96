package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/netconverge/netconverge/pkg/engine"
)

const wifiYAML = `
location: Office
services:
  - name: Wi-Fi
    ipv4:
      mode: dhcp
    dns_servers: [8.8.8.8]
`

const wifiCUE = `
location: "Office"
services: [{
	name: "Wi-Fi"
	ipv4: mode: "dhcp"
	dns_servers: ["8.8.8.8"]
}]
`

const wifiStarlark = `
desired = {
    "location": "Office",
    "services": [{"name": "Wi-Fi", "ipv4": {"mode": "dhcp"}, "dns_servers": ["8.8.8.8"]}],
}
`

func newTestLoader(t *testing.T) *DocumentLoader {
	t.Helper()
	loader, err := NewDocumentLoader(5 * time.Second)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	return loader
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDocumentLoader_FormatsAgree(t *testing.T) {
	loader := newTestLoader(t)
	ctx := context.Background()

	files := map[string]string{
		"desired.yaml": wifiYAML,
		"desired.cue":  wifiCUE,
		"desired.star": wifiStarlark,
	}

	var docs []engine.Document
	for name, content := range files {
		desired, err := loader.LoadFile(ctx, writeFile(t, name, content))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if desired.Location() != "Office" {
			t.Errorf("%s: expected location Office, got %s", name, desired.Location())
		}
		docs = append(docs, desired.Document())
	}

	for _, doc := range docs {
		svc := doc.Services[0]
		if svc.Name != "Wi-Fi" || svc.IPv4.Mode != engine.IPv4DHCP || (*svc.DNSServers)[0] != "8.8.8.8" {
			t.Errorf("formats disagree: %+v", svc)
		}
	}
}

func TestDocumentLoader_SemanticValidation(t *testing.T) {
	loader := newTestLoader(t)

	doc := `
location: Office
services:
  - name: Wi-Fi
    ipv4:
      mode: dhcp
      router: 10.0.0.1
`
	_, err := loader.Load(context.Background(), "desired.yaml", FormatYAML, []byte(doc))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || len(verr.Violations) != 1 {
		t.Fatalf("expected one violation, got %v", err)
	}
}

func TestDocumentLoader_YAMLErrors(t *testing.T) {
	loader := newTestLoader(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "empty", content: "", wantErr: "empty"},
		{name: "unknown field", content: "location: Office\ncolour: blue\n", wantErr: "colour"},
		{name: "wrong type", content: "location: Office\nvlans: [{name: lab, parent_device: en0, tag: many}]\n", wantErr: "tag"},
		{name: "malformed", content: "location: [Office\n", wantErr: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.Load(ctx, "desired.yaml", FormatYAML, []byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			var serrs SourceErrors
			if !errors.As(err, &serrs) {
				t.Fatalf("expected SourceErrors, got %T: %v", err, err)
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDocumentLoader_UnsupportedExtension(t *testing.T) {
	loader := newTestLoader(t)
	if _, err := loader.LoadFile(context.Background(), writeFile(t, "desired.json", "{}")); err == nil {
		t.Fatal("expected error for .json")
	}
	if _, err := loader.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"a.yaml":     FormatYAML,
		"a.YML":      FormatYAML,
		"dir/a.cue":  FormatCUE,
		"a.star":     FormatStarlark,
		"a.starlark": FormatStarlark,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		if err != nil || got != want {
			t.Errorf("FormatFromPath(%q) = %q, %v; want %q", path, got, err, want)
		}
	}
}

func TestSourceErrorFormatting(t *testing.T) {
	errs := SourceErrors{
		{File: "a.cue", Line: 3, Column: 5, Message: "bad"},
		{File: "b.yaml", Message: "worse"},
		{Message: "plain"},
	}
	want := "a.cue:3:5: bad\nb.yaml: worse\nplain"
	if errs.Error() != want {
		t.Errorf("got %q, want %q", errs.Error(), want)
	}
}
