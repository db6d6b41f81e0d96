package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/netconverge/netconverge/pkg/engine"
)

func TestCUEParser_Parse(t *testing.T) {
	parser, err := NewCUEParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}

	tests := []struct {
		name      string
		content   string
		wantErr   string
		checkFunc func(*testing.T, engine.Document)
	}{
		{
			name: "dhcp with dns",
			content: `
location: "Office"
services: [{
	name: "Wi-Fi"
	ipv4: mode: "dhcp"
	dns_servers: ["8.8.8.8"]
}]
`,
			checkFunc: func(t *testing.T, doc engine.Document) {
				if doc.Location != "Office" {
					t.Errorf("expected location Office, got %s", doc.Location)
				}
				if len(doc.Services) != 1 {
					t.Fatalf("expected 1 service, got %d", len(doc.Services))
				}
				svc := doc.Services[0]
				if svc.IPv4 == nil || svc.IPv4.Mode != engine.IPv4DHCP {
					t.Errorf("expected dhcp ipv4, got %+v", svc.IPv4)
				}
				if svc.DNSServers == nil || len(*svc.DNSServers) != 1 || (*svc.DNSServers)[0] != "8.8.8.8" {
					t.Errorf("unexpected dns servers: %v", svc.DNSServers)
				}
			},
		},
		{
			name: "hidden helpers and comprehensions",
			content: `
_resolvers: ["1.1.1.1", "9.9.9.9"]
location: "Lab"
services: [for n in ["Ethernet", "Wi-Fi"] {
	name: n
	dns_servers: _resolvers
}]
`,
			checkFunc: func(t *testing.T, doc engine.Document) {
				if len(doc.Services) != 2 {
					t.Fatalf("expected 2 services, got %d", len(doc.Services))
				}
				if doc.Services[1].Name != "Wi-Fi" || len(*doc.Services[1].DNSServers) != 2 {
					t.Errorf("unexpected service: %+v", doc.Services[1])
				}
			},
		},
		{
			name:    "syntax error",
			content: `location: "Office"` + "\nservices: [{name: }",
			wantErr: "",
		},
		{
			name:    "unknown field",
			content: `location: "Office"` + "\ncolour: \"blue\"",
			wantErr: "colour",
		},
		{
			name: "unknown ipv4 mode",
			content: `
location: "Office"
services: [{name: "Wi-Fi", ipv4: mode: "static"}]
`,
			wantErr: "mode",
		},
		{
			name: "manual without address",
			content: `
location: "Office"
services: [{name: "Ethernet", ipv4: mode: "manual"}]
`,
			wantErr: "address",
		},
		{
			name:    "vlan tag out of range",
			content: `location: "Office"` + "\nvlans: [{name: \"lab\", parent_device: \"en0\", tag: 5000}]",
			wantErr: "tag",
		},
		{
			name:    "missing location",
			content: `services: []`,
			wantErr: "location",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parser.Parse("desired.cue", []byte(tt.content))
			if tt.checkFunc == nil {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var serrs SourceErrors
				if !errors.As(err, &serrs) || len(serrs) == 0 {
					t.Fatalf("expected SourceErrors, got %T", err)
				}
				if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.checkFunc(t, doc)
		})
	}
}

func TestCUEParser_Schema(t *testing.T) {
	parser, err := NewCUEParser()
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	if !strings.Contains(parser.Schema(), "#Desired") {
		t.Error("schema does not define #Desired")
	}
}
