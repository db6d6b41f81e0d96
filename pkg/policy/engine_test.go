package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/netconverge/netconverge/pkg/engine"
)

func newTestGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := NewGuard(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create guard: %v", err)
	}
	return g
}

func service(name string, enabled bool, mode engine.IPv4Mode) engine.ServiceState {
	return engine.ServiceState{
		NetworkService: engine.NetworkService{
			Name:    name,
			Enabled: enabled,
			IPv4:    engine.IPv4Config{Mode: mode},
		},
		Status: engine.EntityKnown,
	}
}

func officeState() *engine.SystemState {
	return &engine.SystemState{
		CurrentLocation: "Office",
		Locations:       []string{"Automatic", "Office"},
		Services: []engine.ServiceState{
			service("Wi-Fi", true, engine.IPv4DHCP),
			service("Ethernet", true, engine.IPv4DHCP),
			service("Thunderbolt Bridge", false, engine.IPv4DHCP),
			service("VPN", true, engine.IPv4Off),
		},
	}
}

func disable(name string) engine.ChangeOp {
	return engine.ChangeOp{
		ID:        "service/" + name + ":enabled",
		Kind:      engine.OperationDisable,
		Phase:     engine.PhaseTeardown,
		Target:    "service/" + name,
		Attribute: "enabled",
		Previous:  "on",
		Desired:   "off",
		Command:   engine.Command{Verb: "setnetworkserviceenabled", Args: []string{name, "off"}},
	}
}

func enable(name string) engine.ChangeOp {
	op := disable(name)
	op.Kind, op.Phase = engine.OperationEnable, engine.PhaseEnable
	op.Previous, op.Desired = "off", "on"
	op.Command.Args = []string{name, "on"}
	return op
}

func setIPv4(name, desired string) engine.ChangeOp {
	return engine.ChangeOp{
		ID:        "service/" + name + ":ipv4",
		Kind:      engine.OperationUpdate,
		Phase:     engine.PhaseAddressing,
		Target:    "service/" + name,
		Attribute: "ipv4",
		Previous:  "dhcp",
		Desired:   desired,
		Command:   engine.Command{Verb: "setv4off", Args: []string{name}},
	}
}

func remove(name string) engine.ChangeOp {
	return engine.ChangeOp{
		ID:      "service/" + name,
		Kind:    engine.OperationDelete,
		Phase:   engine.PhaseTeardown,
		Target:  "service/" + name,
		Command: engine.Command{Verb: "removenetworkservice", Args: []string{name}},
	}
}

func clearDNS(name string) engine.ChangeOp {
	return engine.ChangeOp{
		ID:        "service/" + name + ":dns",
		Kind:      engine.OperationUpdate,
		Phase:     engine.PhaseSettings,
		Target:    "service/" + name,
		Attribute: "dns",
		Previous:  "8.8.8.8",
		Desired:   "(none)",
		Command:   engine.Command{Verb: "setdnsservers", Args: []string{name, "Empty"}},
	}
}

func plan(ops ...engine.ChangeOp) *engine.Plan {
	return &engine.Plan{ID: "plan-1", Location: "Office", Ops: ops}
}

func TestNewGuard_Builtins(t *testing.T) {
	g := newTestGuard(t)

	var names []string
	for _, p := range g.ListPolicies() {
		names = append(names, p.Name)
		if !p.Enabled {
			t.Errorf("built-in policy %s should be enabled", p.Name)
		}
	}

	want := "connectivity,dns-clear,teardown"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected policies %s, got %s", want, got)
	}
}

func TestEvaluatePlan_Connectivity(t *testing.T) {
	g := newTestGuard(t)

	tests := []struct {
		name       string
		plan       *engine.Plan
		current    *engine.SystemState
		wantDenied bool
	}{
		{
			name:    "disable one of two services",
			plan:    plan(disable("Wi-Fi")),
			current: officeState(),
		},
		{
			name:       "disable every active service",
			plan:       plan(disable("Wi-Fi"), disable("Ethernet")),
			current:    officeState(),
			wantDenied: true,
		},
		{
			name:       "disable one and unaddress the other",
			plan:       plan(disable("Wi-Fi"), setIPv4("Ethernet", "off")),
			current:    officeState(),
			wantDenied: true,
		},
		{
			name:       "remove one and disable the other",
			plan:       plan(remove("Wi-Fi"), disable("Ethernet")),
			current:    officeState(),
			wantDenied: true,
		},
		{
			name:    "another service is enabled",
			plan:    plan(disable("Wi-Fi"), disable("Ethernet"), enable("Thunderbolt Bridge")),
			current: officeState(),
		},
		{
			name:    "another service gains an address",
			plan:    plan(disable("Wi-Fi"), disable("Ethernet"), setIPv4("VPN", "dhcp")),
			current: officeState(),
		},
		{
			name:    "nothing active to begin with",
			plan:    plan(disable("Wi-Fi")),
			current: &engine.SystemState{Services: []engine.ServiceState{service("Wi-Fi", false, engine.IPv4DHCP)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.EvaluatePlan(context.Background(), tt.plan, tt.current)
			if tt.wantDenied {
				if !errors.Is(err, engine.ErrPolicyDenied) {
					t.Fatalf("Expected policy denial, got %v", err)
				}
				if !strings.Contains(err.Error(), "connectivity") {
					t.Errorf("Expected denial to name the policy, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected plan to be allowed, got %v", err)
			}
		})
	}
}

func TestEvaluatePlan_Warnings(t *testing.T) {
	g := newTestGuard(t)

	res, err := g.EvaluatePlan(context.Background(), plan(remove("VPN"), clearDNS("Wi-Fi"), clearDNS("Thunderbolt Bridge")), officeState())
	if err != nil {
		t.Fatalf("Expected plan to be allowed, got %v", err)
	}

	want := []string{
		"dns-clear: plan clears DNS servers on enabled service Wi-Fi",
		"teardown: plan removes service/VPN",
	}
	if len(res.Warnings) != len(want) {
		t.Fatalf("Expected warnings %v, got %v", want, res.Warnings)
	}
	for i := range want {
		if res.Warnings[i] != want[i] {
			t.Errorf("warning %d: expected %q, got %q", i, want[i], res.Warnings[i])
		}
	}
}

func TestEvaluate_ReportsPolicies(t *testing.T) {
	g := newTestGuard(t)

	res, err := g.Evaluate(context.Background(), plan(disable("Wi-Fi"), disable("Ethernet")), officeState())
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("Expected plan to be denied")
	}
	if len(res.EvaluatedPolicies) != 3 {
		t.Errorf("Expected 3 evaluated policies, got %v", res.EvaluatedPolicies)
	}
	if len(res.Violations) != 1 || res.Violations[0].Target != "location/Office" {
		t.Errorf("Unexpected violations: %+v", res.Violations)
	}
	if !strings.Contains(res.Violations[0].Message, "Ethernet, Wi-Fi") {
		t.Errorf("Expected severed services in message, got %q", res.Violations[0].Message)
	}
}

func TestDisablePolicy(t *testing.T) {
	g := newTestGuard(t)

	if err := g.DisablePolicy("connectivity"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}
	if _, err := g.EvaluatePlan(context.Background(), plan(disable("Wi-Fi"), disable("Ethernet")), officeState()); err != nil {
		t.Errorf("Expected disabled policy to be skipped, got %v", err)
	}

	if err := g.EnablePolicy("connectivity"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	if _, err := g.EvaluatePlan(context.Background(), plan(disable("Wi-Fi"), disable("Ethernet")), officeState()); err == nil {
		t.Error("Expected re-enabled policy to deny")
	}

	if err := g.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const protectEthernet = `package site.office

import rego.v1

deny contains violation if {
	some op in input.plan.ops
	op.target == "service/Ethernet"
	violation := {"message": "Ethernet is managed by IT", "target": op.target, "severity": "error"}
}

deny contains "plan touches Wi-Fi" if {
	some op in input.plan.ops
	op.target == "service/Wi-Fi"
}
`

func TestReplaceUserPolicies(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	err := g.ReplaceUserPolicies(ctx, []Policy{{Name: "office", Rego: protectEthernet, Severity: SeverityWarning, Enabled: true, Source: "office.rego"}})
	if err != nil {
		t.Fatalf("ReplaceUserPolicies failed: %v", err)
	}

	res, err := g.EvaluatePlan(ctx, plan(disable("Wi-Fi")), officeState())
	if err != nil {
		t.Fatalf("Expected Wi-Fi change to be allowed, got %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "office: plan touches Wi-Fi" {
		t.Errorf("Unexpected warnings: %v", res.Warnings)
	}

	_, err = g.EvaluatePlan(ctx, plan(clearDNS("Ethernet")), officeState())
	if !errors.Is(err, engine.ErrPolicyDenied) || !strings.Contains(err.Error(), "managed by IT") {
		t.Fatalf("Expected custom denial, got %v", err)
	}

	// Replacing with nothing removes the custom policy but keeps built-ins
	if err := g.ReplaceUserPolicies(ctx, nil); err != nil {
		t.Fatalf("ReplaceUserPolicies failed: %v", err)
	}
	if n := len(g.ListPolicies()); n != 3 {
		t.Errorf("Expected only built-ins to remain, got %d policies", n)
	}
}

func TestReplaceUserPolicies_Rejects(t *testing.T) {
	g := newTestGuard(t)
	ctx := context.Background()

	if err := g.ReplaceUserPolicies(ctx, []Policy{{Name: "office", Rego: protectEthernet, Enabled: true}}); err != nil {
		t.Fatalf("ReplaceUserPolicies failed: %v", err)
	}

	tests := []struct {
		name   string
		policy Policy
	}{
		{name: "syntax error", policy: Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {", Enabled: true}},
		{name: "shadows built-in", policy: Policy{Name: "teardown", Rego: protectEthernet, Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.ReplaceUserPolicies(ctx, []Policy{tt.policy}); err == nil {
				t.Fatal("Expected error")
			}
			// The previous set is left in place
			found := false
			for _, p := range g.ListPolicies() {
				if p.Name == "office" {
					found = true
				}
			}
			if !found {
				t.Error("Expected existing custom policy to survive a failed replace")
			}
		})
	}
}
