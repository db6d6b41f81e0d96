package engine

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexOfVerb(plan *Plan, verb string) int {
	for i, op := range plan.Ops {
		if op.Command.Verb == verb {
			return i
		}
	}
	return -1
}

// applyAndRediff applies plan on a simulator seeded with state and returns the
// follow-up plan against the resulting state.
func applyAndRediff(t *testing.T, state *SystemState, desired *DesiredState) (*Plan, *simBackend) {
	t.Helper()

	plan, err := Diff(state, desired)
	require.NoError(t, err)

	sim := newSimBackend(state)
	exec := NewPlanExecutor(sim, &memLedger{}, ExecutorConfig{MaxRetries: 0})
	_, err = exec.Apply(context.Background(), plan, ApplyOptions{})
	require.NoError(t, err)

	after, err := sim.Snapshot(context.Background())
	require.NoError(t, err)
	again, err := Diff(after, desired)
	require.NoError(t, err)
	return again, sim
}

func TestDiff_WiFiManualToDHCPWithDNS(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:       "Wi-Fi",
			IPv4:       &IPv4Spec{Mode: IPv4DHCP},
			DNSServers: &[]string{"8.8.8.8"},
		}},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)

	require.Len(t, plan.Ops, 2)
	assert.Equal(t, Command{Verb: "setdhcp", Args: []string{"Wi-Fi"}}, plan.Ops[0].Command)
	assert.Equal(t, Command{Verb: "setdnsservers", Args: []string{"Wi-Fi", "8.8.8.8"}}, plan.Ops[1].Command)
	assert.Equal(t, PhaseAddressing, plan.Ops[0].Phase)
	assert.Equal(t, PhaseSettings, plan.Ops[1].Phase)
	assert.Equal(t, "(none)", plan.Ops[1].Previous)
	assert.Equal(t, "Automatic", plan.Location)
	assert.NotEmpty(t, plan.ID)
}

func TestDiff_EmptyWhenSatisfied(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:    "Wi-Fi",
			Enabled: ptr(true),
			IPv4:    &IPv4Spec{Mode: IPv4Manual, Address: "10.0.0.5", SubnetMask: "255.255.255.0", Router: "10.0.0.1"},
			IPv6:    &IPv6Spec{Mode: IPv6Automatic},
		}},
		Ports:        []PortSpec{{Device: "en0", MTU: ptr(1500)}},
		ComputerName: ptr("studio"),
		ServiceOrder: []string{"Wi-Fi"},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)
	assert.True(t, plan.IsEmpty(), "unexpected ops: %v", plan.Verbs())
	assert.Empty(t, plan.Warnings)
}

func TestDiff_UnmanagedSettingsAreLeftAlone(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", SearchDomains: &[]string{"corp.example.com"}}},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)
	assert.Equal(t, []string{"setsearchdomains"}, plan.Verbs())
}

func TestDiff_Idempotent(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
	}{
		{
			name: "dhcp and dns",
			doc: Document{
				Location: "Automatic",
				Services: []ServiceSpec{{Name: "Wi-Fi", IPv4: &IPv4Spec{Mode: IPv4DHCP}, DNSServers: &[]string{"8.8.8.8", "1.1.1.1"}}},
			},
		},
		{
			name: "clear dns and set proxy",
			doc: Document{
				Location: "Automatic",
				Services: []ServiceSpec{{
					Name:       "Wi-Fi",
					DNSServers: &[]string{},
					Proxies: &ProxiesSpec{
						Web:           &ProxySpec{Enabled: true, Server: "proxy.example.com", Port: 8080, Authenticated: true, Username: "alice", Password: "s3cret"},
						BypassDomains: &[]string{"*.local", "169.254.0.0/16"},
					},
				}},
			},
		},
		{
			name: "new service with dns and order",
			doc: Document{
				Location: "Automatic",
				Services: []ServiceSpec{{
					Name:         "Office LAN",
					HardwarePort: "Ethernet",
					IPv4:         &IPv4Spec{Mode: IPv4Manual, Address: "192.168.1.10", SubnetMask: "255.255.255.0", Router: "192.168.1.1"},
					DNSServers:   &[]string{"192.168.1.1"},
				}},
				ServiceOrder: []string{"Office LAN", "Wi-Fi"},
			},
		},
		{
			name: "preferred networks and hardware",
			doc: Document{
				Location: "Automatic",
				Ports:    []PortSpec{{Device: "en1", MTU: ptr(9000)}},
				Wireless: []WirelessSpec{{
					Device: "en0",
					Preferred: &[]PreferredNetworkSpec{
						{SSID: "Office", Security: "WPA2"},
						{SSID: "Lab", Security: "WPA2", Password: "pw"},
						{SSID: "Home", Security: "WPA2"},
					},
				}},
				ComputerName: ptr("build-host"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desired := mustDesired(tt.doc)
			first, err := Diff(wifiManualState(), desired)
			require.NoError(t, err)
			require.False(t, first.IsEmpty())

			again, _ := applyAndRediff(t, wifiManualState(), desired)
			assert.True(t, again.IsEmpty(), "second diff not empty: %v", again.Verbs())
		})
	}
}

func TestDiff_CreationBeforeDNS(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:         "Office LAN",
			HardwarePort: "Ethernet",
			DNSServers:   &[]string{"10.1.1.1"},
		}},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)

	create := indexOfVerb(plan, "createnetworkservice")
	dns := indexOfVerb(plan, "setdnsservers")
	require.GreaterOrEqual(t, create, 0)
	require.GreaterOrEqual(t, dns, 0)
	assert.Less(t, create, dns)
	assert.Contains(t, plan.Ops[dns].DependsOn, plan.Ops[create].ID)
}

func TestDiff_NewServiceRequiresHardwarePort(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Ghost", DNSServers: &[]string{"10.1.1.1"}}},
	})

	_, err := Diff(wifiManualState(), desired)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestDiff_LocationSwitch(t *testing.T) {
	state := wifiManualState()
	state.Locations = append(state.Locations, "Work")

	t.Run("existing location", func(t *testing.T) {
		desired := mustDesired(Document{
			Location: "Work",
			Services: []ServiceSpec{{Name: "Wi-Fi", DNSServers: &[]string{"8.8.8.8"}}},
		})
		plan, err := Diff(state, desired)
		require.NoError(t, err)
		assert.Equal(t, []string{"switchtolocation"}, plan.Verbs())
		assert.True(t, plan.HasLocationOps())
		assert.NotEmpty(t, plan.Warnings)
	})

	t.Run("create missing location", func(t *testing.T) {
		desired := mustDesired(Document{Location: "Travel", CreateLocation: true})
		plan, err := Diff(state, desired)
		require.NoError(t, err)
		assert.Equal(t, []string{"createlocation", "switchtolocation"}, plan.Verbs())
		assert.Equal(t, []string{"Travel", "populate"}, plan.Ops[0].Command.Args)
	})

	t.Run("missing location without create", func(t *testing.T) {
		desired := mustDesired(Document{Location: "Travel"})
		_, err := Diff(state, desired)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestDiff_BondWaitsForMemberServiceEnable(t *testing.T) {
	state := wifiManualState()
	state.Services = append(state.Services, ServiceState{
		Status: EntityKnown,
		NetworkService: NetworkService{
			Name: "Ethernet", HardwarePort: "Ethernet", Device: "en1",
			IPv4: IPv4Config{Mode: IPv4DHCP}, IPv6: IPv6Config{Mode: IPv6Automatic},
		},
	})
	state.ServiceOrder = append(state.ServiceOrder, "Ethernet")

	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Ethernet", Enabled: ptr(true)}},
		Bonds:    []BondSpec{{Name: "uplink", Members: []string{"en1", "en2"}}},
		Ports:    []PortSpec{{Device: "en2", MTU: ptr(9000)}},
	})

	plan, err := Diff(state, desired)
	require.NoError(t, err)

	enable := indexOfVerb(plan, "setnetworkserviceenabled")
	bond := indexOfVerb(plan, "createBond")
	mtu := indexOfVerb(plan, "setMTU")
	require.True(t, enable >= 0 && bond >= 0 && mtu >= 0, "verbs: %v", plan.Verbs())
	assert.Less(t, enable, bond, "bond must be created after member service is enabled")
	assert.Less(t, mtu, bond)
	assert.Equal(t, []string{"uplink", "en1", "en2"}, plan.Ops[bond].Command.Args)
	assert.Contains(t, plan.Ops[bond].DependsOn, plan.Ops[enable].ID)
	require.NoError(t, ValidateOrder(plan))
}

func TestDiff_TeardownRunsLast(t *testing.T) {
	state := wifiManualState()
	state.Services = append(state.Services, ServiceState{
		Status: EntityKnown,
		NetworkService: NetworkService{
			Name: "Uplink", HardwarePort: "uplink", Device: "bond0", Enabled: true,
			IPv4: IPv4Config{Mode: IPv4DHCP}, IPv6: IPv6Config{Mode: IPv6Automatic},
		},
	})
	state.Bonds = []Bond{{Name: "uplink", Device: "bond0", Members: []string{"en1", "en2"}}}

	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{
			{Name: "Uplink", Ensure: PresenceAbsent},
			{Name: "Wi-Fi", DNSServers: &[]string{"9.9.9.9"}},
		},
		Bonds: []BondSpec{{Name: "uplink", Ensure: PresenceAbsent}},
	})

	plan, err := Diff(state, desired)
	require.NoError(t, err)
	assert.Equal(t, []string{"setdnsservers", "removenetworkservice", "deleteBond"}, plan.Verbs())
	assert.Equal(t, []string{"bond0"}, plan.Ops[2].Command.Args)
	assert.Contains(t, plan.Ops[2].DependsOn, plan.Ops[1].ID)
}

func TestDiff_PreferredNetworksStayDense(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Wireless: []WirelessSpec{{
			Device:    "en0",
			Preferred: &[]PreferredNetworkSpec{{SSID: "Office"}, {SSID: "Home", Index: ptr(1)}},
		}},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"removepreferredwirelessnetwork",
		"removepreferredwirelessnetwork",
		"addpreferredwirelessnetworkatindex",
	}, plan.Verbs())
	assert.Equal(t, []string{"en0", "Office", "0", "OPEN"}, plan.Ops[2].Command.Args)

	again, sim := applyAndRediff(t, wifiManualState(), desired)
	assert.True(t, again.IsEmpty())
	w := sim.state.WirelessDevice("en0")
	assert.Equal(t, []string{"Office", "Home"}, w.SSIDs())
	for i, n := range w.Preferred {
		assert.Equal(t, i, n.Index)
	}
}

func TestDiff_MTUOutsideValidRange(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Ports:    []PortSpec{{Device: "en0", MTU: ptr(9000)}},
	})

	_, err := Diff(wifiManualState(), desired)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "1280-1500")
}

func TestDiff_UnknownServiceIsReconciledCautiously(t *testing.T) {
	state := wifiManualState()
	state.Services[0].Status = EntityUnknown
	state.Services[0].Error = "getinfo timed out"

	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:       "Wi-Fi",
			IPv4:       &IPv4Spec{Mode: IPv4Manual, Address: "10.0.0.5", SubnetMask: "255.255.255.0", Router: "10.0.0.1"},
			DNSServers: &[]string{},
		}},
	})

	plan, err := Diff(state, desired)
	require.NoError(t, err)
	assert.Equal(t, []string{"setmanual", "setdnsservers"}, plan.Verbs())
	for _, op := range plan.Ops {
		assert.True(t, op.Cautious)
	}
	assert.Equal(t, []string{"Wi-Fi", "Empty"}, plan.Ops[1].Command.Args)
	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "getinfo timed out")

	t.Run("no removal of unknown service", func(t *testing.T) {
		desired := mustDesired(Document{
			Location: "Automatic",
			Services: []ServiceSpec{{Name: "Wi-Fi", Ensure: PresenceAbsent}},
		})
		plan, err := Diff(state, desired)
		require.NoError(t, err)
		assert.True(t, plan.IsEmpty())
		assert.NotEmpty(t, plan.Warnings)
	})
}

func TestDiff_ServiceOrderKeepsUnlistedServices(t *testing.T) {
	state := wifiManualState()
	state.Services = append(state.Services, ServiceState{
		Status:         EntityKnown,
		NetworkService: NetworkService{Name: "Ethernet", HardwarePort: "Ethernet", Device: "en1", Enabled: true},
	})
	state.ServiceOrder = []string{"Wi-Fi", "Ethernet"}

	desired := mustDesired(Document{Location: "Automatic", ServiceOrder: []string{"Ethernet"}})

	plan, err := Diff(state, desired)
	require.NoError(t, err)
	require.Equal(t, []string{"ordernetworkservices"}, plan.Verbs())
	assert.Equal(t, []string{"Ethernet", "Wi-Fi"}, plan.Ops[0].Command.Args)
}

func TestDiff_ProxyPasswordIsRedacted(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name: "Wi-Fi",
			Proxies: &ProxiesSpec{
				Web:             &ProxySpec{Enabled: true, Server: "proxy", Port: 3128, Authenticated: true, Username: "bob", Password: "hunter2"},
				MirrorSecureWeb: true,
			},
		}},
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)
	assert.Equal(t, []string{"setwebproxy", "setsecurewebproxy"}, plan.Verbs())
	for _, op := range plan.Ops {
		assert.Contains(t, op.Command.Args, "hunter2")
		assert.NotContains(t, op.Command.String(), "hunter2")
		assert.True(t, strings.Contains(op.Command.String(), "********"))
	}
}

func TestDiff_DisabledProxyOnlyTogglesState(t *testing.T) {
	state := wifiManualState()
	state.Services[0].Proxies.Web = ProxyEndpoint{Enabled: true, Server: "old", Port: 80}

	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Wi-Fi", Proxies: &ProxiesSpec{Web: &ProxySpec{Enabled: false}}}},
	})

	plan, err := Diff(state, desired)
	require.NoError(t, err)
	require.Len(t, plan.Ops, 1)
	assert.Equal(t, Command{Verb: "setwebproxystate", Args: []string{"Wi-Fi", "off"}}, plan.Ops[0].Command)
	assert.Equal(t, OperationDisable, plan.Ops[0].Kind)
}

func TestDiff_PhasesAreMonotonicWithoutCrossDependencies(t *testing.T) {
	desired := mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:       "Wi-Fi",
			Enabled:    ptr(false),
			IPv4:       &IPv4Spec{Mode: IPv4DHCP},
			DNSServers: &[]string{"8.8.8.8"},
		}},
		Ports:        []PortSpec{{Device: "en1", MTU: ptr(1400)}},
		ComputerName: ptr("renamed"),
	})

	plan, err := Diff(wifiManualState(), desired)
	require.NoError(t, err)

	ranks := make([]int, len(plan.Ops))
	for i, op := range plan.Ops {
		ranks[i] = op.Phase.Rank()
	}
	assert.True(t, slices.IsSorted(ranks), "phases out of order: %v", plan.Verbs())
	assert.Equal(t, "setnetworkserviceenabled", plan.Ops[len(plan.Ops)-1].Command.Verb)
}

func TestDiff_NilInputs(t *testing.T) {
	_, err := Diff(nil, mustDesired(Document{Location: "Automatic"}))
	assert.Error(t, err)
	_, err = Diff(wifiManualState(), nil)
	assert.Error(t, err)
}

func TestDiff_IPv6SpellingIsNotDrift(t *testing.T) {
	state := wifiManualState()
	svc := state.Service("Wi-Fi")
	svc.IPv6 = IPv6Config{Mode: IPv6Manual, Address: "2001:db8::5", PrefixLength: 64, Router: "2001:db8::1"}
	svc.DNSServers = []string{"2001:4860:4860::8888"}
	svc.RoutesV6 = []Route{{Destination: "2001:db8:1::", Mask: "48", Gateway: "2001:db8::1"}}

	plan, err := Diff(state, mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{
			Name:       "Wi-Fi",
			IPv6:       &IPv6Spec{Mode: IPv6Manual, Address: "2001:0db8::0005", PrefixLength: 64, Router: "2001:DB8:0:0:0:0:0:1"},
			DNSServers: &[]string{"2001:4860:4860:0000:0000:0000:0000:8888"},
			RoutesV6:   &[]Route{{Destination: "2001:db8:0001::", Mask: "48", Gateway: "2001:0db8::1"}},
		}},
	}))
	require.NoError(t, err)
	assert.Empty(t, plan.Ops)
}

func TestDiff_WirelessWithUnknownPortsIsCautious(t *testing.T) {
	state := wifiManualState()
	state.Ports = nil
	state.Wireless = nil
	state.MarkUnknown(SectionPorts, errors.New("listallhardwareports timed out"))

	plan, err := Diff(state, mustDesired(Document{
		Location: "Automatic",
		Wireless: []WirelessSpec{{Device: "en0", Power: ptr(true)}},
	}))
	require.NoError(t, err)

	power := indexOfVerb(plan, "setairportpower")
	require.GreaterOrEqual(t, power, 0, "verbs: %v", plan.Verbs())
	assert.True(t, plan.Ops[power].Cautious)
	assert.Equal(t, []string{"en0", "on"}, plan.Ops[power].Command.Args)
}

func TestDiff_BondMemberMovesBetweenBonds(t *testing.T) {
	state := wifiManualState()
	state.Bonds = []Bond{{Name: "A", Device: "bond0", Members: []string{"en1", "en2"}}}

	plan, err := Diff(state, mustDesired(Document{
		Location: "Automatic",
		Bonds: []BondSpec{
			{Name: "A", Members: []string{"en1"}},
			{Name: "B", Members: []string{"en2"}},
		},
	}))
	require.NoError(t, err)

	var removals []int
	for i, op := range plan.Ops {
		if op.Command.Verb == "removeDeviceFromBond" {
			removals = append(removals, i)
		}
	}
	require.Len(t, removals, 1, "verbs: %v", plan.Verbs())
	remove := plan.Ops[removals[0]]
	assert.Equal(t, []string{"en2", "bond0"}, remove.Command.Args)
	assert.Equal(t, PhaseStructure, remove.Phase)

	create := indexOfVerb(plan, "createBond")
	require.GreaterOrEqual(t, create, 0)
	assert.Less(t, removals[0], create)
	assert.Equal(t, []string{"B", "en2"}, plan.Ops[create].Command.Args)
	assert.Contains(t, plan.Ops[create].DependsOn, remove.ID)
	require.NoError(t, ValidateOrder(plan))

	again, _ := applyAndRediff(t, state, mustDesired(Document{
		Location: "Automatic",
		Bonds: []BondSpec{
			{Name: "A", Members: []string{"en1"}},
			{Name: "B", Members: []string{"en2"}},
		},
	}))
	assert.Empty(t, again.Ops)
}

func TestDiff_VLANWaitsForParentServiceEnable(t *testing.T) {
	state := wifiManualState()
	state.Services = append(state.Services, ServiceState{
		Status: EntityKnown,
		NetworkService: NetworkService{
			Name: "Ethernet", HardwarePort: "Ethernet", Device: "en1",
			IPv4: IPv4Config{Mode: IPv4DHCP}, IPv6: IPv6Config{Mode: IPv6Automatic},
		},
	})
	state.ServiceOrder = append(state.ServiceOrder, "Ethernet")

	plan, err := Diff(state, mustDesired(Document{
		Location: "Automatic",
		Services: []ServiceSpec{{Name: "Ethernet", Enabled: ptr(true)}},
		VLANs:    []VLANSpec{{Name: "lab", ParentDevice: "en1", Tag: 20}},
	}))
	require.NoError(t, err)

	enable := indexOfVerb(plan, "setnetworkserviceenabled")
	vlan := indexOfVerb(plan, "createVLAN")
	require.True(t, enable >= 0 && vlan >= 0, "verbs: %v", plan.Verbs())
	assert.Less(t, enable, vlan, "vlan must be created after its parent's service is enabled")
	assert.Contains(t, plan.Ops[vlan].DependsOn, plan.Ops[enable].ID)
	require.NoError(t, ValidateOrder(plan))
}
