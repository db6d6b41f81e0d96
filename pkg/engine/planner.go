package engine

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// emptyListArg is the backend's placeholder for clearing a list setting.
const emptyListArg = "Empty"

// Planner computes the ordered set of change operations that moves a system
// snapshot to a desired state. It is pure: it never touches the backend.
type Planner struct {
	now func() time.Time
}

// NewPlanner creates a new planner.
func NewPlanner() *Planner {
	return &Planner{now: time.Now}
}

// Diff compares current with desired and returns a plan. Identical states
// produce an empty plan. When the desired location is not current the plan
// contains only the location operations; service-level changes are planned
// against a fresh snapshot once the location has been switched.
func (p *Planner) Diff(current *SystemState, desired *DesiredState) (*Plan, error) {
	if current == nil {
		return nil, NewPermanentError("current state is nil", nil).WithCode(ErrCodeValidation)
	}
	if desired == nil {
		return nil, NewPermanentError("desired state is nil", nil).WithCode(ErrCodeValidation)
	}

	b := &planBuilder{
		current: current,
		desired: desired,
		doc:     desired.Document(),
		ids:     make(map[string]bool),
		created: make(map[string]string),
	}

	if err := b.diffLocation(); err != nil {
		return nil, err
	}
	if !b.locationSwitch {
		if err := b.diffEntities(); err != nil {
			return nil, err
		}
	}
	b.resolve()

	ordered, err := NewDAGBuilder().Order(b.ops)
	if err != nil {
		return nil, err
	}

	return &Plan{
		ID:        uuid.New().String(),
		Location:  desired.Location(),
		CreatedAt: p.now(),
		Ops:       ordered,
		Warnings:  b.warnings,
	}, nil
}

// Diff computes a plan with a default planner.
func Diff(current *SystemState, desired *DesiredState) (*Plan, error) {
	return NewPlanner().Diff(current, desired)
}

type planBuilder struct {
	current *SystemState
	desired *DesiredState
	doc     Document

	ops      []ChangeOp
	ids      map[string]bool
	warnings []string

	// created maps hardware-port names of entities created by this plan
	// (VLANs, bonds) and service names to their creating op IDs.
	created map[string]string

	// deferred dependency wiring that needs the full op list
	later []func()

	locationSwitch bool
}

func (b *planBuilder) add(op ChangeOp) string {
	if op.ID == "" {
		op.ID = opID(op.Target, op.Attribute)
	}
	if b.ids[op.ID] {
		return op.ID
	}
	b.ids[op.ID] = true
	b.ops = append(b.ops, op)
	return op.ID
}

func (b *planBuilder) op(id string) *ChangeOp {
	for i := range b.ops {
		if b.ops[i].ID == id {
			return &b.ops[i]
		}
	}
	return nil
}

func (b *planBuilder) dependOn(id string, deps ...string) {
	op := b.op(id)
	if op == nil {
		return
	}
	for _, d := range deps {
		if d == "" || d == id || slices.Contains(op.DependsOn, d) {
			continue
		}
		op.DependsOn = append(op.DependsOn, d)
	}
}

func (b *planBuilder) warn(format string, args ...interface{}) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// resolve runs deferred dependency wiring.
func (b *planBuilder) resolve() {
	for _, f := range b.later {
		f()
	}
}

// opsFor returns IDs of ops on target, optionally filtered by kind.
func (b *planBuilder) opsFor(target string, kinds ...OperationKind) []string {
	var out []string
	for _, op := range b.ops {
		if op.Target != target {
			continue
		}
		if len(kinds) > 0 && !slices.Contains(kinds, op.Kind) {
			continue
		}
		out = append(out, op.ID)
	}
	return out
}

func opID(target, attribute string) string {
	if attribute == "" {
		return target
	}
	return target + ":" + attribute
}

func serviceTarget(name string) string { return "service/" + name }
func portTarget(device string) string  { return "port/" + device }

func (b *planBuilder) diffLocation() error {
	loc := b.doc.Location
	if b.current.CurrentLocation == loc {
		return nil
	}

	target := "location/" + loc
	var createID string
	if !b.current.HasLocation(loc) {
		if !b.doc.CreateLocation {
			return NewPermanentError(fmt.Sprintf("location %q does not exist", loc), nil).
				WithCode(ErrCodeNotFound).WithTarget(target)
		}
		createID = b.add(ChangeOp{
			Kind:    OperationCreate,
			Phase:   PhaseLocation,
			Target:  target,
			Desired: loc,
			Command: Command{Verb: "createlocation", Args: []string{loc, "populate"}},
		})
	}

	switchID := b.add(ChangeOp{
		Kind:      OperationSwitch,
		Phase:     PhaseLocation,
		Target:    target,
		Attribute: "current",
		Previous:  b.current.CurrentLocation,
		Desired:   loc,
		Command:   Command{Verb: "switchtolocation", Args: []string{loc}},
	})
	b.dependOn(switchID, createID)

	b.locationSwitch = true
	b.warn("location %q is not current; service-level changes will be planned after switching", loc)
	return nil
}

func (b *planBuilder) diffEntities() error {
	if err := b.diffPorts(); err != nil {
		return err
	}
	if err := b.diffVLANs(); err != nil {
		return err
	}
	b.diffBonds()
	b.diffPPPoE()
	for _, spec := range b.doc.Services {
		if err := b.diffService(spec); err != nil {
			return err
		}
	}
	if err := b.diffWireless(); err != nil {
		return err
	}
	b.diffProfiles()
	b.diffComputerName()
	b.diffServiceOrder()
	return nil
}

func (b *planBuilder) diffPorts() error {
	for _, spec := range b.doc.Ports {
		target := portTarget(spec.Device)
		cur := b.current.Port(spec.Device)
		cautious := false
		switch {
		case cur == nil && b.current.IsUnknown(SectionPorts):
			cautious = true
			cur = &HardwarePort{Device: spec.Device}
		case cur == nil:
			return NewPermanentError(fmt.Sprintf("hardware port %q not found", spec.Device), nil).
				WithCode(ErrCodeNotFound).WithTarget(target)
		case cur.Status == EntityUnknown:
			cautious = true
		}
		if cautious {
			b.warn("%s: current state unknown, re-asserting desired settings", target)
		}

		if spec.MTU != nil && (cautious || cur.MTU != *spec.MTU) {
			if !cur.MTURange.Contains(*spec.MTU) {
				return NewPermanentError(
					fmt.Sprintf("mtu %d outside valid range %d-%d", *spec.MTU, cur.MTURange.Min, cur.MTURange.Max), nil,
				).WithCode(ErrCodeValidation).WithTarget(target)
			}
			b.add(ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseHardware,
				Target:    target,
				Attribute: "mtu",
				Previous:  intString(cur.MTU),
				Desired:   strconv.Itoa(*spec.MTU),
				Command:   Command{Verb: "setMTU", Args: []string{spec.Device, strconv.Itoa(*spec.MTU)}},
				Cautious:  cautious,
			})
		}

		if spec.Media != nil && (cautious || !mediaEqual(cur.Media, *spec.Media)) {
			args := append([]string{spec.Device, spec.Media.Subtype}, spec.Media.Options...)
			b.add(ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseHardware,
				Target:    target,
				Attribute: "media",
				Previous:  cur.Media.String(),
				Desired:   spec.Media.String(),
				Command:   Command{Verb: "setmedia", Args: args},
				Cautious:  cautious,
			})
		}
	}
	return nil
}

func (b *planBuilder) diffVLANs() error {
	if len(b.doc.VLANs) > 0 && b.current.IsUnknown(SectionVLANs) {
		b.warn("vlan list unknown; vlan changes skipped")
		return nil
	}
	for _, spec := range b.doc.VLANs {
		target := "vlan/" + spec.Name
		cur := b.current.VLAN(spec.Name)

		if spec.Ensure.IsAbsent() {
			if cur == nil {
				continue
			}
			id := b.add(ChangeOp{
				Kind:     OperationDelete,
				Phase:    PhaseTeardown,
				Target:   target,
				Previous: vlanString(*cur),
				Command:  Command{Verb: "deleteVLAN", Args: []string{cur.Name, cur.ParentDevice, strconv.Itoa(cur.Tag)}},
			})
			b.dependOnServiceRemoval(id, cur.Name, cur.Device)
			continue
		}

		want := VLAN{Name: spec.Name, ParentDevice: spec.ParentDevice, Tag: spec.Tag}
		var deleteID string
		if cur != nil {
			if cur.ParentDevice == spec.ParentDevice && cur.Tag == spec.Tag {
				continue
			}
			b.warn("%s: parent or tag changed, vlan will be recreated", target)
			deleteID = b.add(ChangeOp{
				Kind:      OperationDelete,
				Phase:     PhaseStructure,
				Target:    target,
				Attribute: "recreate",
				Previous:  vlanString(*cur),
				Command:   Command{Verb: "deleteVLAN", Args: []string{cur.Name, cur.ParentDevice, strconv.Itoa(cur.Tag)}},
			})
		}
		if b.current.Port(spec.ParentDevice) == nil && !b.current.IsUnknown(SectionPorts) {
			return NewPermanentError(fmt.Sprintf("vlan parent device %q not found", spec.ParentDevice), nil).
				WithCode(ErrCodeNotFound).WithTarget(target)
		}
		id := b.add(ChangeOp{
			Kind:    OperationCreate,
			Phase:   PhaseStructure,
			Target:  target,
			Desired: vlanString(want),
			Command: Command{Verb: "createVLAN", Args: []string{spec.Name, spec.ParentDevice, strconv.Itoa(spec.Tag)}},
		})
		b.dependOn(id, deleteID)
		b.dependOn(id, b.opsFor(portTarget(spec.ParentDevice))...)
		b.created[spec.Name] = id
		parent := spec.ParentDevice
		b.later = append(b.later, func() {
			for _, svc := range b.current.Services {
				if svc.Device == parent {
					b.dependOn(id, b.opsFor(serviceTarget(svc.Name), OperationEnable)...)
				}
			}
		})
	}
	return nil
}

func (b *planBuilder) diffBonds() {
	if len(b.doc.Bonds) > 0 && b.current.IsUnknown(SectionBonds) {
		b.warn("bond list unknown; bond changes skipped")
		return
	}
	released := b.releaseMovedMembers()
	for _, spec := range b.doc.Bonds {
		target := "bond/" + spec.Name
		cur := b.current.Bond(spec.Name)

		if spec.Ensure.IsAbsent() {
			if cur == nil {
				continue
			}
			id := b.add(ChangeOp{
				Kind:     OperationDelete,
				Phase:    PhaseTeardown,
				Target:   target,
				Previous: strings.Join(cur.Members, ","),
				Command:  Command{Verb: "deleteBond", Args: []string{cur.Device}},
			})
			b.dependOnServiceRemoval(id, cur.Name, cur.Device)
			continue
		}

		if cur == nil {
			members := append([]string(nil), spec.Members...)
			id := b.add(ChangeOp{
				Kind:    OperationCreate,
				Phase:   PhaseStructure,
				Target:  target,
				Desired: strings.Join(members, ","),
				Command: Command{Verb: "createBond", Args: append([]string{spec.Name}, members...)},
			})
			b.created[spec.Name] = id
			for _, m := range members {
				b.dependOn(id, released[m])
			}
			b.later = append(b.later, func() {
				for _, m := range members {
					b.dependOn(id, b.opsFor(portTarget(m))...)
					for _, svc := range b.current.Services {
						if svc.Device == m {
							b.dependOn(id, b.opsFor(serviceTarget(svc.Name), OperationEnable)...)
						}
					}
				}
			})
			continue
		}

		for _, m := range spec.Members {
			if slices.Contains(cur.Members, m) {
				continue
			}
			id := b.add(ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseStructure,
				Target:    target,
				Attribute: "member." + m,
				Desired:   m,
				Command:   Command{Verb: "addDeviceToBond", Args: []string{m, cur.Device}},
			})
			b.dependOn(id, released[m])
			b.later = append(b.later, func() { b.dependOn(id, b.opsFor(portTarget(m))...) })
		}
		for _, m := range cur.Members {
			if slices.Contains(spec.Members, m) || released[m] != "" {
				continue
			}
			b.add(ChangeOp{
				Kind:      OperationDelete,
				Phase:     PhaseTeardown,
				Target:    target,
				Attribute: "member." + m,
				Previous:  m,
				Command:   Command{Verb: "removeDeviceFromBond", Args: []string{m, cur.Device}},
			})
		}
	}
}

// releaseMovedMembers removes ports from the bond they are in when the
// document puts them in a different bond. A port can belong to one bond at a
// time, so the removal runs with the structure changes and the create or add
// on the new bond waits for it. The result maps member device to op id.
func (b *planBuilder) releaseMovedMembers() map[string]string {
	owner := make(map[string]string)
	for _, spec := range b.doc.Bonds {
		if spec.Ensure.IsAbsent() {
			continue
		}
		for _, m := range spec.Members {
			owner[m] = spec.Name
		}
	}

	released := make(map[string]string)
	for _, cur := range b.current.Bonds {
		for _, m := range cur.Members {
			to, ok := owner[m]
			if !ok || to == cur.Name {
				continue
			}
			released[m] = b.add(ChangeOp{
				Kind:      OperationDelete,
				Phase:     PhaseStructure,
				Target:    "bond/" + cur.Name,
				Attribute: "member." + m,
				Previous:  m,
				Desired:   "bond/" + to,
				Command:   Command{Verb: "removeDeviceFromBond", Args: []string{m, cur.Device}},
			})
		}
	}
	return released
}

// dependOnServiceRemoval makes id wait for removal of services bound to the
// given hardware-port name or device.
func (b *planBuilder) dependOnServiceRemoval(id, portName, device string) {
	b.later = append(b.later, func() {
		for _, svc := range b.current.Services {
			if svc.HardwarePort == portName || (device != "" && svc.Device == device) {
				b.dependOn(id, b.opsFor(serviceTarget(svc.Name), OperationDelete)...)
			}
		}
	})
}

func (b *planBuilder) diffPPPoE() {
	if len(b.doc.PPPoE) > 0 && b.current.IsUnknown(SectionPPPoE) {
		b.warn("pppoe list unknown; pppoe changes skipped")
		return
	}
	for _, spec := range b.doc.PPPoE {
		target := "pppoe/" + spec.Name
		cur := b.current.PPPoEService(spec.Name)

		if spec.Ensure.IsAbsent() {
			if cur == nil {
				continue
			}
			var disconnectID string
			if cur.Connected {
				disconnectID = b.add(ChangeOp{
					Kind:      OperationDisable,
					Phase:     PhaseTeardown,
					Target:    target,
					Attribute: "connected",
					Previous:  "connected",
					Desired:   "disconnected",
					Command:   Command{Verb: "disconnectpppoeservice", Args: []string{spec.Name}},
				})
			}
			id := b.add(ChangeOp{
				Kind:    OperationDelete,
				Phase:   PhaseTeardown,
				Target:  target,
				Command: Command{Verb: "deletepppoeservice", Args: []string{spec.Name}},
			})
			b.dependOn(id, disconnectID)
			continue
		}

		var createID string
		connected := false
		if cur == nil {
			args := []string{spec.Device, spec.Name, spec.Account, spec.Password}
			if spec.ServiceName != "" {
				args = append(args, spec.ServiceName)
			}
			createID = b.add(ChangeOp{
				Kind:    OperationCreate,
				Phase:   PhaseStructure,
				Target:  target,
				Desired: spec.Account + "@" + spec.Device,
				Command: Command{Verb: "createpppoeservice", Args: args, Secret: []int{3}},
			})
		} else {
			connected = cur.Connected
		}

		if spec.Connected == nil || *spec.Connected == connected {
			continue
		}
		if *spec.Connected {
			id := b.add(ChangeOp{
				Kind:      OperationEnable,
				Phase:     PhaseSettings,
				Target:    target,
				Attribute: "connected",
				Previous:  "disconnected",
				Desired:   "connected",
				Command:   Command{Verb: "connectpppoeservice", Args: []string{spec.Name}},
			})
			b.dependOn(id, createID)
		} else {
			b.add(ChangeOp{
				Kind:      OperationDisable,
				Phase:     PhaseTeardown,
				Target:    target,
				Attribute: "connected",
				Previous:  "connected",
				Desired:   "disconnected",
				Command:   Command{Verb: "disconnectpppoeservice", Args: []string{spec.Name}},
			})
		}
	}
}

// newServiceDefaults is the state the backend gives a freshly created service.
func newServiceDefaults(name, port string) NetworkService {
	return NetworkService{
		Name:         name,
		HardwarePort: port,
		Enabled:      true,
		IPv4:         IPv4Config{Mode: IPv4DHCP},
		IPv6:         IPv6Config{Mode: IPv6Automatic},
	}
}

func (b *planBuilder) diffService(spec ServiceSpec) error {
	target := serviceTarget(spec.Name)
	state := b.current.Service(spec.Name)

	if spec.Ensure.IsAbsent() {
		if state == nil {
			return nil
		}
		if state.Status == EntityUnknown {
			b.warn("%s: current state unknown, removal skipped", target)
			return nil
		}
		b.add(ChangeOp{
			Kind:     OperationDelete,
			Phase:    PhaseTeardown,
			Target:   target,
			Previous: state.HardwarePort,
			Command:  Command{Verb: "removenetworkservice", Args: []string{spec.Name}},
		})
		return nil
	}

	var (
		cur      NetworkService
		createID string
		cautious bool
	)
	switch {
	case state == nil:
		if spec.HardwarePort == "" {
			return NewPermanentError("a new service requires hardware_port", nil).
				WithCode(ErrCodeValidation).WithTarget(target)
		}
		createID = b.add(ChangeOp{
			Kind:    OperationCreate,
			Phase:   PhaseStructure,
			Target:  target,
			Desired: spec.HardwarePort,
			Command: Command{Verb: "createnetworkservice", Args: []string{spec.Name, spec.HardwarePort}},
		})
		b.dependOn(createID, b.created[spec.HardwarePort])
		b.created[target] = createID
		cur = newServiceDefaults(spec.Name, spec.HardwarePort)
	case state.Status == EntityUnknown:
		cautious = true
		cur = NetworkService{Name: spec.Name}
		b.warn("%s: current state unknown (%s), re-asserting desired settings", target, state.Error)
	default:
		cur = state.NetworkService
	}

	emit := func(op ChangeOp) string {
		op.Target = target
		op.Cautious = cautious
		id := b.add(op)
		b.dependOn(id, createID)
		return id
	}

	if spec.Enabled != nil && (cautious || cur.Enabled != *spec.Enabled) {
		op := ChangeOp{
			Attribute: "enabled",
			Previous:  onOff(cur.Enabled),
			Desired:   onOff(*spec.Enabled),
			Command:   Command{Verb: "setnetworkserviceenabled", Args: []string{spec.Name, onOff(*spec.Enabled)}},
		}
		if *spec.Enabled {
			op.Kind, op.Phase = OperationEnable, PhaseEnable
		} else {
			op.Kind, op.Phase = OperationDisable, PhaseTeardown
		}
		emit(op)
	}

	if spec.IPv4 != nil && (cautious || !ipv4Satisfied(cur.IPv4, spec.IPv4)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseAddressing,
			Attribute: "ipv4",
			Previous:  ipv4String(cur.IPv4),
			Desired:   ipv4String(IPv4Config{Mode: spec.IPv4.Mode, Address: spec.IPv4.Address, SubnetMask: spec.IPv4.SubnetMask, Router: spec.IPv4.Router, ClientID: spec.IPv4.ClientID}),
			Command:   ipv4Command(spec.Name, spec.IPv4),
		})
	}

	if spec.IPv6 != nil && (cautious || !ipv6Satisfied(cur.IPv6, spec.IPv6)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseAddressing,
			Attribute: "ipv6",
			Previous:  ipv6String(cur.IPv6),
			Desired:   ipv6String(IPv6Config{Mode: spec.IPv6.Mode, Address: spec.IPv6.Address, PrefixLength: spec.IPv6.PrefixLength, Router: spec.IPv6.Router}),
			Command:   ipv6Command(spec.Name, spec.IPv6),
		})
	}

	if spec.DNSServers != nil && (cautious || !slices.Equal(cur.DNSServers, *spec.DNSServers)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "dns",
			Previous:  listString(cur.DNSServers),
			Desired:   listString(*spec.DNSServers),
			Command:   Command{Verb: "setdnsservers", Args: listArgs(spec.Name, *spec.DNSServers)},
		})
	}

	if spec.SearchDomains != nil && (cautious || !slices.Equal(cur.SearchDomains, *spec.SearchDomains)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "search_domains",
			Previous:  listString(cur.SearchDomains),
			Desired:   listString(*spec.SearchDomains),
			Command:   Command{Verb: "setsearchdomains", Args: listArgs(spec.Name, *spec.SearchDomains)},
		})
	}

	if spec.Routes != nil && (cautious || !slices.Equal(cur.Routes, *spec.Routes)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "routes",
			Previous:  routesString(cur.Routes),
			Desired:   routesString(*spec.Routes),
			Command:   Command{Verb: "setadditionalroutes", Args: routeArgs(spec.Name, *spec.Routes)},
		})
	}

	if spec.RoutesV6 != nil && (cautious || !slices.Equal(cur.RoutesV6, *spec.RoutesV6)) {
		emit(ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "routes_v6",
			Previous:  routesString(cur.RoutesV6),
			Desired:   routesString(*spec.RoutesV6),
			Command:   Command{Verb: "setv6additionalroutes", Args: routeArgs(spec.Name, *spec.RoutesV6)},
		})
	}

	if spec.Proxies != nil {
		for _, op := range proxyOps(spec.Name, &cur.Proxies, spec.Proxies, cautious) {
			emit(op)
		}
	}

	return nil
}

var proxyVerbs = map[ProxyKind][2]string{
	ProxyWeb:       {"setwebproxy", "setwebproxystate"},
	ProxySecureWeb: {"setsecurewebproxy", "setsecurewebproxystate"},
	ProxySOCKS:     {"setsocksfirewallproxy", "setsocksfirewallproxystate"},
}

func proxyOps(service string, cur *ProxyConfig, want *ProxiesSpec, force bool) []ChangeOp {
	var ops []ChangeOp
	for _, kind := range ProxyKinds {
		p := want.Endpoint(kind)
		if p == nil {
			continue
		}
		c := cur.Endpoint(kind)
		attr := "proxy." + string(kind)
		verbs := proxyVerbs[kind]

		if !p.Enabled {
			if force || c.Enabled {
				ops = append(ops, ChangeOp{
					Kind:      OperationDisable,
					Phase:     PhaseSettings,
					Attribute: attr + ".state",
					Previous:  onOff(c.Enabled),
					Desired:   "off",
					Command:   Command{Verb: verbs[1], Args: []string{service, "off"}},
				})
			}
			continue
		}

		matches := c.Server == p.Server && c.Port == p.Port && c.Authenticated == p.Authenticated &&
			(!p.Authenticated || c.Username == p.Username)
		if force || !matches {
			cmd := Command{Verb: verbs[0], Args: []string{service, p.Server, strconv.Itoa(p.Port)}}
			switch {
			case p.Authenticated:
				cmd.Args = append(cmd.Args, "on", p.Username, p.Password)
				cmd.Secret = []int{5}
			case c.Authenticated:
				cmd.Args = append(cmd.Args, "off")
			}
			ops = append(ops, ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseSettings,
				Attribute: attr,
				Previous:  endpointString(*c),
				Desired:   endpointString(ProxyEndpoint{Enabled: true, Server: p.Server, Port: p.Port, Authenticated: p.Authenticated, Username: p.Username}),
				Command:   cmd,
			})
			continue
		}
		if !c.Enabled {
			ops = append(ops, ChangeOp{
				Kind:      OperationEnable,
				Phase:     PhaseSettings,
				Attribute: attr + ".state",
				Previous:  "off",
				Desired:   "on",
				Command:   Command{Verb: verbs[1], Args: []string{service, "on"}},
			})
		}
	}

	if want.BypassDomains != nil && (force || !sameSet(cur.BypassDomains, *want.BypassDomains)) {
		ops = append(ops, ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "proxy.bypass",
			Previous:  listString(cur.BypassDomains),
			Desired:   listString(*want.BypassDomains),
			Command:   Command{Verb: "setproxybypassdomains", Args: listArgs(service, *want.BypassDomains)},
		})
	}

	if want.AutoDiscovery != nil && (force || cur.AutoDiscovery != *want.AutoDiscovery) {
		ops = append(ops, ChangeOp{
			Kind:      OperationUpdate,
			Phase:     PhaseSettings,
			Attribute: "proxy.auto_discovery",
			Previous:  onOff(cur.AutoDiscovery),
			Desired:   onOff(*want.AutoDiscovery),
			Command:   Command{Verb: "setproxyautodiscovery", Args: []string{service, onOff(*want.AutoDiscovery)}},
		})
	}
	return ops
}

func (b *planBuilder) diffWireless() error {
	for _, spec := range b.doc.Wireless {
		target := "wireless/" + spec.Device
		cur := b.current.WirelessDevice(spec.Device)
		switch {
		case cur == nil && b.current.IsUnknown(SectionPorts):
			// wireless devices are discovered from the hardware port list
			cur = &WirelessState{Device: spec.Device, Status: EntityUnknown, Error: "hardware ports unknown"}
		case cur == nil:
			return NewPermanentError(fmt.Sprintf("wireless device %q not found", spec.Device), nil).
				WithCode(ErrCodeNotFound).WithTarget(target)
		}
		cautious := cur.Status == EntityUnknown
		if cautious {
			b.warn("%s: current state unknown (%s), re-asserting power and network", target, cur.Error)
		}

		var powerID string
		if spec.Power != nil && (cautious || cur.Power != *spec.Power) {
			powerID = b.add(ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseHardware,
				Target:    target,
				Attribute: "power",
				Previous:  onOff(cur.Power),
				Desired:   onOff(*spec.Power),
				Command:   Command{Verb: "setairportpower", Args: []string{spec.Device, onOff(*spec.Power)}},
				Cautious:  cautious,
			})
		}

		if spec.Network != nil && (cautious || cur.CurrentNetwork != spec.Network.SSID) {
			cmd := Command{Verb: "setairportnetwork", Args: []string{spec.Device, spec.Network.SSID}}
			if spec.Network.Password != "" {
				cmd.Args = append(cmd.Args, spec.Network.Password)
				cmd.Secret = []int{2}
			}
			id := b.add(ChangeOp{
				Kind:      OperationUpdate,
				Phase:     PhaseSettings,
				Target:    target,
				Attribute: "network",
				Previous:  cur.CurrentNetwork,
				Desired:   spec.Network.SSID,
				Command:   cmd,
				Cautious:  cautious,
			})
			b.dependOn(id, powerID)
		}

		if spec.Preferred == nil {
			continue
		}
		if cautious {
			b.warn("%s: preferred network list unknown, reordering skipped", target)
			continue
		}
		prev := ""
		for _, op := range preferredOps(spec.Device, cur.SSIDs(), *spec.Preferred) {
			op.Target = target
			id := b.add(op)
			b.dependOn(id, prev)
			prev = id
		}
	}
	return nil
}

// preferredOps returns the removals and indexed insertions that turn the
// current preferred list into the desired one while keeping indices dense.
func preferredOps(device string, current []string, want []PreferredNetworkSpec) []ChangeOp {
	var ops []ChangeOp
	list := append([]string(nil), current...)

	wanted := make(map[string]bool, len(want))
	for _, w := range want {
		wanted[w.SSID] = true
	}

	remove := func(ssid string, attr string) {
		ops = append(ops, ChangeOp{
			Kind:      OperationDelete,
			Phase:     PhaseSettings,
			Attribute: attr,
			Previous:  ssid,
			Command:   Command{Verb: "removepreferredwirelessnetwork", Args: []string{device, ssid}},
		})
		list = slices.DeleteFunc(list, func(s string) bool { return s == ssid })
	}

	for _, ssid := range current {
		if !wanted[ssid] {
			remove(ssid, "preferred.remove."+ssid)
		}
	}

	for i, w := range want {
		if i < len(list) && list[i] == w.SSID {
			continue
		}
		if slices.Contains(list, w.SSID) {
			remove(w.SSID, "preferred.move."+w.SSID)
		}
		security := w.Security
		if security == "" {
			security = "OPEN"
		}
		cmd := Command{
			Verb: "addpreferredwirelessnetworkatindex",
			Args: []string{device, w.SSID, strconv.Itoa(i), security},
		}
		if w.Password != "" {
			cmd.Args = append(cmd.Args, w.Password)
			cmd.Secret = []int{4}
		}
		ops = append(ops, ChangeOp{
			Kind:      OperationCreate,
			Phase:     PhaseSettings,
			Attribute: "preferred.add." + w.SSID,
			Desired:   fmt.Sprintf("%s@%d", w.SSID, i),
			Command:   cmd,
		})
		list = slices.Insert(list, min(i, len(list)), w.SSID)
	}
	return ops
}

func (b *planBuilder) diffProfiles() {
	for _, spec := range b.doc.Profiles {
		target := spec.Key()
		var serviceCreate string
		if spec.Service != "" {
			serviceCreate = b.created[serviceTarget(spec.Service)]
		}

		exists, known := b.profileExists(spec)
		if !known {
			b.warn("%s: profile state cannot be read, re-asserting", target)
		}

		if spec.Ensure.IsAbsent() {
			if known && !exists {
				continue
			}
			b.add(ChangeOp{
				Kind:     OperationDelete,
				Phase:    PhaseTeardown,
				Target:   target,
				Command:  profileDeleteCommand(spec),
				Cautious: !known,
			})
			continue
		}

		if known && exists {
			continue
		}

		var identityID string
		if spec.IdentityFile != "" {
			if cmd, ok := profileIdentityCommand(spec); ok {
				identityID = b.add(ChangeOp{
					Kind:      OperationCreate,
					Phase:     PhaseSettings,
					Target:    target,
					Attribute: "identity",
					Desired:   spec.IdentityFile,
					Command:   cmd,
					Cautious:  !known,
				})
				b.dependOn(identityID, serviceCreate)
			}
		}

		enabled := true
		if spec.Enabled != nil {
			enabled = *spec.Enabled
		} else if spec.Scope != ProfileScopeLogin {
			continue
		}
		id := b.add(ChangeOp{
			Kind:      OperationEnable,
			Phase:     PhaseSettings,
			Target:    target,
			Attribute: "enabled",
			Desired:   onOff(enabled),
			Command:   profileEnableCommand(spec, enabled),
			Cautious:  !known,
		})
		b.dependOn(id, identityID, serviceCreate)
	}
}

// profileExists reports existence and whether existence could be determined.
// System-scope profiles cannot be listed by the backend.
func (b *planBuilder) profileExists(spec ProfileSpec) (exists, known bool) {
	switch spec.Scope {
	case ProfileScopeUser:
		if b.current.IsUnknown(SectionProfiles) {
			return false, false
		}
		return slices.Contains(b.current.UserProfiles, spec.Name), true
	case ProfileScopeLogin:
		svc := b.current.Service(spec.Service)
		if svc == nil {
			return false, true
		}
		if svc.Status == EntityUnknown {
			return false, false
		}
		return slices.Contains(svc.LoginProfiles, spec.Name), true
	default:
		return false, false
	}
}

func profileDeleteCommand(p ProfileSpec) Command {
	switch p.Scope {
	case ProfileScopeSystem:
		return Command{Verb: "deletesystemprofile", Args: []string{p.Service}}
	case ProfileScopeLogin:
		return Command{Verb: "deleteloginprofile", Args: []string{p.Service, p.Name}}
	default:
		return Command{Verb: "deleteuserprofile", Args: []string{p.Name}}
	}
}

func profileIdentityCommand(p ProfileSpec) (Command, bool) {
	switch p.Scope {
	case ProfileScopeSystem:
		return Command{Verb: "settlsidentityonsystemprofile", Args: []string{p.Service, p.IdentityFile, p.Passphrase}, Secret: []int{2}}, true
	case ProfileScopeUser:
		return Command{Verb: "settlsidentityonuserprofile", Args: []string{p.Name, p.IdentityFile, p.Passphrase}, Secret: []int{2}}, true
	default:
		return Command{}, false
	}
}

func profileEnableCommand(p ProfileSpec, on bool) Command {
	switch p.Scope {
	case ProfileScopeSystem:
		return Command{Verb: "enablesystemprofile", Args: []string{p.Service, onOff(on)}}
	case ProfileScopeLogin:
		return Command{Verb: "enableloginprofile", Args: []string{p.Service, p.Name, onOff(on)}}
	default:
		return Command{Verb: "enableuserprofile", Args: []string{p.Name, onOff(on)}}
	}
}

func (b *planBuilder) diffComputerName() {
	if b.doc.ComputerName == nil {
		return
	}
	want := *b.doc.ComputerName
	unknown := b.current.IsUnknown(SectionComputerName)
	if !unknown && b.current.ComputerName == want {
		return
	}
	b.add(ChangeOp{
		Kind:      OperationUpdate,
		Phase:     PhaseSettings,
		Target:    "host",
		Attribute: "computer_name",
		Previous:  b.current.ComputerName,
		Desired:   want,
		Command:   Command{Verb: "setcomputername", Args: []string{want}},
		Cautious:  unknown,
	})
}

// diffServiceOrder emits one ordernetworkservices op when the projected order
// after this plan differs from the requested one. Services not named in the
// document keep their relative order after the named ones.
func (b *planBuilder) diffServiceOrder() {
	if len(b.doc.ServiceOrder) == 0 {
		return
	}
	if b.current.IsUnknown(SectionServiceOrder) {
		b.warn("service order unknown; reordering skipped")
		return
	}

	removed := make(map[string]bool)
	var createdIDs []string
	var projected []string
	for _, name := range b.current.ServiceOrder {
		if spec := b.desired.Service(name); spec != nil && spec.Ensure.IsAbsent() {
			removed[name] = true
			continue
		}
		projected = append(projected, name)
	}
	for _, spec := range b.doc.Services {
		if id, ok := b.created[serviceTarget(spec.Name)]; ok {
			projected = append(projected, spec.Name)
			createdIDs = append(createdIDs, id)
		}
	}

	want := make([]string, 0, len(projected))
	for _, name := range b.doc.ServiceOrder {
		if slices.Contains(projected, name) {
			want = append(want, name)
		} else {
			b.warn("service_order: %q does not exist and is ignored", name)
		}
	}
	for _, name := range projected {
		if !slices.Contains(want, name) {
			want = append(want, name)
		}
	}

	if slices.Equal(projected, want) {
		return
	}
	id := b.add(ChangeOp{
		Kind:      OperationReorder,
		Phase:     PhaseOrder,
		Target:    "service_order",
		Attribute: "",
		Previous:  listString(projected),
		Desired:   listString(want),
		Command:   Command{Verb: "ordernetworkservices", Args: want},
	})
	b.dependOn(id, createdIDs...)
}

func ipv4Satisfied(cur IPv4Config, want *IPv4Spec) bool {
	if cur.Mode != want.Mode {
		return false
	}
	switch want.Mode {
	case IPv4Manual:
		return cur.Address == want.Address && cur.SubnetMask == want.SubnetMask && cur.Router == want.Router
	case IPv4ManualWithDHCPRouter:
		return cur.Address == want.Address
	case IPv4DHCP:
		return want.ClientID == "" || cur.ClientID == want.ClientID
	default:
		return true
	}
}

func ipv4Command(service string, s *IPv4Spec) Command {
	switch s.Mode {
	case IPv4Manual:
		return Command{Verb: "setmanual", Args: []string{service, s.Address, s.SubnetMask, s.Router}}
	case IPv4ManualWithDHCPRouter:
		return Command{Verb: "setmanualwithdhcprouter", Args: []string{service, s.Address}}
	case IPv4BootP:
		return Command{Verb: "setbootp", Args: []string{service}}
	case IPv4Off:
		return Command{Verb: "setv4off", Args: []string{service}}
	default:
		if s.ClientID != "" {
			return Command{Verb: "setdhcp", Args: []string{service, s.ClientID}}
		}
		return Command{Verb: "setdhcp", Args: []string{service}}
	}
}

func ipv6Satisfied(cur IPv6Config, want *IPv6Spec) bool {
	if cur.Mode != want.Mode {
		return false
	}
	if want.Mode == IPv6Manual {
		return cur.Address == want.Address && cur.PrefixLength == want.PrefixLength && cur.Router == want.Router
	}
	return true
}

func ipv6Command(service string, s *IPv6Spec) Command {
	switch s.Mode {
	case IPv6Off:
		return Command{Verb: "setv6off", Args: []string{service}}
	case IPv6LinkLocal:
		return Command{Verb: "setv6LinkLocal", Args: []string{service}}
	case IPv6Manual:
		return Command{Verb: "setv6manual", Args: []string{service, s.Address, strconv.Itoa(s.PrefixLength), s.Router}}
	default:
		return Command{Verb: "setv6automatic", Args: []string{service}}
	}
}

func listArgs(service string, values []string) []string {
	if len(values) == 0 {
		return []string{service, emptyListArg}
	}
	return append([]string{service}, values...)
}

func routeArgs(service string, routes []Route) []string {
	args := []string{service}
	for _, r := range routes {
		args = append(args, r.Destination, r.Mask, r.Gateway)
	}
	return args
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return slices.Equal(x, y)
}

func mediaEqual(a, b MediaConfig) bool {
	return a.Subtype == b.Subtype && sameSet(a.Options, b.Options)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func intString(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

func listString(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ",")
}

func routesString(routes []Route) string {
	if len(routes) == 0 {
		return "(none)"
	}
	parts := make([]string, len(routes))
	for i, r := range routes {
		parts[i] = fmt.Sprintf("%s/%s via %s", r.Destination, r.Mask, r.Gateway)
	}
	return strings.Join(parts, ",")
}

func ipv4String(c IPv4Config) string {
	switch c.Mode {
	case IPv4Manual:
		return fmt.Sprintf("manual %s/%s via %s", c.Address, c.SubnetMask, c.Router)
	case IPv4ManualWithDHCPRouter:
		return "manual_with_dhcp_router " + c.Address
	case IPv4DHCP:
		if c.ClientID != "" {
			return "dhcp client-id " + c.ClientID
		}
		return "dhcp"
	case "":
		return "(unknown)"
	default:
		return string(c.Mode)
	}
}

func ipv6String(c IPv6Config) string {
	switch c.Mode {
	case IPv6Manual:
		return fmt.Sprintf("manual %s/%d via %s", c.Address, c.PrefixLength, c.Router)
	case "":
		return "(unknown)"
	default:
		return string(c.Mode)
	}
}

func endpointString(e ProxyEndpoint) string {
	if e.Server == "" {
		return onOff(e.Enabled)
	}
	s := fmt.Sprintf("%s:%d", e.Server, e.Port)
	if e.Authenticated {
		s = e.Username + "@" + s
	}
	if !e.Enabled {
		s += " (off)"
	}
	return s
}

func vlanString(v VLAN) string {
	return fmt.Sprintf("%s tag %d", v.ParentDevice, v.Tag)
}
