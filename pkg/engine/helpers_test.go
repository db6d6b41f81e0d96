package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"
)

// simBackend is an in-memory backend that applies commands to a SystemState.
// It implements Gateway and Inspector.
type simBackend struct {
	mu    sync.Mutex
	state *SystemState
	calls []Command

	// fail returns an error for the nth call (1-based) of a verb, or nil.
	fail func(cmd Command, n int) error
	seen map[string]int

	// validate rejects commands in dry-run.
	validate func(cmd Command) error
}

func newSimBackend(state *SystemState) *simBackend {
	return &simBackend{state: cloneState(state), seen: make(map[string]int)}
}

func cloneState(s *SystemState) *SystemState {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out SystemState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

func (b *simBackend) Snapshot(context.Context) (*SystemState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneState(b.state), nil
}

func (b *simBackend) Validate(cmd Command) error {
	if b.validate != nil {
		return b.validate(cmd)
	}
	return nil
}

func (b *simBackend) Execute(_ context.Context, cmd Command) (*CommandOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, cmd)
	b.seen[cmd.Verb]++
	if b.fail != nil {
		if err := b.fail(cmd, b.seen[cmd.Verb]); err != nil {
			return nil, err
		}
	}
	if err := b.apply(cmd); err != nil {
		return nil, err
	}
	return &CommandOutput{}, nil
}

func (b *simBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *simBackend) verbs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, c := range b.calls {
		out[i] = c.Verb
	}
	return out
}

func listValue(args []string) []string {
	if len(args) == 1 && args[0] == emptyListArg {
		return nil
	}
	return append([]string(nil), args...)
}

func (b *simBackend) service(name string) (*ServiceState, error) {
	svc := b.state.Service(name)
	if svc == nil {
		return nil, NewPermanentError(name+" is not a recognized network service", nil).WithCode(ErrCodeNotFound)
	}
	return svc, nil
}

func (b *simBackend) apply(cmd Command) error {
	a := cmd.Args
	switch cmd.Verb {
	case "createlocation":
		b.state.Locations = append(b.state.Locations, a[0])
	case "switchtolocation":
		b.state.CurrentLocation = a[0]
	case "createnetworkservice":
		b.state.Services = append(b.state.Services, ServiceState{
			Status:         EntityKnown,
			NetworkService: newServiceDefaults(a[0], a[1]),
		})
		b.state.ServiceOrder = append(b.state.ServiceOrder, a[0])
	case "removenetworkservice":
		b.state.Services = slices.DeleteFunc(b.state.Services, func(s ServiceState) bool { return s.Name == a[0] })
		b.state.ServiceOrder = slices.DeleteFunc(b.state.ServiceOrder, func(s string) bool { return s == a[0] })
	case "ordernetworkservices":
		b.state.ServiceOrder = append([]string(nil), a...)
	case "setnetworkserviceenabled":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.Enabled = a[1] == "on"
	case "setdhcp":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.IPv4 = IPv4Config{Mode: IPv4DHCP}
		if len(a) > 1 {
			svc.IPv4.ClientID = a[1]
		}
	case "setmanual":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.IPv4 = IPv4Config{Mode: IPv4Manual, Address: a[1], SubnetMask: a[2], Router: a[3]}
	case "setv6off":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.IPv6 = IPv6Config{Mode: IPv6Off}
	case "setdnsservers":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.DNSServers = listValue(a[1:])
	case "setsearchdomains":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.SearchDomains = listValue(a[1:])
	case "setwebproxy":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		port, _ := strconv.Atoi(a[2])
		svc.Proxies.Web = ProxyEndpoint{Enabled: true, Server: a[1], Port: port}
		if len(a) > 3 && a[3] == "on" {
			svc.Proxies.Web.Authenticated = true
			svc.Proxies.Web.Username = a[4]
		}
	case "setwebproxystate":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.Proxies.Web.Enabled = a[1] == "on"
	case "setproxybypassdomains":
		svc, err := b.service(a[0])
		if err != nil {
			return err
		}
		svc.Proxies.BypassDomains = listValue(a[1:])
	case "setMTU":
		port := b.state.Port(a[0])
		if port == nil {
			return fmt.Errorf("no port %s", a[0])
		}
		port.MTU, _ = strconv.Atoi(a[1])
	case "createBond":
		b.state.Bonds = append(b.state.Bonds, Bond{Name: a[0], Device: fmt.Sprintf("bond%d", len(b.state.Bonds)), Members: a[1:]})
	case "removeDeviceFromBond":
		for i := range b.state.Bonds {
			if b.state.Bonds[i].Device == a[1] {
				b.state.Bonds[i].Members = slices.DeleteFunc(b.state.Bonds[i].Members, func(m string) bool { return m == a[0] })
			}
		}
	case "setairportpower":
		w := b.state.WirelessDevice(a[0])
		w.Power = a[1] == "on"
	case "removepreferredwirelessnetwork":
		w := b.state.WirelessDevice(a[0])
		w.Preferred = slices.DeleteFunc(w.Preferred, func(n PreferredNetwork) bool { return n.SSID == a[1] })
		reindex(w)
	case "addpreferredwirelessnetworkatindex":
		w := b.state.WirelessDevice(a[0])
		idx, _ := strconv.Atoi(a[2])
		idx = min(idx, len(w.Preferred))
		w.Preferred = slices.Insert(w.Preferred, idx, PreferredNetwork{SSID: a[1], Security: a[3]})
		reindex(w)
	case "setcomputername":
		b.state.ComputerName = a[0]
	default:
		return fmt.Errorf("simulator does not support %s", cmd.Verb)
	}
	return nil
}

func reindex(w *WirelessState) {
	for i := range w.Preferred {
		w.Preferred[i].Index = i
	}
}

// memLedger is an in-memory Ledger and RunStore.
type memLedger struct {
	mu      sync.Mutex
	records []ChangeRecord
	runs    []*ApplyReport
	err     error
}

func (l *memLedger) Record(_ context.Context, rec ChangeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, rec)
	return nil
}

func (l *memLedger) SaveRun(_ context.Context, report *ApplyReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, report)
	return nil
}

func (l *memLedger) all() []ChangeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ChangeRecord(nil), l.records...)
}

// memLocker is an in-memory Locker.
type memLocker struct {
	mu      sync.Mutex
	holders map[string]string
}

func (l *memLocker) AcquireLock(_ context.Context, location, owner string, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders == nil {
		l.holders = make(map[string]string)
	}
	if h, ok := l.holders[location]; ok && h != owner {
		return NewConflictError("location locked by "+h, nil).WithCode(ErrCodeLocked)
	}
	l.holders[location] = owner
	return nil
}

func (l *memLocker) ReleaseLock(_ context.Context, location, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[location] == owner {
		delete(l.holders, location)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// wifiManualState is a host with one manually addressed Wi-Fi service.
func wifiManualState() *SystemState {
	return &SystemState{
		CurrentLocation: "Automatic",
		Locations:       []string{"Automatic"},
		ServiceOrder:    []string{"Wi-Fi"},
		Services: []ServiceState{{
			Status: EntityKnown,
			NetworkService: NetworkService{
				Name:         "Wi-Fi",
				HardwarePort: "Wi-Fi",
				Device:       "en0",
				Enabled:      true,
				IPv4:         IPv4Config{Mode: IPv4Manual, Address: "10.0.0.5", SubnetMask: "255.255.255.0", Router: "10.0.0.1"},
				IPv6:         IPv6Config{Mode: IPv6Automatic},
			},
		}},
		Ports: []HardwarePort{
			{Name: "Wi-Fi", Device: "en0", MTU: 1500, MTURange: MTURange{Min: 1280, Max: 1500}, Status: EntityKnown},
			{Name: "Ethernet", Device: "en1", MTU: 1500, MTURange: MTURange{Min: 1280, Max: 9000}, Status: EntityKnown},
			{Name: "Thunderbolt Ethernet", Device: "en2", MTU: 1500, MTURange: MTURange{Min: 1280, Max: 9000}, Status: EntityKnown},
		},
		Wireless: []WirelessState{{
			Device: "en0",
			Power:  true,
			Preferred: []PreferredNetwork{
				{SSID: "Home", Security: "WPA2", Index: 0},
				{SSID: "Office", Security: "WPA2", Index: 1},
				{SSID: "Cafe", Security: "OPEN", Index: 2},
			},
			Status: EntityKnown,
		}},
		ComputerName: "studio",
	}
}

func mustDesired(doc Document) *DesiredState {
	d, err := NewDesiredState(doc)
	if err != nil {
		panic(err)
	}
	return d
}
