package engine

import (
	"encoding/json"
	"strings"
	"time"
)

// Command is a single backend invocation: one verb and its positional arguments.
type Command struct {
	// Verb is the networksetup verb without the leading dash (e.g. "setdnsservers").
	Verb string `json:"verb"`

	// Args are the positional arguments in backend order.
	Args []string `json:"args,omitempty"`

	// Secret lists indexes into Args that must never be logged or persisted.
	Secret []int `json:"-"`
}

// Redacted returns Args with secret positions masked.
func (c Command) Redacted() []string {
	out := make([]string, len(c.Args))
	copy(out, c.Args)
	for _, i := range c.Secret {
		if i >= 0 && i < len(out) {
			out[i] = "********"
		}
	}
	return out
}

// MarshalJSON encodes the command with secret arguments masked, so plans and
// run reports never carry them.
func (c Command) MarshalJSON() ([]byte, error) {
	type plain Command
	p := plain(c)
	if len(c.Args) > 0 {
		p.Args = c.Redacted()
	}
	return json.Marshal(p)
}

// String renders the command for logs and the ledger with secrets masked.
func (c Command) String() string {
	var b strings.Builder
	b.WriteString("-")
	b.WriteString(c.Verb)
	for _, a := range c.Redacted() {
		b.WriteByte(' ')
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			b.WriteString(`"` + strings.ReplaceAll(a, `"`, `\"`) + `"`)
		} else {
			b.WriteString(a)
		}
	}
	return b.String()
}

// CommandOutput is the captured result of a successful backend invocation.
type CommandOutput struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Route is an additional static route. For IPv6 routes Mask holds the prefix length.
type Route struct {
	Destination string `json:"destination" yaml:"destination" validate:"required,ip"`
	Mask        string `json:"mask" yaml:"mask" validate:"required"`
	Gateway     string `json:"gateway" yaml:"gateway" validate:"required,ip"`
}

// IPv4Config is the IPv4 addressing state of a service.
type IPv4Config struct {
	Mode       IPv4Mode `json:"mode"`
	Address    string   `json:"address,omitempty"`
	SubnetMask string   `json:"subnet_mask,omitempty"`
	Router     string   `json:"router,omitempty"`
	ClientID   string   `json:"client_id,omitempty"`
}

// IPv6Config is the IPv6 addressing state of a service.
type IPv6Config struct {
	Mode         IPv6Mode `json:"mode"`
	Address      string   `json:"address,omitempty"`
	PrefixLength int      `json:"prefix_length,omitempty"`
	Router       string   `json:"router,omitempty"`
}

// ProxyEndpoint is the configuration of one proxy protocol on a service.
// The backend never reports passwords, so Password is only ever set from desired state.
type ProxyEndpoint struct {
	Enabled       bool   `json:"enabled"`
	Server        string `json:"server,omitempty"`
	Port          int    `json:"port,omitempty"`
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"-"`
}

// ProxyConfig is the proxy configuration of a service.
type ProxyConfig struct {
	Web           ProxyEndpoint `json:"web"`
	SecureWeb     ProxyEndpoint `json:"secure_web"`
	SOCKS         ProxyEndpoint `json:"socks"`
	BypassDomains []string      `json:"bypass_domains,omitempty"`
	AutoDiscovery bool          `json:"auto_discovery"`
}

// Endpoint returns the endpoint for kind.
func (p *ProxyConfig) Endpoint(kind ProxyKind) *ProxyEndpoint {
	switch kind {
	case ProxySecureWeb:
		return &p.SecureWeb
	case ProxySOCKS:
		return &p.SOCKS
	default:
		return &p.Web
	}
}

// NetworkService is an observed network service in the current location.
type NetworkService struct {
	Name          string      `json:"name"`
	HardwarePort  string      `json:"hardware_port,omitempty"`
	Device        string      `json:"device,omitempty"`
	Enabled       bool        `json:"enabled"`
	IPv4          IPv4Config  `json:"ipv4"`
	IPv6          IPv6Config  `json:"ipv6"`
	DNSServers    []string    `json:"dns_servers,omitempty"`
	SearchDomains []string    `json:"search_domains,omitempty"`
	Routes        []Route     `json:"routes,omitempty"`
	RoutesV6      []Route     `json:"routes_v6,omitempty"`
	Proxies       ProxyConfig `json:"proxies"`
	LoginProfiles []string    `json:"login_profiles,omitempty"`
}

// ServiceState is a NetworkService plus inspection status.
type ServiceState struct {
	NetworkService
	Status EntityStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// MTURange is the valid MTU range reported for a port.
type MTURange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Contains reports whether mtu is within the range; an unset range accepts any value.
func (r MTURange) Contains(mtu int) bool {
	if r.Min == 0 && r.Max == 0 {
		return true
	}
	return mtu >= r.Min && mtu <= r.Max
}

// MediaConfig is a port's media subtype and options.
type MediaConfig struct {
	Subtype string   `json:"subtype" yaml:"subtype" validate:"required"`
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// String renders the media as the backend prints it.
func (m MediaConfig) String() string {
	if len(m.Options) == 0 {
		return m.Subtype
	}
	return m.Subtype + " <" + strings.Join(m.Options, ",") + ">"
}

// HardwarePort is a physical or virtual interface.
// VLANParent and Bond are named-id relations to the parent device and the
// bond device respectively.
type HardwarePort struct {
	Name       string       `json:"name"`
	Device     string       `json:"device"`
	MACAddress string       `json:"mac_address,omitempty"`
	MTU        int          `json:"mtu,omitempty"`
	MTURange   MTURange     `json:"mtu_range"`
	Media      MediaConfig  `json:"media"`
	VLANParent string       `json:"vlan_parent,omitempty"`
	Bond       string       `json:"bond,omitempty"`
	Status     EntityStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
}

// VLAN is a virtual interface on a parent device.
type VLAN struct {
	Name         string `json:"name"`
	ParentDevice string `json:"parent_device"`
	Tag          int    `json:"tag"`
	Device       string `json:"device,omitempty"`
}

// Bond is a link aggregate of member devices.
type Bond struct {
	Name    string   `json:"name"`
	Device  string   `json:"device"`
	Members []string `json:"members"`
}

// PreferredNetwork is one entry in a wireless device's preferred network list.
type PreferredNetwork struct {
	SSID     string `json:"ssid"`
	Security string `json:"security,omitempty"`
	Index    int    `json:"index"`
	Password string `json:"-"`
}

// WirelessState is the observed state of a wireless device.
type WirelessState struct {
	Device         string             `json:"device"`
	Power          bool               `json:"power"`
	CurrentNetwork string             `json:"current_network,omitempty"`
	Preferred      []PreferredNetwork `json:"preferred,omitempty"`
	Status         EntityStatus       `json:"status"`
	Error          string             `json:"error,omitempty"`
}

// SSIDs returns the preferred network names in index order.
func (w *WirelessState) SSIDs() []string {
	out := make([]string, len(w.Preferred))
	for i, n := range w.Preferred {
		out[i] = n.SSID
	}
	return out
}

// PPPoEState is an observed PPPoE service.
type PPPoEState struct {
	Name      string       `json:"name"`
	Connected bool         `json:"connected"`
	Status    EntityStatus `json:"status"`
}

// Sections of a snapshot that can be individually unknown.
const (
	SectionServiceOrder = "service_order"
	SectionPorts        = "hardware_ports"
	SectionVLANs        = "vlans"
	SectionBonds        = "bonds"
	SectionPPPoE        = "pppoe"
	SectionProfiles     = "user_profiles"
	SectionComputerName = "computer_name"
)

// SystemState is a point-in-time snapshot of the host's network configuration.
// It is built for one cycle and never cached.
type SystemState struct {
	CapturedAt      time.Time         `json:"captured_at"`
	CurrentLocation string            `json:"current_location"`
	Locations       []string          `json:"locations"`
	ComputerName    string            `json:"computer_name,omitempty"`
	ServiceOrder    []string          `json:"service_order,omitempty"`
	Services        []ServiceState    `json:"services"`
	Ports           []HardwarePort    `json:"hardware_ports,omitempty"`
	VLANs           []VLAN            `json:"vlans,omitempty"`
	Bonds           []Bond            `json:"bonds,omitempty"`
	PPPoE           []PPPoEState      `json:"pppoe,omitempty"`
	Wireless        []WirelessState   `json:"wireless,omitempty"`
	UserProfiles    []string          `json:"user_profiles,omitempty"`
	Unknown         map[string]string `json:"unknown,omitempty"`
}

// Service returns the named service or nil.
func (s *SystemState) Service(name string) *ServiceState {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i]
		}
	}
	return nil
}

// Port returns the hardware port with the given device or port name, or nil.
func (s *SystemState) Port(device string) *HardwarePort {
	for i := range s.Ports {
		if s.Ports[i].Device == device || s.Ports[i].Name == device {
			return &s.Ports[i]
		}
	}
	return nil
}

// VLAN returns the named VLAN or nil.
func (s *SystemState) VLAN(name string) *VLAN {
	for i := range s.VLANs {
		if s.VLANs[i].Name == name {
			return &s.VLANs[i]
		}
	}
	return nil
}

// Bond returns the bond with the given user-defined name or nil.
func (s *SystemState) Bond(name string) *Bond {
	for i := range s.Bonds {
		if s.Bonds[i].Name == name {
			return &s.Bonds[i]
		}
	}
	return nil
}

// PPPoEService returns the named PPPoE service or nil.
func (s *SystemState) PPPoEService(name string) *PPPoEState {
	for i := range s.PPPoE {
		if s.PPPoE[i].Name == name {
			return &s.PPPoE[i]
		}
	}
	return nil
}

// WirelessDevice returns the wireless state for device or nil.
func (s *SystemState) WirelessDevice(device string) *WirelessState {
	for i := range s.Wireless {
		if s.Wireless[i].Device == device {
			return &s.Wireless[i]
		}
	}
	return nil
}

// HasLocation reports whether a location with the given name exists.
func (s *SystemState) HasLocation(name string) bool {
	for _, l := range s.Locations {
		if l == name {
			return true
		}
	}
	return false
}

// IsUnknown reports whether a snapshot section could not be read.
func (s *SystemState) IsUnknown(section string) bool {
	_, ok := s.Unknown[section]
	return ok
}

// MarkUnknown records that a snapshot section could not be read.
func (s *SystemState) MarkUnknown(section string, err error) {
	if s.Unknown == nil {
		s.Unknown = make(map[string]string)
	}
	s.Unknown[section] = err.Error()
}

// ChangeOp is one atomic backend mutation in a plan.
type ChangeOp struct {
	// ID is unique within a plan and stable across identical diffs
	// (e.g. "service/Wi-Fi:dns").
	ID string `json:"id"`

	// Kind classifies the change.
	Kind OperationKind `json:"kind"`

	// Phase is the coarse ordering group.
	Phase Phase `json:"phase"`

	// Target is the entity ID the operation modifies (e.g. "service/Wi-Fi").
	Target string `json:"target"`

	// Attribute is the setting being changed, empty for whole-entity operations.
	Attribute string `json:"attribute,omitempty"`

	// Previous is a display rendering of the current value.
	Previous string `json:"previous,omitempty"`

	// Desired is a display rendering of the target value.
	Desired string `json:"desired,omitempty"`

	// Command is the backend invocation.
	Command Command `json:"command"`

	// DependsOn lists op IDs that must precede this one.
	DependsOn []string `json:"depends_on,omitempty"`

	// Cautious is set when the target's current state was unknown.
	Cautious bool `json:"cautious,omitempty"`
}

// Plan is the ordered list of operations that moves current state to desired state.
type Plan struct {
	ID        string     `json:"id"`
	Location  string     `json:"location"`
	CreatedAt time.Time  `json:"created_at"`
	Ops       []ChangeOp `json:"ops"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// IsEmpty reports whether the plan has no operations.
func (p *Plan) IsEmpty() bool {
	return p == nil || len(p.Ops) == 0
}

// Verbs returns the backend verbs of the plan in order.
func (p *Plan) Verbs() []string {
	out := make([]string, len(p.Ops))
	for i, op := range p.Ops {
		out[i] = op.Command.Verb
	}
	return out
}

// HasLocationOps reports whether the plan changes the current location.
func (p *Plan) HasLocationOps() bool {
	for _, op := range p.Ops {
		if op.Phase == PhaseLocation {
			return true
		}
	}
	return false
}

// Summary counts operations per kind.
func (p *Plan) Summary() map[OperationKind]int {
	out := make(map[OperationKind]int)
	for _, op := range p.Ops {
		out[op.Kind]++
	}
	return out
}

// OpResult is the outcome of one plan operation.
type OpResult struct {
	Op       ChangeOp      `json:"op"`
	Outcome  Outcome       `json:"outcome"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ApplyReport summarises one apply of a plan.
type ApplyReport struct {
	RunID       string        `json:"run_id"`
	PlanID      string        `json:"plan_id"`
	Location    string        `json:"location"`
	Status      ApplyStatus   `json:"status"`
	Results     []OpResult    `json:"results"`
	Warnings    []string      `json:"warnings,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Count returns the number of results with the given outcome.
func (r *ApplyReport) Count(outcome Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Applied returns the operations that succeeded, in order.
func (r *ApplyReport) Applied() []ChangeOp {
	var out []ChangeOp
	for _, res := range r.Results {
		if res.Outcome == OutcomeSuccess {
			out = append(out, res.Op)
		}
	}
	return out
}

// ChangeRecord is one immutable ledger entry.
type ChangeRecord struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Location  string        `json:"location"`
	Sequence  int           `json:"sequence"`
	OpID      string        `json:"op_id,omitempty"`
	Kind      OperationKind `json:"kind"`
	Verb      string        `json:"verb,omitempty"`
	Command   string        `json:"command,omitempty"`
	Target    string        `json:"target,omitempty"`
	Attribute string        `json:"attribute,omitempty"`
	Previous  string        `json:"previous,omitempty"`
	New       string        `json:"new,omitempty"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Attempts  int           `json:"attempts"`
	Timestamp time.Time     `json:"timestamp"`
}
