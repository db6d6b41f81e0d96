package engine

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"
)

// Document is the decoded form of a desired-state document. Nil pointer fields
// mean "unmanaged": the diff engine leaves those settings alone.
type Document struct {
	Location       string         `json:"location" yaml:"location" validate:"required"`
	CreateLocation bool           `json:"create_location,omitempty" yaml:"create_location,omitempty"`
	ComputerName   *string        `json:"computer_name,omitempty" yaml:"computer_name,omitempty" validate:"omitempty,min=1"`
	Services       []ServiceSpec  `json:"services,omitempty" yaml:"services,omitempty" validate:"dive"`
	ServiceOrder   []string       `json:"service_order,omitempty" yaml:"service_order,omitempty"`
	Ports          []PortSpec     `json:"ports,omitempty" yaml:"ports,omitempty" validate:"dive"`
	VLANs          []VLANSpec     `json:"vlans,omitempty" yaml:"vlans,omitempty" validate:"dive"`
	Bonds          []BondSpec     `json:"bonds,omitempty" yaml:"bonds,omitempty" validate:"dive"`
	Wireless       []WirelessSpec `json:"wireless,omitempty" yaml:"wireless,omitempty" validate:"dive"`
	PPPoE          []PPPoESpec    `json:"pppoe,omitempty" yaml:"pppoe,omitempty" validate:"dive"`
	Profiles       []ProfileSpec  `json:"profiles,omitempty" yaml:"profiles,omitempty" validate:"dive"`
}

// ServiceSpec is the desired configuration of one network service.
type ServiceSpec struct {
	Name          string       `json:"name" yaml:"name" validate:"required"`
	HardwarePort  string       `json:"hardware_port,omitempty" yaml:"hardware_port,omitempty"`
	Ensure        Presence     `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,oneof=present absent"`
	Enabled       *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	IPv4          *IPv4Spec    `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	IPv6          *IPv6Spec    `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	DNSServers    *[]string    `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
	SearchDomains *[]string    `json:"search_domains,omitempty" yaml:"search_domains,omitempty"`
	Routes        *[]Route     `json:"routes,omitempty" yaml:"routes,omitempty"`
	RoutesV6      *[]Route     `json:"routes_v6,omitempty" yaml:"routes_v6,omitempty"`
	Proxies       *ProxiesSpec `json:"proxies,omitempty" yaml:"proxies,omitempty"`
}

// IPv4Spec is the desired IPv4 addressing of a service.
type IPv4Spec struct {
	Mode       IPv4Mode `json:"mode" yaml:"mode" validate:"required,oneof=manual dhcp bootp manual_with_dhcp_router off"`
	Address    string   `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,ipv4"`
	SubnetMask string   `json:"subnet_mask,omitempty" yaml:"subnet_mask,omitempty" validate:"omitempty,ipv4"`
	Router     string   `json:"router,omitempty" yaml:"router,omitempty" validate:"omitempty,ipv4"`
	ClientID   string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// IPv6Spec is the desired IPv6 addressing of a service.
type IPv6Spec struct {
	Mode         IPv6Mode `json:"mode" yaml:"mode" validate:"required,oneof=off automatic link_local manual"`
	Address      string   `json:"address,omitempty" yaml:"address,omitempty" validate:"omitempty,ipv6"`
	PrefixLength int      `json:"prefix_length,omitempty" yaml:"prefix_length,omitempty" validate:"omitempty,min=1,max=128"`
	Router       string   `json:"router,omitempty" yaml:"router,omitempty" validate:"omitempty,ipv6"`
}

// ProxySpec is the desired configuration of one proxy protocol.
type ProxySpec struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Server        string `json:"server,omitempty" yaml:"server,omitempty"`
	Port          int    `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Authenticated bool   `json:"authenticated,omitempty" yaml:"authenticated,omitempty"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"password,omitempty" yaml:"password,omitempty"`
}

// ProxiesSpec is the desired proxy configuration of a service.
// MirrorSecureWeb copies the web proxy settings onto the secure web proxy.
type ProxiesSpec struct {
	Web             *ProxySpec `json:"web,omitempty" yaml:"web,omitempty"`
	SecureWeb       *ProxySpec `json:"secure_web,omitempty" yaml:"secure_web,omitempty"`
	SOCKS           *ProxySpec `json:"socks,omitempty" yaml:"socks,omitempty"`
	MirrorSecureWeb bool       `json:"mirror_secure_web,omitempty" yaml:"mirror_secure_web,omitempty"`
	BypassDomains   *[]string  `json:"bypass_domains,omitempty" yaml:"bypass_domains,omitempty"`
	AutoDiscovery   *bool      `json:"auto_discovery,omitempty" yaml:"auto_discovery,omitempty"`
}

// Endpoint returns the spec for kind, or nil when unmanaged.
func (p *ProxiesSpec) Endpoint(kind ProxyKind) *ProxySpec {
	switch kind {
	case ProxySecureWeb:
		return p.SecureWeb
	case ProxySOCKS:
		return p.SOCKS
	default:
		return p.Web
	}
}

// PortSpec is the desired configuration of a hardware port.
type PortSpec struct {
	Device string       `json:"device" yaml:"device" validate:"required"`
	MTU    *int         `json:"mtu,omitempty" yaml:"mtu,omitempty" validate:"omitempty,min=1"`
	Media  *MediaConfig `json:"media,omitempty" yaml:"media,omitempty"`
}

// VLANSpec is a desired VLAN.
type VLANSpec struct {
	Name         string   `json:"name" yaml:"name" validate:"required"`
	ParentDevice string   `json:"parent_device" yaml:"parent_device" validate:"required"`
	Tag          int      `json:"tag" yaml:"tag" validate:"required,min=1,max=4094"`
	Ensure       Presence `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,oneof=present absent"`
}

// BondSpec is a desired bond, identified by its user-defined name.
type BondSpec struct {
	Name    string   `json:"name" yaml:"name" validate:"required"`
	Members []string `json:"members,omitempty" yaml:"members,omitempty"`
	Ensure  Presence `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,oneof=present absent"`
}

// PreferredNetworkSpec is one desired preferred wireless network. Index is
// optional; when set it must equal the entry's position.
type PreferredNetworkSpec struct {
	SSID     string `json:"ssid" yaml:"ssid" validate:"required"`
	Security string `json:"security,omitempty" yaml:"security,omitempty"`
	Index    *int   `json:"index,omitempty" yaml:"index,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// NetworkJoinSpec selects the wireless network a device should be associated with.
type NetworkJoinSpec struct {
	SSID     string `json:"ssid" yaml:"ssid" validate:"required"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// WirelessSpec is the desired state of a wireless device.
type WirelessSpec struct {
	Device    string                  `json:"device" yaml:"device" validate:"required"`
	Power     *bool                   `json:"power,omitempty" yaml:"power,omitempty"`
	Network   *NetworkJoinSpec        `json:"network,omitempty" yaml:"network,omitempty"`
	Preferred *[]PreferredNetworkSpec `json:"preferred,omitempty" yaml:"preferred,omitempty"`
}

// PPPoESpec is a desired PPPoE service.
type PPPoESpec struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Device      string   `json:"device,omitempty" yaml:"device,omitempty"`
	Account     string   `json:"account,omitempty" yaml:"account,omitempty"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty"`
	ServiceName string   `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Connected   *bool    `json:"connected,omitempty" yaml:"connected,omitempty"`
	Ensure      Presence `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,oneof=present absent"`
}

// ProfileSpec is a desired 802.1X profile. Service names the network service
// for system and login scopes; Name names the login or user profile.
type ProfileSpec struct {
	Scope        ProfileScope `json:"scope" yaml:"scope" validate:"required,oneof=system login user"`
	Service      string       `json:"service,omitempty" yaml:"service,omitempty"`
	Name         string       `json:"name,omitempty" yaml:"name,omitempty"`
	IdentityFile string       `json:"identity_file,omitempty" yaml:"identity_file,omitempty"`
	Passphrase   string       `json:"passphrase,omitempty" yaml:"passphrase,omitempty"`
	Enabled      *bool        `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Ensure       Presence     `json:"ensure,omitempty" yaml:"ensure,omitempty" validate:"omitempty,oneof=present absent"`
}

// Key returns the entity ID of the profile.
func (p ProfileSpec) Key() string {
	switch p.Scope {
	case ProfileScopeSystem:
		return "profile/system/" + p.Service
	case ProfileScopeLogin:
		return "profile/login/" + p.Service + "/" + p.Name
	default:
		return "profile/user/" + p.Name
	}
}

// SecurityTypes are the preferred-network security types the backend accepts.
var SecurityTypes = []string{"OPEN", "WEP", "WPA", "WPA2", "WPA/WPA2", "WPAE", "WPA2E", "WPAE/WPA2E", "WPA3", "8021XWEP"}

// DesiredState is a validated desired-state document. It is immutable once built.
type DesiredState struct {
	doc Document
}

var docValidator = validator.New(validator.WithRequiredStructEnabled())

// NewDesiredState validates doc and returns the desired state. It never
// touches the backend. Every violation is reported in one *ValidationError.
func NewDesiredState(doc Document) (*DesiredState, error) {
	var violations []string

	if err := docValidator.Struct(doc); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				violations = append(violations, describeFieldError(fe))
			}
		} else {
			return nil, NewPermanentError("validate document", err).WithCode(ErrCodeValidation)
		}
	}

	doc = normalizeDocument(doc)
	violations = append(violations, semanticViolations(&doc)...)

	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}
	return &DesiredState{doc: doc}, nil
}

// Location returns the target location.
func (d *DesiredState) Location() string { return d.doc.Location }

// Document returns the normalized document. Its slices and pointer fields
// are shared with d and must be treated as read-only.
func (d *DesiredState) Document() Document { return d.doc }

// Services returns the desired services in document order.
func (d *DesiredState) Services() []ServiceSpec { return d.doc.Services }

// Service returns the named service spec or nil.
func (d *DesiredState) Service(name string) *ServiceSpec {
	for i := range d.doc.Services {
		if d.doc.Services[i].Name == name {
			return &d.doc.Services[i]
		}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %q (%s)", ns, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %q", ns, fe.Tag())
}

// normalizeDocument fills derived settings: mirrored secure-web proxies and
// default presence values.
func normalizeDocument(doc Document) Document {
	services := make([]ServiceSpec, len(doc.Services))
	copy(services, doc.Services)
	for i := range services {
		s := &services[i]
		if s.Ensure == "" {
			s.Ensure = PresencePresent
		}
		if s.Proxies != nil && s.Proxies.MirrorSecureWeb && s.Proxies.Web != nil {
			p := *s.Proxies
			web := *p.Web
			p.SecureWeb = &web
			s.Proxies = &p
		}
		canonicalizeAddresses(s)
	}
	doc.Services = services
	return doc
}

// canonicalizeAddresses rewrites the IP literals of s in their canonical
// form so that ::0001 and ::1 compare equal to what the host reports.
func canonicalizeAddresses(s *ServiceSpec) {
	if s.IPv6 != nil {
		v6 := *s.IPv6
		v6.Address = CanonicalIP(v6.Address)
		v6.Router = CanonicalIP(v6.Router)
		s.IPv6 = &v6
	}
	if s.DNSServers != nil {
		servers := make([]string, len(*s.DNSServers))
		for i, v := range *s.DNSServers {
			servers[i] = CanonicalIP(v)
		}
		s.DNSServers = &servers
	}
	if s.RoutesV6 != nil {
		routes := CanonicalRoutes(*s.RoutesV6)
		s.RoutesV6 = &routes
	}
}

// CanonicalIP returns the canonical text form of an IP literal. Anything
// that does not parse is returned unchanged.
func CanonicalIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.String()
}

// CanonicalRoutes returns routes with canonical destinations and gateways.
func CanonicalRoutes(routes []Route) []Route {
	if routes == nil {
		return nil
	}
	out := make([]Route, len(routes))
	for i, r := range routes {
		r.Destination = CanonicalIP(r.Destination)
		r.Gateway = CanonicalIP(r.Gateway)
		out[i] = r
	}
	return out
}

func semanticViolations(doc *Document) []string {
	var v []string
	add := func(format string, args ...interface{}) {
		v = append(v, fmt.Sprintf(format, args...))
	}

	seen := make(map[string]bool)
	for _, s := range doc.Services {
		if seen[s.Name] {
			add("service %q: duplicate service name", s.Name)
		}
		seen[s.Name] = true
		if s.Ensure.IsAbsent() {
			continue
		}
		for _, msg := range serviceViolations(&s) {
			add("service %q: %s", s.Name, msg)
		}
	}

	for _, name := range doc.ServiceOrder {
		if s := findService(doc.Services, name); s != nil && s.Ensure.IsAbsent() {
			add("service_order: %q is marked absent", name)
		}
	}
	if dup := firstDuplicate(doc.ServiceOrder); dup != "" {
		add("service_order: %q listed twice", dup)
	}

	ports := make(map[string]bool)
	for _, p := range doc.Ports {
		if ports[p.Device] {
			add("port %q: duplicate device", p.Device)
		}
		ports[p.Device] = true
	}

	vlans := make(map[string]bool)
	for _, vl := range doc.VLANs {
		if vlans[vl.Name] {
			add("vlan %q: duplicate name", vl.Name)
		}
		vlans[vl.Name] = true
	}

	members := make(map[string]string)
	for _, b := range doc.Bonds {
		if b.Ensure.IsAbsent() {
			continue
		}
		if len(b.Members) == 0 {
			add("bond %q: at least one member device is required", b.Name)
		}
		for _, m := range b.Members {
			if other, ok := members[m]; ok {
				add("bond %q: device %q already belongs to bond %q", b.Name, m, other)
			}
			members[m] = b.Name
		}
	}

	for _, w := range doc.Wireless {
		if w.Preferred == nil {
			continue
		}
		names := make(map[string]bool)
		for i, n := range *w.Preferred {
			if n.Index != nil && *n.Index != i {
				add("wireless %q: preferred network %q has index %d, want %d (indices must be dense)",
					w.Device, n.SSID, *n.Index, i)
			}
			if names[n.SSID] {
				add("wireless %q: preferred network %q listed twice", w.Device, n.SSID)
			}
			names[n.SSID] = true
			if n.Security != "" && !containsString(SecurityTypes, n.Security) {
				add("wireless %q: preferred network %q has unknown security type %q", w.Device, n.SSID, n.Security)
			}
			if (n.Security == "" || n.Security == "OPEN") && n.Password != "" {
				add("wireless %q: preferred network %q is open but has a password", w.Device, n.SSID)
			}
		}
	}

	for _, p := range doc.PPPoE {
		if p.Ensure.IsAbsent() {
			continue
		}
		if p.Device == "" || p.Account == "" {
			add("pppoe %q: device and account are required", p.Name)
		}
	}

	profiles := make(map[string]bool)
	for _, p := range doc.Profiles {
		switch p.Scope {
		case ProfileScopeSystem:
			if p.Service == "" {
				add("profile: system scope requires a service")
			}
		case ProfileScopeLogin:
			if p.Service == "" || p.Name == "" {
				add("profile: login scope requires a service and a name")
			}
		case ProfileScopeUser:
			if p.Name == "" {
				add("profile: user scope requires a name")
			}
		}
		if profiles[p.Key()] {
			add("profile %q: duplicate profile", p.Key())
		}
		profiles[p.Key()] = true
		if p.Passphrase != "" && p.IdentityFile == "" {
			add("profile %q: passphrase without identity file", p.Key())
		}
	}

	return v
}

func serviceViolations(s *ServiceSpec) []string {
	var v []string
	if s.IPv4 != nil {
		v4 := s.IPv4
		switch v4.Mode {
		case IPv4Manual:
			if v4.Address == "" || v4.SubnetMask == "" || v4.Router == "" {
				v = append(v, "ipv4 manual requires address, subnet_mask and router")
			}
			if v4.SubnetMask != "" && !isSubnetMask(v4.SubnetMask) {
				v = append(v, fmt.Sprintf("ipv4 subnet_mask %q is not a contiguous mask", v4.SubnetMask))
			}
		case IPv4DHCP, IPv4BootP:
			if v4.Address != "" || v4.SubnetMask != "" || v4.Router != "" {
				v = append(v, fmt.Sprintf("ipv4 %s forbids address, subnet_mask and router", v4.Mode))
			}
		case IPv4ManualWithDHCPRouter:
			if v4.Address == "" {
				v = append(v, "ipv4 manual_with_dhcp_router requires address")
			}
			if v4.Router != "" || v4.SubnetMask != "" {
				v = append(v, "ipv4 manual_with_dhcp_router forbids router and subnet_mask")
			}
		case IPv4Off:
			if v4.Address != "" || v4.SubnetMask != "" || v4.Router != "" {
				v = append(v, "ipv4 off forbids address, subnet_mask and router")
			}
		}
		if v4.ClientID != "" && v4.Mode != IPv4DHCP {
			v = append(v, "ipv4 client_id is only valid with dhcp")
		}
	}
	if s.IPv6 != nil {
		v6 := s.IPv6
		if v6.Mode == IPv6Manual {
			if v6.Address == "" || v6.PrefixLength == 0 || v6.Router == "" {
				v = append(v, "ipv6 manual requires address, prefix_length and router")
			}
		} else if v6.Address != "" || v6.PrefixLength != 0 || v6.Router != "" {
			v = append(v, fmt.Sprintf("ipv6 %s forbids address, prefix_length and router", v6.Mode))
		}
	}
	if s.DNSServers != nil {
		for _, d := range *s.DNSServers {
			if _, err := netip.ParseAddr(d); err != nil {
				v = append(v, fmt.Sprintf("dns server %q is not an IP address", d))
			}
		}
	}
	if s.SearchDomains != nil {
		for _, d := range *s.SearchDomains {
			if _, ok := dns.IsDomainName(d); !ok || d == "" {
				v = append(v, fmt.Sprintf("search domain %q is not a valid domain name", d))
			}
		}
	}
	if s.Routes != nil {
		for _, r := range *s.Routes {
			if !isIPv4(r.Destination) || !isIPv4(r.Gateway) || !isSubnetMask(r.Mask) {
				v = append(v, fmt.Sprintf("ipv4 route %s/%s via %s is invalid", r.Destination, r.Mask, r.Gateway))
			}
		}
	}
	if s.RoutesV6 != nil {
		for _, r := range *s.RoutesV6 {
			n, err := strconv.Atoi(r.Mask)
			if !isIPv6(r.Destination) || !isIPv6(r.Gateway) || err != nil || n < 1 || n > 128 {
				v = append(v, fmt.Sprintf("ipv6 route %s/%s via %s is invalid", r.Destination, r.Mask, r.Gateway))
			}
		}
	}
	if s.Proxies != nil {
		for _, kind := range ProxyKinds {
			p := s.Proxies.Endpoint(kind)
			if p == nil {
				continue
			}
			if p.Enabled && (p.Server == "" || p.Port == 0) {
				v = append(v, fmt.Sprintf("%s proxy: enabled proxy requires server and port", kind))
			}
			if !p.Authenticated && (p.Username != "" || p.Password != "") {
				v = append(v, fmt.Sprintf("%s proxy: credentials are only allowed when authenticated", kind))
			}
			if p.Authenticated && p.Username == "" {
				v = append(v, fmt.Sprintf("%s proxy: authenticated proxy requires a username", kind))
			}
		}
		if s.Proxies.BypassDomains != nil {
			for _, d := range *s.Proxies.BypassDomains {
				if !isBypassEntry(d) {
					v = append(v, fmt.Sprintf("proxy bypass entry %q is invalid", d))
				}
			}
		}
	}
	return v
}

// isBypassEntry accepts domains, wildcard domains, addresses and CIDR ranges.
func isBypassEntry(s string) bool {
	if s == "" {
		return false
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, ok := dns.IsDomainName(strings.TrimPrefix(s, "*."))
	return ok
}

func isIPv4(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is4()
}

func isIPv6(s string) bool {
	a, err := netip.ParseAddr(s)
	return err == nil && a.Is6()
}

// isSubnetMask reports whether s is a dotted-quad mask with contiguous ones.
func isSubnetMask(s string) bool {
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return false
	}
	b := a.As4()
	m := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	inv := ^m
	return inv&(inv+1) == 0
}

func findService(services []ServiceSpec, name string) *ServiceSpec {
	for i := range services {
		if services[i].Name == name {
			return &services[i]
		}
	}
	return nil
}

func firstDuplicate(list []string) string {
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		if seen[s] {
			return s
		}
		seen[s] = true
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
