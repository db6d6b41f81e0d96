package gateway

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/netconverge/netconverge/pkg/engine"
)

// ArgKind describes what a single command argument must look like.
type ArgKind int

const (
	// ArgName is a non-empty service, location, profile or bond name.
	ArgName ArgKind = iota
	// ArgDevice is a BSD device name or a hardware port name.
	ArgDevice
	// ArgText is free text that may not contain line breaks.
	ArgText
	// ArgHost is a proxy host name or address.
	ArgHost
	ArgIPv4
	ArgIPv6
	ArgIP
	ArgMask
	ArgPrefixLength
	ArgPort
	ArgOnOff
	ArgMTU
	ArgTag
	ArgIndex
	ArgSecurity
	ArgPath
	ArgDomain
	ArgBypass
	ArgPopulate
)

var argKindNames = map[ArgKind]string{
	ArgName:         "name",
	ArgDevice:       "device",
	ArgText:         "text",
	ArgHost:         "host",
	ArgIPv4:         "IPv4 address",
	ArgIPv6:         "IPv6 address",
	ArgIP:           "IP address",
	ArgMask:         "subnet mask",
	ArgPrefixLength: "prefix length",
	ArgPort:         "port",
	ArgOnOff:        "on|off",
	ArgMTU:          "MTU",
	ArgTag:          "VLAN tag",
	ArgIndex:        "index",
	ArgSecurity:     "security type",
	ArgPath:         "file path",
	ArgDomain:       "domain",
	ArgBypass:       "bypass entry",
	ArgPopulate:     "populate",
}

// String returns the human readable name of the kind.
func (k ArgKind) String() string {
	if s, ok := argKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ArgKind(%d)", int(k))
}

// check validates one argument value against the kind.
func (k ArgKind) check(v string) error {
	if strings.ContainsAny(v, "\r\n\x00") {
		return fmt.Errorf("contains a control character")
	}
	switch k {
	case ArgName, ArgDevice, ArgSecurity:
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("must not be empty")
		}
		if k == ArgSecurity && !slices.Contains(engine.SecurityTypes, v) {
			return fmt.Errorf("unknown security type %q", v)
		}
	case ArgText:
	case ArgHost:
		if v == "" || strings.ContainsAny(v, " \t") {
			return fmt.Errorf("%q is not a host", v)
		}
	case ArgIPv4:
		if a, err := netip.ParseAddr(v); err != nil || !a.Is4() {
			return fmt.Errorf("%q is not an IPv4 address", v)
		}
	case ArgIPv6:
		if a, err := netip.ParseAddr(v); err != nil || !a.Is6() {
			return fmt.Errorf("%q is not an IPv6 address", v)
		}
	case ArgIP:
		if _, err := netip.ParseAddr(v); err != nil {
			return fmt.Errorf("%q is not an IP address", v)
		}
	case ArgMask:
		if a, err := netip.ParseAddr(v); err != nil || !a.Is4() {
			return fmt.Errorf("%q is not a subnet mask", v)
		}
	case ArgPrefixLength:
		return checkRange(v, 1, 128)
	case ArgPort:
		return checkRange(v, 0, 65535)
	case ArgOnOff:
		if v != "on" && v != "off" {
			return fmt.Errorf("%q is not on or off", v)
		}
	case ArgMTU:
		return checkRange(v, 68, 65535)
	case ArgTag:
		return checkRange(v, 1, 4094)
	case ArgIndex:
		return checkRange(v, 0, 1<<16)
	case ArgPath:
		if v == "" || !strings.HasPrefix(v, "/") {
			return fmt.Errorf("%q is not an absolute path", v)
		}
	case ArgDomain:
		if _, ok := dns.IsDomainName(v); !ok || v == "" {
			return fmt.Errorf("%q is not a domain name", v)
		}
	case ArgBypass:
		if v == "" {
			return fmt.Errorf("must not be empty")
		}
		if _, err := netip.ParsePrefix(v); err == nil {
			return nil
		}
		if _, err := netip.ParseAddr(v); err == nil {
			return nil
		}
		if _, ok := dns.IsDomainName(strings.TrimPrefix(v, "*.")); !ok {
			return fmt.Errorf("%q is not a bypass entry", v)
		}
	case ArgPopulate:
		if v != "populate" {
			return fmt.Errorf("%q is not populate", v)
		}
	}
	return nil
}

func checkRange(v string, lo, hi int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%q is not a number", v)
	}
	if n < lo || n > hi {
		return fmt.Errorf("%d is outside %d-%d", n, lo, hi)
	}
	return nil
}

// VerbSpec describes the argument grammar of one backend verb:
// Args, then a prefix of Optional, then zero or more Repeat groups.
type VerbSpec struct {
	Name string

	// Args are required in order.
	Args []ArgKind

	// Optional may follow Args; any prefix of it is accepted.
	Optional []ArgKind

	// Repeat is a group that may follow Args any number of times.
	Repeat []ArgKind

	// MinRepeat is the minimum number of Repeat groups.
	MinRepeat int

	// EmptyList accepts the single word "Empty" in place of the Repeat groups.
	EmptyList bool

	// Mutating verbs change system state; the rest are queries.
	Mutating bool
}

// Check validates args against the verb's grammar.
func (v *VerbSpec) Check(args []string) error {
	if len(args) < len(v.Args) {
		return fmt.Errorf("-%s needs at least %d argument(s), got %d", v.Name, len(v.Args), len(args))
	}
	for i, kind := range v.Args {
		if err := kind.check(args[i]); err != nil {
			return fmt.Errorf("-%s argument %d (%s): %w", v.Name, i+1, kind, err)
		}
	}
	rest := args[len(v.Args):]

	switch {
	case len(v.Repeat) > 0:
		if v.EmptyList && len(rest) == 1 && rest[0] == "Empty" {
			return nil
		}
		if len(rest)%len(v.Repeat) != 0 {
			return fmt.Errorf("-%s takes groups of %d trailing argument(s), got %d", v.Name, len(v.Repeat), len(rest))
		}
		if groups := len(rest) / len(v.Repeat); groups < v.MinRepeat {
			return fmt.Errorf("-%s needs at least %d trailing group(s), got %d", v.Name, v.MinRepeat, groups)
		}
		for i, a := range rest {
			kind := v.Repeat[i%len(v.Repeat)]
			if err := kind.check(a); err != nil {
				return fmt.Errorf("-%s argument %d (%s): %w", v.Name, len(v.Args)+i+1, kind, err)
			}
		}
	default:
		if len(rest) > len(v.Optional) {
			return fmt.Errorf("-%s takes at most %d argument(s), got %d", v.Name, len(v.Args)+len(v.Optional), len(args))
		}
		for i, a := range rest {
			kind := v.Optional[i]
			if err := kind.check(a); err != nil {
				return fmt.Errorf("-%s argument %d (%s): %w", v.Name, len(v.Args)+i+1, kind, err)
			}
		}
	}
	return nil
}

// Catalog maps verb names to their grammar.
type Catalog map[string]*VerbSpec

// Lookup returns the grammar of verb.
func (c Catalog) Lookup(verb string) (*VerbSpec, bool) {
	v, ok := c[verb]
	return v, ok
}

func newCatalog(specs ...VerbSpec) Catalog {
	c := make(Catalog, len(specs))
	for i := range specs {
		c[specs[i].Name] = &specs[i]
	}
	return c
}

func args(kinds ...ArgKind) []ArgKind { return kinds }

// DefaultCatalog is the networksetup verb table. The service argument of every
// per-service verb comes first.
var DefaultCatalog = newCatalog(
	// Locations
	VerbSpec{Name: "getcurrentlocation"},
	VerbSpec{Name: "listlocations"},
	VerbSpec{Name: "createlocation", Args: args(ArgName), Optional: args(ArgPopulate), Mutating: true},
	VerbSpec{Name: "deletelocation", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "switchtolocation", Args: args(ArgName), Mutating: true},

	// Services and hardware
	VerbSpec{Name: "listallnetworkservices"},
	VerbSpec{Name: "listnetworkserviceorder"},
	VerbSpec{Name: "listallhardwareports"},
	VerbSpec{Name: "getmacaddress", Args: args(ArgDevice)},
	VerbSpec{Name: "getcomputername"},
	VerbSpec{Name: "setcomputername", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "getinfo", Args: args(ArgName)},
	VerbSpec{Name: "getnetworkserviceenabled", Args: args(ArgName)},
	VerbSpec{Name: "setnetworkserviceenabled", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "createnetworkservice", Args: args(ArgName, ArgDevice), Mutating: true},
	VerbSpec{Name: "removenetworkservice", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "ordernetworkservices", Repeat: args(ArgName), MinRepeat: 1, Mutating: true},

	// IPv4 and IPv6 addressing
	VerbSpec{Name: "setmanual", Args: args(ArgName, ArgIPv4, ArgMask, ArgIPv4), Mutating: true},
	VerbSpec{Name: "setdhcp", Args: args(ArgName), Optional: args(ArgText), Mutating: true},
	VerbSpec{Name: "setbootp", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "setmanualwithdhcprouter", Args: args(ArgName, ArgIPv4), Mutating: true},
	VerbSpec{Name: "setv4off", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "setv6off", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "setv6automatic", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "setv6LinkLocal", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "setv6manual", Args: args(ArgName, ArgIPv6, ArgPrefixLength, ArgIPv6), Mutating: true},
	VerbSpec{Name: "getadditionalroutes", Args: args(ArgName)},
	VerbSpec{Name: "setadditionalroutes", Args: args(ArgName), Repeat: args(ArgIPv4, ArgMask, ArgIPv4), Mutating: true},
	VerbSpec{Name: "getv6additionalroutes", Args: args(ArgName)},
	VerbSpec{Name: "setv6additionalroutes", Args: args(ArgName), Repeat: args(ArgIPv6, ArgPrefixLength, ArgIPv6), Mutating: true},

	// DNS
	VerbSpec{Name: "getdnsservers", Args: args(ArgName)},
	VerbSpec{Name: "setdnsservers", Args: args(ArgName), Repeat: args(ArgIP), MinRepeat: 1, EmptyList: true, Mutating: true},
	VerbSpec{Name: "getsearchdomains", Args: args(ArgName)},
	VerbSpec{Name: "setsearchdomains", Args: args(ArgName), Repeat: args(ArgDomain), MinRepeat: 1, EmptyList: true, Mutating: true},

	// Proxies
	VerbSpec{Name: "getwebproxy", Args: args(ArgName)},
	VerbSpec{Name: "setwebproxy", Args: args(ArgName, ArgHost, ArgPort), Optional: args(ArgOnOff, ArgText, ArgText), Mutating: true},
	VerbSpec{Name: "setwebproxystate", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "getsecurewebproxy", Args: args(ArgName)},
	VerbSpec{Name: "setsecurewebproxy", Args: args(ArgName, ArgHost, ArgPort), Optional: args(ArgOnOff, ArgText, ArgText), Mutating: true},
	VerbSpec{Name: "setsecurewebproxystate", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "getsocksfirewallproxy", Args: args(ArgName)},
	VerbSpec{Name: "setsocksfirewallproxy", Args: args(ArgName, ArgHost, ArgPort), Optional: args(ArgOnOff, ArgText, ArgText), Mutating: true},
	VerbSpec{Name: "setsocksfirewallproxystate", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "getproxybypassdomains", Args: args(ArgName)},
	VerbSpec{Name: "setproxybypassdomains", Args: args(ArgName), Repeat: args(ArgBypass), MinRepeat: 1, EmptyList: true, Mutating: true},
	VerbSpec{Name: "getproxyautodiscovery", Args: args(ArgName)},
	VerbSpec{Name: "setproxyautodiscovery", Args: args(ArgName, ArgOnOff), Mutating: true},

	// Wireless
	VerbSpec{Name: "getairportnetwork", Args: args(ArgDevice)},
	VerbSpec{Name: "setairportnetwork", Args: args(ArgDevice, ArgName), Optional: args(ArgText), Mutating: true},
	VerbSpec{Name: "getairportpower", Args: args(ArgDevice)},
	VerbSpec{Name: "setairportpower", Args: args(ArgDevice, ArgOnOff), Mutating: true},
	VerbSpec{Name: "listpreferredwirelessnetworks", Args: args(ArgDevice)},
	VerbSpec{Name: "addpreferredwirelessnetworkatindex", Args: args(ArgDevice, ArgName, ArgIndex, ArgSecurity), Optional: args(ArgText), Mutating: true},
	VerbSpec{Name: "removepreferredwirelessnetwork", Args: args(ArgDevice, ArgName), Mutating: true},

	// MTU and media
	VerbSpec{Name: "getMTU", Args: args(ArgDevice)},
	VerbSpec{Name: "setMTU", Args: args(ArgDevice, ArgMTU), Mutating: true},
	VerbSpec{Name: "listvalidMTUrange", Args: args(ArgDevice)},
	VerbSpec{Name: "getmedia", Args: args(ArgDevice)},
	VerbSpec{Name: "setmedia", Args: args(ArgDevice, ArgName), Repeat: args(ArgName), Mutating: true},

	// VLANs and bonds
	VerbSpec{Name: "listVLANs"},
	VerbSpec{Name: "createVLAN", Args: args(ArgName, ArgDevice, ArgTag), Mutating: true},
	VerbSpec{Name: "deleteVLAN", Args: args(ArgName, ArgDevice, ArgTag), Mutating: true},
	VerbSpec{Name: "listBonds"},
	VerbSpec{Name: "createBond", Args: args(ArgName), Repeat: args(ArgDevice), MinRepeat: 1, Mutating: true},
	VerbSpec{Name: "deleteBond", Args: args(ArgDevice), Mutating: true},
	VerbSpec{Name: "addDeviceToBond", Args: args(ArgDevice, ArgDevice), Mutating: true},
	VerbSpec{Name: "removeDeviceFromBond", Args: args(ArgDevice, ArgDevice), Mutating: true},

	// PPPoE
	VerbSpec{Name: "listpppoeservices"},
	VerbSpec{Name: "showpppoestatus", Args: args(ArgName)},
	VerbSpec{Name: "createpppoeservice", Args: args(ArgDevice, ArgName, ArgName, ArgText), Optional: args(ArgName), Mutating: true},
	VerbSpec{Name: "deletepppoeservice", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "connectpppoeservice", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "disconnectpppoeservice", Args: args(ArgName), Mutating: true},

	// 802.1X profiles
	VerbSpec{Name: "listalluserprofiles"},
	VerbSpec{Name: "listloginprofiles", Args: args(ArgName)},
	VerbSpec{Name: "enablesystemprofile", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "enableloginprofile", Args: args(ArgName, ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "enableuserprofile", Args: args(ArgName, ArgOnOff), Mutating: true},
	VerbSpec{Name: "settlsidentityonsystemprofile", Args: args(ArgName, ArgPath, ArgText), Mutating: true},
	VerbSpec{Name: "settlsidentityonuserprofile", Args: args(ArgName, ArgPath, ArgText), Mutating: true},
	VerbSpec{Name: "deletesystemprofile", Args: args(ArgName), Mutating: true},
	VerbSpec{Name: "deleteloginprofile", Args: args(ArgName, ArgName), Mutating: true},
	VerbSpec{Name: "deleteuserprofile", Args: args(ArgName), Mutating: true},
)
