package inspector

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/netconverge/netconverge/pkg/engine"
)

// lines returns the trimmed, non-empty lines of out.
func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// field returns the value after "key:" on the first line that starts with key.
func field(out, key string) (string, bool) {
	prefix := key + ":"
	for _, l := range lines(out) {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(l, prefix)), true
		}
	}
	return "", false
}

// noneToEmpty maps the backend's placeholder values to "".
func noneToEmpty(v string) string {
	switch strings.ToLower(v) {
	case "none", "(null)", "":
		return ""
	}
	return v
}

// isEmptySentinel reports whether a list query printed its "nothing set" message.
func isEmptySentinel(l string) bool {
	return strings.HasPrefix(l, "There aren't any") ||
		strings.HasPrefix(l, "There are no") ||
		strings.HasPrefix(l, "There is no")
}

// parseList parses a one-value-per-line list such as DNS servers.
func parseList(out string) []string {
	var res []string
	for _, l := range lines(out) {
		if isEmptySentinel(l) {
			return nil
		}
		res = append(res, l)
	}
	return res
}

// parseAddressList parses a list of IP literals such as DNS servers into
// their canonical form.
func parseAddressList(out string) []string {
	res := parseList(out)
	for i, v := range res {
		res[i] = engine.CanonicalIP(v)
	}
	return res
}

// parseServiceList parses -listallnetworkservices. Disabled services carry a
// leading asterisk.
func parseServiceList(out string) (names []string, disabled map[string]bool, err error) {
	disabled = make(map[string]bool)
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "An asterisk") {
			continue
		}
		if strings.HasPrefix(l, "*") {
			name := strings.TrimSpace(strings.TrimPrefix(l, "*"))
			disabled[name] = true
			names = append(names, name)
			continue
		}
		names = append(names, l)
	}
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("no network services listed")
	}
	return names, disabled, nil
}

// servicePort is the hardware binding of a service from -listnetworkserviceorder.
type servicePort struct {
	HardwarePort string
	Device       string
}

var (
	orderLine   = regexp.MustCompile(`^\((\d+|\*)\)\s+(.+)$`)
	bindingLine = regexp.MustCompile(`^\(Hardware Port:\s*(.*?),\s*Device:\s*(.*?)\)$`)
)

// parseServiceOrder parses -listnetworkserviceorder into the service order and
// each service's hardware binding.
func parseServiceOrder(out string) ([]string, map[string]servicePort) {
	var order []string
	ports := make(map[string]servicePort)
	current := ""
	for _, l := range lines(out) {
		if m := orderLine.FindStringSubmatch(l); m != nil {
			current = m[2]
			order = append(order, current)
			continue
		}
		if m := bindingLine.FindStringSubmatch(l); m != nil && current != "" {
			ports[current] = servicePort{HardwarePort: m[1], Device: m[2]}
			current = ""
		}
	}
	return order, ports
}

// parseHardwarePorts parses the blocks of -listallhardwareports.
func parseHardwarePorts(out string) []engine.HardwarePort {
	var ports []engine.HardwarePort
	var cur *engine.HardwarePort
	for _, l := range lines(out) {
		switch {
		case strings.HasPrefix(l, "Hardware Port:"):
			ports = append(ports, engine.HardwarePort{
				Name:   strings.TrimSpace(strings.TrimPrefix(l, "Hardware Port:")),
				Status: engine.EntityKnown,
			})
			cur = &ports[len(ports)-1]
		case cur == nil:
		case strings.HasPrefix(l, "Device:"):
			cur.Device = strings.TrimSpace(strings.TrimPrefix(l, "Device:"))
		case strings.HasPrefix(l, "Ethernet Address:"):
			cur.MACAddress = noneToEmpty(strings.TrimSpace(strings.TrimPrefix(l, "Ethernet Address:")))
		}
	}
	return ports
}

// parseInfo parses -getinfo into IPv4 and IPv6 configuration.
func parseInfo(out string) (engine.IPv4Config, engine.IPv6Config) {
	var v4 engine.IPv4Config
	var v6 engine.IPv6Config

	v4.Mode = engine.IPv4Off
	for _, l := range lines(out) {
		switch l {
		case "Manual Configuration":
			v4.Mode = engine.IPv4Manual
		case "DHCP Configuration":
			v4.Mode = engine.IPv4DHCP
		case "BOOTP Configuration":
			v4.Mode = engine.IPv4BootP
		case "Manually Using DHCP Router Configuration":
			v4.Mode = engine.IPv4ManualWithDHCPRouter
		}
	}
	if v, ok := field(out, "IP address"); ok {
		v4.Address = noneToEmpty(v)
	}
	if v, ok := field(out, "Subnet mask"); ok {
		v4.SubnetMask = noneToEmpty(v)
	}
	if v, ok := field(out, "Router"); ok {
		v4.Router = noneToEmpty(v)
	}
	if v, ok := field(out, "Client ID"); ok {
		v4.ClientID = noneToEmpty(v)
	}
	if v4.Mode == engine.IPv4Off {
		v4 = engine.IPv4Config{Mode: engine.IPv4Off}
	}

	v6.Mode = engine.IPv6Off
	if v, ok := field(out, "IPv6"); ok {
		switch strings.ToLower(v) {
		case "automatic":
			v6.Mode = engine.IPv6Automatic
		case "manual":
			v6.Mode = engine.IPv6Manual
		case "linklocal", "link local", "link-local":
			v6.Mode = engine.IPv6LinkLocal
		}
	}
	if v6.Mode == engine.IPv6Manual {
		if v, ok := field(out, "IPv6 IP address"); ok {
			v6.Address = engine.CanonicalIP(noneToEmpty(v))
		}
		if v, ok := field(out, "IPv6 Prefix Length"); ok {
			v6.PrefixLength, _ = strconv.Atoi(v)
		}
		if v, ok := field(out, "IPv6 Router"); ok {
			v6.Router = engine.CanonicalIP(noneToEmpty(v))
		}
	}
	return v4, v6
}

// parseRoutes parses additional routes. Each line holds destination,
// mask or prefix length and gateway, optionally labelled.
func parseRoutes(out string) []engine.Route {
	var routes []engine.Route
	for _, l := range lines(out) {
		if isEmptySentinel(l) {
			return nil
		}
		var vals []string
		for _, f := range strings.Fields(l) {
			f = strings.TrimSuffix(f, ",")
			if _, err := netip.ParseAddr(f); err == nil {
				vals = append(vals, f)
			} else if _, err := strconv.Atoi(f); err == nil {
				vals = append(vals, f)
			}
		}
		if len(vals) == 3 {
			routes = append(routes, engine.Route{
				Destination: engine.CanonicalIP(vals[0]),
				Mask:        vals[1],
				Gateway:     engine.CanonicalIP(vals[2]),
			})
		}
	}
	return routes
}

// parseProxy parses -get<kind>proxy.
func parseProxy(out string) engine.ProxyEndpoint {
	var p engine.ProxyEndpoint
	if v, ok := field(out, "Enabled"); ok {
		p.Enabled = strings.EqualFold(v, "yes")
	}
	if v, ok := field(out, "Server"); ok {
		p.Server = noneToEmpty(v)
	}
	if v, ok := field(out, "Port"); ok {
		p.Port, _ = strconv.Atoi(v)
	}
	if v, ok := field(out, "Authenticated Proxy Enabled"); ok {
		p.Authenticated = v == "1" || strings.EqualFold(v, "yes")
	}
	return p
}

// parseOnOff parses "<label>: On" style output.
func parseOnOff(out string) bool {
	for _, l := range lines(out) {
		if i := strings.LastIndexByte(l, ':'); i >= 0 {
			return strings.EqualFold(strings.TrimSpace(l[i+1:]), "on")
		}
	}
	return false
}

// parseEnabled parses -getnetworkserviceenabled.
func parseEnabled(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "Enabled":
		return true, nil
	case "Disabled":
		return false, nil
	}
	return false, fmt.Errorf("unexpected service state %q", strings.TrimSpace(out))
}

var (
	mtuLine      = regexp.MustCompile(`Active MTU:\s*(\d+)(?:\s*\(Current Setting:\s*(\d+)\))?`)
	mtuRangeLine = regexp.MustCompile(`Valid MTU Range:\s*(\d+)\s*-\s*(\d+)`)
)

// parseMTU parses -getMTU, preferring the configured value over the active one.
func parseMTU(out string) (int, error) {
	m := mtuLine.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("unexpected MTU output %q", strings.TrimSpace(out))
	}
	if m[2] != "" {
		return strconv.Atoi(m[2])
	}
	return strconv.Atoi(m[1])
}

// parseMTURange parses -listvalidMTUrange.
func parseMTURange(out string) (engine.MTURange, error) {
	m := mtuRangeLine.FindStringSubmatch(out)
	if m == nil {
		return engine.MTURange{}, fmt.Errorf("unexpected MTU range output %q", strings.TrimSpace(out))
	}
	lo, _ := strconv.Atoi(m[1])
	hi, _ := strconv.Atoi(m[2])
	return engine.MTURange{Min: lo, Max: hi}, nil
}

// parseMedia parses the "Current:" line of -getmedia, e.g.
// "1000baseT <full-duplex,flow-control>".
func parseMedia(out string) engine.MediaConfig {
	v, ok := field(out, "Current")
	if !ok {
		return engine.MediaConfig{}
	}
	return parseMediaValue(v)
}

func parseMediaValue(v string) engine.MediaConfig {
	subtype, rest, found := strings.Cut(v, "<")
	m := engine.MediaConfig{Subtype: strings.TrimSpace(subtype)}
	if found {
		for _, o := range strings.Split(strings.TrimSuffix(strings.TrimSpace(rest), ">"), ",") {
			if o = strings.TrimSpace(o); o != "" {
				m.Options = append(m.Options, o)
			}
		}
	}
	return m
}

// parseMAC parses -getmacaddress: "Ethernet Address: aa:bb:cc:dd:ee:ff (Device: en0)".
func parseMAC(out string) string {
	v, ok := field(out, "Ethernet Address")
	if !ok {
		return ""
	}
	if i := strings.Index(v, " ("); i >= 0 {
		v = v[:i]
	}
	return noneToEmpty(v)
}

// parseAirportNetwork parses -getairportnetwork. A device that is not
// associated reports "".
func parseAirportNetwork(out string) string {
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "You are not associated") {
			return ""
		}
		if _, v, ok := strings.Cut(l, "Network:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// parsePreferred parses -listpreferredwirelessnetworks.
func parsePreferred(out string) []engine.PreferredNetwork {
	var res []engine.PreferredNetwork
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "Preferred networks on") || isEmptySentinel(l) {
			continue
		}
		res = append(res, engine.PreferredNetwork{SSID: l, Index: len(res)})
	}
	return res
}

// parseVLANs parses the blocks of -listVLANs.
func parseVLANs(out string) []engine.VLAN {
	var vlans []engine.VLAN
	var cur *engine.VLAN
	for _, l := range lines(out) {
		switch {
		case strings.HasPrefix(l, "VLAN User Defined Name:"):
			vlans = append(vlans, engine.VLAN{Name: strings.TrimSpace(strings.TrimPrefix(l, "VLAN User Defined Name:"))})
			cur = &vlans[len(vlans)-1]
		case cur == nil:
		case strings.HasPrefix(l, "Parent Device:"):
			cur.ParentDevice = strings.TrimSpace(strings.TrimPrefix(l, "Parent Device:"))
		case strings.HasPrefix(l, `Device ("Hardware" Port):`):
			cur.Device = strings.TrimSpace(strings.TrimPrefix(l, `Device ("Hardware" Port):`))
		case strings.HasPrefix(l, "Tag:"):
			cur.Tag, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(l, "Tag:")))
		}
	}
	return vlans
}

// parseBonds parses -listBonds. Each bond is a block of "key: value" lines.
func parseBonds(out string) []engine.Bond {
	var bonds []engine.Bond
	var cur *engine.Bond
	for _, l := range lines(out) {
		key, val, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "interface":
			bonds = append(bonds, engine.Bond{Device: val})
			cur = &bonds[len(bonds)-1]
		case "user-defined-name":
			if cur != nil {
				cur.Name = val
			}
		case "devices":
			if cur != nil {
				for _, d := range strings.FieldsFunc(val, func(r rune) bool { return r == ',' || r == ' ' }) {
					cur.Members = append(cur.Members, d)
				}
			}
		}
	}
	return bonds
}

// parsePPPoEStatus parses -showpppoestatus.
func parsePPPoEStatus(out string) bool {
	s := strings.ToLower(strings.TrimSpace(out))
	return strings.Contains(s, "connected") && !strings.Contains(s, "disconnected")
}
