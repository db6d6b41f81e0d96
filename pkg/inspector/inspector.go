// Package inspector builds SystemState snapshots from read-only backend queries.
package inspector

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/netconverge/netconverge/pkg/engine"
)

// Querier runs read-only backend verbs.
type Querier interface {
	Query(ctx context.Context, verb string, args ...string) (string, error)
}

// Recorder receives snapshot measurements.
type Recorder interface {
	RecordSnapshot(d time.Duration, unknown int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSnapshot(time.Duration, int) {}

// wirelessPortNames are the hardware port names of wireless devices.
var wirelessPortNames = []string{"Wi-Fi", "AirPort"}

// Inspector reads the current network configuration.
type Inspector struct {
	q           Querier
	concurrency int
	recorder    Recorder
	now         func() time.Time
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithConcurrency bounds the number of queries in flight.
func WithConcurrency(n int) Option {
	return func(i *Inspector) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithRecorder sets the measurement recorder.
func WithRecorder(r Recorder) Option {
	return func(i *Inspector) {
		if r != nil {
			i.recorder = r
		}
	}
}

// New creates an inspector over q.
func New(q Querier, opts ...Option) *Inspector {
	i := &Inspector{
		q:           q,
		concurrency: 4,
		recorder:    nopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Snapshot reads the system state. Failing to read the locations or the service
// list is fatal; any other unreadable entity or section is marked unknown and
// the snapshot is still returned.
func (i *Inspector) Snapshot(ctx context.Context) (*engine.SystemState, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "inspector.snapshot")
	defer span.End()

	start := i.now()
	state := &engine.SystemState{CapturedAt: start}

	if err := i.readLocations(ctx, state); err != nil {
		span.RecordError(err)
		return nil, err
	}

	out, err := i.q.Query(ctx, "listallnetworkservices")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list network services: %w", err)
	}
	names, disabled, err := parseServiceList(out)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse network service list", err).
			WithCode(engine.ErrCodeBackendFailure)
	}

	s := &snapshot{state: state}
	s.readOrderAndPorts(ctx, i.q)

	state.Services = make([]engine.ServiceState, len(names))
	for n, name := range names {
		state.Services[n] = engine.ServiceState{
			NetworkService: engine.NetworkService{Name: name, Enabled: !disabled[name]},
			Status:         engine.EntityKnown,
		}
		if p, ok := s.bindings[name]; ok {
			state.Services[n].HardwarePort = p.HardwarePort
			state.Services[n].Device = p.Device
		}
	}

	for _, p := range state.Ports {
		if slices.Contains(wirelessPortNames, p.Name) {
			state.Wireless = append(state.Wireless, engine.WirelessState{Device: p.Device, Status: engine.EntityKnown})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)

	for n := range state.Services {
		g.Go(func() error { return s.readService(gctx, i.q, &state.Services[n]) })
	}
	for n := range state.Ports {
		g.Go(func() error { return s.readPort(gctx, i.q, &state.Ports[n]) })
	}
	for n := range state.Wireless {
		g.Go(func() error { return s.readWireless(gctx, i.q, &state.Wireless[n]) })
	}
	g.Go(func() error { return s.readVLANs(gctx, i.q) })
	g.Go(func() error { return s.readBonds(gctx, i.q) })
	g.Go(func() error { return s.readPPPoE(gctx, i.q) })
	g.Go(func() error { return s.readUserProfiles(gctx, i.q) })
	g.Go(func() error { return s.readComputerName(gctx, i.q) })

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	linkPorts(state)

	unknown := len(state.Unknown)
	for _, svc := range state.Services {
		if svc.Status == engine.EntityUnknown {
			unknown++
		}
	}
	duration := i.now().Sub(start)
	i.recorder.RecordSnapshot(duration, unknown)
	span.SetAttributes(
		attribute.Int("services", len(state.Services)),
		attribute.Int("unknown", unknown),
	)
	log.Debug().
		Str("location", state.CurrentLocation).
		Int("services", len(state.Services)).
		Int("unknown", unknown).
		Dur("duration", duration).
		Msg("Snapshot captured")

	return state, nil
}

func (i *Inspector) readLocations(ctx context.Context, state *engine.SystemState) error {
	out, err := i.q.Query(ctx, "getcurrentlocation")
	if err != nil {
		return fmt.Errorf("failed to read current location: %w", err)
	}
	ls := lines(out)
	if len(ls) == 0 {
		return engine.NewPermanentError("backend reported no current location", nil).
			WithCode(engine.ErrCodeBackendFailure)
	}
	state.CurrentLocation = ls[0]

	out, err = i.q.Query(ctx, "listlocations")
	if err != nil {
		return fmt.Errorf("failed to list locations: %w", err)
	}
	state.Locations = lines(out)
	return nil
}

// snapshot collects concurrently read parts of one SystemState. Each goroutine
// owns one entity; shared sections are written under mu.
type snapshot struct {
	mu       sync.Mutex
	state    *engine.SystemState
	bindings map[string]servicePort
}

func (s *snapshot) markUnknown(section string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.MarkUnknown(section, err)
	log.Warn().Err(err).Str("section", section).Msg("Snapshot section unreadable")
}

func (s *snapshot) readOrderAndPorts(ctx context.Context, q Querier) {
	if out, err := q.Query(ctx, "listnetworkserviceorder"); err != nil {
		s.markUnknown(engine.SectionServiceOrder, err)
	} else {
		s.state.ServiceOrder, s.bindings = parseServiceOrder(out)
	}

	if out, err := q.Query(ctx, "listallhardwareports"); err != nil {
		s.markUnknown(engine.SectionPorts, err)
	} else {
		s.state.Ports = parseHardwarePorts(out)
	}
}

func (s *snapshot) readService(ctx context.Context, q Querier, svc *engine.ServiceState) error {
	name := svc.Name
	fail := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		svc.Status = engine.EntityUnknown
		svc.Error = err.Error()
		log.Warn().Err(err).Str("service", name).Msg("Service unreadable")
		return nil
	}

	out, err := q.Query(ctx, "getinfo", name)
	if err != nil {
		return fail(err)
	}
	svc.IPv4, svc.IPv6 = parseInfo(out)

	if out, err = q.Query(ctx, "getnetworkserviceenabled", name); err != nil {
		return fail(err)
	}
	if svc.Enabled, err = parseEnabled(out); err != nil {
		return fail(err)
	}

	if out, err = q.Query(ctx, "getdnsservers", name); err != nil {
		return fail(err)
	}
	svc.DNSServers = parseAddressList(out)

	if out, err = q.Query(ctx, "getsearchdomains", name); err != nil {
		return fail(err)
	}
	svc.SearchDomains = parseList(out)

	if out, err = q.Query(ctx, "getadditionalroutes", name); err != nil {
		return fail(err)
	}
	svc.Routes = parseRoutes(out)

	if out, err = q.Query(ctx, "getv6additionalroutes", name); err != nil {
		return fail(err)
	}
	svc.RoutesV6 = parseRoutes(out)

	for kind, verb := range proxyQueries {
		if out, err = q.Query(ctx, verb, name); err != nil {
			return fail(err)
		}
		*svc.Proxies.Endpoint(kind) = parseProxy(out)
	}

	if out, err = q.Query(ctx, "getproxybypassdomains", name); err != nil {
		return fail(err)
	}
	svc.Proxies.BypassDomains = parseList(out)

	if out, err = q.Query(ctx, "getproxyautodiscovery", name); err != nil {
		return fail(err)
	}
	svc.Proxies.AutoDiscovery = parseOnOff(out)

	if out, err = q.Query(ctx, "listloginprofiles", name); err != nil {
		return fail(err)
	}
	svc.LoginProfiles = parseList(out)

	return nil
}

var proxyQueries = map[engine.ProxyKind]string{
	engine.ProxyWeb:       "getwebproxy",
	engine.ProxySecureWeb: "getsecurewebproxy",
	engine.ProxySOCKS:     "getsocksfirewallproxy",
}

func (s *snapshot) readPort(ctx context.Context, q Querier, port *engine.HardwarePort) error {
	fail := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		port.Status = engine.EntityUnknown
		port.Error = err.Error()
		log.Warn().Err(err).Str("device", port.Device).Msg("Hardware port unreadable")
		return nil
	}
	if port.Device == "" {
		return nil
	}

	out, err := q.Query(ctx, "getMTU", port.Device)
	if err != nil {
		return fail(err)
	}
	if port.MTU, err = parseMTU(out); err != nil {
		return fail(err)
	}

	if out, err = q.Query(ctx, "listvalidMTUrange", port.Device); err != nil {
		return fail(err)
	}
	if port.MTURange, err = parseMTURange(out); err != nil {
		return fail(err)
	}

	if out, err = q.Query(ctx, "getmedia", port.Device); err != nil {
		return fail(err)
	}
	port.Media = parseMedia(out)

	if port.MACAddress == "" {
		if out, err = q.Query(ctx, "getmacaddress", port.Device); err != nil {
			return fail(err)
		}
		port.MACAddress = parseMAC(out)
	}
	return nil
}

func (s *snapshot) readWireless(ctx context.Context, q Querier, w *engine.WirelessState) error {
	fail := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.Status = engine.EntityUnknown
		w.Error = err.Error()
		log.Warn().Err(err).Str("device", w.Device).Msg("Wireless device unreadable")
		return nil
	}

	out, err := q.Query(ctx, "getairportpower", w.Device)
	if err != nil {
		return fail(err)
	}
	w.Power = parseOnOff(out)

	if out, err = q.Query(ctx, "getairportnetwork", w.Device); err != nil {
		return fail(err)
	}
	w.CurrentNetwork = parseAirportNetwork(out)

	if out, err = q.Query(ctx, "listpreferredwirelessnetworks", w.Device); err != nil {
		return fail(err)
	}
	w.Preferred = parsePreferred(out)
	return nil
}

func (s *snapshot) readVLANs(ctx context.Context, q Querier) error {
	out, err := q.Query(ctx, "listVLANs")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markUnknown(engine.SectionVLANs, err)
		return nil
	}
	vlans := parseVLANs(out)
	s.mu.Lock()
	s.state.VLANs = vlans
	s.mu.Unlock()
	return nil
}

func (s *snapshot) readBonds(ctx context.Context, q Querier) error {
	out, err := q.Query(ctx, "listBonds")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markUnknown(engine.SectionBonds, err)
		return nil
	}
	bonds := parseBonds(out)
	s.mu.Lock()
	s.state.Bonds = bonds
	s.mu.Unlock()
	return nil
}

func (s *snapshot) readPPPoE(ctx context.Context, q Querier) error {
	out, err := q.Query(ctx, "listpppoeservices")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markUnknown(engine.SectionPPPoE, err)
		return nil
	}

	var services []engine.PPPoEState
	for _, name := range parseList(out) {
		p := engine.PPPoEState{Name: name, Status: engine.EntityKnown}
		status, err := q.Query(ctx, "showpppoestatus", name)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.Status = engine.EntityUnknown
		} else {
			p.Connected = parsePPPoEStatus(status)
		}
		services = append(services, p)
	}
	s.mu.Lock()
	s.state.PPPoE = services
	s.mu.Unlock()
	return nil
}

func (s *snapshot) readUserProfiles(ctx context.Context, q Querier) error {
	out, err := q.Query(ctx, "listalluserprofiles")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markUnknown(engine.SectionProfiles, err)
		return nil
	}
	profiles := parseList(out)
	s.mu.Lock()
	s.state.UserProfiles = profiles
	s.mu.Unlock()
	return nil
}

func (s *snapshot) readComputerName(ctx context.Context, q Querier) error {
	out, err := q.Query(ctx, "getcomputername")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.markUnknown(engine.SectionComputerName, err)
		return nil
	}
	s.mu.Lock()
	s.state.ComputerName = firstLine(out)
	s.mu.Unlock()
	return nil
}

// linkPorts fills the VLAN parent and bond relations of hardware ports.
func linkPorts(state *engine.SystemState) {
	for _, v := range state.VLANs {
		if p := state.Port(v.Device); p != nil && v.Device != "" {
			p.VLANParent = v.ParentDevice
		}
	}
	for _, b := range state.Bonds {
		for _, m := range b.Members {
			if p := state.Port(m); p != nil {
				p.Bond = b.Device
			}
		}
	}
}

func firstLine(out string) string {
	if ls := lines(out); len(ls) > 0 {
		return ls[0]
	}
	return ""
}

const tracerName = "github.com/netconverge/netconverge/pkg/inspector"
