package adbc

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// Transport is the raw duplex byte channel a connection is built on
// (spec.md §4.B, §6): open/close plus exact-length read and best-effort
// write. Message framing (component A) is layered on top via
// ReadMessage/WriteMessage in frame.go, which only need an io.Reader/
// io.Writer — Transport satisfies both directly.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer

	// Open establishes the underlying channel (dials TCP, claims USB
	// endpoints, ...). Read/Write are only valid after Open succeeds.
	Open(ctx context.Context) error

	// LocalAddr and RemoteAddr describe the two ends of the channel for
	// logging; callers should not parse them.
	LocalAddr() string
	RemoteAddr() string
}

// TransportFactory creates a Transport for a parsed Addr.
type TransportFactory interface {
	NewTransport(addr *Addr, cfg *Config) (Transport, error)
}

var transportFactories = make(map[string]TransportFactory)

// RegisterTransportFactory registers a factory for the given address
// scheme (e.g. "tcp", "usb"), the same scheme-keyed registry
// aznet.RegisterFactory uses for its storage drivers.
func RegisterTransportFactory(scheme string, f TransportFactory) {
	if _, dup := transportFactories[scheme]; dup {
		panic("adbc: transport factory already registered for scheme " + scheme)
	}
	transportFactories[scheme] = f
}

// RegisteredTransportSchemes returns the sorted list of registered scheme
// names, mainly for diagnostics and tests.
func RegisteredTransportSchemes() []string {
	schemes := make([]string, 0, len(transportFactories))
	for s := range transportFactories {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

func init() {
	RegisterTransportFactory("tcp", &tcpFactory{})
	RegisterTransportFactory("usb", &usbFactory{})
}

// OpenTransport parses address, resolves a registered factory for its
// scheme, builds and opens the Transport, and wraps it for byte-level
// metrics (WithMetrics(nil) keeps the default Metrics, so the wrapper is
// always applied).
func OpenTransport(ctx context.Context, address string, opts ...Option) (Transport, error) {
	cfg := applyConfig(opts)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	addr, err := ParseAddr(address)
	if err != nil {
		return nil, err
	}

	factory, ok := transportFactories[addr.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, addr.Scheme)
	}

	t, err := factory.NewTransport(addr, cfg)
	if err != nil {
		return nil, err
	}
	if err := t.Open(ctx); err != nil {
		return nil, err
	}

	if cfg.metrics != nil {
		t = newMetricsTransport(t, cfg.metrics)
	}
	return t, nil
}
