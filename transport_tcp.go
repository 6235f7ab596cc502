package adbc

import (
	"context"
	"fmt"
	"net"
	"sync"
)

const tcpSchemeName = "tcp"

// tcpFactory builds Transports for "tcp:host:port" addresses, the ADB
// equivalent of aznet's blobFactory: it resolves a driver-specific client
// (here, nothing more than a dial target) from the parsed Addr and Config.
type tcpFactory struct{}

func (f *tcpFactory) NewTransport(addr *Addr, cfg *Config) (Transport, error) {
	if addr.Scheme != tcpSchemeName {
		return nil, fmt.Errorf("%w: tcpFactory given scheme %q", ErrUnsupportedScheme, addr.Scheme)
	}
	return &tcpTransport{
		addr:   net.JoinHostPort(addr.Host, addr.Port),
		dialer: &net.Dialer{Timeout: cfg.connectTimeout},
	}, nil
}

// tcpTransport is a Transport backed by a plain TCP socket to adbd or the
// adb server. It mirrors aznet's blobTransport in shape (dial/open once,
// with the connection handle guarded by a lock; Read and Write themselves
// are not serialized against each other) without needing the Azure
// append-blob rotation machinery, since a TCP stream has no block-count
// ceiling.
type tcpTransport struct {
	addr   string
	dialer *net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

func (t *tcpTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, t.addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	t.conn = conn
	return nil
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrTransportClosed
	}
	n, err := conn.Read(p)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return 0, ErrTransportClosed
	}
	n, err := conn.Write(p)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrIO, err)
	}
	return n, err
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *tcpTransport) LocalAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

func (t *tcpTransport) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return t.addr
	}
	return t.conn.RemoteAddr().String()
}
