package adbc

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// Addr is a parsed device target address, the ADB analogue of aznet's
// Endpoint: a scheme-keyed description of where and how to reach the peer.
//
// Recognized forms:
//
//	tcp:host:port     e.g. tcp:192.168.1.12:5555, tcp:localhost:5037
//	usb:serial        e.g. usb:0123456789ABCDEF
type Addr struct {
	Scheme string // "tcp" or "usb"
	Host   string // tcp only
	Port   string // tcp only
	Serial string // usb only
	Raw    string
}

// String renders the address back to its canonical wire form.
func (a *Addr) String() string {
	switch a.Scheme {
	case "tcp":
		return fmt.Sprintf("tcp:%s:%s", a.Host, a.Port)
	case "usb":
		return fmt.Sprintf("usb:%s", a.Serial)
	default:
		return a.Raw
	}
}

// ParseAddr parses a device target string. An empty s is replaced by the
// ADBC_SERVER_SOCKET environment variable, the way aznet.NewEndpoint falls
// back to AZURE_STORAGE_ACCOUNT when the URL carries no account. If the
// address has no recognized scheme prefix, it is treated as a bare
// host:port (defaulting the port to 5555, same as adb's own shorthand).
func ParseAddr(s string) (*Addr, error) {
	raw := s
	if s == "" {
		if env := os.Getenv("ADBC_SERVER_SOCKET"); env != "" {
			s = env
		} else {
			return nil, fmt.Errorf("%w: empty address", ErrInvalidAddr)
		}
	}

	switch {
	case strings.HasPrefix(s, "tcp:"):
		host, port, err := splitHostPort(strings.TrimPrefix(s, "tcp:"))
		if err != nil {
			return nil, err
		}
		return &Addr{Scheme: "tcp", Host: host, Port: port, Raw: raw}, nil

	case strings.HasPrefix(s, "usb:"):
		serial := strings.TrimPrefix(s, "usb:")
		if serial == "" {
			return nil, fmt.Errorf("%w: missing usb serial", ErrInvalidAddr)
		}
		return &Addr{Scheme: "usb", Serial: serial, Raw: raw}, nil

	default:
		host, port, err := splitHostPort(s)
		if err != nil {
			return nil, err
		}
		return &Addr{Scheme: "tcp", Host: host, Port: port, Raw: raw}, nil
	}
}

func splitHostPort(s string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(s)
	if err != nil {
		// No port supplied: default to adb's standard daemon port.
		host = s
		port = "5555"
		err = nil
	}
	if host == "" {
		return "", "", fmt.Errorf("%w: missing host in %q", ErrInvalidAddr, s)
	}
	return host, port, nil
}
