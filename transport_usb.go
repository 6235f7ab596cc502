package adbc

import (
	"context"
	"fmt"
)

const usbSchemeName = "usb"

// usbFactory builds Transports for "usb:serial" addresses. It keeps the
// scheme present in the registry returned by RegisteredTransportSchemes so
// callers can address a device by serial and get a clear, typed error
// instead of ErrUnsupportedScheme, but the transport itself never opens:
// no bulk-transfer USB library appears anywhere in the dependency pack this
// module was grown from, and none is fabricated here. A real
// implementation would claim the ADB interface's bulk endpoints the way
// usbarmory-tamago's usbarmory package claims its own controller, but that
// package is a bare-metal unikernel target and cannot be imported into a
// host process.
type usbFactory struct{}

func (f *usbFactory) NewTransport(addr *Addr, cfg *Config) (Transport, error) {
	if addr.Scheme != usbSchemeName {
		return nil, fmt.Errorf("%w: usbFactory given scheme %q", ErrUnsupportedScheme, addr.Scheme)
	}
	return &usbTransport{serial: addr.Serial}, nil
}

// usbTransport is a registered but non-functional Transport. Open, Read and
// Write return ErrUnsupportedOperation; Close is a no-op returning nil.
type usbTransport struct {
	serial string
}

func (t *usbTransport) Open(ctx context.Context) error {
	return fmt.Errorf("%w: usb transport for serial %s", ErrUnsupportedOperation, t.serial)
}

func (t *usbTransport) Read(p []byte) (int, error) {
	return 0, ErrUnsupportedOperation
}

func (t *usbTransport) Write(p []byte) (int, error) {
	return 0, ErrUnsupportedOperation
}

func (t *usbTransport) Close() error {
	return nil
}

func (t *usbTransport) LocalAddr() string {
	return "usb:host"
}

func (t *usbTransport) RemoteAddr() string {
	return "usb:" + t.serial
}
