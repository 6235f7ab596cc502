package adbc

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// pipeTransport adapts a net.Conn (from net.Pipe) to the Transport
// interface for in-process handshake tests, the same role a fake driver
// plays against aznet's Conn in isolation.
type pipeTransport struct {
	net.Conn
}

func (p *pipeTransport) Open(ctx context.Context) error { return nil }
func (p *pipeTransport) LocalAddr() string              { return p.Conn.LocalAddr().String() }
func (p *pipeTransport) RemoteAddr() string              { return p.Conn.RemoteAddr().String() }

func newPipeTransports() (*pipeTransport, *pipeTransport) {
	a, b := net.Pipe()
	return &pipeTransport{a}, &pipeTransport{b}
}

// fakeDeviceNoAuth plays the adbd side of a handshake for tests: it reads
// the host's CNXN and replies straight away with a CNXN carrying banner,
// without an AUTH challenge. fakeDeviceWithAuth challenges once, accepts any
// signature, and then replies the same way.
func fakeDeviceNoAuth(t *testing.T, transport Transport, banner string) {
	t.Helper()
	policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}
	msg, err := ReadMessage(transport, policy)
	if err != nil {
		t.Errorf("fake device: read CNXN: %v", err)
		return
	}
	if msg.Header.Command != CmdCNXN {
		t.Errorf("fake device: expected CNXN, got %v", msg.Header.Command)
		return
	}
	if err := WriteMessage(transport, CmdCNXN, DefaultProtocolVersion, DefaultMaxPayload, []byte(banner), DefaultMaxPayload, policy); err != nil {
		t.Errorf("fake device: write CNXN: %v", err)
	}
}

func fakeDeviceWithAuth(t *testing.T, transport Transport, banner string) {
	t.Helper()
	policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}

	msg, err := ReadMessage(transport, policy)
	if err != nil {
		t.Errorf("fake device: read CNXN: %v", err)
		return
	}
	if msg.Header.Command != CmdCNXN {
		t.Errorf("fake device: expected CNXN, got %v", msg.Header.Command)
		return
	}

	token := make([]byte, AuthTokenLength)
	for i := range token {
		token[i] = byte(i)
	}
	if err := WriteMessage(transport, CmdAUTH, AuthTypeToken, 0, token, DefaultMaxPayload, policy); err != nil {
		t.Errorf("fake device: write AUTH token: %v", err)
		return
	}

	msg, err = ReadMessage(transport, policy)
	if err != nil {
		t.Errorf("fake device: read AUTH signature: %v", err)
		return
	}
	if msg.Header.Command != CmdAUTH || msg.Header.Arg0 != AuthTypeSignature {
		t.Errorf("fake device: expected AUTH signature, got %v/%d", msg.Header.Command, msg.Header.Arg0)
		return
	}

	if err := WriteMessage(transport, CmdCNXN, DefaultProtocolVersion, DefaultMaxPayload, []byte(banner), DefaultMaxPayload, policy); err != nil {
		t.Errorf("fake device: write CNXN: %v", err)
	}
}

func TestConnectNoAuth(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeDeviceNoAuth(t, device, "device::ro.product.model=Pixel;features=shell_v2,cmd")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Connect(ctx, client, nil, WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	<-done

	if session.SystemType != "device" {
		t.Errorf("SystemType = %q, want device", session.SystemType)
	}
	if session.Properties["ro.product.model"] != "Pixel" {
		t.Errorf("ro.product.model = %q, want Pixel", session.Properties["ro.product.model"])
	}
	if session.Properties["features"] != "shell_v2,cmd" {
		t.Errorf("features = %q, want shell_v2,cmd", session.Properties["features"])
	}
}

func TestConnectWithAuth(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	signer, err := NewGeneratedSigner("test@adbc")
	if err != nil {
		t.Fatalf("NewGeneratedSigner: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeDeviceWithAuth(t, device, "device::ro.product.model=Pixel;features=shell_v2,cmd")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := Connect(ctx, client, []Signer{signer}, WithConnectTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	<-done

	if session.ProtocolVersion != DefaultProtocolVersion {
		t.Errorf("ProtocolVersion = %#x, want %#x", session.ProtocolVersion, DefaultProtocolVersion)
	}
}

func TestConnectRequiresSignerWhenChallenged(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	go func() {
		policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}
		_, _ = ReadMessage(device, policy)
		token := make([]byte, AuthTokenLength)
		_ = WriteMessage(device, CmdAUTH, AuthTypeToken, 0, token, DefaultMaxPayload, policy)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Connect(ctx, client, nil, WithConnectTimeout(time.Second)); err == nil {
		t.Fatal("expected error connecting without a signer when challenged")
	}
}

// TestConnectAdvancesThroughMultipleKeys verifies Connect tries each
// configured signer in order on successive re-challenges before falling
// back to the public key of the first.
func TestConnectAdvancesThroughMultipleKeys(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	first, err := NewGeneratedSigner("first@adbc")
	if err != nil {
		t.Fatalf("NewGeneratedSigner: %v", err)
	}
	second, err := NewGeneratedSigner("second@adbc")
	if err != nil {
		t.Fatalf("NewGeneratedSigner: %v", err)
	}
	secondPub, err := second.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}
	done := make(chan struct{})
	go func() {
		defer close(done)

		if _, err := ReadMessage(device, policy); err != nil {
			t.Errorf("fake device: read CNXN: %v", err)
			return
		}

		token := make([]byte, AuthTokenLength)
		if err := WriteMessage(device, CmdAUTH, AuthTypeToken, 0, token, DefaultMaxPayload, policy); err != nil {
			t.Errorf("fake device: write AUTH token 1: %v", err)
			return
		}

		// Reject the first key's signature by re-challenging with a fresh
		// token; the client must advance to its second key, not fall back
		// to the public key yet.
		sig1, err := ReadMessage(device, policy)
		if err != nil || sig1.Header.Command != CmdAUTH || sig1.Header.Arg0 != AuthTypeSignature {
			t.Errorf("fake device: expected first AUTH signature, got %+v err=%v", sig1.Header, err)
			return
		}
		if err := WriteMessage(device, CmdAUTH, AuthTypeToken, 0, token, DefaultMaxPayload, policy); err != nil {
			t.Errorf("fake device: write AUTH token 2: %v", err)
			return
		}

		sig2, err := ReadMessage(device, policy)
		if err != nil || sig2.Header.Command != CmdAUTH || sig2.Header.Arg0 != AuthTypeSignature {
			t.Errorf("fake device: expected second AUTH signature, got %+v err=%v", sig2.Header, err)
			return
		}

		// Reject the second key too; the client has exhausted its keys and
		// must now fall back to presenting the first key's public key.
		if err := WriteMessage(device, CmdAUTH, AuthTypeToken, 0, token, DefaultMaxPayload, policy); err != nil {
			t.Errorf("fake device: write AUTH token 3: %v", err)
			return
		}

		pubMsg, err := ReadMessage(device, policy)
		if err != nil || pubMsg.Header.Command != CmdAUTH || pubMsg.Header.Arg0 != AuthTypeRSAPublicKey {
			t.Errorf("fake device: expected AUTH public key, got %+v err=%v", pubMsg.Header, err)
			return
		}
		if !bytes.Equal(bytes.TrimRight(pubMsg.Payload, "\x00"), secondPub) {
			t.Errorf("fake device: expected second key's public key presented, since it was configured first")
		}

		if err := WriteMessage(device, CmdCNXN, DefaultProtocolVersion, DefaultMaxPayload, []byte("device::features=shell_v2"), DefaultMaxPayload, policy); err != nil {
			t.Errorf("fake device: write CNXN: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The first configured signer's public key is what Connect falls back
	// to, so configure second first to make the assertion meaningful.
	session, err := Connect(ctx, client, []Signer{second, first}, WithConnectTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	<-done
}

func TestConnectRejectsSTLS(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	go func() {
		policy := ChecksumPolicy{ProtocolVersion: DefaultProtocolVersion}
		if _, err := ReadMessage(device, policy); err != nil {
			t.Errorf("fake device: read CNXN: %v", err)
			return
		}
		if err := WriteMessage(device, CmdSTLS, 0, 0, nil, DefaultMaxPayload, policy); err != nil {
			t.Errorf("fake device: write STLS: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, client, nil, WithConnectTimeout(time.Second))
	if !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("err = %v, want ErrUnsupportedOperation", err)
	}
}

func TestConnectRejectsIncompatibleFeatures(t *testing.T) {
	client, device := newPipeTransports()
	defer device.Close()

	go func() {
		fakeDeviceNoAuth(t, device, "device::features=vendor_only_feature")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, client, nil, WithConnectTimeout(time.Second))
	if !errors.Is(err, ErrProtocolVersionMismatch) {
		t.Fatalf("err = %v, want ErrProtocolVersionMismatch", err)
	}
}
