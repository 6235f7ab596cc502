package adbc

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrSignerKeyLoadFailed is returned when a FileSigner cannot read or
	// parse its private key material.
	ErrSignerKeyLoadFailed = errors.New("adbc: signer key load failed")
	// ErrSignerNoKey is returned when a Signer has no key loaded to sign with.
	ErrSignerNoKey = errors.New("adbc: signer has no key")
)

// Signer produces ADB auth signatures and exposes the matching public key
// in the SSH wire format adbd expects in AUTH RSAPUBLICKEY payloads (spec.md
// §4.C). It plays the role aznet's Noise handshake state plays for its
// transport: the thing Connect hands the 20-byte auth token to and gets
// back what to put on the wire.
type Signer interface {
	// Sign returns the raw PKCS#1 v1.5 RSA signature of token (no
	// DigestInfo/hash-OID wrapper, matching adbd's raw-signature
	// verification rather than a standard crypto.Hash scheme).
	Sign(token []byte) ([]byte, error)

	// PublicKey returns the signer's public key encoded the way adbd
	// expects an AUTH RSAPUBLICKEY payload to look: SSH wire format,
	// base64-encoded, optionally suffixed with a " user@host" comment. The
	// result is not NUL-terminated; Connect appends the terminator when it
	// sends the key.
	PublicKey() ([]byte, error)
}

// FileSigner signs with an RSA private key loaded from a PEM file, the
// conventional ~/.android/adbkey used by the real adb client.
type FileSigner struct {
	key     *rsa.PrivateKey
	comment string
}

// LoadFileSigner reads and parses a PEM-encoded RSA private key (PKCS#1 or
// PKCS#8) from path. comment is appended to the public key blob the way adb
// appends "user@host" to adbkey.pub; pass "" to omit it.
func LoadFileSigner(path, comment string) (*FileSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerKeyLoadFailed, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrSignerKeyLoadFailed, path)
	}

	key, err := parseRSAPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerKeyLoadFailed, err)
	}
	return &FileSigner{key: key, comment: comment}, nil
}

func parseRSAPrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

func (s *FileSigner) Sign(token []byte) ([]byte, error) {
	if s.key == nil {
		return nil, ErrSignerNoKey
	}
	return signRawPKCS1v15(s.key, token)
}

func (s *FileSigner) PublicKey() ([]byte, error) {
	return marshalSSHPublicKey(&s.key.PublicKey, s.comment)
}

// GeneratedSigner signs with a freshly generated, in-memory RSA-2048 key.
// It never touches disk; useful for tests and for the first connection to
// a device before a persistent key has been provisioned.
type GeneratedSigner struct {
	key     *rsa.PrivateKey
	comment string
}

// NewGeneratedSigner generates a new RSA-2048 key pair.
func NewGeneratedSigner(comment string) (*GeneratedSigner, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerKeyLoadFailed, err)
	}
	return &GeneratedSigner{key: key, comment: comment}, nil
}

func (s *GeneratedSigner) Sign(token []byte) ([]byte, error) {
	return signRawPKCS1v15(s.key, token)
}

func (s *GeneratedSigner) PublicKey() ([]byte, error) {
	return marshalSSHPublicKey(&s.key.PublicKey, s.comment)
}

// signRawPKCS1v15 signs token with the bare PKCS#1 v1.5 padding scheme adbd
// expects: no ASN.1 DigestInfo wrapper, since the token itself is already
// the 20-byte quantity being "hashed" in adbd's eyes. crypto/rsa's
// SignPKCS1v15 adds a DigestInfo prefix for a real crypto.Hash; passing
// crypto.Hash(0) makes it treat the input as pre-formatted and skip that
// prefix, so no padding is built by hand here.
func signRawPKCS1v15(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if len(token) != AuthTokenLength {
		return nil, fmt.Errorf("%w: token is %d bytes, want %d", ErrInvalidResponse, len(token), AuthTokenLength)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.Hash(0), token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return sig, nil
}

// marshalSSHPublicKey renders pub in the SSH wire format adbd's
// RSAPublicKey parser expects, base64-encoded and optionally commented,
// the same encoding kryptco-kr's SSH agent protocol uses for its
// RSAPublicKey blobs.
func marshalSSHPublicKey(pub *rsa.PublicKey, comment string) ([]byte, error) {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerKeyLoadFailed, err)
	}
	encoded := base64.StdEncoding.EncodeToString(sshPub.Marshal())
	if comment != "" {
		encoded += " " + comment
	}
	return []byte(encoded), nil
}
