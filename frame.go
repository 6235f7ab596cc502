package adbc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of an ADB message header: six little-endian
// uint32 fields.
const HeaderSize = 24

// MinMaxPayload and MaxMaxPayload bound the negotiable max-payload size.
const (
	MinMaxPayload = 4096
	MaxMaxPayload = 1 << 20
)

// ChecksumCutoverVersion is the protocol version at and above which both
// peers are expected to stop computing the payload checksum (spec.md §9
// open question, resolved here as authoritative).
const ChecksumCutoverVersion = 0x01000001

// Header is the fixed 24-byte preamble of every ADB message.
type Header struct {
	Command  Command
	Arg0     uint32
	Arg1     uint32
	Length   uint32
	Checksum uint32
	Magic    uint32
}

// Message is a complete ADB wire message: header plus payload.
type Message struct {
	Header  Header
	Payload []byte
}

func magicFor(cmd Command) uint32 {
	return uint32(cmd) ^ 0xFFFFFFFF
}

// sumPayload computes the legacy additive checksum (sum of payload bytes
// mod 2^32).
func sumPayload(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

// ChecksumPolicy decides whether a checksum must be computed/verified for a
// given negotiated protocol version: spec.md §9 resolves the source's
// ambiguous gating as checksums disabled once both sides have advertised
// protocol_version >= ChecksumCutoverVersion.
type ChecksumPolicy struct {
	ProtocolVersion uint32
}

// Enabled reports whether payload checksums must be computed/verified.
func (p ChecksumPolicy) Enabled() bool {
	return p.ProtocolVersion < ChecksumCutoverVersion
}

// EncodeMessage builds the wire bytes for a header+payload pair, applying
// the checksum policy and validating against maxPayload.
func EncodeMessage(cmd Command, arg0, arg1 uint32, payload []byte, maxPayload uint32, policy ChecksumPolicy) ([]byte, error) {
	if maxPayload > 0 && uint32(len(payload)) > maxPayload {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds max %d", ErrPayloadTooLarge, len(payload), maxPayload)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], arg0)
	binary.LittleEndian.PutUint32(buf[8:12], arg1)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))

	var checksum uint32
	if policy.Enabled() {
		checksum = sumPayload(payload)
	}
	binary.LittleEndian.PutUint32(buf[16:20], checksum)
	binary.LittleEndian.PutUint32(buf[20:24], magicFor(cmd))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// DecodeHeader parses a 24-byte buffer into a Header, validating the magic
// invariant (magic == command XOR 0xFFFFFFFF).
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) != HeaderSize {
		return Header{}, fmt.Errorf("adbc: short header: %d bytes", len(buf))
	}
	h := Header{
		Command:  Command(binary.LittleEndian.Uint32(buf[0:4])),
		Arg0:     binary.LittleEndian.Uint32(buf[4:8]),
		Arg1:     binary.LittleEndian.Uint32(buf[8:12]),
		Length:   binary.LittleEndian.Uint32(buf[12:16]),
		Checksum: binary.LittleEndian.Uint32(buf[16:20]),
		Magic:    binary.LittleEndian.Uint32(buf[20:24]),
	}
	if h.Magic != magicFor(h.Command) {
		return Header{}, ErrBadMagic
	}
	return h, nil
}

// ReadMessage reads one complete ADB message (header + payload) from r,
// validating magic and, when the checksum policy requires it, the payload
// checksum.
func ReadMessage(r io.Reader, policy ChecksumPolicy) (Message, error) {
	var hdrBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	h, err := DecodeHeader(hdrBuf[:])
	if err != nil {
		return Message{}, err
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}

	if policy.Enabled() && sumPayload(payload) != h.Checksum {
		return Message{}, ErrBadChecksum
	}

	return Message{Header: h, Payload: payload}, nil
}

// WriteMessage encodes and writes one complete ADB message to w.
func WriteMessage(w io.Writer, cmd Command, arg0, arg1 uint32, payload []byte, maxPayload uint32, policy ChecksumPolicy) error {
	buf, err := EncodeMessage(cmd, arg0, arg1, payload, maxPayload, policy)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}
