// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the relay network packet codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/relaynet/core/peer"
)

const (
	kindLength     = 2
	destIPLength   = 9
	destPortLength = 2
	bodySizeLength = 2

	destIPOffset   = kindLength
	destPortOffset = destIPOffset + destIPLength
	bodySizeOffset = destPortOffset + destPortLength

	// HeaderLength is the fixed length of every frame header.
	HeaderLength = kindLength + destIPLength + destPortLength + bodySizeLength

	// MaxBodyLength is the largest body a frame can carry.
	MaxBodyLength = 0xffff

	// MaxDestIPLength is the widest destination IP the header can hold.
	MaxDestIPLength = destIPLength
)

var (
	// ErrMalformedFrame is the error returned when a frame's length does not
	// match its header.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrUnknownKind is the error returned when a frame carries a preamble
	// code that is not part of the protocol.
	ErrUnknownKind = errors.New("wire: unknown message kind")

	// ErrDestTooLong is the error returned when encoding a destination IP
	// that does not fit in the header field.
	ErrDestTooLong = errors.New("wire: destination IP too long")

	// ErrInvalidDest is the error returned when encoding a destination IP
	// with bytes that are not printable ASCII, which would not survive the
	// zero padding of the header field.
	ErrInvalidDest = errors.New("wire: invalid destination IP")

	// ErrBodyTooLarge is the error returned when encoding a body larger than
	// MaxBodyLength.
	ErrBodyTooLarge = errors.New("wire: body too large")

	errInvalidKind = errors.New("wire: invalid message kind")
)

// Packet is the protocol's single message unit.
type Packet struct {
	Kind     MessageKind
	DestIP   string
	DestPort uint16
	Body     []byte
}

// NewPacket returns a new Packet addressed to dest.
func NewPacket(kind MessageKind, dest peer.Addr, body []byte) *Packet {
	return &Packet{
		Kind:     kind,
		DestIP:   dest.IP,
		DestPort: dest.Port,
		Body:     body,
	}
}

// Control returns a body-less packet with no destination.
func Control(kind MessageKind) *Packet {
	return &Packet{Kind: kind}
}

// Dest returns the packet destination.
func (p *Packet) Dest() peer.Addr {
	return peer.Addr{IP: p.DestIP, Port: p.DestPort}
}

// String returns a log friendly description of the packet.  The body is
// never included.
func (p *Packet) String() string {
	if p.DestIP == "" && p.DestPort == 0 {
		return fmt.Sprintf("%v [%d bytes]", p.Kind, len(p.Body))
	}
	return fmt.Sprintf("%v -> %v [%d bytes]", p.Kind, p.Dest(), len(p.Body))
}

// MarshalBinary serializes the packet into a frame.
func (p *Packet) MarshalBinary() ([]byte, error) {
	if !p.Kind.IsValid() {
		return nil, fmt.Errorf("%w: %d", errInvalidKind, uint16(p.Kind))
	}
	if len(p.DestIP) > destIPLength {
		return nil, fmt.Errorf("%w: '%v'", ErrDestTooLong, p.DestIP)
	}
	for i := 0; i < len(p.DestIP); i++ {
		if c := p.DestIP[i]; c <= ' ' || c > '~' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDest, p.DestIP)
		}
	}
	if len(p.Body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(p.Body))
	}

	out := make([]byte, HeaderLength, HeaderLength+len(p.Body))
	binary.BigEndian.PutUint16(out[0:destIPOffset], p.Kind.Code())
	copy(out[destIPOffset:destPortOffset], p.DestIP)
	binary.BigEndian.PutUint16(out[destPortOffset:bodySizeOffset], p.DestPort)
	binary.BigEndian.PutUint16(out[bodySizeOffset:HeaderLength], uint16(len(p.Body)))
	return append(out, p.Body...), nil
}

// Encode is a convenience wrapper around MarshalBinary.
func Encode(p *Packet) ([]byte, error) {
	return p.MarshalBinary()
}

type header struct {
	kind     uint16
	destIP   string
	destPort uint16
	bodySize int
}

func parseHeader(b []byte) header {
	ip := b[destIPOffset:destPortOffset]
	ip = bytes.TrimRight(ip, "\x00 ")
	return header{
		kind:     binary.BigEndian.Uint16(b[0:destIPOffset]),
		destIP:   string(ip),
		destPort: binary.BigEndian.Uint16(b[destPortOffset:bodySizeOffset]),
		bodySize: int(binary.BigEndian.Uint16(b[bodySizeOffset:HeaderLength])),
	}
}

func (h *header) toPacket(body []byte) (*Packet, error) {
	kind, err := KindFromCode(h.kind)
	if err != nil {
		return nil, err
	}
	p := &Packet{
		Kind:     kind,
		DestIP:   h.destIP,
		DestPort: h.destPort,
	}
	if len(body) > 0 {
		p.Body = body
	}
	return p, nil
}

// Decode deserializes exactly one frame.  The returned packet does not alias
// b, and an empty body is returned as nil.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedFrame, len(b))
	}
	h := parseHeader(b)
	if len(b)-HeaderLength != h.bodySize {
		return nil, fmt.Errorf("%w: declared body of %d bytes, got %d", ErrMalformedFrame, h.bodySize, len(b)-HeaderLength)
	}
	body := make([]byte, h.bodySize)
	copy(body, b[HeaderLength:])
	return h.toPacket(body)
}

// ReadPacket reads one frame from r.  As with Decode an empty body is nil.
// io.EOF is returned unwrapped iff the
// stream ended cleanly before a new frame started.
func ReadPacket(r io.Reader) (*Packet, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated header", ErrMalformedFrame)
		}
		return nil, err
	}
	h := parseHeader(hdr[:])
	body := make([]byte, h.bodySize)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: truncated body", ErrMalformedFrame)
		}
		return nil, err
	}
	return h.toPacket(body)
}

// WritePacket writes one frame to w.
func WritePacket(w io.Writer, p *Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
