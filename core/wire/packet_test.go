// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/relaynet/core/peer"
)

func TestPacketRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dest := peer.Addr{IP: "127.0.0.1", Port: 9802}
	for _, p := range []*Packet{
		Control(Hello),
		NewPacket(Text, dest, []byte("ping")),
		NewPacket(Forward, dest, bytes.Repeat([]byte{0xa5}, MaxBodyLength)),
		NewPacket(Shutdown, peer.Addr{IP: "10.0.0.1", Port: 1}, nil),
	} {
		b, err := p.MarshalBinary()
		require.NoError(err, "MarshalBinary(%v)", p)
		require.Len(b, HeaderLength+len(p.Body))

		q, err := Decode(b)
		require.NoError(err, "Decode(%v)", p)
		require.Equal(p, q)
	}
}

func TestPacketLayout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.Equal(15, HeaderLength)

	p := NewPacket(Forward, peer.Addr{IP: "127.0.0.1", Port: 0x2649}, []byte{1, 2, 3})
	b, err := Encode(p)
	require.NoError(err)

	require.Equal([]byte{0x00, 0x10}, b[0:2])
	require.Equal([]byte("127.0.0.1"), b[2:11])
	require.Equal([]byte{0x26, 0x49}, b[11:13])
	require.Equal([]byte{0x00, 0x03}, b[13:15])
	require.Equal([]byte{1, 2, 3}, b[15:])

	short := NewPacket(Okay, peer.Addr{IP: "1.2.3.4", Port: 1}, nil)
	b, err = Encode(short)
	require.NoError(err)
	require.Equal([]byte{'1', '.', '2', '.', '3', '.', '4', 0, 0}, b[2:11])
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Decode(make([]byte, HeaderLength-1))
	require.ErrorIs(err, ErrMalformedFrame)

	b, err := Encode(NewPacket(Data, peer.Addr{}, []byte("hi")))
	require.NoError(err)

	_, err = Decode(b[:len(b)-1])
	require.ErrorIs(err, ErrMalformedFrame)

	_, err = Decode(append(b, 0))
	require.ErrorIs(err, ErrMalformedFrame)

	binary.BigEndian.PutUint16(b[0:2], 42)
	_, err = Decode(b)
	require.ErrorIs(err, ErrUnknownKind)
	require.NotErrorIs(err, ErrMalformedFrame)
}

func TestEncodeLimits(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Encode(NewPacket(Data, peer.Addr{IP: "192.168.100.200", Port: 1}, nil))
	require.ErrorIs(err, ErrDestTooLong)

	_, err = Encode(NewPacket(Data, peer.Addr{}, make([]byte, MaxBodyLength+1)))
	require.ErrorIs(err, ErrBodyTooLarge)

	_, err = Encode(&Packet{Kind: MessageKind(7)})
	require.Error(err)

	// Padding bytes and anything else outside printable ASCII would be
	// lost on decode.
	for _, ip := range []string{"1.2.3.4 ", "1.2.3.4\x00", " 1.2.3.4", "1.2\t3.4", "1.2.3.\xc3\xa9"} {
		_, err = Encode(NewPacket(Data, peer.Addr{IP: ip, Port: 1}, nil))
		require.ErrorIs(err, ErrInvalidDest, "%q", ip)
	}
	_, err = Encode(NewPacket(Data, peer.Addr{IP: "::1", Port: 1}, nil))
	require.NoError(err)
}

func TestEmptyBody(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	b, err := Encode(&Packet{Kind: Okay, Body: []byte{}})
	require.NoError(err)
	require.Len(b, HeaderLength)

	p, err := Decode(b)
	require.NoError(err)
	require.Nil(p.Body)

	p, err = ReadPacket(bytes.NewReader(b))
	require.NoError(err)
	require.Nil(p.Body)
}

func TestReadWritePacket(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var buf bytes.Buffer
	a := NewPacket(Echo, peer.Addr{}, []byte("hello"))
	b := Control(Exit)
	require.NoError(WritePacket(&buf, a))
	require.NoError(WritePacket(&buf, b))

	// An unknown code still consumes its body so the stream stays framed.
	raw, err := Encode(NewPacket(Data, peer.Addr{}, []byte("xx")))
	require.NoError(err)
	binary.BigEndian.PutUint16(raw[0:2], 55)
	buf.Write(raw)
	require.NoError(WritePacket(&buf, Control(Okay)))

	p, err := ReadPacket(&buf)
	require.NoError(err)
	require.Equal(a, p)
	p, err = ReadPacket(&buf)
	require.NoError(err)
	require.Equal(b, p)
	_, err = ReadPacket(&buf)
	require.ErrorIs(err, ErrUnknownKind)
	p, err = ReadPacket(&buf)
	require.NoError(err)
	require.Equal(Okay, p.Kind)

	_, err = ReadPacket(&buf)
	require.Equal(io.EOF, err)

	raw, err = Encode(NewPacket(Data, peer.Addr{}, []byte("truncated")))
	require.NoError(err)
	_, err = ReadPacket(bytes.NewReader(raw[:HeaderLength+3]))
	require.ErrorIs(err, ErrMalformedFrame)
	_, err = ReadPacket(bytes.NewReader(raw[:4]))
	require.ErrorIs(err, ErrMalformedFrame)
}

func TestKindCodes(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	seen := make(map[uint16]MessageKind)
	for k := range kindInfo {
		_, dup := seen[k.Code()]
		require.False(dup, "duplicate code %d", k.Code())
		seen[k.Code()] = k

		got, err := KindFromCode(k.Code())
		require.NoError(err)
		require.Equal(k, got)
	}
	require.Len(seen, 18)

	require.Equal(FamilyControl, Hello.Family())
	require.Equal(FamilyKeyExchange, Deny.Family())
	require.Equal(FamilyPayload, Enc.Family())
	require.Equal(FamilyCircuit, Stop.Family())
	require.Equal(FamilyDiagnostic, Peers.Family())
	require.Equal(FamilyDebug, Shutdown.Family())
	require.Equal(FamilyInvalid, MessageKind(0).Family())
	require.Equal("FORWARD", Forward.String())
}
