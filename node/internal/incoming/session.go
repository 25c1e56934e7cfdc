// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relaynet/core/circuit"
	"github.com/katzenpost/relaynet/core/link"
	"github.com/katzenpost/relaynet/core/wire"
	"github.com/katzenpost/relaynet/node/internal/instrument"
)

// session is the relay state machine serving one inbound connection.
type session struct {
	l    *listener
	log  *logging.Logger
	conn net.Conn
	id   uint64

	linkCfg    *link.Config
	downstream *link.Link

	writeTimeout   time.Duration
	remoteShutdown bool

	doneCh chan struct{}
}

func newSession(l *listener, conn net.Conn, id uint64) *session {
	cfg := l.glue.Config()
	s := &session{
		l:            l,
		log:          l.glue.LogBackend().GetLogger(fmt.Sprintf("session:%d", id)),
		conn:         conn,
		id:           id,
		writeTimeout: time.Duration(cfg.Debug.HandshakeTimeout) * time.Millisecond,
		doneCh:       make(chan struct{}),
	}
	s.linkCfg = &link.Config{
		Transport:      cfg.Node.Transport,
		Timeout:        time.Duration(cfg.Debug.HopTimeout) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Debug.ConnectTimeout) * time.Millisecond,
		Log:            s.log,
	}
	return s
}

func (s *session) worker() {
	s.log.Debugf("New session from: %v", s.conn.RemoteAddr())
	defer func() {
		s.closeDownstream()
		s.conn.Close()
		close(s.doneCh)
		s.l.closeAllWg.Done()
		s.log.Debugf("Closed.")
		if s.remoteShutdown {
			s.l.StopAccepting()
			s.l.glue.OnRemoteShutdown()
		}
	}()

	// Closing the connection is the only way to interrupt a blocked read.
	go func() {
		select {
		case <-s.l.closeAllCh:
			s.conn.Close()
		case <-s.doneCh:
		}
	}()

	first, ok := s.handshake()
	if !ok {
		return
	}
	s.relayLoop(first)
}

// handshake greets the peer and dispatches on its first packet.  It returns
// the packet the relay loop should start with, if any, and false if the
// session is over.
func (s *session) handshake() (*wire.Packet, bool) {
	timeout := time.Duration(s.l.glue.Config().Debug.HandshakeTimeout) * time.Millisecond
	s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	if err := s.send(wire.Control(wire.Hello)); err != nil {
		s.log.Debugf("Failed to send HELLO: %v", err)
		return nil, false
	}

	pkt, err := wire.ReadPacket(s.conn)
	switch {
	case err == nil:
	case errors.Is(err, wire.ErrUnknownKind):
		s.log.Debugf("Unknown first packet: %v", err)
		s.send(wire.Control(wire.Unknown))
		return nil, false
	default:
		s.log.Debugf("Failed to read first packet: %v", err)
		return nil, false
	}
	instrument.Incoming(pkt.Kind)

	switch pkt.Kind {
	case wire.GetKey:
		// Key exchange is a single stateless round trip.
		s.send(s.keyReply())
		return nil, false
	case wire.Hello:
		if err = s.send(wire.Control(wire.Okay)); err != nil {
			return nil, false
		}
		return nil, true
	case wire.Forward:
		return pkt, true
	default:
		s.log.Debugf("Unexpected first packet: %v", pkt)
		s.send(wire.Control(wire.Unknown))
		return nil, false
	}
}

func (s *session) relayLoop(pkt *wire.Packet) {
	for {
		if pkt == nil {
			var err error
			pkt, err = wire.ReadPacket(s.conn)
			switch {
			case err == nil:
				instrument.Incoming(pkt.Kind)
			case errors.Is(err, wire.ErrUnknownKind):
				s.log.Debugf("Dropping packet: %v", err)
				if err = s.send(wire.Control(wire.Unknown)); err != nil {
					return
				}
				continue
			case errors.Is(err, io.EOF):
				s.log.Debugf("Peer hung up.")
				return
			case errors.Is(err, wire.ErrMalformedFrame):
				s.log.Warningf("Malformed frame, closing: %v", err)
				return
			default:
				s.log.Debugf("Read failure: %v", err)
				return
			}
		}

		reply, keepOpen := s.onPacket(pkt)
		pkt = nil
		if reply != nil {
			if err := s.send(reply); err != nil {
				s.log.Debugf("Failed to send %v: %v", reply.Kind, err)
				return
			}
		}
		if !keepOpen {
			return
		}
	}
}

// onPacket handles one relay loop packet, and returns the reply and whether
// the session stays open.
func (s *session) onPacket(pkt *wire.Packet) (*wire.Packet, bool) {
	ks := s.l.glue.KeyStore()
	cfg := s.l.glue.Config()

	switch pkt.Kind {
	case wire.Forward:
		return s.onForward(pkt)
	case wire.Echo:
		return &wire.Packet{Kind: wire.Echo, Body: pkt.Body}, true
	case wire.Data, wire.Text:
		s.deliver(pkt.Kind, pkt.Body)
		return wire.Control(wire.Okay), true
	case wire.Enc:
		b, err := ks.Open(pkt.Body)
		if err != nil {
			instrument.DecryptionFailure()
			s.log.Debugf("Failed to open ENC payload: %v", err)
			return wire.Control(wire.Deny), true
		}
		s.deliver(wire.Enc, b)
		return wire.Control(wire.Okay), true
	case wire.GetKey:
		return s.keyReply(), true
	case wire.Hello:
		return wire.Control(wire.Okay), true
	case wire.Peers:
		b, err := cbor.Marshal(ks.Peers())
		if err != nil {
			s.log.Errorf("Failed to serialize peers: %v", err)
			return wire.Control(wire.Deny), true
		}
		return &wire.Packet{Kind: wire.Peers, Body: b}, true
	case wire.Exit:
		if s.downstream != nil {
			if _, err := s.downstream.Exchange(wire.Control(wire.Exit)); err != nil {
				s.log.Debugf("Failed to propagate EXIT to %v: %v", s.downstream.Addr(), err)
			}
			s.closeDownstream()
		}
		return wire.Control(wire.Exit), false
	case wire.Shutdown:
		if !cfg.Debug.EnableRemoteShutdown {
			s.log.Warningf("Refusing remote SHUTDOWN from %v.", s.conn.RemoteAddr())
			return wire.Control(wire.Deny), true
		}
		s.log.Noticef("Remote SHUTDOWN from %v.", s.conn.RemoteAddr())
		s.remoteShutdown = true
		return wire.Control(wire.Okay), false
	case wire.NullStr:
		s.log.Debugf("Peer reported failure.")
		return nil, false
	default:
		return wire.Control(wire.Unknown), true
	}
}

// onForward peels one onion layer, and either delivers the payload or relays
// the remainder to the next hop.
func (s *session) onForward(pkt *wire.Packet) (*wire.Packet, bool) {
	inner, err := circuit.Peel(s.l.glue.KeyStore(), pkt)
	if err != nil {
		instrument.DecryptionFailure()
		s.log.Debugf("Failed to peel layer: %v", err)
		return wire.Control(wire.Deny), true
	}

	switch inner.Kind {
	case wire.Stop:
		s.deliver(wire.Stop, inner.Body)
		// The reply travels back through every relay, so it never carries
		// the payload.
		return wire.Control(wire.Okay), true
	case wire.Forward:
		reply, err := s.forward(inner)
		if err != nil {
			instrument.HopFailure()
			s.log.Warningf("Failed to relay to %v: %v", inner.Dest(), err)
			return wire.Control(wire.Deny), false
		}
		instrument.Forward()
		return reply, true
	default:
		s.log.Debugf("Unexpected inner packet: %v", inner)
		return wire.Control(wire.Unknown), true
	}
}

func (s *session) forward(inner *wire.Packet) (*wire.Packet, error) {
	next := inner.Dest()
	if s.downstream != nil && s.downstream.Addr() != next {
		s.closeDownstream()
	}
	if s.downstream == nil {
		l, err := link.Dial(s.l.Context(), s.linkCfg, next)
		if err != nil {
			return nil, err
		}
		s.downstream = l
	}

	s.log.Debugf("Relaying %v", inner)
	reply, err := s.downstream.Exchange(inner)
	if err != nil {
		s.closeDownstream()
		return nil, err
	}
	return reply, nil
}

func (s *session) closeDownstream() {
	if s.downstream != nil {
		s.downstream.Close()
		s.downstream = nil
	}
}

func (s *session) keyReply() *wire.Packet {
	if s.l.glue.Config().Debug.DisableKeyExchange {
		return wire.Control(wire.Block)
	}
	pub := s.l.glue.KeyStore().ServerKeyPair().PublicPEM()
	return &wire.Packet{Kind: wire.IsKey, Body: pub}
}

func (s *session) deliver(kind wire.MessageKind, b []byte) {
	switch kind {
	case wire.Text:
		s.log.Infof("Text message: %s", b)
	default:
		s.log.Debugf("Delivering %v payload of %d bytes.", kind, len(b))
	}
	instrument.Delivery()
	s.l.glue.Deliver(kind, b)
}

func (s *session) send(pkt *wire.Packet) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return wire.WritePacket(s.conn, pkt)
}
