// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn = "relaynet"

	// streamAcceptTimeout bounds how long an accepted QUIC connection may
	// take to open its stream.
	streamAcceptTimeout = 30 * time.Second

	// lingerTimeout bounds how long a closed QUIC conn waits for the peer to
	// consume in flight data before tearing down the connection.
	lingerTimeout = 2 * time.Second
)

var errListenerClosed = errors.New("transport: listener closed")

// QuicConn wraps a QUIC connection and its single stream, and implements
// net.Conn.
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn

	closeOnce sync.Once
}

// Read implements net.Conn.
func (q *QuicConn) Read(b []byte) (int, error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn.
func (q *QuicConn) Write(b []byte) (int, error) {
	return q.Stream.Write(b)
}

// LocalAddr implements net.Conn.
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn.
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn.
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn.
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Close implements net.Conn.  Pending reads are unblocked immediately,
// while the connection itself lingers until the peer hangs up or
// lingerTimeout expires, so that written data is not discarded.
func (q *QuicConn) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.Stream.Close()
		q.Stream.CancelRead(0)
		go func() {
			select {
			case <-q.Conn.Context().Done():
			case <-time.After(lingerTimeout):
			}
			q.Conn.CloseWithError(0, "")
		}()
	})
	return err
}

// QuicListener implements net.Listener, yielding the first stream of every
// accepted QUIC connection.
type QuicListener struct {
	Listener *quic.Listener

	ctx      context.Context
	cancelFn context.CancelFunc
	connCh   chan *QuicConn
	errCh    chan error
}

func newQuicListener(l *quic.Listener) *QuicListener {
	ctx, cancelFn := context.WithCancel(context.Background())
	ql := &QuicListener{
		Listener: l,
		ctx:      ctx,
		cancelFn: cancelFn,
		connCh:   make(chan *QuicConn),
		errCh:    make(chan error, 1),
	}
	go ql.acceptWorker()
	return ql
}

func (l *QuicListener) acceptWorker() {
	for {
		conn, err := l.Listener.Accept(l.ctx)
		if err != nil {
			l.errCh <- err
			return
		}

		// Waiting for the stream must not hold up other connections.
		go func() {
			ctx, cancelFn := context.WithTimeout(l.ctx, streamAcceptTimeout)
			defer cancelFn()
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				conn.CloseWithError(0, "")
				return
			}
			select {
			case l.connCh <- &QuicConn{Conn: conn, Stream: stream}:
			case <-l.ctx.Done():
				conn.CloseWithError(0, "")
			}
		}()
	}
}

// Accept implements net.Listener.
func (l *QuicListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case err := <-l.errCh:
		l.errCh <- err
		return nil, err
	case <-l.ctx.Done():
		return nil, errListenerClosed
	}
}

// Addr implements net.Listener.
func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

// Close implements net.Listener.
func (l *QuicListener) Close() error {
	l.cancelFn()
	return l.Listener.Close()
}

func listenQUIC(addr string) (net.Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	return newQuicListener(l), nil
}

func dialQUIC(ctx context.Context, addr string) (net.Conn, error) {
	// Relays are authenticated by their RSA keys, the TLS layer only
	// provides the transport.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &QuicConn{Conn: conn, Stream: stream}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	}
}

// generateTLSConfig sets up a bare-bones self signed TLS config for the
// server.
func generateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}
