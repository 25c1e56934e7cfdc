// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package incoming implements the incoming connection support.
package incoming

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/relaynet/core/transport"
	"github.com/katzenpost/relaynet/core/wire"
	"github.com/katzenpost/relaynet/core/worker"
	"github.com/katzenpost/relaynet/node/internal/glue"
	"github.com/katzenpost/relaynet/node/internal/instrument"
)

type listener struct {
	sync.Mutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	l        net.Listener
	sessions map[uint64]*session
	nextID   uint64
	stopped  atomic.Bool

	closeAllCh   chan interface{}
	closeAllOnce sync.Once
	closeAllWg   sync.WaitGroup
}

// Halt stops accepting, closes every session and waits for them to finish.
func (l *listener) Halt() {
	l.StopAccepting()
	l.Worker.Halt()

	// Note: Worst case this can take up to the drain timeout, since
	// rejected connections are not interrupted.
	l.closeAllOnce.Do(func() {
		close(l.closeAllCh)
	})
	l.closeAllWg.Wait()
}

// StopAccepting closes the network listener, existing sessions are left
// alone.
func (l *listener) StopAccepting() {
	if l.stopped.CompareAndSwap(false, true) {
		l.l.Close()
	}
}

// Sessions returns the number of tracked sessions, finished or not.
func (l *listener) Sessions() int {
	l.Lock()
	defer l.Unlock()
	return len(l.sessions)
}

// Addr returns the listening address.
func (l *listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		conn, err := l.l.Accept()
		if err != nil {
			if l.stopped.Load() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.log.Errorf("Accept failure: %v", err)
			return
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(transport.KeepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	maxConns := l.glue.Config().Node.MaxConnections

	l.Lock()
	if len(l.sessions) >= maxConns {
		l.Unlock()
		l.log.Debugf("At capacity (%d sessions), blocking: %v", maxConns, conn.RemoteAddr())
		instrument.ConnectionBlocked()
		l.closeAllWg.Add(1)
		go l.reject(conn)
		return
	}
	l.nextID++
	s := newSession(l, conn, l.nextID)
	l.sessions[s.id] = s
	n := len(l.sessions)
	l.closeAllWg.Add(1)
	l.Unlock()

	instrument.SessionAdmitted()
	instrument.Sessions(n)
	go s.worker()
}

// reject tells a connection the node is at capacity.  The peer always
// writes first, so its first packet is drained before BLOCK is sent.
func (l *listener) reject(conn net.Conn) {
	defer l.closeAllWg.Done()
	defer conn.Close()

	timeout := time.Duration(l.glue.Config().Debug.DrainTimeout) * time.Millisecond
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := wire.ReadPacket(conn); err != nil && !errors.Is(err, wire.ErrUnknownKind) {
		l.log.Debugf("Failed to drain blocked connection %v: %v", conn.RemoteAddr(), err)
	}
	conn.SetDeadline(time.Now().Add(timeout))
	if err := wire.WritePacket(conn, wire.Control(wire.Block)); err != nil {
		l.log.Debugf("Failed to send BLOCK to %v: %v", conn.RemoteAddr(), err)
	}
}

func (l *listener) reaper() {
	interval := time.Duration(l.glue.Config().Node.ReclaimInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.HaltCh():
			return
		case <-ticker.C:
		}
		l.Reap()
	}
}

// Reap removes finished sessions from the registry and returns how many
// were removed.  Each session is waited on for at most the reap join
// timeout, and the registry lock is not held while waiting.
func (l *listener) Reap() int {
	joinTimeout := time.Duration(l.glue.Config().Debug.ReapJoinTimeout) * time.Millisecond

	l.Lock()
	tracked := make([]*session, 0, len(l.sessions))
	for _, s := range l.sessions {
		tracked = append(tracked, s)
	}
	l.Unlock()

	var finished []uint64
	timer := time.NewTimer(joinTimeout)
	defer timer.Stop()
	for _, s := range tracked {
		timer.Reset(joinTimeout)
		select {
		case <-s.doneCh:
			finished = append(finished, s.id)
		case <-timer.C:
		}
	}

	l.Lock()
	for _, id := range finished {
		delete(l.sessions, id)
	}
	n := len(l.sessions)
	l.Unlock()

	if len(finished) > 0 {
		l.log.Debugf("Reaped %d sessions, %d tracked.", len(finished), n)
		instrument.SessionsReaped(len(finished))
	}
	instrument.Sessions(n)
	return len(finished)
}

// New creates a new listener.
func New(g glue.Glue) (glue.Listener, error) {
	cfg := g.Config()
	l := &listener{
		glue:       g,
		log:        g.LogBackend().GetLogger("listener"),
		sessions:   make(map[uint64]*session),
		closeAllCh: make(chan interface{}),
	}

	var err error
	l.l, err = transport.Listen(cfg.Node.Transport, cfg.Node.Address)
	if err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", cfg.Node.Address, err)
		return nil, err
	}

	l.Go(l.worker)
	l.Go(l.reaper)
	return l, nil
}
