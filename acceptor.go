package orb

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	acceptTick      = 250 * time.Millisecond
	listenBackoff   = 5 * time.Second
	idleCyclesCheck = 8 // spec.md §4.6: "every 8th idle cycle"
)

// Acceptor owns the server's TCP listener and the single goroutine
// that accepts, polices, and hands connections to the connection
// table (spec.md §4.6).
type Acceptor struct {
	srv      *serverFacility
	listener net.Listener
	port     int32 // actual bound port, atomic

	stopCh  chan struct{}
	stopped chan struct{}
}

func newAcceptor(srv *serverFacility) *Acceptor {
	return &Acceptor{srv: srv, stopCh: make(chan struct{}), stopped: make(chan struct{})}
}

// Port returns the actual bound listen port, useful when the
// configured port was 0 (OS-assigned).
func (a *Acceptor) Port() int {
	return int(atomic.LoadInt32(&a.port))
}

func (a *Acceptor) start() error {
	if err := a.listen(); err != nil {
		return err
	}
	go a.acceptLoop()
	return nil
}

func (a *Acceptor) listen() error {
	addr := net.JoinHostPort("", portString(a.srv.cfg.listenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	a.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		atomic.StoreInt32(&a.port, int32(tcpAddr.Port))
	}
	return nil
}

func (a *Acceptor) acceptLoop() {
	defer close(a.stopped)
	idleCycles := 0
	for {
		select {
		case <-a.stopCh:
			a.listener.Close()
			return
		default:
		}

		if a.listener == nil {
			if err := a.listen(); err != nil {
				a.srv.cfg.logger.Log(LogLevelError, "listen failed, backing off", "err", err)
				select {
				case <-time.After(listenBackoff):
				case <-a.stopCh:
					return
				}
				continue
			}
		}

		a.srv.connections.sweep()

		if tl, ok := a.listener.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptTick))
		}
		conn, err := a.listener.Accept()
		if err != nil {
			idleCycles++
			if idleCycles%idleCyclesCheck == 0 {
				a.maybeGrowWorkers()
			}
			continue
		}
		idleCycles = 0
		a.handleAccept(conn)
	}
}

func (a *Acceptor) maybeGrowWorkers() {
	workers := a.srv.workers.Count()
	if a.srv.workQueue.Depth() > 2*workers {
		a.srv.workers.Grow(workers + 1)
	}
}

// handleAccept implements spec.md §4.6's accept policy: cap check,
// source-address filter, then accept with Nagle disabled.
func (a *Acceptor) handleAccept(conn net.Conn) {
	if a.srv.connections.count() >= a.srv.cfg.maxClients {
		writeHandshakeStatus(conn, handshakeTooMany)
		conn.Close()
		return
	}
	if filter := a.srv.cfg.onlyAcceptFrom; filter != "" {
		host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
		if err != nil || host != filter {
			writeHandshakeStatus(conn, handshakeNotBlessed)
			conn.Close()
			return
		}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	if err := writeHandshakeStatus(conn, handshakeAccepted); err != nil {
		conn.Close()
		return
	}

	id := a.srv.connections.allocId()
	cc := newClientConnection(a.srv, id, conn)
	a.srv.connections.add(cc)
	cc.start()
	a.srv.cfg.logger.Log(LogLevelInfo, "accepted connection", "id", id, "remote", cc.RemoteAddr)
}

func writeHandshakeStatus(conn net.Conn, status uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, status)
	conn.SetWriteDeadline(time.Now().Add(handshakeTimeout))
	_, err := conn.Write(buf)
	return err
}

func (a *Acceptor) stop() {
	select {
	case <-a.stopCh:
		return
	default:
		close(a.stopCh)
	}
	if a.listener != nil {
		a.listener.Close()
	}
	<-a.stopped
}

func portString(p int) string {
	return strconv.Itoa(p)
}
