package modbus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ServerState is a Server's lifecycle state.
type ServerState int32

const (
	ServerStopped ServerState = iota
	ServerStarting
	ServerRunning
	ServerStopping
)

func (s ServerState) String() string {
	switch s {
	case ServerStopped:
		return "stopped"
	case ServerStarting:
		return "starting"
	case ServerRunning:
		return "running"
	case ServerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Server accepts concurrent Modbus/TCP connections, dispatches each framed
// request to a DataHandler, and writes back the response or exception the
// handler produced. It shares one DataHandler/DataBank across all
// connections; the DataBank's own per-array locking is what keeps
// concurrent workers safe.
type Server struct {
	handler *DataHandler
	logger  *zap.Logger

	state atomic.Int32

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server around handler. logger may be nil, in which
// case a no-op logger is used.
func NewServer(handler *DataHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger, conns: make(map[net.Conn]struct{})}
}

// State reports the Server's current lifecycle state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

// IsRunning reports whether the Server is accepting connections.
func (s *Server) IsRunning() bool { return s.State() == ServerRunning }

// Addr returns the listener's bound address, or nil if the Server is not
// running. Useful after Start(":0") to discover the OS-assigned port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds addr ("host:port") and begins accepting connections in the
// background. Start is idempotent while the Server is Running.
func (s *Server) Start(addr string) error {
	if s.State() == ServerRunning {
		return nil
	}
	if !s.state.CompareAndSwap(int32(ServerStopped), int32(ServerStarting)) {
		return fmt.Errorf("modbus: server cannot start from state %s", s.State())
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.state.Store(int32(ServerStopped))
		return fmt.Errorf("modbus: failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.state.Store(int32(ServerRunning))
	s.logger.Info("server started", zap.String("addr", ln.Addr().String()))

	go s.acceptLoop(ln)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.State() != ServerRunning {
				return // expected: Stop() closed the listener
			}
			s.logger.Error("accept failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Stop closes the listening socket, expires the read deadline of every
// currently-accepted connection (so a worker idle in conn.Read returns at
// once), and waits for every worker to exit. A worker that is handling a
// frame when Stop is called still writes its response before exiting, then
// closes its connection. Stop is idempotent while the Server is Stopped.
func (s *Server) Stop() error {
	if s.State() == ServerStopped {
		return nil
	}
	s.state.Store(int32(ServerStopping))

	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	conns := s.conns
	s.conns = make(map[net.Conn]struct{})
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for conn := range conns {
		conn.SetReadDeadline(time.Now())
	}
	s.wg.Wait()

	s.state.Store(int32(ServerStopped))
	s.logger.Info("server stopped")
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	if !s.handler.Allowed(remote) {
		s.logger.Debug("rejected connection", zap.String("remote", remote))
		return
	}

	var buf bytes.Buffer
	readBuf := make([]byte, 4096)

	for {
		frame, tail, status := TakeFrame(buf.Bytes())
		if status == FrameNeedMore {
			n, err := conn.Read(readBuf)
			if err != nil {
				// Stop() expires every tracked conn's read deadline to
				// unblock exactly this read; an idle connection exits here
				// instead of wedging the wait group.
				if !errors.Is(err, io.EOF) {
					s.logger.Debug("connection read error", zap.String("remote", remote), zap.Error(err))
				}
				return
			}
			buf.Write(readBuf[:n])
			continue
		}
		if status == FrameBad {
			s.logger.Debug("malformed frame, closing connection", zap.String("remote", remote))
			return
		}

		header, pdu, err := DecodeFrame(frame)
		if err != nil {
			s.logger.Debug("frame decode error, closing connection", zap.String("remote", remote), zap.Error(err))
			return
		}

		respPDU := s.handler.Serve(header.UnitID, pdu, Origin{RemoteAddr: remote})
		respFrame := EncodeFrame(header.TransactionID, header.UnitID, respPDU)
		if _, err := conn.Write(respFrame); err != nil {
			s.logger.Debug("connection write error", zap.String("remote", remote), zap.Error(err))
			return
		}

		remaining := make([]byte, len(tail))
		copy(remaining, tail)
		buf.Reset()
		buf.Write(remaining)
	}
}
