package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler processes one inbound Message and optionally returns a
// response Message to write back on the same connection (used by the
// anti-entropy request/response exchange, spec.md §4.3). A nil
// response means no reply is sent.
type Handler func(ctx context.Context, from net.Addr, msg Message) (*Message, error)

// ServerConfig holds transport-level timeouts (spec.md §6: read/write
// deadlines bound a misbehaving peer from holding a worker goroutine
// open indefinitely).
type ServerConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the inbound side of the gossip transport: a TCP listener
// that dispatches each accepted connection to a short-lived worker,
// mirroring the accept-loop-plus-goroutine-per-connection shape used
// throughout the teacher's HTTP listeners, generalized here to a raw
// framed protocol instead of net/http.
type Server struct {
	cfg      ServerConfig
	handler  Handler
	log      *logrus.Entry
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer creates a Server bound to handler. Listen and then Serve
// must be called to start accepting connections.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, handler: handler, log: logrus.WithField("component", "transport-server")}
}

// Listen binds addr; it does not accept connections itself. Serve
// runs the accept loop and blocks until ctx is cancelled, at which
// point the listener is closed and all in-flight workers are allowed
// to drain.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound listener address, valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve runs the accept loop until ctx is cancelled or the listener
// is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.WithField("error", err).Warn("Accept failed")
				return err
			}
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	remote := conn.RemoteAddr()
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	msg, err := ReadFrame(conn)
	if err != nil {
		if err != io.EOF {
			s.log.WithFields(logrus.Fields{"peer_addr": remote, "error": err}).Debug("Failed to read inbound frame")
		}
		return
	}

	resp, err := s.handler(ctx, remote, msg)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer_addr": remote, "error": err}).Debug("Handler returned an error")
		return
	}
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := WriteFrame(conn, *resp); err != nil {
		s.log.WithFields(logrus.Fields{"peer_addr": remote, "error": err}).Debug("Failed to write response frame")
	}
}
