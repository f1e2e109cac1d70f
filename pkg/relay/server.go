// Package relay implements the encrypted relay's server half: the
// connection reactor, the handshake driver, the worker pool that routes
// and delivers frames, and the Prometheus metrics the whole thing exposes.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/C12AK/TCP-chat/pkg/frame"
	"github.com/C12AK/TCP-chat/pkg/registry"
)

// DefaultQueueCapacity bounds the worker pool's FIFO task queue.
const DefaultQueueCapacity = 4096

// Server holds the relay's shared state: the name registry, the worker
// pool, and the metrics every connection's goroutine reports into.
//
// Where the original program ran a single epoll reactor thread that was
// the sole reader of every client socket, Server instead starts one
// goroutine per accepted connection; each is the sole reader of its own
// socket, which is the idiomatic Go substitute for a single-threaded
// readiness loop — the runtime's netpoller plays the role epoll played,
// multiplexing many blocked reads onto a small number of OS threads
// without any reactor code having to ask for it.
type Server struct {
	Logger       zerolog.Logger
	Metrics      *Metrics
	MaxFrameSize int

	registry *registry.Registry
	pool     *pool
}

// NewServer creates a Server ready to Serve connections.
func NewServer(logger zerolog.Logger, m *Metrics) *Server {
	if m == nil {
		m = &Metrics{}
	}
	reg := registry.New()
	s := &Server{
		Logger:       logger,
		Metrics:      m,
		MaxFrameSize: frame.DefaultMaxFrameSize,
		registry:     reg,
	}
	s.pool = newPool(runtime.GOMAXPROCS(0), DefaultQueueCapacity, logger, m, reg)
	return s
}

// Serve accepts connections from ln until ctx is canceled or Accept
// returns a permanent error. Each accepted connection is handled on its
// own goroutine. Serve stops the worker pool before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.pool.stop()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn drives one connection end to end: handshake, then a
// read/extract/route loop until the peer disconnects or a fatal error
// occurs, then eviction.
func (s *Server) handleConn(conn net.Conn) {
	addr := conn.RemoteAddr().String()

	e, err := handshake(conn, s.registry)
	if err != nil {
		if errors.Is(err, errDuplicateUsername) {
			s.Logger.Info().Str("peer", addr).Msg("rejected duplicate username")
			s.Metrics.init().handshakeDuplicateUsernames.Inc()
		} else {
			s.Logger.Debug().Err(err).Str("peer", addr).Msg("handshake failed")
			s.Metrics.init().handshakeFailuresTotal.Inc()
		}
		conn.Close()
		return
	}

	s.Metrics.init().handshakeSuccessTotal.Inc()
	s.Metrics.init().connectionsAcceptedTotal.Inc()
	s.Logger.Info().Str("peer", addr).Str("user", e.Name).Msg("new connection")

	s.readLoop(e)
	s.evict(e, addr)
}

// readLoop is the connection's sole reader: it feeds raw bytes into a
// Reassembler and submits a routeTask to the worker pool for every whole
// frame it extracts, per spec.md §4.1's frame extraction algorithm.
func (s *Server) readLoop(e *registry.Entry) {
	reasm := frame.NewReassembler(s.MaxFrameSize)
	buf := make([]byte, 1024)

	for {
		n, err := e.Conn.Read(buf)
		if n > 0 {
			reasm.Feed(buf[:n])
			for {
				raw, ok, ferr := reasm.Next()
				if ferr != nil {
					s.Logger.Debug().Err(ferr).Str("user", e.Name).Msg("dropping oversized frame")
					return
				}
				if !ok {
					break
				}
				if perr := s.pool.submit(task{kind: taskRoute, route: routeTask{from: e, raw: raw}}); perr != nil {
					return
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				s.Logger.Info().Str("user", e.Name).Msg("client disconnected")
			} else {
				s.Logger.Debug().Err(err).Str("user", e.Name).Msg("read error")
			}
			return
		}
	}
}

// evict removes e from the registry and closes its connection. It is
// always safe to call even if e was already evicted by another path.
func (s *Server) evict(e *registry.Entry, addr string) {
	if _, ok := s.registry.Evict(e.ID); ok {
		s.Metrics.init().connectionsEvictedTotal.Inc()
	}
	e.Conn.Close()
	s.Logger.Debug().Str("peer", addr).Str("user", e.Name).Msg("connection closed")
}
