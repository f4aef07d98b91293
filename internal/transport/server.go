package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// Handler runs one accepted connection to completion.
type Handler func(ctx context.Context, conn net.Conn)

// Server accepts TCP connections and hands each one to a Handler.
type Server struct {
	ln  net.Listener
	log *slog.Logger
}

// Listen binds the TCP listener. Binding is separated from serving so the
// caller can tell a bind failure apart from a runtime one.
func Listen(addr string, log *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	return &Server{ln: ln, log: log}, nil
}

// Addr reports the bound address, useful when the port was 0.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx is cancelled, then waits for all
// in-flight handlers to return.
func (s *Server) Serve(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.log.Debug("connection accepted", "remote", conn.RemoteAddr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, conn)
		}()
	}
}

// Close releases the listener.
func (s *Server) Close() error { return s.ln.Close() }
