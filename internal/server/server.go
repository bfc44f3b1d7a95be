// Package server is the ledger server's connection layer: a TCP listener
// speaking newline-delimited JSON, feeding the request pipeline, plus an
// optional HTTP status endpoint.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/pipeline"
	"github.com/CamberLoid/ChimataPHE/internal/serverlib"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

type Config struct {
	Addr           string
	StatusAddr     string // empty disables the status endpoint
	IdleTimeout    time.Duration
	MaxMessageSize int
	Version        string
}

type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline

	listener       net.Listener
	statusListener net.Listener
	status         *http.Server

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func New(cfg Config, p *pipeline.Pipeline) *Server {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = payload.DefaultMaxMessageSize
	}
	return &Server{cfg: cfg, pipeline: p, conns: make(map[net.Conn]struct{})}
}

// Listen binds the sockets. Serve calls it if needed; calling it first lets
// callers learn the bound addresses.
func (s *Server) Listen() (err error) {
	if s.listener, err = net.Listen("tcp", s.cfg.Addr); err != nil {
		return errors.Wrap(err, "listen")
	}
	if s.cfg.StatusAddr != "" {
		if s.statusListener, err = net.Listen("tcp", s.cfg.StatusAddr); err != nil {
			s.listener.Close()
			return errors.Wrap(err, "listen status")
		}
		s.status = &http.Server{Handler: s.Router(), ReadHeaderTimeout: writeTimeout}
	}
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) StatusAddr() net.Addr {
	if s.statusListener == nil {
		return nil
	}
	return s.statusListener.Addr()
}

// Serve runs the pipeline, the accept loop and the status endpoint until ctx
// is done, then closes everything and waits for the connection goroutines.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logging.InfoLogger.Printf("Listening: %v", s.listener.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pipeline.Run(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx) })
	if s.status != nil {
		logging.InfoLogger.Printf("Status endpoint: http://%v", s.statusListener.Addr())
		g.Go(func() error {
			if err := s.status.Serve(s.statusListener); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "status endpoint")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.listener.Close()
		if s.status != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			s.status.Shutdown(sctx)
		}
		return nil
	})

	err := g.Wait()
	s.closeConns()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, "accept")
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()

			if err := serverlib.Recover(func() { s.handleConn(ctx, conn) }); err != nil {
				logging.ErrorLogger.Printf("connection %v: panic: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// handleConn serves one client. It reads a request, waits for its response
// and only then reads the next one, so a session's requests are handled in
// order.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	logging.DebugLogger.Printf("connection %v: opened", remote)
	defer logging.DebugLogger.Printf("connection %v: closed", remote)

	reader := payload.NewReader(conn, s.cfg.MaxMessageSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		line, err := reader.ReadMessage()
		if errors.Is(err, payload.ErrMessageTooLarge) {
			if !s.reply(conn, serverlib.ErrorResponse(err)) {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if len(line) == 0 {
			continue
		}

		if !s.reply(conn, s.handleMessage(ctx, line)) {
			return
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, line []byte) *payload.Response {
	req, err := payload.Decode(line)
	if err != nil {
		return serverlib.ErrorResponse(err)
	}
	if !serverlib.KnownKind(req.Kind()) {
		return serverlib.ErrorResponse(errors.Wrap(serverlib.ErrUnknownKind, req.Kind()))
	}
	logging.Dump("request", req.Redacted())

	env := pipeline.NewEnvelope(req)
	// on failure the envelope already carries the error
	s.pipeline.Submit(ctx, env)
	res := <-env.Done()
	return serverlib.ToResponse(res.Value, res.Err)
}

func (s *Server) reply(conn net.Conn, resp *payload.Response) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := payload.WriteMessage(conn, resp); err != nil {
		logging.WarningLogger.Printf("connection %v: %v", conn.RemoteAddr(), err)
		return false
	}
	return true
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// OpenConns is the number of live client connections.
func (s *Server) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
