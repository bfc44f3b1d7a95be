package custody

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/CamberLoid/ChimataPHE/internal/key"
	"github.com/CamberLoid/ChimataPHE/internal/logging"
	"github.com/CamberLoid/ChimataPHE/internal/payload"
	"github.com/CamberLoid/ChimataPHE/internal/serverlib"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const writeTimeout = 10 * time.Second

// Server answers store_keys and acquire_keys over newline-delimited JSON.
// Requests on one connection are handled one after another.
type Server struct {
	Addr        string
	IdleTimeout time.Duration
	Vault       Vault

	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(addr string, v Vault) *Server {
	return &Server{Addr: addr, Vault: v, conns: make(map[net.Conn]struct{})}
}

func (s *Server) Listen() (err error) {
	s.listener, err = net.Listen("tcp", s.Addr)
	return errors.Wrap(err, "listen")
}

func (s *Server) ListenAddr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logging.InfoLogger.Printf("Custody listening: %v", s.listener.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "accept")
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.track(conn, false)
				defer conn.Close()
				if err := serverlib.Recover(func() { s.handleConn(gctx, conn) }); err != nil {
					logging.ErrorLogger.Printf("custody connection %v: panic: %v", conn.RemoteAddr(), err)
				}
			}()
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		s.listener.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	return err
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

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reader := payload.NewReader(conn, payload.DefaultMaxMessageSize)
	for {
		if s.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		line, err := reader.ReadMessage()
		var resp *payload.Response
		switch {
		case errors.Is(err, payload.ErrMessageTooLarge):
			resp = errorResponse(err)
		case err != nil:
			return
		case len(line) == 0:
			continue
		default:
			resp = s.Handle(ctx, line)
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := payload.WriteMessage(conn, resp); err != nil {
			logging.WarningLogger.Printf("custody connection %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// Handle decodes one message and runs it against the vault.
func (s *Server) Handle(ctx context.Context, line []byte) *payload.Response {
	req, err := payload.Decode(line)
	if err != nil {
		return errorResponse(err)
	}
	logging.Dump("custody request", req.Redacted())

	switch req.Kind() {
	case payload.KindStoreKeys:
		if err = req.Require("username"); err != nil {
			return errorResponse(err)
		}
		if req.PublicKey == nil || req.PrivateKey == nil {
			return errorResponse(errors.Wrap(payload.ErrMissingField, "public_key and private_key"))
		}
		kc := &key.KeyChain{PublicKey: req.PublicKey, PrivateKey: req.PrivateKey}
		if err = s.Vault.Store(ctx, req.Username, kc); err != nil {
			return errorResponse(err)
		}
		logging.InfoLogger.Printf("Stored keys for %s (%s)", req.Username, kc.PublicKey.Fingerprint())
		return payload.Success("Keys stored successfully")

	case payload.KindAcquireKeys:
		if err = req.Require("username"); err != nil {
			return errorResponse(err)
		}
		kc, err := s.Vault.Acquire(ctx, req.Username)
		if err != nil {
			return errorResponse(err)
		}
		resp := payload.Success("")
		resp.PublicKey, resp.PrivateKey = kc.PublicKey, kc.PrivateKey
		return resp

	default:
		return payload.Failure(payload.CodeUnknownRequestKind, "unknown request type "+req.Kind())
	}
}

func errorResponse(err error) *payload.Response {
	switch {
	case errors.Is(err, ErrUnknownUser):
		return payload.Failure(payload.CodeUnknownAccount, err.Error())
	case errors.Is(err, ErrMismatchedKeys):
		return payload.Failure(payload.CodeInvalidKey, err.Error())
	}
	return serverlib.ErrorResponse(err)
}
