// Package server is the websocket transport. Each accepted connection gets a
// session, a write queue, and a job mailbox drained by its own worker.
package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/internal/rand"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/query"
	"github.com/frontbase/frontbase/pkg/session"
)

const DefaultMailboxSize = 256

type Options struct {
	// AllowedOrigins lists the Origin values accepted during the handshake.
	// Empty accepts any origin.
	AllowedOrigins []string
	// MailboxSize bounds the frames waiting to be written to one connection.
	MailboxSize int
	Logger      zerolog.Logger
}

type Server struct {
	gate *session.Gate
	exec *query.Executor
	opts Options
	log  zerolog.Logger

	upgrader gorilla.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*Conn
	wg       sync.WaitGroup
	shutdown bool
}

func New(gate *session.Gate, exec *query.Executor, opts Options) *Server {
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gate:   gate,
		exec:   exec,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "server").Logger(),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Conn),
	}
	s.upgrader = gorilla.Upgrader{
		Subprotocols:      codec.Subprotocols,
		CheckOrigin:       s.checkOrigin,
		EnableCompression: true,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// not a browser
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return slices.ContainsFunc(s.opts.AllowedOrigins, func(allowed string) bool {
		return allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host)
	})
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		s.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	c := codec.ForSubprotocol(ws.Subprotocol())
	id := rand.NewConnectionID()
	log := s.log.With().Str("conn_id", id).Logger()
	conn := newConn(id, ws, c, s.opts.MailboxSize, log)

	s.track(conn)
	defer s.untrack(conn)

	log.Info().Str("remote_addr", r.RemoteAddr).Str("codec", c.Name()).Msg("connection opened")
	token := r.URL.Query().Get(constants.TokenParam)
	if err := conn.serve(s.ctx, s.gate, s.exec, token); err != nil {
		log.Info().Err(err).Msg("connection ended")
		return
	}
	log.Info().Msg("connection closed")
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID()] = c
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.ID())
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown refuses new connections, ends the open ones and waits for their
// handlers to return or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cancel()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
