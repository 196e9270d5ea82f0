// Package session holds the per-connection state machine: what a connection
// is allowed to do, and which registry entries it owns.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/frontbase/frontbase/pkg/auth"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/rs/zerolog"
)

// Session is owned by exactly one connection.
type Session struct {
	gate *Gate
	peer Peer
	log  zerolog.Logger
	mode Mode

	mu            sync.Mutex
	state         State
	claims        *auth.Claims
	user          *models.Entity
	registrations []registry.Registration
	closed        bool
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Mode() Mode {
	return s.mode
}

// Claims returns the verified token claims, or nil.
func (s *Session) Claims() *auth.Claims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// Registrations returns a copy of the registry entries this session owns.
func (s *Session) Registrations() []registry.Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registry.Registration(nil), s.registrations...)
}

// Handle processes one incoming frame. It never panics and never returns an
// error; every failure becomes a signal on the connection.
func (s *Session) Handle(ctx context.Context, frame protocol.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", frame.Event).Msg("handler panicked")
		}
	}()

	switch frame.Event {
	case constants.EventAuthenticate:
		s.handleAuthenticate(ctx, frame)
	case constants.EventGetObjects:
		s.whenAuthenticated(frame, func() { s.handleGetObjects(ctx, frame) })
	case constants.EventGetObject:
		s.whenAuthenticated(frame, func() { s.handleGetObject(ctx, frame) })
	case constants.EventGetModels:
		s.whenAuthenticated(frame, func() { s.handleGetModels(ctx, frame) })
	case constants.EventUpdateModel:
		s.whenAuthenticated(frame, func() { s.handleUpdateModel(ctx, frame) })
	case constants.EventSetupServer:
		s.handleSetupServer(ctx, frame)
	default:
		s.log.Warn().Str("event", frame.Event).Msg("unknown event")
		s.ack(frame, protocol.Failed(fmt.Errorf("%w: unknown event %q", constants.ErrMalformedInput, frame.Event)))
	}
}

// Close drops every registry entry the session owns. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	regs := s.registrations
	s.registrations = nil
	s.closed = true
	s.mu.Unlock()

	removed := 0
	for _, reg := range regs {
		if s.gate.cfg.Registry.Remove(reg) {
			removed++
		}
	}
	// anything registered for this connection outside the session's index
	if stray := s.gate.cfg.Registry.Unregister(s.peer.ID()); stray > 0 {
		s.log.Warn().Int("listeners", stray).Msg("removed untracked listeners")
		removed += stray
	}
	s.log.Debug().Int("listeners", removed).Msg("session closed")
}

func (s *Session) track(reg registry.Registration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.registrations = append(s.registrations, reg)
	return true
}

func (s *Session) whenAuthenticated(frame protocol.Frame, fn func()) {
	if s.mode != ModeNormal {
		s.lifecycleViolation(frame)
		return
	}
	if s.State() != Authenticated {
		s.log.Warn().Str("event", frame.Event).Err(constants.ErrAuthenticationRequired).Msg("event before authentication")
		s.ack(frame, protocol.Failed(constants.ErrAuthenticationRequired))
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonRequired})
		return
	}
	fn()
}

func (s *Session) handleAuthenticate(ctx context.Context, frame protocol.Frame) {
	if s.mode != ModeNormal {
		s.lifecycleViolation(frame)
		return
	}
	if s.State() != AwaitingCredentials {
		s.log.Debug().Stringer("state", s.State()).Msg("ignoring authenticate")
		return
	}

	creds, _, err := protocol.ParseCredentials(frame.Arg(0))
	if err != nil {
		s.log.Warn().Err(err).Msg("handleAuthenticate: invalid params")
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonMalformed})
		return
	}
	log := s.log.With().Str("username", creds.Username).Logger()

	user, err := store.FindOne(ctx, s.gate.cfg.Store, constants.UserKind, models.Filter{constants.UsernameField: creds.Username})
	if err != nil {
		log.Error().Err(err).Msg("look up user")
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonUnavailable})
		return
	}
	if user == nil {
		log.Warn().Err(constants.ErrPrincipalNotFound).Msg("login failed")
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonInvalidCredentials})
		return
	}
	if err := s.gate.cfg.Hasher.Compare(user.String(constants.PasswordField), creds.Password); err != nil {
		log.Warn().Err(err).Msg("login failed")
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonInvalidCredentials})
		return
	}

	token, err := s.gate.cfg.Tokens.Issue(creds.Username)
	if err != nil {
		log.Error().Err(err).Msg("issue token")
		s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: ReasonUnavailable})
		return
	}
	log.Info().Msg("credentials accepted, issuing token")
	s.emit(constants.EventReceiveToken, token)
	// the client reconnects with the token
	s.peer.Close()
}

func (s *Session) handleGetObjects(ctx context.Context, frame protocol.Frame) {
	kindRef, err := frame.StringArg(0)
	if err != nil {
		s.ack(frame, protocol.Failed(err))
		return
	}
	filter, err := frame.MapArg(1)
	if err != nil {
		s.ack(frame, protocol.Failed(err))
		return
	}
	reg, job, err := s.gate.cfg.Executor.RunCollectionQuery(ctx, s.peer, kindRef, filter)
	s.startQuery(frame, reg, job, err)
}

func (s *Session) handleGetObject(ctx context.Context, frame protocol.Frame) {
	entityID, err := frame.StringArg(0)
	if err != nil {
		s.ack(frame, protocol.Failed(err))
		return
	}
	reg, job, err := s.gate.cfg.Executor.RunEntityQuery(ctx, s.peer, entityID)
	s.startQuery(frame, reg, job, err)
}

func (s *Session) handleGetModels(ctx context.Context, frame protocol.Frame) {
	filter, err := frame.MapArg(0)
	if err != nil {
		s.ack(frame, protocol.Failed(err))
		return
	}
	reg, job, err := s.gate.cfg.Executor.RunKindQuery(ctx, s.peer, filter)
	s.startQuery(frame, reg, job, err)
}

// startQuery records the registration, tells the client the query id and only
// then queues the first run, so the id always arrives before any result.
func (s *Session) startQuery(frame protocol.Frame, reg registry.Registration, job registry.Job, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("event", frame.Event).Msg("query rejected")
		s.ack(frame, protocol.Failed(err))
		return
	}
	if !s.track(reg) {
		s.gate.cfg.Registry.Remove(reg)
		return
	}
	s.log.Debug().Str("query_id", job.QueryID).Stringer("job", job.Type).Str("kind", job.Kind).Msg("query registered")
	s.ack(frame, job.QueryID)
	if !s.peer.Enqueue(job) {
		s.log.Warn().Str("query_id", job.QueryID).Msg("initial run not queued")
	}
}

func (s *Session) handleUpdateModel(ctx context.Context, frame protocol.Frame) {
	res := s.gate.cfg.Executor.UpdateKind(ctx, frame.Arg(0), frame.Arg(1))
	if !res.Success {
		s.log.Warn().Str("error", res.Error).Msg("update-model failed")
	}
	s.ack(frame, res)
}

func (s *Session) handleSetupServer(ctx context.Context, frame protocol.Frame) {
	if s.mode != ModeSetup {
		s.lifecycleViolation(frame)
		return
	}

	payload, err := frame.MapArg(0)
	if err != nil {
		s.log.Warn().Err(err).Msg("handleSetupServer: invalid params")
		s.ack(frame, protocol.Failed(err))
		return
	}
	creds, fields, err := protocol.ParseCredentials(payload["user"])
	if err != nil {
		s.log.Warn().Err(err).Msg("handleSetupServer: invalid params")
		s.ack(frame, protocol.Failed(err))
		return
	}

	g := s.gate
	g.setupMu.Lock()
	defer g.setupMu.Unlock()

	if phase := g.cfg.Lifecycle.State(); phase != lifecycle.Setup {
		s.lifecycleViolation(frame)
		return
	}

	if _, err := CreateAdmin(ctx, g.cfg.Store, g.cfg.Hasher, creds, fields); err != nil {
		s.log.Error().Err(err).Msg("create admin")
		s.ack(frame, protocol.Failed(err))
		return
	}
	if err := g.cfg.Lifecycle.Transition(lifecycle.Setup, lifecycle.Ready); err != nil {
		s.log.Error().Err(err).Msg("complete setup")
		s.ack(frame, protocol.Failed(err))
		return
	}

	s.log.Info().Str("username", creds.Username).Msg("setup complete, admin created")
	s.ack(frame, protocol.OK(nil))
	s.emit(constants.EventUserCreated)
}

// CreateAdmin stores the first user with a hashed password. Extra fields from
// the setup payload are kept.
func CreateAdmin(ctx context.Context, s store.Store, hasher auth.PasswordHasher, creds protocol.Credentials, extra map[string]any) (*models.Entity, error) {
	existing, err := store.FindOne(ctx, s, constants.UserKind, models.Filter{constants.UsernameField: creds.Username})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user %q already exists", creds.Username)
	}

	hash, err := hasher.Hash(creds.Password)
	if err != nil {
		return nil, err
	}
	fields := make(models.JSONMap, len(extra)+2)
	for k, v := range extra {
		if k == models.IDField || k == models.MetaField {
			continue
		}
		fields[k] = v
	}
	fields[constants.UsernameField] = creds.Username
	fields[constants.PasswordField] = hash

	user := models.NewEntity(constants.UserKind, fields)
	if err := s.CreateEntity(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Session) lifecycleViolation(frame protocol.Frame) {
	phase := s.gate.cfg.Lifecycle.State()
	s.log.Warn().
		Str("event", frame.Event).
		Str("state", string(phase)).
		Stringer("mode", s.mode).
		Err(constants.ErrLifecycleViolation).
		Msg("event rejected")
	s.ack(frame, protocol.Failed(constants.ErrLifecycleViolation))
	s.emit(constants.EventLifecycleError, protocol.LifecycleError{State: string(phase), Event: frame.Event})
}

func (s *Session) awaitCredentials(reason string) {
	s.mu.Lock()
	s.state = AwaitingCredentials
	s.mu.Unlock()
	s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: reason})
}

func (s *Session) reject(reason string) {
	s.mu.Lock()
	s.state = Rejected
	s.mu.Unlock()
	s.emit(constants.EventAuthenticationError, protocol.AuthError{Reason: reason})
	s.peer.Close()
}

func (s *Session) emit(event string, args ...any) {
	if err := s.peer.Emit(event, args...); err != nil && !errors.Is(err, constants.ErrConnectionClosed) {
		s.log.Warn().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (s *Session) ack(frame protocol.Frame, args ...any) {
	if frame.Ack == 0 {
		return
	}
	if err := s.peer.Ack(frame.Ack, args...); err != nil && !errors.Is(err, constants.ErrConnectionClosed) {
		s.log.Warn().Err(err).Str("event", frame.Event).Msg("ack failed")
	}
}
