package session

import (
	"context"
	"errors"
	"sync"

	"github.com/frontbase/frontbase/pkg/auth"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/query"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/rs/zerolog"
)

// Tokens issues and verifies session tokens.
type Tokens interface {
	Issue(subject string) (string, error)
	Verify(token string) (*auth.Claims, error)
}

// Peer is the connection a session talks through.
type Peer interface {
	query.Subscriber
	Emit(event string, args ...any) error
	// Ack answers a client request. An id of zero is ignored.
	Ack(id uint64, args ...any) error
	// Close flushes frames already emitted and then closes the connection.
	Close()
}

type Config struct {
	Store     store.Store
	Tokens    Tokens
	Hasher    auth.PasswordHasher
	Lifecycle *lifecycle.Lifecycle
	Executor  *query.Executor
	Registry  *registry.Registry
	// StrictTokens rejects connections presenting a bad token instead of
	// letting them continue as anonymous.
	StrictTokens bool
	Logger       zerolog.Logger
}

// Gate decides, per connection, what the server phase and the supplied token
// allow. It is shared by all connections.
type Gate struct {
	cfg     Config
	log     zerolog.Logger
	setupMu sync.Mutex
}

func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "session").Logger(),
	}
}

// Open evaluates a new connection and returns its session. Any signal the
// client needs (authenticated, authenticationError, server-setup) has been
// emitted when Open returns.
func (g *Gate) Open(ctx context.Context, peer Peer, token string) *Session {
	s := &Session{
		gate:  g,
		peer:  peer,
		log:   g.log.With().Str("conn_id", peer.ID()).Logger(),
		state: Unauthenticated,
	}

	switch phase := g.cfg.Lifecycle.State(); phase {
	case lifecycle.Ready:
		s.mode = ModeNormal
		s.openReady(ctx, token)
	case lifecycle.Setup:
		s.mode = ModeSetup
		s.log.Info().Msg("server awaiting setup")
		s.emit(constants.EventServerSetup)
	default:
		s.mode = ModePending
		s.log.Info().Str("state", string(phase)).Msg("connection before bootstrap finished")
		// nothing is allowed on this connection; the client reconnects later
		s.emit(constants.EventLifecycleError, protocol.LifecycleError{State: string(phase)})
	}
	return s
}

func (s *Session) openReady(ctx context.Context, token string) {
	if token == "" || token == constants.TokenAbsent {
		s.awaitCredentials(ReasonRequired)
		return
	}

	claims, err := s.gate.cfg.Tokens.Verify(token)
	if err != nil {
		reason := string(auth.ReasonMalformed)
		var verr *auth.VerificationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		if s.gate.cfg.StrictTokens {
			s.log.Warn().Err(err).Str("reason", reason).Msg("rejecting token")
			s.reject(reason)
			return
		}
		s.log.Warn().Err(err).Str("reason", reason).Msg("bad token, continuing anonymously")
		s.awaitCredentials(reason)
		return
	}

	user, err := store.FindOne(ctx, s.gate.cfg.Store, constants.UserKind, models.Filter{constants.UsernameField: claims.Subject})
	if err != nil {
		s.log.Error().Err(err).Msg("look up token subject")
		s.reject(ReasonUnavailable)
		return
	}
	if user == nil {
		s.log.Warn().Str("subject", claims.Subject).Err(constants.ErrPrincipalNotFound).Msg("token subject has no user")
		s.reject(ReasonNotFound)
		return
	}

	s.mu.Lock()
	s.state = Authenticated
	s.claims = claims
	s.user = user
	s.mu.Unlock()

	s.log = s.log.With().Str("user", claims.Subject).Logger()
	s.log.Info().Msg("authenticated")
	s.emit(constants.EventAuthenticated, user.Without(constants.PasswordField))
}
