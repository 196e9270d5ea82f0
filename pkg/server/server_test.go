package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/pkg/auth"
	"github.com/frontbase/frontbase/pkg/client"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/query"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/session"
	"github.com/frontbase/frontbase/pkg/store/memory"
)

const testTimeout = 5 * time.Second

type fixture struct {
	store    *memory.Store
	tokens   *auth.TokenService
	registry *registry.Registry
	server   *Server
	http     *httptest.Server
	url      string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	s := memory.New()
	require.NoError(t, s.CreateKind(ctx, &models.Kind{Key: "task", KeyPlural: "tasks"}))
	require.NoError(t, s.CreateKind(ctx, &models.Kind{Key: constants.UserKind, KeyPlural: "users"}))

	hasher := auth.NewBcryptHasher(4)
	_, err := session.CreateAdmin(ctx, s, hasher, protocol.Credentials{Username: "alice", Password: "pw"}, nil)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService("test-secret")
	require.NoError(t, err)

	lc := lifecycle.New()
	require.NoError(t, lc.Transition(lifecycle.Initialising, lifecycle.Ready))

	reg := registry.New(zerolog.Nop())
	exec := query.NewExecutor(s, reg, zerolog.Nop())
	gate := session.NewGate(session.Config{
		Store:        s,
		Tokens:       tokens,
		Hasher:       hasher,
		Lifecycle:    lc,
		Executor:     exec,
		Registry:     reg,
		StrictTokens: true,
		Logger:       zerolog.Nop(),
	})

	opts.Logger = zerolog.Nop()
	srv := New(gate, exec, opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = s.Close()
	})

	return &fixture{
		store:    s,
		tokens:   tokens,
		registry: reg,
		server:   srv,
		http:     ts,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := client.Dial(ctx, f.url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (f *fixture) login(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	token, err := f.tokens.Issue("alice")
	require.NoError(t, err)
	c := f.dial(t, append(opts, client.WithToken(token))...)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = c.Expect(ctx, constants.EventAuthenticated)
	require.NoError(t, err)
	return c
}

func waitDone(t *testing.T, c *client.Client) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("connection was not closed")
	}
}

func expectResult(t *testing.T, c *client.Client, queryID string) protocol.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	f, err := c.Expect(ctx, protocol.ReceiveEvent(queryID))
	require.NoError(t, err)
	require.Len(t, f.Args, 1)
	var res protocol.Result
	require.NoError(t, c.Decode(f.Args[0], &res))
	return res
}

func TestLoginIssuesTokenAndCloses(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	frame, err := c.Expect(ctx, constants.EventAuthenticationError)
	require.NoError(t, err)
	var reason protocol.AuthError
	require.NoError(t, c.Decode(frame.Args[0], &reason))
	assert.Equal(t, session.ReasonRequired, reason.Reason)

	require.NoError(t, c.Send(ctx, constants.EventAuthenticate, map[string]any{"username": "alice", "password": "pw"}))
	frame, err = c.Expect(ctx, constants.EventReceiveToken)
	require.NoError(t, err)
	token, ok := frame.Args[0].(string)
	require.True(t, ok)
	claims, err := f.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	waitDone(t, c)
}

func TestWrongPasswordKeepsConnection(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := c.Expect(ctx, constants.EventAuthenticationError)
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, constants.EventAuthenticate, map[string]any{"username": "alice", "password": "nope"}))
	_, err = c.Expect(ctx, constants.EventAuthenticationError)
	require.NoError(t, err)
	assert.NoError(t, c.Err())

	require.NoError(t, c.Send(ctx, constants.EventAuthenticate, map[string]any{"username": "alice", "password": "pw"}))
	_, err = c.Expect(ctx, constants.EventReceiveToken)
	require.NoError(t, err)
}

func TestForgedTokenIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.dial(t, client.WithToken("not-a-token"))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	_, err := c.Expect(ctx, constants.EventAuthenticationError)
	require.NoError(t, err)
	waitDone(t, c)
}

func TestLiveQuery(t *testing.T) {
	for _, name := range []string{codec.JSONName, codec.CBORName} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, Options{})
			c := f.login(t, client.WithCodec(name))
			assert.Equal(t, name, c.Codec().Name())
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			args, err := c.Call(ctx, constants.EventGetObjects, "tasks", map[string]any{})
			require.NoError(t, err)
			require.Len(t, args, 1)
			queryID, ok := args[0].(string)
			require.True(t, ok, "ack carried %T", args[0])

			res := expectResult(t, c, queryID)
			assert.True(t, res.Success)
			assert.Empty(t, res.Data)

			require.NoError(t, f.store.CreateEntity(ctx, models.NewEntity("task", models.JSONMap{"title": "write tests"})))
			assert.Equal(t, 1, f.registry.Trigger("task"))

			res = expectResult(t, c, queryID)
			assert.True(t, res.Success)
			docs, ok := res.Data.([]any)
			require.True(t, ok, "data is %T", res.Data)
			require.Len(t, docs, 1)
			assert.Equal(t, "write tests", docs[0].(map[string]any)["title"])
		})
	}
}

func TestQueryErrorsAreAcked(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.login(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	args, err := c.Call(ctx, constants.EventGetObjects, "widgets")
	require.NoError(t, err)
	var res protocol.Result
	require.NoError(t, c.Decode(args[0], &res))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kind not found")
	assert.Equal(t, 0, f.registry.Stats().Entries)
}

func TestDisconnectRemovesListeners(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.login(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	for range 3 {
		_, err := c.Call(ctx, constants.EventGetObjects, "task")
		require.NoError(t, err)
	}
	_, err := c.Call(ctx, constants.EventGetModels)
	require.NoError(t, err)
	require.Equal(t, registry.Stats{Kinds: 1, Entries: 3, ModelListeners: 1}, f.registry.Stats())
	require.Equal(t, 1, f.server.ConnectionCount())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return f.registry.Stats() == registry.Stats{} && f.server.ConnectionCount() == 0
	}, testTimeout, 10*time.Millisecond)
}

func TestOriginAllowList(t *testing.T) {
	f := newFixture(t, Options{AllowedOrigins: []string{"app.example.com"}})

	_, res, err := gorilla.DefaultDialer.Dial(f.url, http.Header{"Origin": {"http://evil.example.com"}})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	ws, _, err := gorilla.DefaultDialer.Dial(f.url, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = ws.Close()
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newFixture(t, Options{})
	c := f.login(t)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	waitDone(t, c)
	assert.Equal(t, 0, f.server.ConnectionCount())

	res, err := http.Get(f.http.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func (c *Conn) queued() []string {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	return append([]string(nil), c.order...)
}

func TestConnMailbox(t *testing.T) {
	c := newConn("c1", nil, codec.NewJSON(), 1, zerolog.Nop())

	assert.True(t, c.Live())
	assert.True(t, c.Enqueue(registry.Job{QueryID: "q1"}))
	assert.True(t, c.Enqueue(registry.Job{QueryID: "q2"}))
	assert.True(t, c.Enqueue(registry.Job{QueryID: "q1"}))
	assert.Equal(t, []string{"q1", "q2"}, c.queued())

	c.Close()
	assert.False(t, c.Live())
	assert.False(t, c.Enqueue(registry.Job{QueryID: "q3"}))
	assert.ErrorIs(t, c.Emit(constants.EventServerSetup), constants.ErrConnectionClosed)
	assert.NoError(t, c.Ack(0))

	c.drain()
	assert.Empty(t, c.queued())
}

func TestMailboxKeepsEveryQuery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s := memory.New()
	defer s.Close()
	require.NoError(t, s.CreateEntity(ctx, models.NewEntity("task", models.JSONMap{"title": "one"})))
	require.NoError(t, s.CreateEntity(ctx, models.NewEntity("note", models.JSONMap{"text": "two"})))

	reg := registry.New(zerolog.Nop())
	exec := query.NewExecutor(s, reg, zerolog.Nop())
	c := newConn("c1", nil, codec.NewJSON(), 4, zerolog.Nop())

	tasks := registry.Job{Type: registry.CollectionJob, QueryID: "tasks", Kind: "task"}
	notes := registry.Job{Type: registry.CollectionJob, QueryID: "notes", Kind: "note"}
	reg.Register("task", registry.Entry{Owner: c.ID(), Job: tasks, Sink: c})
	reg.Register("note", registry.Entry{Owner: c.ID(), Job: notes, Sink: c})

	// a burst on one kind must not crowd out another query
	for range 10 {
		assert.Equal(t, 1, reg.Trigger("task"))
	}
	assert.Equal(t, 1, reg.Trigger("note"))
	assert.Equal(t, []string{"tasks", "notes"}, c.queued())

	go func() { _ = c.jobPump(ctx, exec) }()

	var events []string
	for range 2 {
		select {
		case out := <-c.send:
			events = append(events, out.frame.Event)
			res, ok := out.frame.Args[0].(protocol.Result)
			require.True(t, ok)
			assert.True(t, res.Success)
			assert.Len(t, res.Data, 1)
		case <-ctx.Done():
			t.Fatalf("got %v before timeout", events)
		}
	}
	assert.Equal(t, []string{protocol.ReceiveEvent("tasks"), protocol.ReceiveEvent("notes")}, events)
	assert.Empty(t, c.queued())
}
