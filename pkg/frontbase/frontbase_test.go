package frontbase

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frontbase/frontbase/internal/codec"
	"github.com/frontbase/frontbase/pkg/client"
	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/lifecycle"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/store/memory"
)

const testTimeout = 5 * time.Second

func testConfig() *Config {
	return &Config{
		Secret:        "test-secret",
		Issuer:        constants.DefaultIssuer,
		TokenTTL:      time.Hour,
		Store:         StoreMemory,
		StrictTokens:  true,
		MailboxSize:   64,
		BcryptCost:    4,
		LogLevel:      "error",
		AdminUsername: "admin",
		AdminPassword: "admin-pw",
	}
}

type running struct {
	app   *App
	store *memory.Store
	addr  string
}

func (r *running) socketURL() string {
	return "ws://" + r.addr + "/socket"
}

func (r *running) dial(t *testing.T, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := client.Dial(ctx, r.socketURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (r *running) login(t *testing.T, username string, opts ...client.Option) *client.Client {
	t.Helper()
	token, err := r.app.Tokens().Issue(username)
	require.NoError(t, err)
	c := r.dial(t, append(opts, client.WithToken(token))...)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	_, err = c.Expect(ctx, constants.EventAuthenticated)
	require.NoError(t, err)
	return c
}

// start serves an app on a loopback port and waits for bootstrap to finish.
func start(t *testing.T, cfg *Config, kinds ...string) *running {
	t.Helper()
	s := memory.New()
	for _, k := range kinds {
		require.NoError(t, s.CreateKind(context.Background(), &models.Kind{Key: k, KeyPlural: k + "s"}))
	}

	app, err := New(cfg, WithStore(s), WithLogWriter(io.Discard))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- app.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * shutdownTimeout):
			t.Error("server did not stop")
		}
		_ = app.Close()
	})

	require.Eventually(t, func() bool {
		return app.Lifecycle().State() != lifecycle.Initialising
	}, testTimeout, 10*time.Millisecond)

	return &running{app: app, store: s, addr: ln.Addr().String()}
}

func subscribe(t *testing.T, c *client.Client, event string, args ...any) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ack, err := c.Call(ctx, event, args...)
	require.NoError(t, err)
	require.Len(t, ack, 1)
	queryID, ok := ack[0].(string)
	require.True(t, ok, "ack carried %v", ack[0])
	return queryID
}

func nextResult(t *testing.T, c *client.Client, queryID string) protocol.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	f, err := c.Expect(ctx, protocol.ReceiveEvent(queryID))
	require.NoError(t, err)
	var res protocol.Result
	require.NoError(t, c.Decode(f.Args[0], &res))
	require.True(t, res.Success, "query failed: %s", res.Error)
	return res
}

func documents(t *testing.T, res protocol.Result) []map[string]any {
	t.Helper()
	raw, ok := res.Data.([]any)
	require.True(t, ok, "data is %T", res.Data)
	docs := make([]map[string]any, 0, len(raw))
	for _, d := range raw {
		docs = append(docs, d.(map[string]any))
	}
	return docs
}

func assertQuiet(t *testing.T, c *client.Client, wait time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	f, err := c.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected push %q", f.Event)
	}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLiveCollection(t *testing.T) {
	r := start(t, testConfig(), "task")
	c := r.login(t, "admin")
	ctx := context.Background()

	queryID := subscribe(t, c, constants.EventGetObjects, "tasks", map[string]any{})
	assert.Empty(t, documents(t, nextResult(t, c, queryID)))

	require.NoError(t, r.store.CreateEntity(ctx, models.NewEntity("task", models.JSONMap{"title": "first"})))
	assert.Len(t, documents(t, nextResult(t, c, queryID)), 1)
	require.NoError(t, r.store.CreateEntity(ctx, models.NewEntity("task", models.JSONMap{"title": "second"})))
	assert.Len(t, documents(t, nextResult(t, c, queryID)), 2)

	require.NoError(t, r.store.CreateEntity(ctx, models.NewEntity("task", models.JSONMap{"title": "third"})))
	docs := documents(t, nextResult(t, c, queryID))
	require.Len(t, docs, 3)
	assert.Equal(t, "third", docs[2]["title"])
	assertQuiet(t, c, 200*time.Millisecond)
}

func TestQueriesFollowTheirKind(t *testing.T) {
	r := start(t, testConfig(), "task", "note")
	c := r.login(t, "admin")
	ctx := context.Background()

	tasks := subscribe(t, c, constants.EventGetObjects, "task")
	nextResult(t, c, tasks)
	notes := subscribe(t, c, constants.EventGetObjects, "notes", map[string]any{"pinned": true})
	nextResult(t, c, notes)

	require.NoError(t, r.store.CreateEntity(ctx, models.NewEntity("note", models.JSONMap{"pinned": true, "text": "hi"})))
	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	f, err := c.Next(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ReceiveEvent(notes), f.Event)
	assertQuiet(t, c, 200*time.Millisecond)

	task := models.NewEntity("task", models.JSONMap{"title": "one"})
	require.NoError(t, r.store.CreateEntity(ctx, task))
	assert.Len(t, documents(t, nextResult(t, c, tasks)), 1)

	single := subscribe(t, c, constants.EventGetObject, task.ID.String())
	res := nextResult(t, c, single)
	assert.Equal(t, "one", res.Data.(map[string]any)["title"])

	require.NoError(t, r.store.UpdateEntity(ctx, task.ID, models.JSONMap{"title": "renamed"}))
	for {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		f, err := c.Next(ctx)
		cancel()
		require.NoError(t, err)
		if f.Event != protocol.ReceiveEvent(single) {
			continue
		}
		var res protocol.Result
		require.NoError(t, c.Decode(f.Args[0], &res))
		assert.Equal(t, "renamed", res.Data.(map[string]any)["title"])
		break
	}
}

func TestUserPasswordsNeverLeave(t *testing.T) {
	r := start(t, testConfig())
	c := r.login(t, "admin")

	users := subscribe(t, c, constants.EventGetObjects, "users")
	docs := documents(t, nextResult(t, c, users))
	require.Len(t, docs, 1)
	assert.Equal(t, "admin", docs[0]["username"])
	assert.NotContains(t, docs[0], "password")
}

func TestModelsOverCBOR(t *testing.T) {
	r := start(t, testConfig(), "task")
	c := r.login(t, "admin", client.WithCodec(codec.CBORName))
	require.Equal(t, codec.CBORName, c.Codec().Name())

	kinds := subscribe(t, c, constants.EventGetModels, map[string]any{"key": "task"})
	docs := documents(t, nextResult(t, c, kinds))
	require.Len(t, docs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	ack, err := c.Call(ctx, constants.EventUpdateModel, "task", map[string]any{"label": "Task"})
	require.NoError(t, err)
	var res protocol.UpdateResponse
	require.NoError(t, c.Decode(ack[0], &res))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Result.Matched)

	docs = documents(t, nextResult(t, c, kinds))
	require.Len(t, docs, 1)
	assert.Equal(t, "Task", docs[0]["label"])

	ack, err = c.Call(ctx, constants.EventUpdateModel, "missing", map[string]any{"label": "x"})
	require.NoError(t, err)
	require.NoError(t, c.Decode(ack[0], &res))
	assert.False(t, res.Success)
	assert.Equal(t, "kind not found", res.Error)
}

func TestSetupFlow(t *testing.T) {
	cfg := testConfig()
	cfg.AdminUsername, cfg.AdminPassword = "", ""
	r := start(t, cfg, "task")
	require.Equal(t, lifecycle.Setup, r.app.Lifecycle().State())

	kind, err := r.store.ResolveKind(context.Background(), "users")
	require.NoError(t, err)
	require.NotNil(t, kind, "user kind is seeded")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c := r.dial(t)
	_, err = c.Expect(ctx, constants.EventServerSetup)
	require.NoError(t, err)

	require.NoError(t, c.Send(ctx, constants.EventGetObjects, "task"))
	f, err := c.Expect(ctx, constants.EventLifecycleError)
	require.NoError(t, err)
	var violation protocol.LifecycleError
	require.NoError(t, c.Decode(f.Args[0], &violation))
	assert.Equal(t, protocol.LifecycleError{State: "setup", Event: constants.EventGetObjects}, violation)
	assert.Equal(t, lifecycle.Setup, r.app.Lifecycle().State())

	ack, err := c.Call(ctx, constants.EventSetupServer, map[string]any{
		"user": map[string]any{"username": "root", "password": "hunter2"},
	})
	require.NoError(t, err)
	var res protocol.Result
	require.NoError(t, c.Decode(ack[0], &res))
	require.True(t, res.Success, res.Error)
	_, err = c.Expect(ctx, constants.EventUserCreated)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.Ready, r.app.Lifecycle().State())

	// password login now works and hands out a token
	login := r.dial(t)
	_, err = login.Expect(ctx, constants.EventAuthenticationError)
	require.NoError(t, err)
	require.NoError(t, login.Send(ctx, constants.EventAuthenticate, map[string]any{"username": "root", "password": "hunter2"}))
	f, err = login.Expect(ctx, constants.EventReceiveToken)
	require.NoError(t, err)
	token := f.Args[0].(string)

	next := r.dial(t, client.WithToken(token))
	f, err = next.Expect(ctx, constants.EventAuthenticated)
	require.NoError(t, err)
	var user map[string]any
	require.NoError(t, next.Decode(f.Args[0], &user))
	assert.Equal(t, "root", user["username"])
}

func TestBootstrapWithExistingUser(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.CreateEntity(ctx, models.NewEntity(constants.UserKind, models.JSONMap{"username": "bob"})))

	cfg := testConfig()
	app, err := New(cfg, WithStore(s), WithLogWriter(io.Discard))
	require.NoError(t, err)
	defer app.Close()

	require.NoError(t, app.Bootstrap(ctx))
	assert.Equal(t, lifecycle.Ready, app.Lifecycle().State())

	kinds, err := s.FindKinds(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, kinds, "no seeding when users exist")
	users, err := s.FindEntities(ctx, constants.UserKind, nil)
	require.NoError(t, err)
	assert.Len(t, users, 1, "configured admin is not created")

	assert.ErrorIs(t, app.Bootstrap(ctx), constants.ErrInvalidTransition)
}

func TestHealth(t *testing.T) {
	r := start(t, testConfig(), "task")
	c := r.login(t, "admin")
	subscribe(t, c, constants.EventGetObjects, "task")
	subscribe(t, c, constants.EventGetModels)

	res, err := http.Get("http://" + r.addr + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, healthResponse{Status: "ok", State: "ready", Connections: 1, Listeners: 2}, body)
}

func TestParse(t *testing.T) {
	t.Setenv("FRONTBASE_SECRET", "s3cret")
	t.Setenv("FRONTBASE_ALLOWED_ORIGINS", "a.example.com,b.example.com")
	t.Setenv("FRONTBASE_STRICT_TOKENS", "false")

	cmd, cfg, err := Parse([]string{"--addr", ":9000", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, "run", cmd.Name())
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.AllowedOrigins)
	assert.False(t, cfg.StrictTokens)
	assert.Equal(t, 168*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 256, cfg.MailboxSize)

	cmd, _, err = Parse([]string{"migrate"})
	require.NoError(t, err)
	assert.Equal(t, "migrate", cmd.Name())

	_, _, err = Parse([]string{"dance"})
	assert.ErrorContains(t, err, "unknown command")

	_, _, err = Parse([]string{"--store", "postgres"})
	assert.ErrorContains(t, err, "FRONTBASE_POSTGRES_DSN")
}

func TestParseRequiresSecret(t *testing.T) {
	t.Setenv("FRONTBASE_SECRET", "")
	_, _, err := Parse(nil)
	assert.ErrorContains(t, err, "FRONTBASE_SECRET")
}

func TestMainRejectsBadConfig(t *testing.T) {
	t.Setenv("FRONTBASE_SECRET", "s3cret")
	t.Setenv("FRONTBASE_STORE", "cassandra")
	err := Main(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown store")
}
