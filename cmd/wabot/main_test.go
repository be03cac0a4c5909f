package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/lrhodin/wabot/pkg/connector"
	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

func TestNewLogger(t *testing.T) {
	log, err := newLogger(connector.LoggingConfig{Level: "debug", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())

	log, err = newLogger(connector.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())

	_, err = newLogger(connector.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestMetricsServer(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	srv := newMetricsServer(zerolog.Nop())
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	get := func(path string) (int, string) {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI("http://metrics" + path)
		require.NoError(t, client.Do(req, resp))
		return resp.StatusCode(), string(resp.Body())
	}

	status, body := get("/healthz")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = get("/metrics")
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")

	status, _ = get("/nope")
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

const (
	testGroup = "120363000000000001@g.us"
	testUser  = "6281100000001@s.whatsapp.net"
)

type cliEnv struct {
	dir    string
	config string
	dbPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{dir: dir, config: filepath.Join(dir, "config.yaml"), dbPath: filepath.Join(dir, "wabot.db")}
	cfg := fmt.Sprintf("session: default\ndatabase:\n    path: %s\nlogging:\n    level: error\n", env.dbPath)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

// seed opens the database directly and runs fn against it.
func (e *cliEnv) seed(t *testing.T, fn func(ctx context.Context, st *store.Store)) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, e.dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer st.Close()
	fn(ctx, st)
}

// run executes the CLI with args and returns what it printed.
func (e *cliEnv) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)
	argv := append([]string{"wabot", "--config", e.config, "--env-file", filepath.Join(e.dir, "missing.env")}, args...)
	err := app.Run(argv)
	return out.String(), err
}

func TestRequestsList(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, func(ctx context.Context, st *store.Store) {
		pending, _, err := st.ReserveDeletionRequest(ctx, "default", testGroup, "T1", testUser, wamsg.Key{ID: "CMD1"})
		require.NoError(t, err)
		require.NoError(t, st.AttachDeletionConfirm(ctx, pending.ID, "BOT1"))
		closed, _, err := st.ReserveDeletionRequest(ctx, "default", testGroup, "T2", testUser, wamsg.Key{ID: "CMD2"})
		require.NoError(t, err)
		_, _, err = st.UpdateDeletionRequest(ctx, closed.ID, func(r *store.DeletionRequest) bool {
			r.Done = true
			r.Outcome = store.DeletionApproved
			return true
		})
		require.NoError(t, err)
		_, _, err = st.ReserveDisclosureRequest(ctx, "default", testGroup, "V1", testUser, "6281100000002@s.whatsapp.net", wamsg.Key{ID: "CMD3"})
		require.NoError(t, err)
		_, _, err = st.ReserveDeletionRequest(ctx, "other", testGroup, "X1", testUser, wamsg.Key{ID: "CMD4"})
		require.NoError(t, err)
	})

	out, err := env.run(t, "", "requests", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "T1")
	assert.Contains(t, out, "V1")
	assert.Contains(t, out, "waiting")
	assert.NotContains(t, out, "T2", "closed requests need --all")
	assert.NotContains(t, out, "X1", "other sessions are not listed")

	out, err = env.run(t, "", "requests", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "T2")
	assert.Contains(t, out, "approved (unfinished)")
}

func TestRequestsCancel(t *testing.T) {
	env := newCLIEnv(t)
	var deletionID, disclosureID int64
	env.seed(t, func(ctx context.Context, st *store.Store) {
		del, _, err := st.ReserveDeletionRequest(ctx, "default", testGroup, "T1", testUser, wamsg.Key{ID: "CMD1"})
		require.NoError(t, err)
		deletionID = del.ID
		dis, _, err := st.ReserveDisclosureRequest(ctx, "default", testGroup, "V1", testUser, testUser, wamsg.Key{ID: "CMD2"})
		require.NoError(t, err)
		disclosureID = dis.ID
	})

	out, err := env.run(t, "", "requests", "cancel", "deletion", fmt.Sprint(deletionID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("Request %d cancelled\n", deletionID), out)
	out, err = env.run(t, "", "requests", "cancel", "disclosure", fmt.Sprint(disclosureID))
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")

	env.seed(t, func(ctx context.Context, st *store.Store) {
		_, err := st.GetDeletionRequest(ctx, "default", testGroup, "T1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.GetDisclosureRequest(ctx, "default", testGroup, "V1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	_, err = env.run(t, "", "requests", "cancel", "deletion")
	assert.ErrorContains(t, err, "usage")
	_, err = env.run(t, "", "requests", "cancel", "vote", "1")
	assert.ErrorContains(t, err, "unknown request kind")
	_, err = env.run(t, "", "requests", "cancel", "deletion", "abc")
	assert.ErrorContains(t, err, "invalid request ID")
}

func TestRequestsFailures(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, func(ctx context.Context, st *store.Store) {
		req, _, err := st.ReserveDisclosureRequest(ctx, "default", testGroup, "V1", testUser, testUser, wamsg.Key{ID: "CMD1"})
		require.NoError(t, err)
		require.NoError(t, st.FailDisclosureRequest(ctx, req, 10, "cdn returned 404"))
	})

	out, err := env.run(t, "", "requests", "failures", testGroup)
	require.NoError(t, err)
	assert.Contains(t, out, "ATTEMPTS")
	assert.Contains(t, out, "V1")
	assert.Contains(t, out, "cdn returned 404")

	_, err = env.run(t, "", "requests", "failures")
	assert.ErrorContains(t, err, "must specify a chat")
}

func TestPurgeSession(t *testing.T) {
	env := newCLIEnv(t)
	env.seed(t, func(ctx context.Context, st *store.Store) {
		require.NoError(t, st.SaveMessage(ctx, "default", testGroup, "M1", []byte("a")))
		require.NoError(t, st.SaveMessage(ctx, "other", testGroup, "M1", []byte("b")))
	})

	out, err := env.run(t, "n\n", "purge-session")
	assert.ErrorContains(t, err, "aborted")
	assert.Contains(t, out, `Delete all data of session "default"?`)
	env.seed(t, func(ctx context.Context, st *store.Store) {
		_, err := st.GetMessage(ctx, "default", testGroup, "M1")
		assert.NoError(t, err, "nothing deleted without confirmation")
	})

	out, err = env.run(t, "", "purge-session", "--yes")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 1 chats of session \"default\"\n", out)

	out, err = env.run(t, "y\n", "purge-session", "other")
	require.NoError(t, err)
	assert.Contains(t, out, `Deleted 1 chats of session "other"`)

	env.seed(t, func(ctx context.Context, st *store.Store) {
		_, err := st.GetMessage(ctx, "default", testGroup, "M1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = st.GetMessage(ctx, "other", testGroup, "M1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestExampleConfigCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "", "example-config")
	require.NoError(t, err)
	assert.Equal(t, connector.ExampleConfig, out)
}
