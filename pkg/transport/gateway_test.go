package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type fakeGatewayServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	meCalls  int
}

func (s *fakeGatewayServer) handle(ctx *fasthttp.RequestCtx) {
	rec := recordedRequest{
		Method: string(ctx.Method()),
		Path:   string(ctx.Path()),
		Auth:   string(ctx.Request.Header.Peek("Authorization")),
	}
	if len(ctx.PostBody()) > 0 {
		_ = json.Unmarshal(ctx.PostBody(), &rec.Body)
	}
	s.mu.Lock()
	s.requests = append(s.requests, rec)
	s.mu.Unlock()

	ctx.SetContentType("application/json")
	switch rec.Path {
	case "/sessions/main/me":
		s.mu.Lock()
		s.meCalls++
		s.mu.Unlock()
		ctx.SetBodyString(`{"jid":"628999@s.whatsapp.net"}`)
	case "/sessions/main/messages":
		ctx.SetBodyString(`{"id":"OUT1"}`)
	case "/sessions/main/messages/edit", "/sessions/main/messages/revoke":
		ctx.SetBodyString(`{}`)
	case "/sessions/main/groups/1@g.us/participants":
		ctx.SetBodyString(`{"participants":[{"jid":"628999@s.whatsapp.net","admin":true},{"jid":"62811@s.whatsapp.net"}]}`)
	default:
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":"boom"}`)
	}
}

func (s *fakeGatewayServer) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTestGateway(t *testing.T) (*Gateway, *fakeGatewayServer) {
	t.Helper()
	srv := &fakeGatewayServer{}
	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { ln.Close() })
	go func() {
		_ = fasthttp.Serve(ln, srv.handle)
	}()
	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) {
			return ln.Dial()
		},
	}
	gw := NewGateway(GatewayConfig{BaseURL: "http://gateway.test/", Token: "secret", Timeout: 5 * time.Second}, "main", client, zerolog.Nop())
	return gw, srv
}

func TestGatewaySendText(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx := context.Background()

	key, err := gw.SendText(ctx, "1@g.us", "hello", wamsg.SendOptions{
		Quoted:   &wamsg.Key{Chat: "1@g.us", ID: "CMD", Sender: "62811@s.whatsapp.net"},
		Mentions: []string{"62811@s.whatsapp.net"},
	})
	require.NoError(t, err)
	assert.Equal(t, wamsg.Key{Chat: "1@g.us", ID: "OUT1", Sender: "628999@s.whatsapp.net", FromMe: true}, key)

	req := srv.requests[0]
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/sessions/main/messages", req.Path)
	assert.Equal(t, "Bearer secret", req.Auth)
	assert.Equal(t, "text", req.Body["type"])
	assert.Equal(t, "hello", req.Body["text"])
	assert.Equal(t, "CMD", req.Body["quoted"].(map[string]any)["id"])
	assert.Equal(t, []any{"62811@s.whatsapp.net"}, req.Body["mentions"])
}

func TestGatewaySendMediaAndMeIsCached(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := gw.SendMedia(ctx, "1@g.us", wamsg.OutgoingMedia{Kind: wamsg.MediaImage, Data: []byte{1, 2}, Mimetype: "image/jpeg", Caption: "c"}, wamsg.SendOptions{})
		require.NoError(t, err)
	}
	last := srv.last()
	assert.Equal(t, "image", last.Body["type"])
	assert.Equal(t, "AQI=", last.Body["data"])
	assert.Equal(t, 1, srv.meCalls)
}

func TestGatewayEditDeleteRoster(t *testing.T) {
	gw, srv := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, gw.EditMessage(ctx, "1@g.us", "OUT1", "Message deleted!"))
	assert.Equal(t, "Message deleted!", srv.last().Body["text"])

	require.NoError(t, gw.DeleteMessage(ctx, wamsg.Key{Chat: "1@g.us", ID: "T1", Sender: "62811@s.whatsapp.net"}))
	assert.Equal(t, "/sessions/main/messages/revoke", srv.last().Path)
	assert.Equal(t, "T1", srv.last().Body["key"].(map[string]any)["id"])

	roster, err := gw.GroupRoster(ctx, "1@g.us")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.True(t, roster[0].Admin)
	assert.False(t, roster[1].Admin)
}

func TestGatewayErrorStatus(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, err := gw.GroupRoster(context.Background(), "unknown@g.us")
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, fasthttp.StatusInternalServerError, gwErr.StatusCode)
	assert.Equal(t, "boom", gwErr.Message)
}
