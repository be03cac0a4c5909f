// Package transport connects the bot to the chat network: outbound actions go
// through an HTTP gateway, inbound events arrive over AMQP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

const defaultGatewayTimeout = 30 * time.Second

type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// GatewayError is a non-2xx answer from the gateway.
type GatewayError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway %s %s: %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway %s %s: %d", e.Method, e.Path, e.StatusCode)
}

// Gateway performs chat actions for one session through the JSON HTTP API of
// the WhatsApp connection service.
type Gateway struct {
	client  *fasthttp.Client
	baseURL string
	token   string
	timeout time.Duration
	session string
	log     zerolog.Logger

	meLock sync.Mutex
	me     string
}

func NewGateway(cfg GatewayConfig, session string, client *fasthttp.Client, log zerolog.Logger) *Gateway {
	if client == nil {
		client = &fasthttp.Client{Name: "wabot"}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &Gateway{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		session: session,
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

type keyJSON struct {
	Chat   string `json:"chat"`
	ID     string `json:"id"`
	Sender string `json:"sender,omitempty"`
	FromMe bool   `json:"from_me"`
}

func toKeyJSON(k *wamsg.Key) *keyJSON {
	if k == nil {
		return nil
	}
	return &keyJSON{Chat: k.Chat, ID: k.ID, Sender: k.Sender, FromMe: k.FromMe}
}

type sendRequest struct {
	Chat     string   `json:"chat"`
	Type     string   `json:"type"`
	Text     string   `json:"text,omitempty"`
	Caption  string   `json:"caption,omitempty"`
	Mimetype string   `json:"mimetype,omitempty"`
	Data     []byte   `json:"data,omitempty"`
	Quoted   *keyJSON `json:"quoted,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Me returns the JID the session is logged in as. The answer is cached.
func (g *Gateway) Me(ctx context.Context) (string, error) {
	g.meLock.Lock()
	defer g.meLock.Unlock()
	if g.me != "" {
		return g.me, nil
	}
	var resp struct {
		JID string `json:"jid"`
	}
	if err := g.do(ctx, fasthttp.MethodGet, "/me", nil, &resp); err != nil {
		return "", err
	}
	if resp.JID == "" {
		return "", fmt.Errorf("gateway returned no jid for session %s", g.session)
	}
	g.me = resp.JID
	return g.me, nil
}

func (g *Gateway) SendText(ctx context.Context, chat, text string, opts wamsg.SendOptions) (wamsg.Key, error) {
	return g.send(ctx, &sendRequest{
		Chat:     chat,
		Type:     "text",
		Text:     text,
		Quoted:   toKeyJSON(opts.Quoted),
		Mentions: opts.Mentions,
	})
}

func (g *Gateway) SendMedia(ctx context.Context, chat string, media wamsg.OutgoingMedia, opts wamsg.SendOptions) (wamsg.Key, error) {
	return g.send(ctx, &sendRequest{
		Chat:     chat,
		Type:     string(media.Kind),
		Caption:  media.Caption,
		Mimetype: media.Mimetype,
		Data:     media.Data,
		Quoted:   toKeyJSON(opts.Quoted),
		Mentions: opts.Mentions,
	})
}

func (g *Gateway) send(ctx context.Context, req *sendRequest) (wamsg.Key, error) {
	var resp sendResponse
	if err := g.do(ctx, fasthttp.MethodPost, "/messages", req, &resp); err != nil {
		return wamsg.Key{}, err
	}
	if resp.ID == "" {
		return wamsg.Key{}, fmt.Errorf("gateway accepted %s message without returning an id", req.Type)
	}
	me, _ := g.Me(ctx)
	return wamsg.Key{Chat: req.Chat, ID: resp.ID, Sender: me, FromMe: true}, nil
}

func (g *Gateway) EditMessage(ctx context.Context, chat, messageID, text string) error {
	return g.do(ctx, fasthttp.MethodPost, "/messages/edit", map[string]string{
		"chat": chat,
		"id":   messageID,
		"text": text,
	}, nil)
}

func (g *Gateway) DeleteMessage(ctx context.Context, key wamsg.Key) error {
	return g.do(ctx, fasthttp.MethodPost, "/messages/revoke", map[string]any{
		"key": toKeyJSON(&key),
	}, nil)
}

func (g *Gateway) GroupRoster(ctx context.Context, chat string) ([]wamsg.Participant, error) {
	var resp struct {
		Participants []wamsg.Participant `json:"participants"`
	}
	err := g.do(ctx, fasthttp.MethodGet, "/groups/"+url.PathEscape(chat)+"/participants", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Participants, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(g.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	requestID := uuid.NewString()
	req.SetRequestURI(g.baseURL + "/sessions/" + url.PathEscape(g.session) + path)
	req.Header.SetMethod(method)
	req.Header.Set("X-Request-Id", requestID)
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	start := time.Now()
	err := g.client.DoDeadline(req, resp, deadline)
	g.log.Trace().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", path).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("Gateway request")
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	if status := resp.StatusCode(); status < 200 || status > 299 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(resp.Body(), &errBody)
		return &GatewayError{Method: method, Path: path, StatusCode: status, Message: errBody.Error}
	}
	if out != nil {
		if err = json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("failed to decode gateway %s response: %w", path, err)
		}
	}
	return nil
}
