package connector

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/wabot/pkg/media"
	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

const (
	testSession = "default"
	testGroup   = "120363000000000001@g.us"
	botJID      = "628999@s.whatsapp.net"
)

func user(n int) string {
	return fmt.Sprintf("62811000000%02d@s.whatsapp.net", n)
}

type sentMessage struct {
	Key   wamsg.Key
	Text  string
	Media *wamsg.OutgoingMedia
	Opts  wamsg.SendOptions
}

type editCall struct {
	Chat string
	ID   string
	Text string
}

type fakeNetwork struct {
	mu      sync.Mutex
	roster  map[string][]wamsg.Participant
	sent    []sentMessage
	edits   []editCall
	deleted []wamsg.Key
	sendErr error
	nextID  int

	// deleteFailures and editFailures make that many calls fail before
	// the fake starts succeeding again.
	deleteFailures int
	editFailures   int
	// afterMedia runs after a media message was sent.
	afterMedia     func()
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{roster: map[string][]wamsg.Participant{
		testGroup: {{JID: botJID, Admin: true}, {JID: user(0)}, {JID: user(1)}},
	}}
}

func (n *fakeNetwork) Me(context.Context) (string, error) {
	return botJID, nil
}

func (n *fakeNetwork) send(chat string, msg sentMessage) (wamsg.Key, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return wamsg.Key{}, n.sendErr
	}
	n.nextID++
	msg.Key = wamsg.Key{Chat: chat, ID: fmt.Sprintf("BOT%d", n.nextID), Sender: botJID, FromMe: true}
	n.sent = append(n.sent, msg)
	return msg.Key, nil
}

func (n *fakeNetwork) SendText(_ context.Context, chat, text string, opts wamsg.SendOptions) (wamsg.Key, error) {
	return n.send(chat, sentMessage{Text: text, Opts: opts})
}

func (n *fakeNetwork) SendMedia(_ context.Context, chat string, m wamsg.OutgoingMedia, opts wamsg.SendOptions) (wamsg.Key, error) {
	key, err := n.send(chat, sentMessage{Media: &m, Opts: opts})
	if err == nil && n.afterMedia != nil {
		n.afterMedia()
	}
	return key, err
}

func (n *fakeNetwork) EditMessage(_ context.Context, chat, messageID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.editFailures > 0 {
		n.editFailures--
		return fmt.Errorf("edit %s: gateway unavailable", messageID)
	}
	n.edits = append(n.edits, editCall{Chat: chat, ID: messageID, Text: text})
	return nil
}

func (n *fakeNetwork) DeleteMessage(_ context.Context, key wamsg.Key) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.deleteFailures > 0 {
		n.deleteFailures--
		return fmt.Errorf("delete %s: gateway unavailable", key.ID)
	}
	n.deleted = append(n.deleted, key)
	return nil
}

func (n *fakeNetwork) GroupRoster(_ context.Context, chat string) ([]wamsg.Participant, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.roster[chat], nil
}

func (n *fakeNetwork) lastSent(t *testing.T) sentMessage {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent)
	return n.sent[len(n.sent)-1]
}

func (n *fakeNetwork) sentMedia() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentMessage
	for _, msg := range n.sent {
		if msg.Media != nil {
			out = append(out, msg)
		}
	}
	return out
}

func (n *fakeNetwork) editsSnapshot() []editCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]editCall(nil), n.edits...)
}

func (n *fakeNetwork) deletedSnapshot() []wamsg.Key {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]wamsg.Key(nil), n.deleted...)
}

// scriptedDownloader fails the first failures calls, then returns payload.
type scriptedDownloader struct {
	mu       sync.Mutex
	calls    int
	failures int
	payload  []byte
}

func (d *scriptedDownloader) Download(context.Context, string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return nil, fmt.Errorf("attempt %d: connection reset", d.calls)
	}
	return d.payload, nil
}

type testEnv struct {
	bot   *Bot
	net   *fakeNetwork
	store *store.Store
	cfg   *ConfigHolder
	dl    *scriptedDownloader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "wabot.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Session = testSession
	holder := NewConfigHolder(cfg)
	net := newFakeNetwork()
	dl := &scriptedDownloader{}
	fetcher := media.NewFetcher(dl, media.Options{MaxAttempts: cfg.Media.MaxAttempts}, zerolog.Nop())
	bot := NewBot(holder, st, net, fetcher, zerolog.Nop())
	t.Cleanup(bot.Stop)
	return &testEnv{bot: bot, net: net, store: st, cfg: holder, dl: dl}
}

// handle runs a message through the bot synchronously.
func (e *testEnv) handle(t *testing.T, msg *wamsg.Message) {
	t.Helper()
	require.NoError(t, msg.Content.Classify())
	require.NoError(t, e.bot.HandleMessage(context.Background(), testSession, msg))
}

var (
	msgClockLock sync.Mutex
	msgClock     = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

func newMessage(chat, id, sender string, content wamsg.Content) *wamsg.Message {
	msgClockLock.Lock()
	msgClock = msgClock.Add(time.Second)
	ts := msgClock
	msgClockLock.Unlock()
	return &wamsg.Message{
		Key:       wamsg.Key{Chat: chat, ID: id, Sender: sender},
		Timestamp: ts,
		Content:   content,
	}
}

func textMessage(chat, id, sender, text string) *wamsg.Message {
	return newMessage(chat, id, sender, wamsg.Content{Text: text})
}

func replyTo(chat, id, sender, text string, quoted *wamsg.Message) *wamsg.Message {
	content := quoted.Content
	return newMessage(chat, id, sender, wamsg.Content{
		Text: text,
		Quoted: &wamsg.Quotation{
			ID:      quoted.Key.ID,
			Chat:    quoted.Key.Chat,
			Sender:  quoted.Key.Sender,
			Content: &content,
		},
	})
}

func reactionTo(chat, id, sender, targetID, symbol string) *wamsg.Message {
	return newMessage(chat, id, sender, wamsg.Content{
		Reaction: &wamsg.Reaction{Symbol: symbol, Target: wamsg.Key{Chat: chat, ID: targetID, FromMe: true}},
	})
}

func revokeOf(chat, id, sender, targetID string) *wamsg.Message {
	return newMessage(chat, id, sender, wamsg.Content{
		Revoke: &wamsg.Revoke{Target: wamsg.Key{Chat: chat, ID: targetID, Sender: sender}},
	})
}

var testMediaKey = bytes.Repeat([]byte{7}, 32)

// viewOnceImage builds a view-once image message whose media decrypts to
// plaintext, and returns the encrypted file the CDN would serve.
func viewOnceImage(t *testing.T, chat, id, sender string, plaintext []byte) (*wamsg.Message, []byte) {
	t.Helper()
	keys, err := media.DeriveKeys(testMediaKey, wamsg.MediaImage)
	require.NoError(t, err)
	encrypted, err := media.Encrypt(plaintext, keys)
	require.NoError(t, err)
	msg := newMessage(chat, id, sender, wamsg.Content{
		ViewOnce: true,
		Media: &wamsg.MediaRef{
			Kind:       wamsg.MediaImage,
			DirectPath: "/v/t62.7118-24/secret.enc",
			MediaKey:   testMediaKey,
			Mimetype:   "image/jpeg",
			Caption:    "secret pic",
		},
	})
	return msg, encrypted
}
