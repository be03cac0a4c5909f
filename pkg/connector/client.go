// wabot - A WhatsApp group moderation bot.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/transport"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

// Bot ties the stores and workflows to inbound chat events.
type Bot struct {
	cfg        *ConfigHolder
	store      *store.Store
	net        Network
	fetcher    MediaFetcher
	replies    *ReplyResolver
	deletion   *DeletionWorkflow
	disclosure *DisclosureWorkflow
	handlers   []*CommandHandler
	commands   map[string]*CommandHandler
	log        zerolog.Logger

	queues *chatQueues
	ctx    context.Context
	cancel context.CancelFunc
}

func NewBot(cfg *ConfigHolder, st *store.Store, net Network, fetcher MediaFetcher, log zerolog.Logger) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	handlers := BotCommands()
	return &Bot{
		cfg:        cfg,
		store:      st,
		net:        net,
		fetcher:    fetcher,
		replies:    NewReplyResolver(st, log),
		deletion:   NewDeletionWorkflow(st, net, cfg, log),
		disclosure: NewDisclosureWorkflow(st, net, fetcher, cfg, log),
		handlers:   handlers,
		commands:   commandIndex(handlers),
		log:        log.With().Str("component", "bot").Logger(),
		queues:     newChatQueues(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *Bot) Deletion() *DeletionWorkflow {
	return b.deletion
}

func (b *Bot) Disclosure() *DisclosureWorkflow {
	return b.disclosure
}

func (b *Bot) Replies() *ReplyResolver {
	return b.replies
}

// Dispatch queues every message of the event on its chat's worker. Messages
// of one chat are handled in arrival order, different chats concurrently.
// done is called once all of them have been handled, with the first error.
func (b *Bot) Dispatch(evt *wamsg.Event, done func(error)) {
	session := b.cfg.Get().Session
	if evt.Session != "" && evt.Session != session {
		done(fmt.Errorf("%w: event for session %q, serving %q", transport.ErrPoison, evt.Session, session))
		return
	}
	batch := &eventBatch{done: done}
	for _, msg := range evt.Messages {
		if err := msg.Validate(); err != nil {
			b.log.Warn().Err(err).Msg("Skipping invalid message")
			continue
		}
		if err := msg.Content.Classify(); err != nil {
			b.log.Warn().Err(err).Str("chat", msg.Key.Chat).Str("msg_id", msg.Key.ID).Msg("Skipping unclassifiable message")
			continue
		}
		batch.add()
		b.queues.enqueue(msg.Key.Chat, func() {
			batch.finish(b.handleSafely(session, msg))
		})
	}
	batch.seal()
}

func (b *Bot) handleSafely(session string, msg *wamsg.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Any("panic", r).
				Str("stack", string(debug.Stack())).
				Str("chat", msg.Key.Chat).
				Str("msg_id", msg.Key.ID).
				Msg("Recovered panic while handling message")
			err = fmt.Errorf("%w: panic: %v", transport.ErrPoison, r)
		}
	}()
	return b.HandleMessage(b.ctx, session, msg)
}

// HandleMessage processes a single classified message.
func (b *Bot) HandleMessage(ctx context.Context, session string, msg *wamsg.Message) error {
	log := b.log.With().
		Str("session", session).
		Str("chat", msg.Key.Chat).
		Str("msg_id", msg.Key.ID).
		Str("kind", string(msg.Content.Kind)).
		Logger()
	ctx = log.WithContext(ctx)
	if wamsg.KindOfChat(msg.Key.Chat) == "" {
		log.Trace().Msg("Ignoring message from untracked chat")
		return nil
	}
	eventsHandled.WithLabelValues(string(msg.Content.Kind)).Inc()

	switch msg.Content.Kind {
	case wamsg.KindRevoke:
		return b.handleRevoke(ctx, log, session, msg)
	case wamsg.KindReaction:
		if err := b.saveSnapshot(ctx, session, msg); err != nil {
			return err
		}
		return b.handleReaction(ctx, session, msg)
	default:
		if err := b.saveSnapshot(ctx, session, msg); err != nil {
			return err
		}
		return b.handleCommand(ctx, log, session, msg)
	}
}

func (b *Bot) saveSnapshot(ctx context.Context, session string, msg *wamsg.Message) error {
	payload, err := wamsg.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", transport.ErrPoison, err)
	}
	return b.store.SaveMessage(ctx, session, msg.Key.Chat, msg.Key.ID, payload)
}

func (b *Bot) handleRevoke(ctx context.Context, log zerolog.Logger, session string, msg *wamsg.Message) error {
	target := msg.Content.Revoke.Target
	chat := target.Chat
	if chat == "" {
		chat = msg.Key.Chat
	}
	err := b.store.MarkDeleted(ctx, session, chat, target.ID)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Str("target_id", target.ID).Msg("Revoked message not stored yet, staged revoke")
		return nil
	} else if errors.Is(err, store.ErrUnsupportedChat) {
		return nil
	}
	return err
}

func (b *Bot) handleReaction(ctx context.Context, session string, msg *wamsg.Message) error {
	if msg.Key.FromMe {
		return nil
	}
	reaction := msg.Content.Reaction
	evt := &ReactionEvent{
		Session:   session,
		Chat:      reaction.Target.Chat,
		Reactor:   senderOf(msg),
		Symbol:    reaction.Symbol,
		ConfirmID: reaction.Target.ID,
	}
	if evt.Chat == "" {
		evt.Chat = msg.Key.Chat
	}
	res, err := b.deletion.OnReaction(ctx, evt)
	if err != nil || res.Outcome != OutcomeNoRequest {
		return err
	}
	_, err = b.disclosure.OnReaction(ctx, evt)
	return err
}

func (b *Bot) handleCommand(ctx context.Context, log zerolog.Logger, session string, msg *wamsg.Message) error {
	if msg.Key.FromMe {
		return nil
	}
	cfg := b.cfg.Get()
	name, args := parseCommand(msg.Content.Body(), cfg.Commands.Prefix)
	if name == "" {
		return nil
	}
	handler, ok := b.commands[name]
	if !ok {
		return nil
	}
	log = log.With().Str("command", handler.Name).Logger()
	log.Debug().Strs("args", args).Msg("Running command")
	return handler.Func(&CommandEvent{
		Ctx:     ctx,
		Bot:     b,
		Config:  cfg,
		Session: session,
		Message: msg,
		Command: name,
		Args:    args,
		Log:     log,
	})
}

func (b *Bot) isAdmin(ctx context.Context, chat string) (bool, error) {
	me, err := b.net.Me(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get own jid: %w", err)
	}
	roster, err := b.net.GroupRoster(ctx, chat)
	if err != nil {
		return false, fmt.Errorf("failed to get group roster: %w", err)
	}
	for _, p := range roster {
		if sameUser(p.JID, me) {
			return p.Admin, nil
		}
	}
	return false, nil
}

// RunHousekeeping purges stale revoke markers and expires old deletion
// requests until ctx is canceled.
func (b *Bot) RunHousekeeping(ctx context.Context) {
	interval := b.cfg.Get().Housekeeping.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.housekeep(ctx)
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bot) housekeep(ctx context.Context) {
	cfg := b.cfg.Get()
	if ttl := cfg.Housekeeping.RevokeStagingTTL; ttl > 0 {
		purged, err := b.store.PurgeRevokeStaging(ctx, time.Now().Add(-ttl))
		if err != nil {
			b.log.Err(err).Msg("Failed to purge staged revokes")
		} else if purged > 0 {
			b.log.Debug().Int64("count", purged).Msg("Purged staged revokes")
		}
	}
	if _, err := b.deletion.ExpireStale(ctx, cfg.Session); err != nil {
		b.log.Err(err).Msg("Failed to expire stale deletion requests")
	}
	if _, err := b.deletion.ResumeUnexecuted(ctx, cfg.Session); err != nil {
		b.log.Err(err).Msg("Failed to finish closed deletion requests")
	}
}

// Wait blocks until every queued message has been handled.
func (b *Bot) Wait() {
	b.queues.wait()
}

// Stop cancels in-flight handling and waits for the chat workers to exit.
func (b *Bot) Stop() {
	b.cancel()
	b.queues.wait()
}

// chatQueues runs one worker goroutine per chat with queued work. A worker
// exits once its queue is empty.
type chatQueues struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func newChatQueues() *chatQueues {
	return &chatQueues{pending: make(map[string][]func())}
}

func (q *chatQueues) enqueue(chat string, job func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs, running := q.pending[chat]
	q.pending[chat] = append(jobs, job)
	if !running {
		q.wg.Add(1)
		go q.drain(chat)
	}
}

func (q *chatQueues) drain(chat string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[chat]
		if len(jobs) == 0 {
			delete(q.pending, chat)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		q.pending[chat] = jobs[1:]
		q.mu.Unlock()
		job()
	}
}

func (q *chatQueues) wait() {
	q.wg.Wait()
}

// eventBatch reports the result of one event after all of its messages are
// handled.
type eventBatch struct {
	mu      sync.Mutex
	pending int
	sealed  bool
	called  bool
	err     error
	done    func(error)
}

func (e *eventBatch) add() {
	e.mu.Lock()
	e.pending++
	e.mu.Unlock()
}

func (e *eventBatch) finish(err error) {
	e.mu.Lock()
	e.pending--
	if err != nil && e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.maybeDone()
}

func (e *eventBatch) seal() {
	e.mu.Lock()
	e.sealed = true
	e.mu.Unlock()
	e.maybeDone()
}

func (e *eventBatch) maybeDone() {
	e.mu.Lock()
	if !e.sealed || e.pending > 0 || e.called {
		e.mu.Unlock()
		return
	}
	e.called = true
	err := e.err
	e.mu.Unlock()
	e.done(err)
}
