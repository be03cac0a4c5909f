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

	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

var ErrMessageNotFound = errors.New("message not found")

// ReplyResolver finds the message a reply quotes. Quoted messages the bot
// never stored (older than the bot, or sent by it) are filled in from the
// copy the client embeds in the quotation.
type ReplyResolver struct {
	store *store.Store
	log   zerolog.Logger
}

func NewReplyResolver(st *store.Store, log zerolog.Logger) *ReplyResolver {
	return &ReplyResolver{
		store: st,
		log:   log.With().Str("component", "reply resolver").Logger(),
	}
}

func (r *ReplyResolver) Resolve(ctx context.Context, session string, msg *wamsg.Message) (*wamsg.Message, error) {
	quoted := msg.Content.Quoted
	if quoted == nil || quoted.ID == "" {
		return nil, ErrMessageNotFound
	}
	chat := quoted.Chat
	if chat == "" {
		chat = msg.Key.Chat
	}
	rec, err := r.store.GetMessage(ctx, session, chat, quoted.ID)
	if err == nil {
		return rec.Message()
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up quoted message: %w", err)
	}

	if quoted.Content == nil {
		return nil, ErrMessageNotFound
	}
	synth := &wamsg.Message{
		Key:     wamsg.Key{Chat: chat, ID: quoted.ID, Sender: quoted.Sender},
		Content: *quoted.Content,
	}
	if err = synth.Content.Classify(); err != nil {
		r.log.Debug().Err(err).Str("msg_id", quoted.ID).Msg("Quoted content is not usable")
		return nil, ErrMessageNotFound
	}
	payload, err := wamsg.Encode(synth)
	if err != nil {
		return nil, err
	}
	if err = r.store.SaveMessage(ctx, session, chat, quoted.ID, payload); err != nil {
		return nil, fmt.Errorf("failed to save quoted message: %w", err)
	}
	r.log.Debug().Str("chat", chat).Str("msg_id", quoted.ID).Msg("Stored quoted message from reply context")
	return synth, nil
}
