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
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

type CommandHandler struct {
	Name    string
	Aliases []string
	Func    func(ce *CommandEvent) error
	Help    string
}

// CommandEvent is one command invocation. Func returns an error only for
// infrastructure failures; anything the user did wrong is replied to.
type CommandEvent struct {
	Ctx     context.Context
	Bot     *Bot
	Config  *Config
	Session string
	Message *wamsg.Message
	Command string
	Args    []string
	Log     zerolog.Logger
}

func (ce *CommandEvent) Chat() string {
	return ce.Message.Key.Chat
}

func (ce *CommandEvent) Sender() string {
	return senderOf(ce.Message)
}

// Reply sends text to the chat quoting the command message.
func (ce *CommandEvent) Reply(text string, mentions ...string) error {
	_, err := ce.Bot.net.SendText(ce.Ctx, ce.Chat(), text, quoting(ce.Message.Key, mentions...))
	if err != nil {
		return fmt.Errorf("failed to reply to command: %w", err)
	}
	return nil
}

func (ce *CommandEvent) ReplyNotice(field *string, params NoticeParams, mentions ...string) error {
	return ce.Reply(ce.Config.Messages.Format(field, params), mentions...)
}

// BotCommands returns the chat commands the bot answers to.
func BotCommands() []*CommandHandler {
	return []*CommandHandler{
		cmdDelete,
		cmdViewOnce,
		cmdSnipe,
		cmdHelp,
	}
}

func commandIndex(handlers []*CommandHandler) map[string]*CommandHandler {
	index := make(map[string]*CommandHandler, len(handlers))
	for _, h := range handlers {
		index[h.Name] = h
		for _, alias := range h.Aliases {
			index[alias] = h
		}
	}
	return index
}

// parseCommand splits a message body into command name and arguments. It
// returns an empty name when the body does not start with the prefix.
func parseCommand(body, prefix string) (string, []string) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(body), prefix)
	if !ok {
		return "", nil
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

// cmdDelete opens a vote on deleting the replied-to message.
//
// Usage:
//
//	!delete    (as a reply to the message to delete)
var cmdDelete = &CommandHandler{
	Name:    "delete",
	Aliases: []string{"del"},
	Func:    fnDelete,
	Help:    "Reply to a message to start a vote on deleting it.",
}

func fnDelete(ce *CommandEvent) error {
	msgs := &ce.Config.Messages
	params := noticeParams(ce.Config)
	if wamsg.KindOfChat(ce.Chat()) != wamsg.ChatGroup {
		return ce.ReplyNotice(&msgs.GroupOnly, params)
	}
	isAdmin, err := ce.Bot.isAdmin(ce.Ctx, ce.Chat())
	if err != nil {
		return err
	} else if !isAdmin {
		return ce.ReplyNotice(&msgs.NotAdmin, params)
	}
	if ce.Message.Content.Quoted == nil {
		return ce.ReplyNotice(&msgs.ReplyRequired, params)
	}
	target, err := ce.Bot.replies.Resolve(ce.Ctx, ce.Session, ce.Message)
	if errors.Is(err, ErrMessageNotFound) {
		return ce.ReplyNotice(&msgs.MessageNotFound, params)
	} else if err != nil {
		return err
	}

	res, err := ce.Bot.deletion.CreateRequest(ce.Ctx, ce.Session, ce.Chat(), target.Key, ce.Sender(), ce.Message.Key)
	if err != nil {
		return err
	}
	switch res.Status {
	case StatusAlreadyDone:
		return ce.ReplyNotice(&msgs.AlreadyDeleted, params)
	case StatusAlreadyRequested:
		params.Requester = wamsg.UserPart(res.RequestedBy)
		return ce.ReplyNotice(&msgs.DeletionAlreadyRequested, params, res.RequestedBy)
	}
	return nil
}

// cmdViewOnce asks the sender of a view-once message for permission to
// show it to everyone.
var cmdViewOnce = &CommandHandler{
	Name:    "viewonce",
	Aliases: []string{"vo"},
	Func:    fnViewOnce,
	Help:    "Reply to a view once message to ask its sender to reveal it.",
}

func fnViewOnce(ce *CommandEvent) error {
	msgs := &ce.Config.Messages
	params := noticeParams(ce.Config)
	if ce.Message.Content.Quoted == nil {
		return ce.ReplyNotice(&msgs.ViewOnceReplyRequired, params)
	}
	target, err := ce.Bot.replies.Resolve(ce.Ctx, ce.Session, ce.Message)
	if errors.Is(err, ErrMessageNotFound) {
		return ce.ReplyNotice(&msgs.MessageNotFound, params)
	} else if err != nil {
		return err
	}

	res, err := ce.Bot.disclosure.CreateRequest(ce.Ctx, ce.Session, ce.Chat(), target, ce.Sender(), ce.Message.Key)
	if err != nil {
		return err
	}
	switch res.Status {
	case StatusNotEphemeral:
		return ce.ReplyNotice(&msgs.NotViewOnce, params)
	case StatusUnsupportedMedia:
		return ce.ReplyNotice(&msgs.UnsupportedMedia, params)
	case StatusAlreadyDone:
		return ce.ReplyNotice(&msgs.AlreadyViewed, params)
	case StatusAlreadyRequested:
		params.Requester = wamsg.UserPart(res.RequestedBy)
		return ce.ReplyNotice(&msgs.DisclosureAlreadyRequested, params, res.RequestedBy)
	}
	return nil
}

// cmdSnipe re-posts the most recently revoked message of the chat.
var cmdSnipe = &CommandHandler{
	Name:    "snipe",
	Aliases: []string{"recall"},
	Func:    fnSnipe,
	Help:    "Show the last message that was deleted in this chat.",
}

func fnSnipe(ce *CommandEvent) error {
	msgs := &ce.Config.Messages
	params := noticeParams(ce.Config)
	rec, err := ce.Bot.store.RecallLatestDeleted(ce.Ctx, ce.Session, ce.Chat())
	if errors.Is(err, store.ErrNotFound) {
		return ce.ReplyNotice(&msgs.NothingToRecall, params)
	} else if err != nil {
		return err
	}
	recalled, err := rec.Message()
	if err != nil {
		return err
	}
	sender := senderOf(recalled)
	params.Sender = wamsg.UserPart(sender)
	header := ce.Config.Messages.Format(&msgs.RecallHeader, params)
	body := recalled.Content.Body()
	text := header
	if body != "" {
		text = header + "\n" + body
	}

	ref := recalled.Content.Media
	if ref == nil || recalled.Content.ViewOnce {
		return ce.Reply(text, sender)
	}
	fetched, err := ce.Bot.fetcher.Fetch(ce.Ctx, ref)
	if err != nil {
		ce.Log.Warn().Err(err).Str("recalled_id", rec.MessageID).Msg("Failed to fetch recalled media, sending text only")
		return ce.Reply(text, sender)
	}
	_, err = ce.Bot.net.SendMedia(ce.Ctx, ce.Chat(), wamsg.OutgoingMedia{
		Kind:     fetched.Kind,
		Data:     fetched.Data,
		Mimetype: fetched.Mimetype,
		Caption:  text,
	}, quoting(ce.Message.Key, sender))
	return err
}

var cmdHelp = &CommandHandler{
	Name: "help",
	Func: fnHelp,
	Help: "List the available commands.",
}

func fnHelp(ce *CommandEvent) error {
	handlers := slices.Clone(ce.Bot.handlers)
	sort.Slice(handlers, func(i, j int) bool {
		return handlers[i].Name < handlers[j].Name
	})
	var sb strings.Builder
	for _, h := range handlers {
		sb.WriteString(ce.Config.Commands.Prefix)
		sb.WriteString(h.Name)
		if len(h.Aliases) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(h.Aliases, ", "))
		}
		sb.WriteString(": ")
		sb.WriteString(h.Help)
		sb.WriteByte('\n')
	}
	return ce.Reply(strings.TrimSuffix(sb.String(), "\n"))
}
