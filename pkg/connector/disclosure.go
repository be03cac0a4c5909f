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

	"github.com/lrhodin/wabot/pkg/media"
	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

// DisclosureWorkflow re-posts a view-once message once its original sender
// approves by reacting to the bot's prompt.
type DisclosureWorkflow struct {
	store   *store.Store
	net     Network
	fetcher MediaFetcher
	cfg     *ConfigHolder
	log     zerolog.Logger
}

func NewDisclosureWorkflow(st *store.Store, net Network, fetcher MediaFetcher, cfg *ConfigHolder, log zerolog.Logger) *DisclosureWorkflow {
	return &DisclosureWorkflow{
		store:   st,
		net:     net,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log.With().Str("component", "disclosure").Logger(),
	}
}

func senderOf(msg *wamsg.Message) string {
	if msg.Key.Sender != "" {
		return msg.Key.Sender
	}
	if wamsg.KindOfChat(msg.Key.Chat) == wamsg.ChatContact {
		return msg.Key.Chat
	}
	return ""
}

// CreateRequest asks the sender of target for consent to show it to the
// chat. The prompt quotes anchor and mentions the sender.
func (w *DisclosureWorkflow) CreateRequest(ctx context.Context, session, chat string, target *wamsg.Message, requester string, anchor wamsg.Key) (*CreateResult, error) {
	if target.Content.Kind != wamsg.KindViewOnce || target.Content.Media == nil {
		return &CreateResult{Status: StatusNotEphemeral}, nil
	} else if !target.Content.Media.Kind.Disclosable() {
		return &CreateResult{Status: StatusUnsupportedMedia}, nil
	}
	sender := senderOf(target)
	if sender == "" {
		return nil, fmt.Errorf("view-once message %s has no sender", target.Key)
	}

	req, created, err := w.store.ReserveDisclosureRequest(ctx, session, chat, target.Key.ID, requester, sender, anchor)
	if err != nil {
		return nil, err
	}
	result := &CreateResult{RequestID: req.ID, RequestedBy: req.RequestedBy, ConfirmID: req.ConfirmID}
	if !created {
		if req.Accepted {
			result.Status = StatusAlreadyDone
		} else {
			result.Status = StatusAlreadyRequested
		}
		return result, nil
	}

	cfg := w.cfg.Get()
	params := noticeParams(cfg)
	params.Sender = wamsg.UserPart(sender)
	prompt := cfg.Messages.Format(&cfg.Messages.DisclosurePrompt, params)
	sent, err := w.net.SendText(ctx, chat, prompt, quoting(anchor, sender))
	if err != nil {
		w.release(ctx, req.ID)
		return nil, fmt.Errorf("failed to send disclosure prompt: %w", err)
	}
	if err = w.store.AttachDisclosureConfirm(ctx, req.ID, sent.ID); err != nil {
		w.release(ctx, req.ID)
		return nil, err
	}
	w.log.Info().
		Int64("request_id", req.ID).
		Str("chat", chat).
		Str("target_id", target.Key.ID).
		Str("confirm_id", sent.ID).
		Msg("Opened disclosure request")
	result.Status = StatusCreated
	result.ConfirmID = sent.ID
	return result, nil
}

func (w *DisclosureWorkflow) release(ctx context.Context, id int64) {
	if err := w.store.ReleaseDisclosureRequest(context.WithoutCancel(ctx), id); err != nil {
		w.log.Err(err).Int64("request_id", id).Msg("Failed to release disclosure request")
	}
}

// OnReaction handles a reaction on a disclosure prompt. Only an approval by
// the original sender on a request that is neither accepted nor already
// being processed has any effect. The media is posted at most once: a
// request whose media went out but was never marked accepted is only
// accepted on the next approval.
func (w *DisclosureWorkflow) OnReaction(ctx context.Context, evt *ReactionEvent) (ReactionResult, error) {
	req, err := w.store.GetDisclosureRequestByConfirm(ctx, evt.Session, evt.Chat, evt.ConfirmID)
	if errors.Is(err, store.ErrNotFound) {
		return ReactionResult{Outcome: OutcomeNoRequest}, nil
	} else if err != nil {
		return ReactionResult{}, err
	}
	result := ReactionResult{Outcome: OutcomeIgnored, RequestID: req.ID}
	cfg := w.cfg.Get()
	if req.Accepted || evt.Symbol != cfg.Disclosure.Approve || !sameUser(evt.Reactor, req.Sender) {
		return result, nil
	}
	if !req.PostingAt.IsZero() {
		if err = w.store.AcceptDisclosureRequest(ctx, req.ID); err != nil {
			return result, fmt.Errorf("failed to mark posted request accepted: %w", err)
		}
		w.log.Info().Int64("request_id", req.ID).Msg("Accepted disclosure request whose media was already posted")
		disclosureOutcomes.WithLabelValues("accepted").Inc()
		result.Outcome = OutcomeAccepted
		return result, nil
	}
	claimed, err := w.store.ClaimDisclosureRequest(ctx, req.ID, cfg.Disclosure.ClaimTTL)
	if err != nil {
		return result, err
	} else if !claimed {
		w.log.Debug().Int64("request_id", req.ID).Msg("Disclosure request already being processed")
		return result, nil
	}
	log := w.log.With().Int64("request_id", req.ID).Str("chat", req.Chat).Str("target_id", req.MessageID).Logger()

	rec, err := w.store.GetMessage(ctx, req.Session, req.Chat, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		result.Outcome = OutcomeFailed
		return result, w.fail(ctx, cfg, req, 0, ErrMessageNotFound)
	} else if err != nil {
		w.unclaim(ctx, req.ID)
		return result, err
	}
	target, err := rec.Message()
	if err != nil {
		w.unclaim(ctx, req.ID)
		return result, err
	}
	ref := target.Content.Media
	if ref == nil {
		result.Outcome = OutcomeFailed
		return result, w.fail(ctx, cfg, req, 0, wamsg.ErrPayloadFormat)
	}

	fetched, err := w.fetcher.Fetch(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			w.unclaim(ctx, req.ID)
			return result, err
		}
		attempts := 1
		var exhausted *media.ExhaustedError
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
			err = exhausted.Last
		}
		log.Warn().Err(err).Int("attempts", attempts).Msg("Giving up on view-once media")
		result.Outcome = OutcomeFailed
		return result, w.fail(ctx, cfg, req, attempts, err)
	}
	normalized, err := media.Normalize(fetched)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to normalize media, posting as is")
		normalized = fetched
	}

	if err = w.store.MarkDisclosurePosting(ctx, req.ID); err != nil {
		w.unclaim(ctx, req.ID)
		return result, err
	}
	confirm := wamsg.Key{Chat: req.Chat, ID: req.ConfirmID, FromMe: true}
	_, err = w.net.SendMedia(ctx, req.Chat, wamsg.OutgoingMedia{
		Kind:     normalized.Kind,
		Data:     normalized.Data,
		Mimetype: normalized.Mimetype,
		Caption:  normalized.Caption,
	}, quoting(confirm))
	if err != nil {
		w.unclaim(ctx, req.ID)
		disclosureOutcomes.WithLabelValues("post_failed").Inc()
		params := noticeParams(cfg)
		params.Error = err.Error()
		w.notify(ctx, req, cfg.Messages.Format(&cfg.Messages.DisclosurePostFailed, params))
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("failed to post view-once media: %w", err)
	}
	if err = w.store.AcceptDisclosureRequest(ctx, req.ID); err != nil {
		return result, fmt.Errorf("media posted but failed to mark request accepted: %w", err)
	}
	disclosureOutcomes.WithLabelValues("accepted").Inc()
	log.Info().Str("media_kind", string(ref.Kind)).Msg("Disclosed view-once message")
	result.Outcome = OutcomeAccepted
	return result, nil
}

// fail records the failure, deletes the request so it can be made again and
// tells the requester what went wrong.
func (w *DisclosureWorkflow) fail(ctx context.Context, cfg *Config, req *store.DisclosureRequest, attempts int, cause error) error {
	if err := w.store.FailDisclosureRequest(ctx, req, attempts, cause.Error()); err != nil {
		w.unclaim(ctx, req.ID)
		return err
	}
	disclosureOutcomes.WithLabelValues("failed").Inc()
	params := noticeParams(cfg)
	params.Attempts = attempts
	params.Error = cause.Error()
	params.Requester = wamsg.UserPart(req.RequestedBy)
	w.notify(ctx, req, cfg.Messages.Format(&cfg.Messages.DisclosureFailed, params), req.RequestedBy)
	return nil
}

func (w *DisclosureWorkflow) notify(ctx context.Context, req *store.DisclosureRequest, text string, mentions ...string) {
	confirm := wamsg.Key{Chat: req.Chat, ID: req.ConfirmID, FromMe: true}
	if _, err := w.net.SendText(ctx, req.Chat, text, quoting(confirm, mentions...)); err != nil {
		w.log.Err(err).Int64("request_id", req.ID).Msg("Failed to send disclosure notice")
	}
}

func (w *DisclosureWorkflow) unclaim(ctx context.Context, id int64) {
	if err := w.store.UnclaimDisclosureRequest(context.WithoutCancel(ctx), id); err != nil {
		w.log.Err(err).Int64("request_id", id).Msg("Failed to release disclosure claim")
	}
}
