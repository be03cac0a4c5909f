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
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/wabot/pkg/store"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

type Vote int

const (
	VoteNone Vote = iota
	VoteAgree
	VoteDisagree
	VoteWithdraw
)

func (v Vote) String() string {
	switch v {
	case VoteAgree:
		return "agree"
	case VoteDisagree:
		return "disagree"
	case VoteWithdraw:
		return "withdraw"
	default:
		return "none"
	}
}

func classifyVote(symbol string, cfg *DeletionConfig) Vote {
	switch symbol {
	case "":
		return VoteWithdraw
	case cfg.Agree:
		return VoteAgree
	case cfg.Disagree:
		return VoteDisagree
	default:
		return VoteNone
	}
}

// applyVote moves the participant between the vote sets and closes the
// request once the net vote reaches the threshold in either direction.
// It reports whether anything changed.
func applyVote(req *store.DeletionRequest, participant string, vote Vote, threshold int) bool {
	if req.Done {
		return false
	}
	inAgree := slices.Contains(req.Agrees, participant)
	inDisagree := slices.Contains(req.Disagrees, participant)
	without := func(list []string) []string {
		return slices.DeleteFunc(list, func(p string) bool { return p == participant })
	}
	switch vote {
	case VoteAgree:
		if inAgree {
			return false
		}
		req.Disagrees = without(req.Disagrees)
		req.Agrees = append(req.Agrees, participant)
	case VoteDisagree:
		if inDisagree {
			return false
		}
		req.Agrees = without(req.Agrees)
		req.Disagrees = append(req.Disagrees, participant)
	case VoteWithdraw:
		if !inAgree && !inDisagree {
			return false
		}
		req.Agrees = without(req.Agrees)
		req.Disagrees = without(req.Disagrees)
	default:
		return false
	}
	net := netVotes(req)
	if net >= threshold {
		req.Done = true
		req.Outcome = store.DeletionApproved
	} else if net <= -threshold {
		req.Done = true
		req.Outcome = store.DeletionRejected
	}
	return true
}

func netVotes(req *store.DeletionRequest) int {
	return len(req.Agrees) - len(req.Disagrees)
}

// executionClaimTTL is how long a caller may hold the closing actions of a
// request before another caller takes them over.
const executionClaimTTL = 2 * time.Minute

// DeletionWorkflow lets group members delete a message by reacting to a
// confirmation prompt until enough of them agree or disagree.
type DeletionWorkflow struct {
	store *store.Store
	net   Network
	cfg   *ConfigHolder
	log   zerolog.Logger
	now   func() time.Time
}

func NewDeletionWorkflow(st *store.Store, net Network, cfg *ConfigHolder, log zerolog.Logger) *DeletionWorkflow {
	return &DeletionWorkflow{
		store: st,
		net:   net,
		cfg:   cfg,
		log:   log.With().Str("component", "deletion").Logger(),
		now:   time.Now,
	}
}

// CreateRequest opens a deletion request for target and posts the prompt
// members vote on, quoting anchor (the command message). An existing
// request for the same target is reported instead of creating a second one.
func (w *DeletionWorkflow) CreateRequest(ctx context.Context, session, chat string, target wamsg.Key, requester string, anchor wamsg.Key) (*CreateResult, error) {
	cfg := w.cfg.Get()
	log := w.log.With().Str("chat", chat).Str("target_id", target.ID).Logger()

	rec, err := w.store.GetMessage(ctx, session, chat, target.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	} else if rec != nil && rec.Deleted != store.NotDeleted {
		return &CreateResult{Status: StatusAlreadyDone}, nil
	}

	req, created, err := w.store.ReserveDeletionRequest(ctx, session, chat, target.ID, requester, anchor)
	if err != nil {
		return nil, err
	}
	result := &CreateResult{RequestID: req.ID, RequestedBy: req.RequestedBy, ConfirmID: req.ConfirmID}
	if !created {
		if req.Done {
			result.Status = StatusAlreadyDone
		} else {
			result.Status = StatusAlreadyRequested
		}
		return result, nil
	}

	prompt := cfg.Messages.Format(&cfg.Messages.DeletionPrompt, noticeParams(cfg))
	sent, err := w.net.SendText(ctx, chat, prompt, quoting(anchor))
	if err != nil {
		w.release(ctx, req.ID)
		return nil, fmt.Errorf("failed to send deletion prompt: %w", err)
	}
	if err = w.store.AttachDeletionConfirm(ctx, req.ID, sent.ID); err != nil {
		w.release(ctx, req.ID)
		return nil, err
	}
	log.Info().Int64("request_id", req.ID).Str("confirm_id", sent.ID).Str("requested_by", requester).Msg("Opened deletion request")
	result.Status = StatusCreated
	result.ConfirmID = sent.ID
	return result, nil
}

func (w *DeletionWorkflow) release(ctx context.Context, id int64) {
	if err := w.store.ReleaseDeletionRequest(context.WithoutCancel(ctx), id); err != nil {
		w.log.Err(err).Int64("request_id", id).Msg("Failed to release deletion request")
	}
}

// OnReaction counts a reaction on a confirmation prompt. The closing
// actions of a request run once: a call that finds the request closed but
// not executed (because an earlier attempt failed) runs them again.
// Approved and rejected are only reported by the call that ran them.
func (w *DeletionWorkflow) OnReaction(ctx context.Context, evt *ReactionEvent) (ReactionResult, error) {
	req, err := w.store.GetDeletionRequestByConfirm(ctx, evt.Session, evt.Chat, evt.ConfirmID)
	if errors.Is(err, store.ErrNotFound) {
		return ReactionResult{Outcome: OutcomeNoRequest}, nil
	} else if err != nil {
		return ReactionResult{}, err
	}
	result := ReactionResult{Outcome: OutcomeIgnored, RequestID: req.ID}
	cfg := w.cfg.Get()
	vote := classifyVote(evt.Symbol, &cfg.Deletion)
	if vote == VoteNone || req.Executed {
		return result, nil
	} else if req.Done {
		return w.finish(ctx, cfg, req, result)
	}

	updated, changed, err := w.store.UpdateDeletionRequest(ctx, req.ID, func(r *store.DeletionRequest) bool {
		return applyVote(r, evt.Reactor, vote, cfg.Deletion.Threshold)
	})
	if err != nil {
		return result, fmt.Errorf("failed to apply vote: %w", err)
	}
	if !changed {
		if !updated.Done {
			result.Outcome = OutcomePending
		}
		return result, nil
	}
	deletionVotes.WithLabelValues(vote.String()).Inc()
	w.log.Debug().
		Int64("request_id", updated.ID).
		Str("reactor", evt.Reactor).
		Stringer("vote", vote).
		Int("net", netVotes(updated)).
		Msg("Counted deletion vote")
	if !updated.Done {
		result.Outcome = OutcomePending
		return result, nil
	}
	return w.finish(ctx, cfg, updated, result)
}

func (w *DeletionWorkflow) finish(ctx context.Context, cfg *Config, req *store.DeletionRequest, result ReactionResult) (ReactionResult, error) {
	ran, err := w.execute(ctx, cfg, req)
	if ran && req.Outcome == store.DeletionApproved {
		result.Outcome = OutcomeApproved
	} else if ran {
		result.Outcome = OutcomeRejected
	}
	return result, err
}

// execute claims and runs the closing actions of a done request, then marks
// it executed. On failure the claim is released so the next reaction or the
// housekeeping loop retries. It reports whether this call held the claim.
func (w *DeletionWorkflow) execute(ctx context.Context, cfg *Config, req *store.DeletionRequest) (bool, error) {
	claimed, err := w.store.ClaimDeletionExecution(ctx, req.ID, executionClaimTTL)
	if err != nil || !claimed {
		return false, err
	}
	var label string
	switch req.Outcome {
	case store.DeletionApproved:
		label, err = w.approve(ctx, cfg, req)
	case store.DeletionRejected:
		label, err = "rejected", w.reject(ctx, cfg, req)
	case store.DeletionExpired:
		label = "expired"
		err = w.edit(ctx, req, cfg.Messages.Format(&cfg.Messages.DeletionExpired, noticeParams(cfg)))
	default:
		err = fmt.Errorf("request %d is done without an outcome", req.ID)
	}
	if err != nil {
		if releaseErr := w.store.ReleaseDeletionExecution(context.WithoutCancel(ctx), req.ID); releaseErr != nil {
			w.log.Err(releaseErr).Int64("request_id", req.ID).Msg("Failed to release deletion request execution")
		}
		return true, err
	}
	if err = w.store.MarkDeletionExecuted(ctx, req.ID); err != nil {
		return true, err
	}
	deletionOutcomes.WithLabelValues(label).Inc()
	return true, nil
}

// ResumeUnexecuted retries the closing actions of requests of the session
// that were closed but never finished.
func (w *DeletionWorkflow) ResumeUnexecuted(ctx context.Context, session string) (int, error) {
	pending, err := w.store.ListUnexecutedDeletionRequests(ctx, session)
	if err != nil {
		return 0, err
	}
	cfg := w.cfg.Get()
	var resumed int
	for _, req := range pending {
		ran, err := w.execute(ctx, cfg, req)
		if err != nil {
			w.log.Warn().Err(err).Int64("request_id", req.ID).Str("outcome", string(req.Outcome)).
				Msg("Failed to finish closed deletion request")
		} else if ran {
			resumed++
		}
	}
	if resumed > 0 {
		w.log.Info().Int("count", resumed).Msg("Finished closed deletion requests")
	}
	return resumed, nil
}

func (w *DeletionWorkflow) approve(ctx context.Context, cfg *Config, req *store.DeletionRequest) (string, error) {
	log := w.log.With().Int64("request_id", req.ID).Str("chat", req.Chat).Str("target_id", req.MessageID).Logger()
	rec, err := w.store.GetMessage(ctx, req.Session, req.Chat, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("Deletion approved but the target message is not stored")
		return "target_gone", w.edit(ctx, req, cfg.Messages.Format(&cfg.Messages.DeletionTargetGone, noticeParams(cfg)))
	} else if err != nil {
		return "", err
	}
	if rec.Deleted == store.NotDeleted {
		target, err := rec.Message()
		if err != nil {
			return "", err
		}
		if err = w.net.DeleteMessage(ctx, target.Key); err != nil {
			return "", fmt.Errorf("failed to delete %s: %w", target.Key, err)
		}
		log.Info().Strs("agrees", req.Agrees).Strs("disagrees", req.Disagrees).Msg("Deleted message after quorum approval")
	} else {
		log.Debug().Msg("Target already revoked, skipping delete")
	}

	if err = w.edit(ctx, req, cfg.Messages.Format(&cfg.Messages.DeletionApproved, noticeParams(cfg))); err != nil {
		return "", err
	}
	if req.Anchor.ID != "" {
		if anchorErr := w.net.DeleteMessage(ctx, req.Anchor); anchorErr != nil {
			log.Warn().Err(anchorErr).Str("anchor_id", req.Anchor.ID).Msg("Failed to delete request command message")
		}
	}
	return "approved", nil
}

func (w *DeletionWorkflow) reject(ctx context.Context, cfg *Config, req *store.DeletionRequest) error {
	w.log.Info().Int64("request_id", req.ID).Str("chat", req.Chat).Msg("Deletion request rejected")
	return w.edit(ctx, req, cfg.Messages.Format(&cfg.Messages.DeletionRejected, noticeParams(cfg)))
}

func (w *DeletionWorkflow) edit(ctx context.Context, req *store.DeletionRequest, text string) error {
	if err := w.net.EditMessage(ctx, req.Chat, req.ConfirmID, text); err != nil {
		return fmt.Errorf("failed to edit confirmation %s: %w", req.ConfirmID, err)
	}
	return nil
}

// ExpireStale closes pending requests of the session older than
// deletion.request_ttl. It does nothing when no TTL is configured.
func (w *DeletionWorkflow) ExpireStale(ctx context.Context, session string) (int, error) {
	cfg := w.cfg.Get()
	if cfg.Deletion.RequestTTL <= 0 {
		return 0, nil
	}
	stale, err := w.store.ListStaleDeletionRequests(ctx, w.now().Add(-cfg.Deletion.RequestTTL))
	if err != nil {
		return 0, err
	}
	var expired int
	for _, req := range stale {
		if req.Session != session {
			continue
		}
		if req.ConfirmID == "" {
			// The prompt was never sent, nothing to tell the chat.
			w.release(ctx, req.ID)
			continue
		}
		updated, changed, err := w.store.UpdateDeletionRequest(ctx, req.ID, func(r *store.DeletionRequest) bool {
			if r.Done {
				return false
			}
			r.Done = true
			r.Outcome = store.DeletionExpired
			return true
		})
		if err != nil {
			return expired, err
		} else if !changed {
			continue
		}
		expired++
		if _, err = w.execute(ctx, cfg, updated); err != nil {
			// Left unexecuted, ResumeUnexecuted announces it later.
			w.log.Warn().Err(err).Int64("request_id", req.ID).Msg("Failed to announce expired deletion request")
		}
	}
	if expired > 0 {
		w.log.Info().Int("count", expired).Msg("Expired stale deletion requests")
	}
	return expired, nil
}
