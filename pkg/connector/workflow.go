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
	"github.com/lrhodin/wabot/pkg/wamsg"
)

type CreateStatus int

const (
	StatusCreated CreateStatus = iota
	// StatusAlreadyRequested means an open request for the target exists.
	StatusAlreadyRequested
	// StatusAlreadyDone means the target was already deleted or viewed.
	StatusAlreadyDone
	StatusNotEphemeral
	StatusUnsupportedMedia
)

func (s CreateStatus) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusAlreadyRequested:
		return "already requested"
	case StatusAlreadyDone:
		return "already done"
	case StatusNotEphemeral:
		return "not ephemeral"
	case StatusUnsupportedMedia:
		return "unsupported media"
	default:
		return "unknown"
	}
}

// CreateResult describes the request a create call ended up with. For
// duplicates it describes the existing request.
type CreateResult struct {
	Status      CreateStatus
	RequestID   int64
	RequestedBy string
	ConfirmID   string
}

type ReactionOutcome int

const (
	// OutcomeNoRequest means the reacted message is not a confirmation
	// prompt of this workflow.
	OutcomeNoRequest ReactionOutcome = iota
	OutcomeIgnored
	OutcomePending
	OutcomeApproved
	OutcomeRejected
	OutcomeAccepted
	OutcomeFailed
)

func (o ReactionOutcome) String() string {
	switch o {
	case OutcomeNoRequest:
		return "no request"
	case OutcomeIgnored:
		return "ignored"
	case OutcomePending:
		return "pending"
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ReactionResult struct {
	Outcome   ReactionOutcome
	RequestID int64
}

// ReactionEvent is a reaction matched against confirmation prompts.
type ReactionEvent struct {
	Session string
	Chat    string
	Reactor string
	// Symbol is empty when the reaction was removed.
	Symbol    string
	ConfirmID string
}

func noticeParams(cfg *Config) NoticeParams {
	return NoticeParams{
		Threshold: cfg.Deletion.Threshold,
		Agree:     cfg.Deletion.Agree,
		Disagree:  cfg.Deletion.Disagree,
		Approve:   cfg.Disclosure.Approve,
	}
}

func quoting(key wamsg.Key, mentions ...string) wamsg.SendOptions {
	return wamsg.SendOptions{Quoted: &key, Mentions: mentions}
}

// sameUser compares JIDs ignoring device suffixes.
func sameUser(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return wamsg.UserPart(a) == wamsg.UserPart(b)
}
