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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deletionVotes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_deletion_votes_total",
		Help: "Reactions counted on deletion requests by vote.",
	}, []string{"vote"})
	deletionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_deletion_outcomes_total",
		Help: "Deletion requests closed by outcome.",
	}, []string{"outcome"})
	disclosureOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_disclosure_outcomes_total",
		Help: "Disclosure approvals by outcome.",
	}, []string{"outcome"})
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wabot_messages_handled_total",
		Help: "Inbound messages handled by content kind.",
	}, []string{"kind"})
)
