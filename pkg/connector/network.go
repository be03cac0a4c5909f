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

	"github.com/lrhodin/wabot/pkg/media"
	"github.com/lrhodin/wabot/pkg/wamsg"
)

// Network is the outbound side of the chat connection.
type Network interface {
	// Me returns the JID the session is logged in as.
	Me(ctx context.Context) (string, error)
	SendText(ctx context.Context, chat, text string, opts wamsg.SendOptions) (wamsg.Key, error)
	SendMedia(ctx context.Context, chat string, m wamsg.OutgoingMedia, opts wamsg.SendOptions) (wamsg.Key, error)
	EditMessage(ctx context.Context, chat, messageID, text string) error
	DeleteMessage(ctx context.Context, key wamsg.Key) error
	GroupRoster(ctx context.Context, chat string) ([]wamsg.Participant, error)
}

// MediaFetcher downloads and decrypts a media reference, retrying on its own.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref *wamsg.MediaRef) (*media.Media, error)
	MaxAttempts() int
}
