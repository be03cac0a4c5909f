// Package wamsg holds the chat message model shared by the store, the
// workflows and the transport adapters.
package wamsg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	GroupServer = "g.us"
	UserServer  = "s.whatsapp.net"
)

type ChatKind string

const (
	ChatGroup   ChatKind = "group"
	ChatContact ChatKind = "contact"
)

// KindOfChat derives the chat kind from the server part of a JID. An empty
// kind means the chat is not something the bot tracks (broadcasts,
// newsletters, status).
func KindOfChat(jid string) ChatKind {
	_, server, ok := strings.Cut(jid, "@")
	if !ok {
		return ""
	}
	switch server {
	case GroupServer:
		return ChatGroup
	case UserServer:
		return ChatContact
	default:
		return ""
	}
}

// UserPart returns the part of a JID before the server and any device suffix,
// which is what mentions render as.
func UserPart(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// Key identifies a single message inside a chat.
type Key struct {
	Chat   string `json:"chat" cbor:"1,keyasint"`
	ID     string `json:"id" cbor:"2,keyasint"`
	Sender string `json:"sender,omitempty" cbor:"3,keyasint,omitempty"`
	FromMe bool   `json:"from_me,omitempty" cbor:"4,keyasint,omitempty"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Chat, k.ID)
}

type Message struct {
	Key       Key       `json:"key" cbor:"1,keyasint"`
	Timestamp time.Time `json:"timestamp" cbor:"2,keyasint"`
	PushName  string    `json:"push_name,omitempty" cbor:"3,keyasint,omitempty"`
	Content   Content   `json:"content" cbor:"4,keyasint"`
}

// Event is one inbound batch as delivered by the chat transport.
type Event struct {
	Session  string     `json:"session"`
	Messages []*Message `json:"messages"`
}

var (
	ErrMissingKey    = errors.New("message has no chat or id")
	ErrUnknownKind   = errors.New("unknown content kind")
	ErrPayloadFormat = errors.New("malformed message payload")
)

func (m *Message) Validate() error {
	if m.Key.Chat == "" || m.Key.ID == "" {
		return ErrMissingKey
	}
	return nil
}

var snapshotEncMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	mode, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode serializes the message into the snapshot format kept by the store.
func Encode(m *Message) ([]byte, error) {
	data, err := snapshotEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", m.Key, err)
	}
	return data, nil
}

func Decode(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadFormat, err)
	}
	return &m, nil
}
