package wamsg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfChat(t *testing.T) {
	assert.Equal(t, ChatGroup, KindOfChat("120363025246125486@g.us"))
	assert.Equal(t, ChatContact, KindOfChat("6281234567890@s.whatsapp.net"))
	assert.Equal(t, ChatKind(""), KindOfChat("status@broadcast"))
	assert.Equal(t, ChatKind(""), KindOfChat("no-server"))
}

func TestUserPart(t *testing.T) {
	assert.Equal(t, "6281234567890", UserPart("6281234567890:12@s.whatsapp.net"))
	assert.Equal(t, "6281234567890", UserPart("6281234567890@s.whatsapp.net"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		content Content
		want    ContentKind
	}{
		{"text", Content{Text: "hi"}, KindText},
		{"media", Content{Media: &MediaRef{Kind: MediaImage}}, KindMedia},
		{"view once", Content{Media: &MediaRef{Kind: MediaVideo}, ViewOnce: true}, KindViewOnce},
		{"reaction", Content{Reaction: &Reaction{Symbol: "✅"}}, KindReaction},
		{"revoke wins", Content{Revoke: &Revoke{}, Text: "x"}, KindRevoke},
		{"empty", Content{}, KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.content
			require.NoError(t, c.Classify())
			assert.Equal(t, tc.want, c.Kind)
		})
	}
}

func TestClassifyRejectsMissingPayload(t *testing.T) {
	c := Content{Kind: KindReaction}
	assert.ErrorIs(t, c.Classify(), ErrPayloadFormat)

	c = Content{Kind: "poll"}
	assert.ErrorIs(t, c.Classify(), ErrUnknownKind)
}

func TestClassifyQuotedContent(t *testing.T) {
	c := Content{Text: "!vo", Quoted: &Quotation{ID: "A", Content: &Content{Media: &MediaRef{Kind: MediaImage}, ViewOnce: true}}}
	require.NoError(t, c.Classify())
	assert.Equal(t, KindViewOnce, c.Quoted.Content.Kind)
}

func TestEncodeDecodeSnapshot(t *testing.T) {
	msg := &Message{
		Key:       Key{Chat: "1@g.us", ID: "ABC", Sender: "62811@s.whatsapp.net"},
		Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.UTC),
		Content: Content{
			Kind:  KindViewOnce,
			Media: &MediaRef{Kind: MediaImage, MediaKey: []byte{1, 2, 3}, Caption: "secret"},
		},
	}
	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Key, decoded.Key)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, "secret", decoded.Content.Body())

	_, err = Decode([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrPayloadFormat)
}
