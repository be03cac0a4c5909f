package wamsg

type ContentKind string

const (
	KindText     ContentKind = "text"
	KindMedia    ContentKind = "media"
	KindViewOnce ContentKind = "view_once"
	KindReaction ContentKind = "reaction"
	KindRevoke   ContentKind = "revoke"
	KindUnknown  ContentKind = "unknown"
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
)

// Disclosable reports whether a view-once message of this kind can be
// re-posted after consent.
func (k MediaKind) Disclosable() bool {
	return k == MediaImage || k == MediaVideo || k == MediaAudio
}

// MediaRef points at an encrypted file on the media CDN together with the
// key material needed to open it.
type MediaRef struct {
	Kind          MediaKind `json:"kind" cbor:"1,keyasint"`
	URL           string    `json:"url,omitempty" cbor:"2,keyasint,omitempty"`
	DirectPath    string    `json:"direct_path,omitempty" cbor:"3,keyasint,omitempty"`
	MediaKey      []byte    `json:"media_key" cbor:"4,keyasint"`
	Mimetype      string    `json:"mimetype,omitempty" cbor:"5,keyasint,omitempty"`
	Caption       string    `json:"caption,omitempty" cbor:"6,keyasint,omitempty"`
	FileSHA256    []byte    `json:"file_sha256,omitempty" cbor:"7,keyasint,omitempty"`
	FileEncSHA256 []byte    `json:"file_enc_sha256,omitempty" cbor:"8,keyasint,omitempty"`
	FileLength    uint64    `json:"file_length,omitempty" cbor:"9,keyasint,omitempty"`
}

type Reaction struct {
	// Symbol is empty when the reactor removed their reaction.
	Symbol string `json:"symbol" cbor:"1,keyasint"`
	Target Key    `json:"target" cbor:"2,keyasint"`
}

type Revoke struct {
	Target Key `json:"target" cbor:"1,keyasint"`
}

// Quotation is the reply context attached to a message. Content is the
// inline copy of the quoted message as the sender's client saw it.
type Quotation struct {
	ID      string   `json:"id" cbor:"1,keyasint"`
	Chat    string   `json:"chat,omitempty" cbor:"2,keyasint,omitempty"`
	Sender  string   `json:"sender,omitempty" cbor:"3,keyasint,omitempty"`
	Content *Content `json:"content,omitempty" cbor:"4,keyasint,omitempty"`
}

// Content is a tagged union. Exactly one of Text, Media, Reaction or Revoke
// is meaningful for a given Kind; view-once messages carry Media.
type Content struct {
	Kind     ContentKind `json:"kind,omitempty" cbor:"1,keyasint"`
	Text     string      `json:"text,omitempty" cbor:"2,keyasint,omitempty"`
	Media    *MediaRef   `json:"media,omitempty" cbor:"3,keyasint,omitempty"`
	ViewOnce bool        `json:"view_once,omitempty" cbor:"4,keyasint,omitempty"`
	Reaction *Reaction   `json:"reaction,omitempty" cbor:"5,keyasint,omitempty"`
	Revoke   *Revoke     `json:"revoke,omitempty" cbor:"6,keyasint,omitempty"`
	Quoted   *Quotation  `json:"quoted,omitempty" cbor:"7,keyasint,omitempty"`
	Mentions []string    `json:"mentions,omitempty" cbor:"8,keyasint,omitempty"`
}

// Classify resolves Kind from the populated payload when the producer did
// not set it, and checks that an explicit Kind has its payload.
func (c *Content) Classify() error {
	switch c.Kind {
	case "":
		switch {
		case c.Revoke != nil:
			c.Kind = KindRevoke
		case c.Reaction != nil:
			c.Kind = KindReaction
		case c.Media != nil && c.ViewOnce:
			c.Kind = KindViewOnce
		case c.Media != nil:
			c.Kind = KindMedia
		case c.Text != "":
			c.Kind = KindText
		default:
			c.Kind = KindUnknown
		}
	case KindText, KindUnknown:
	case KindMedia:
		if c.Media == nil {
			return ErrPayloadFormat
		}
	case KindViewOnce:
		if c.Media == nil {
			return ErrPayloadFormat
		}
		c.ViewOnce = true
	case KindReaction:
		if c.Reaction == nil {
			return ErrPayloadFormat
		}
	case KindRevoke:
		if c.Revoke == nil {
			return ErrPayloadFormat
		}
	default:
		return ErrUnknownKind
	}
	if c.Quoted != nil && c.Quoted.Content != nil {
		if err := c.Quoted.Content.Classify(); err != nil {
			return err
		}
	}
	return nil
}

// Body returns the human readable text of the message: the text itself or
// the media caption.
func (c *Content) Body() string {
	if c.Media != nil && c.Text == "" {
		return c.Media.Caption
	}
	return c.Text
}

type SendOptions struct {
	Quoted   *Key
	Mentions []string
}

// OutgoingMedia is a decrypted file ready to be uploaded again.
type OutgoingMedia struct {
	Kind     MediaKind
	Data     []byte
	Mimetype string
	Caption  string
}

type Participant struct {
	JID   string `json:"jid"`
	Admin bool   `json:"admin"`
}
