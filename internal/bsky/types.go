package bsky

import "encoding/json"

// Blob is an opaque blob reference as returned by uploadBlob. The dispatch
// core never inspects it; it is carried verbatim into embed records.
type Blob = json.RawMessage

// PostRef is a strong reference to a created post, used to chain replies.
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

func (r PostRef) IsZero() bool { return r.URI == "" && r.CID == "" }

// ReplyRef names the thread root and the direct parent of a reply.
type ReplyRef struct {
	Root   PostRef `json:"root"`
	Parent PostRef `json:"parent"`
}

// External is the payload of a link-preview card.
type External struct {
	URI         string `json:"uri"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Thumb       Blob   `json:"thumb,omitempty"`
}

// ExternalEmbed renders a post's link card ($type app.bsky.embed.external).
type ExternalEmbed struct {
	Type     string   `json:"$type"`
	External External `json:"external"`
}

func NewExternalEmbed(ext External) *ExternalEmbed {
	return &ExternalEmbed{Type: "app.bsky.embed.external", External: ext}
}

// EmbedImage is one gallery image with its alt text.
type EmbedImage struct {
	Alt   string `json:"alt"`
	Image Blob   `json:"image"`
}

// ImagesEmbed renders an inline image gallery ($type app.bsky.embed.images).
type ImagesEmbed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images"`
}

func NewImagesEmbed(images []EmbedImage) *ImagesEmbed {
	return &ImagesEmbed{Type: "app.bsky.embed.images", Images: images}
}

// postRecord is the app.bsky.feed.post record body.
type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Embed     any       `json:"embed,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
}
