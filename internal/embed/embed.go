// Package embed decides what rich-media attachment (if any) accompanies a
// post's text. The priority order is a single ranked-rule evaluator:
// link card > single-image card > gallery > none.
package embed

import (
	"skypost/internal/bsky"
)

// Kind tags the Embed variant.
type Kind int

const (
	KindNone Kind = iota
	KindLinkCard
	KindGallery
)

func (k Kind) String() string {
	switch k {
	case KindLinkCard:
		return "link_card"
	case KindGallery:
		return "gallery"
	default:
		return "none"
	}
}

// LinkCard is a rich link-preview card.
type LinkCard struct {
	URI         string
	Title       string
	Description string
	Thumb       bsky.Blob // nil when no thumbnail could be resolved
}

// GalleryImage is one uploaded gallery image.
type GalleryImage struct {
	Alt   string
	Image bsky.Blob
}

// Embed is the resolved attachment for one post. At most one per post.
type Embed struct {
	Kind    Kind
	Link    *LinkCard      // set when Kind == KindLinkCard
	Gallery []GalleryImage // 1..4 entries when Kind == KindGallery
}

// Payload converts the variant into the wire shape CreatePost expects.
// Returns nil for KindNone.
func (e Embed) Payload() any {
	switch e.Kind {
	case KindLinkCard:
		if e.Link == nil {
			return nil
		}
		return bsky.NewExternalEmbed(bsky.External{
			URI:         e.Link.URI,
			Title:       e.Link.Title,
			Description: e.Link.Description,
			Thumb:       e.Link.Thumb,
		})
	case KindGallery:
		if len(e.Gallery) == 0 {
			return nil
		}
		images := make([]bsky.EmbedImage, 0, len(e.Gallery))
		for _, g := range e.Gallery {
			images = append(images, bsky.EmbedImage{Alt: g.Alt, Image: g.Image})
		}
		return bsky.NewImagesEmbed(images)
	default:
		return nil
	}
}
