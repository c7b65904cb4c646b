package embed

import (
	"context"
	"net/http"
	"time"

	"skypost/internal/bsky"
	"skypost/internal/sheet"
	logx "skypost/pkg/logx"
)

// BlobUploader is the slice of the posting platform the resolver needs.
type BlobUploader interface {
	UploadBlob(ctx context.Context, data []byte, mimeType string) (bsky.Blob, error)
}

type Resolver struct {
	http *http.Client
	up   BlobUploader
	log  logx.Logger
}

const mediaFetchTimeout = 60 * time.Second

func NewResolver(up BlobUploader, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		http: &http.Client{Timeout: mediaFetchTimeout},
		up:   up,
		log:  log,
	}
}

// Resolve evaluates the ranked rules for one item:
//
//  1. A non-empty link URL wins: LinkCard, thumbnail from the explicit thumb
//     URL, falling back to the sole image when exactly one is present.
//  2. Exactly one image: LinkCard pointing at the image URL itself, so a
//     single image renders as a rich preview rather than an inline photo.
//  3. Two to four images: Gallery; images whose upload fails are dropped,
//     zero successful uploads yields no embed.
//  4. Otherwise no embed.
//
// Media failures never abort the item; they degrade the embed and are
// logged as warnings.
func (r *Resolver) Resolve(ctx context.Context, it sheet.PostItem) Embed {
	if it.LinkURL != "" {
		return r.linkCard(ctx, it)
	}
	switch len(it.Images) {
	case 0:
		return Embed{Kind: KindNone}
	case 1:
		return r.singleImageCard(ctx, it)
	default:
		return r.gallery(ctx, it)
	}
}

func (r *Resolver) linkCard(ctx context.Context, it sheet.PostItem) Embed {
	title := it.LinkTitle
	if title == "" && len(it.Images) > 0 {
		title = it.Images[0].Alt
	}

	var thumb bsky.Blob
	if it.LinkThumbURL != "" {
		thumb = r.fetchAndUpload(ctx, it.LinkThumbURL, it.Key)
	}
	if thumb == nil && len(it.Images) == 1 {
		thumb = r.fetchAndUpload(ctx, it.Images[0].URL, it.Key)
	}

	return Embed{Kind: KindLinkCard, Link: &LinkCard{
		URI:         it.LinkURL,
		Title:       title,
		Description: it.LinkDescription,
		Thumb:       thumb,
	}}
}

func (r *Resolver) singleImageCard(ctx context.Context, it sheet.PostItem) Embed {
	img := it.Images[0]
	title := it.LinkTitle
	if title == "" {
		title = img.Alt
	}
	return Embed{Kind: KindLinkCard, Link: &LinkCard{
		URI:         img.URL,
		Title:       title,
		Description: it.LinkDescription,
		Thumb:       r.fetchAndUpload(ctx, img.URL, it.Key),
	}}
}

func (r *Resolver) gallery(ctx context.Context, it sheet.PostItem) Embed {
	var images []GalleryImage
	for _, img := range it.Images {
		blob := r.fetchAndUpload(ctx, img.URL, it.Key)
		if blob == nil {
			continue // partial galleries are fine
		}
		images = append(images, GalleryImage{Alt: img.Alt, Image: blob})
	}
	if len(images) == 0 {
		return Embed{Kind: KindNone}
	}
	return Embed{Kind: KindGallery, Gallery: images}
}

// fetchAndUpload downloads one media URL and uploads it as a blob. Any
// failure is reduced to "this image unavailable" (nil).
func (r *Resolver) fetchAndUpload(ctx context.Context, url, itemKey string) bsky.Blob {
	data, mimeType, err := r.fetch(ctx, url)
	if err != nil {
		r.log.Warn("image fetch failed", logx.String("url", url),
			logx.String("key", itemKey), logx.Err(err))
		return nil
	}
	blob, err := r.up.UploadBlob(ctx, data, mimeType)
	if err != nil {
		r.log.Warn("image upload failed", logx.String("url", url),
			logx.String("key", itemKey), logx.Err(err))
		return nil
	}
	return blob
}
