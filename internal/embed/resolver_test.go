package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"skypost/internal/bsky"
	"skypost/internal/sheet"
	logx "skypost/pkg/logx"
)

// fakeUploader returns a blob echoing the uploaded bytes, or fails for
// payloads listed in fail.
type fakeUploader struct {
	fail    map[string]bool
	uploads []string
}

func (f *fakeUploader) UploadBlob(ctx context.Context, data []byte, mime string) (bsky.Blob, error) {
	body := string(data)
	f.uploads = append(f.uploads, body)
	if f.fail[body] {
		return nil, errors.New("upload rejected")
	}
	return bsky.Blob(fmt.Sprintf(`{"ref":%q}`, body)), nil
}

// mediaServer serves the final path segment as the body, so uploads are
// identifiable by filename.
func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "missing.png") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte(strings.TrimPrefix(r.URL.Path, "/")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func item(images []sheet.ImageRef, link string) sheet.PostItem {
	return sheet.PostItem{Key: "k", Images: images, LinkURL: link}
}

func TestResolveLinkBeatsGallery(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{
		{URL: srv.URL + "/a.png", Alt: "first alt"},
		{URL: srv.URL + "/b.png"},
		{URL: srv.URL + "/c.png"},
	}, "https://example.com/article")
	it.LinkDescription = "desc"

	em := r.Resolve(t.Context(), it)
	if em.Kind != KindLinkCard {
		t.Fatalf("Kind = %v, want link card (link beats gallery)", em.Kind)
	}
	if em.Link.URI != "https://example.com/article" {
		t.Fatalf("URI = %q", em.Link.URI)
	}
	// No explicit title: first image's alt fills in.
	if em.Link.Title != "first alt" {
		t.Fatalf("Title = %q", em.Link.Title)
	}
	if em.Link.Description != "desc" {
		t.Fatalf("Description = %q", em.Link.Description)
	}
	// Three images: no sole-image thumb fallback.
	if em.Link.Thumb != nil {
		t.Fatal("thumb must stay empty with 3 images and no explicit thumb URL")
	}
}

func TestResolveLinkThumbFallsBackToSoleImage(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{{URL: srv.URL + "/a.png"}}, "https://example.com/x")
	it.LinkThumbURL = srv.URL + "/missing.png" // explicit thumb fails

	em := r.Resolve(t.Context(), it)
	if em.Kind != KindLinkCard {
		t.Fatalf("Kind = %v", em.Kind)
	}
	if em.Link.Thumb == nil {
		t.Fatal("expected thumb fallback to the sole image")
	}
	var blob struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(em.Link.Thumb, &blob); err != nil || blob.Ref != "a.png" {
		t.Fatalf("thumb = %s", em.Link.Thumb)
	}
}

func TestResolveSingleImageBecomesLinkCard(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{{URL: srv.URL + "/a.png", Alt: "the alt"}}, "")
	em := r.Resolve(t.Context(), it)
	if em.Kind != KindLinkCard {
		t.Fatalf("Kind = %v, want link card (single image renders as preview)", em.Kind)
	}
	if em.Link.URI != srv.URL+"/a.png" {
		t.Fatalf("URI = %q, want the image URL itself", em.Link.URI)
	}
	if em.Link.Title != "the alt" {
		t.Fatalf("Title = %q", em.Link.Title)
	}
}

func TestResolveGallery(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{
		{URL: srv.URL + "/a.png", Alt: "A"},
		{URL: srv.URL + "/b.png", Alt: "B"},
	}, "")
	em := r.Resolve(t.Context(), it)
	if em.Kind != KindGallery {
		t.Fatalf("Kind = %v, want gallery", em.Kind)
	}
	if len(em.Gallery) != 2 || em.Gallery[0].Alt != "A" || em.Gallery[1].Alt != "B" {
		t.Fatalf("gallery = %+v", em.Gallery)
	}
}

func TestResolveGalleryDropsFailedUploads(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{fail: map[string]bool{"b.png": true}}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{
		{URL: srv.URL + "/a.png", Alt: "A"},
		{URL: srv.URL + "/b.png", Alt: "B"},
		{URL: srv.URL + "/missing.png", Alt: "C"},
	}, "")
	em := r.Resolve(t.Context(), it)
	if em.Kind != KindGallery {
		t.Fatalf("Kind = %v, want partial gallery", em.Kind)
	}
	if len(em.Gallery) != 1 || em.Gallery[0].Alt != "A" {
		t.Fatalf("gallery = %+v", em.Gallery)
	}
}

func TestResolveGalleryAllFailedYieldsNone(t *testing.T) {
	t.Parallel()
	srv := mediaServer(t)
	up := &fakeUploader{fail: map[string]bool{"a.png": true, "b.png": true}}
	r := NewResolver(up, logx.Nop())

	it := item([]sheet.ImageRef{
		{URL: srv.URL + "/a.png"},
		{URL: srv.URL + "/b.png"},
	}, "")
	if em := r.Resolve(t.Context(), it); em.Kind != KindNone {
		t.Fatalf("Kind = %v, want none when every upload fails", em.Kind)
	}
}

func TestResolveNoMedia(t *testing.T) {
	t.Parallel()
	r := NewResolver(&fakeUploader{}, logx.Nop())
	if em := r.Resolve(t.Context(), sheet.PostItem{Key: "k"}); em.Kind != KindNone {
		t.Fatalf("Kind = %v, want none", em.Kind)
	}
}

func TestPayloadShapes(t *testing.T) {
	t.Parallel()
	none := Embed{Kind: KindNone}
	if none.Payload() != nil {
		t.Fatal("none payload must be nil")
	}

	card := Embed{Kind: KindLinkCard, Link: &LinkCard{URI: "u", Title: "t"}}
	b, err := json.Marshal(card.Payload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"$type":"app.bsky.embed.external"`) {
		t.Fatalf("payload = %s", b)
	}

	gal := Embed{Kind: KindGallery, Gallery: []GalleryImage{{Alt: "a", Image: bsky.Blob(`{"x":1}`)}}}
	b, err = json.Marshal(gal.Payload())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"$type":"app.bsky.embed.images"`) {
		t.Fatalf("payload = %s", b)
	}
}
