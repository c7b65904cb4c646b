// Package bsky is a thin XRPC client for the posting platform. It exposes
// exactly the three operations the dispatch core consumes: createSession,
// uploadBlob and createRecord.
package bsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "skypost/pkg/logx"
)

const (
	DefaultHost = "https://bsky.social"

	feedPostCollection = "app.bsky.feed.post"
)

type Config struct {
	Host    string
	Timeout time.Duration

	// RatePerSec caps outbound XRPC calls. This is static client-side
	// pacing, not response-aware backoff. 0 means no cap.
	RatePerSec int
}

type Client struct {
	http    *http.Client
	host    string
	limiter *rate.Limiter
	log     logx.Logger

	accessJwt string
	did       string
}

func New(cfg Config, log logx.Logger) *Client {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if host == "" {
		host = DefaultHost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		host:    host,
		limiter: lim,
		log:     log,
	}
}

// Login exchanges handle + app password for a session token.
func (c *Client) Login(ctx context.Context, handle, appPassword string) error {
	body := map[string]string{"identifier": handle, "password": appPassword}
	var out struct {
		AccessJwt string `json:"accessJwt"`
		Did       string `json:"did"`
		Handle    string `json:"handle"`
	}
	if err := c.postJSON(ctx, "com.atproto.server.createSession", body, &out, false); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if out.AccessJwt == "" || out.Did == "" {
		return fmt.Errorf("login: empty session in response")
	}
	c.accessJwt = out.AccessJwt
	c.did = out.Did
	c.log.Info("logged in", logx.String("handle", out.Handle), logx.String("did", out.Did))
	return nil
}

// UploadBlob stores raw bytes and returns the opaque blob reference.
func (c *Client) UploadBlob(ctx context.Context, data []byte, mimeType string) (Blob, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/com.atproto.repo.uploadBlob", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+c.accessJwt)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("upload blob: %w", err)
	}
	var out struct {
		Blob json.RawMessage `json:"blob"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("upload blob: decode: %w", err)
	}
	if len(out.Blob) == 0 {
		return nil, fmt.Errorf("upload blob: empty blob in response")
	}
	return Blob(out.Blob), nil
}

// CreatePost submits one post. embed may be nil (text-only) or one of
// *ExternalEmbed / *ImagesEmbed; reply may be nil for a thread root or
// standalone post.
func (c *Client) CreatePost(ctx context.Context, text string, embed any, reply *ReplyRef) (PostRef, error) {
	rec := postRecord{
		Type:      feedPostCollection,
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Embed:     embed,
		Reply:     reply,
	}
	body := map[string]any{
		"repo":       c.did,
		"collection": feedPostCollection,
		"record":     rec,
	}
	var out PostRef
	if err := c.postJSON(ctx, "com.atproto.repo.createRecord", body, &out, true); err != nil {
		return PostRef{}, fmt.Errorf("create post: %w", err)
	}
	if out.IsZero() {
		return PostRef{}, fmt.Errorf("create post: empty post ref in response")
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, method string, in, out any, authed bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/xrpc/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.accessJwt)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// XRPC errors carry {"error": "...", "message": "..."}; keep a short
	// slice of the body for the log line.
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return fmt.Errorf("unexpected status %s: %s", resp.Status, msg)
}
