package wechat

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/time/rate"

	"wash_articles/article"
)

const (
	uploadMaterialURL = "https://api.weixin.qq.com/cgi-bin/material/add_material"
	addDraftURL       = "https://api.weixin.qq.com/cgi-bin/draft/add"
)

// 微信素材接口有频率限制，连续上传多图时主动限速，避免 45009。
const (
	uploadRatePerSecond = 5
	uploadBurst         = 5
)

// DraftContent is everything the draft payload is built from.
type DraftContent struct {
	Title              string
	Author             string
	Digest             string
	HTML               string
	TranslationText    string
	SourceURL          string
	ThumbMediaID       string
	NeedOpenComment    bool
	OnlyFansCanComment bool
}

// UploadOptions carries the token and dry-run flag for authenticated calls.
type UploadOptions struct {
	AccessToken string
	DryRun      bool
}

// Client performs the WeChat media upload and draft creation calls.
type Client struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger

	uploadURL string
	draftURL  string
}

func NewClient(client *http.Client, logger zerolog.Logger) *Client {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		client:    client,
		limiter:   rate.NewLimiter(rate.Limit(uploadRatePerSecond), uploadBurst),
		logger:    logger,
		uploadURL: uploadMaterialURL,
		draftURL:  addDraftURL,
	}
}

// UploadImages uploads each image as permanent material and returns the
// accepted uploads in input order. Images without any usable source are
// skipped. In dry-run mode (or without a token when dry-run is requested)
// results are synthesized locally so downstream stages can proceed.
func (c *Client) UploadImages(ctx context.Context, images []article.CachedImage, opts UploadOptions) ([]article.Upload, error) {
	results := make([]article.Upload, 0, len(images))
	for _, img := range images {
		localSrc := img.DataURL
		if localSrc == "" {
			localSrc = img.URL
		}
		if localSrc == "" {
			continue
		}
		if opts.DryRun || opts.AccessToken == "" {
			results = append(results, article.Upload{
				LocalSrc:  localSrc,
				RemoteURL: localSrc,
				MediaID:   fmt.Sprintf("<dry-run:%s>", imageFilename(img)),
			})
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &TransportError{Op: "wait for upload slot", Err: err}
		}
		up, err := c.uploadMaterial(ctx, img, localSrc, opts.AccessToken)
		if err != nil {
			return nil, err
		}
		results = append(results, up)
		c.logger.Debug().Str("url", img.URL).Str("media_id", up.MediaID).Msg("uploaded image")
	}
	return results, nil
}

// CreateDraft builds the draft/add payload from the formatted content and
// uploads, and posts it. Local image sources in the HTML are rewritten to
// the uploaded remote URLs first. On a dry run the exact payload is returned
// with a placeholder media_id and no network call is made.
func (c *Client) CreateDraft(ctx context.Context, content DraftContent, uploads []article.Upload, opts UploadOptions) (article.Draft, error) {
	html := strings.TrimSpace(content.HTML)
	if html == "" {
		html = strings.TrimSpace(content.TranslationText)
	}
	if html == "" {
		html = "<article></article>"
	}
	html = replaceImageSources(html, uploads)

	thumb := content.ThumbMediaID
	if thumb == "" && len(uploads) > 0 {
		thumb = uploads[0].MediaID
	}
	if thumb == "" && !opts.DryRun && opts.AccessToken != "" {
		return article.Draft{}, &ConfigError{Missing: "thumb_media_id (no uploaded image to use as cover)"}
	}

	payload, _ := sjson.Set("", "articles.0.article_type", "news")
	payload, _ = sjson.Set(payload, "articles.0.title", content.Title)
	payload, _ = sjson.Set(payload, "articles.0.author", content.Author)
	payload, _ = sjson.Set(payload, "articles.0.content", html)
	payload, _ = sjson.Set(payload, "articles.0.digest", truncateDigest(content.Digest))
	payload, _ = sjson.Set(payload, "articles.0.content_source_url", strings.TrimSpace(content.SourceURL))
	payload, _ = sjson.Set(payload, "articles.0.need_open_comment", boolToInt(content.NeedOpenComment))
	payload, _ = sjson.Set(payload, "articles.0.only_fans_can_comment", boolToInt(content.OnlyFansCanComment))
	if thumb != "" {
		payload, _ = sjson.Set(payload, "articles.0.thumb_media_id", thumb)
	}

	if opts.DryRun || opts.AccessToken == "" {
		return article.Draft{MediaID: "<dry-run>", Payload: payload, DryRun: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.draftURL, strings.NewReader(payload))
	if err != nil {
		return article.Draft{}, &TransportError{Op: "build draft request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	q := req.URL.Query()
	q.Set("access_token", opts.AccessToken)
	req.URL.RawQuery = q.Encode()

	resp, err := c.client.Do(req)
	if err != nil {
		return article.Draft{}, &TransportError{Op: "create draft", Err: err}
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return article.Draft{}, &TransportError{Op: "read draft response", Err: err}
	}
	if code := gjson.GetBytes(body, "errcode").Int(); code != 0 {
		return article.Draft{}, &ProviderError{Code: int(code), Message: gjson.GetBytes(body, "errmsg").String()}
	}
	mediaID := gjson.GetBytes(body, "media_id").String()
	if mediaID == "" {
		return article.Draft{}, &ProviderError{Message: "draft response missing media_id"}
	}
	c.logger.Info().Str("media_id", mediaID).Msg("draft created")

	return article.Draft{MediaID: mediaID, Payload: payload, DryRun: false}, nil
}

func (c *Client) uploadMaterial(ctx context.Context, img article.CachedImage, localSrc, accessToken string) (article.Upload, error) {
	data, err := c.readImageData(ctx, localSrc)
	if err != nil {
		return article.Upload{}, err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("media", imageFilename(img))
	if err != nil {
		return article.Upload{}, &TransportError{Op: "build upload form", Err: err}
	}
	if _, err := part.Write(data); err != nil {
		return article.Upload{}, &TransportError{Op: "build upload form", Err: err}
	}
	if err := writer.Close(); err != nil {
		return article.Upload{}, &TransportError{Op: "build upload form", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, &body)
	if err != nil {
		return article.Upload{}, &TransportError{Op: "build upload request", Err: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	q := req.URL.Query()
	q.Set("access_token", accessToken)
	q.Set("type", "image")
	req.URL.RawQuery = q.Encode()

	resp, err := c.client.Do(req)
	if err != nil {
		return article.Upload{}, &TransportError{Op: "upload image", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return article.Upload{}, &TransportError{Op: "read upload response", Err: err}
	}
	if code := gjson.GetBytes(respBody, "errcode").Int(); code != 0 {
		return article.Upload{}, &ProviderError{Code: int(code), Message: gjson.GetBytes(respBody, "errmsg").String()}
	}
	remoteURL := gjson.GetBytes(respBody, "url").String()
	mediaID := gjson.GetBytes(respBody, "media_id").String()
	if remoteURL == "" || mediaID == "" {
		return article.Upload{}, &ProviderError{Message: "upload succeeded but response missing url or media_id"}
	}

	return article.Upload{LocalSrc: localSrc, RemoteURL: remoteURL, MediaID: mediaID}, nil
}

// readImageData resolves a local source to raw bytes: data URLs are decoded
// in place, anything else is fetched over HTTP.
func (c *Client) readImageData(ctx context.Context, src string) ([]byte, error) {
	if strings.HasPrefix(src, "data:") {
		_, encoded, ok := strings.Cut(src, ",")
		if !ok {
			return nil, &TransportError{Op: "decode data url", Err: fmt.Errorf("malformed data url")}
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, &TransportError{Op: "decode data url", Err: err}
		}
		return data, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, &TransportError{Op: "build image fetch", Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch image", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: "fetch image", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func imageFilename(img article.CachedImage) string {
	if img.Sequence > 0 {
		return fmt.Sprintf("image_%03d.jpg", img.Sequence)
	}
	return fmt.Sprintf("image_%d.jpg", time.Now().UnixNano())
}

func replaceImageSources(html string, uploads []article.Upload) string {
	for _, up := range uploads {
		if up.LocalSrc == "" || up.RemoteURL == "" {
			continue
		}
		html = strings.ReplaceAll(html, up.LocalSrc, up.RemoteURL)
	}
	return html
}

// 摘要最长 256 字节，截断时退到 UTF-8 边界。
func truncateDigest(digest string) string {
	const limit = 256
	if len(digest) <= limit {
		return digest
	}
	cut := limit
	for cut > 0 && digest[cut]&0xC0 == 0x80 {
		cut--
	}
	return digest[:cut]
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
