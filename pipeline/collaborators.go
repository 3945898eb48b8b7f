// Package pipeline drives one captured article through the fixed stage
// sequence: extracting, preparing, uploading, formatting, publishing. It
// owns the only two locks in the system, the per-key in-flight run map here
// and the token single-flight guard in the wechat package.
package pipeline

import (
	"context"

	"wash_articles/article"
	"wash_articles/formatter"
	"wash_articles/store"
	"wash_articles/translator"
	"wash_articles/wechat"
)

// Translator rewrites the article and produces a headline.
type Translator interface {
	HasCredentials() bool
	TranslateArticle(ctx context.Context, markdown string, opts translator.Options) (translator.Result, error)
	GenerateTitle(ctx context.Context, conversation []translator.Message, opts translator.Options) (translator.Result, error)
}

// Formatter renders publish-ready markup.
type Formatter interface {
	Format(ctx context.Context, in formatter.Input) (article.Formatted, error)
}

// Publisher performs the authenticated WeChat calls.
type Publisher interface {
	UploadImages(ctx context.Context, images []article.CachedImage, opts wechat.UploadOptions) ([]article.Upload, error)
	CreateDraft(ctx context.Context, content wechat.DraftContent, uploads []article.Upload, opts wechat.UploadOptions) (article.Draft, error)
}

// HistoryStore is the slice of the persistent store the orchestrator uses.
type HistoryStore interface {
	SaveImages(sourceURL string, images []article.CachedImage)
	LoadImages(sourceURL string) []article.CachedImage
	ClearImages(sourceURL string)
	AppendHistory(entry store.HistoryEntry)
}

// ImageFetcher resolves an image URL to a data URL before upload.
type ImageFetcher interface {
	FetchDataURL(ctx context.Context, url string) (string, error)
}
