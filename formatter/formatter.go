// Package formatter renders the translated article into WeChat-compatible
// HTML: goldmark markdown conversion, inline styles, flattened lists, and
// image placeholder substitution.
package formatter

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"

	"wash_articles/article"
)

const (
	articleStyle = "margin:0 auto;padding:0 16px 48px;max-width:680px;font-family:'PingFang SC','Microsoft YaHei','Helvetica Neue',Arial,sans-serif;font-size:16px;line-height:1.75;color:#333333;word-break:break-word"
	figureStyle  = "margin:1.5em 0;text-align:center"
	imageStyle   = "max-width:100%;border-radius:12px;display:inline-block"
	captionStyle = "margin:0.5em 0 0;font-size:14px;color:#6b7280;line-height:1.6;text-align:center"
	defaultAlt   = "文章插图"
)

// Input is everything the formatter consumes: the translated body, the
// captured items (for captions), and the enriched images in display order.
type Input struct {
	Title       string
	ArticleText string
	Items       []article.ContentItem
	Images      []article.CachedImage
}

// Service converts markdown to WeChat-ready HTML.
type Service struct {
	md     goldmark.Markdown
	logger zerolog.Logger
	now    func() time.Time
}

func New(logger zerolog.Logger) *Service {
	return &Service{md: goldmark.New(), logger: logger, now: time.Now}
}

// Format renders the translated text. Placeholders of the form
// {{[Image N]}} become figures referencing the Nth image (1-based, in the
// sorted image order).
func (s *Service) Format(_ context.Context, in Input) (article.Formatted, error) {
	text := strings.TrimSpace(in.ArticleText)
	if text == "" {
		return article.Formatted{}, fmt.Errorf("formatter: nothing to format")
	}

	var buf bytes.Buffer
	if err := s.md.Convert([]byte(text), &buf); err != nil {
		return article.Formatted{}, fmt.Errorf("formatter: markdown convert: %w", err)
	}
	html := buf.String()
	html = convertHeadingsForWeChat(html)
	html = flattenListsForWeChat(html)
	html = substituteImagePlaceholders(html, in.Images, in.Items)
	html = fmt.Sprintf(`<article style="%s">%s</article>`, articleStyle, html)

	return article.Formatted{HTML: html, Markdown: text, UpdatedAt: s.now()}, nil
}

var placeholderRe = regexp.MustCompile(`(?:<p>\s*)?\{\{\[Image (\d+)\]\}\}(?:\s*</p>)?`)

func substituteImagePlaceholders(html string, images []article.CachedImage, items []article.ContentItem) string {
	if len(images) == 0 {
		return placeholderRe.ReplaceAllString(html, "")
	}
	captions := captionsBySequence(items)
	return placeholderRe.ReplaceAllStringFunc(html, func(m string) string {
		parts := placeholderRe.FindStringSubmatch(m)
		if len(parts) != 2 {
			return m
		}
		var n int
		fmt.Sscanf(parts[1], "%d", &n)
		if n < 1 || n > len(images) {
			return ""
		}
		img := images[n-1]
		src := img.RemoteURL
		if src == "" {
			src = img.DataURL
		}
		if src == "" {
			src = img.URL
		}
		var b strings.Builder
		fmt.Fprintf(&b, `<figure style="%s"><img src="%s" alt="%s" style="%s">`, figureStyle, src, defaultAlt, imageStyle)
		if caption := captions[n]; caption != "" {
			fmt.Fprintf(&b, `<figcaption style="%s">%s</figcaption>`, captionStyle, caption)
		}
		b.WriteString("</figure>")
		return b.String()
	})
}

func captionsBySequence(items []article.ContentItem) map[int]string {
	out := make(map[int]string)
	for _, item := range items {
		if item.Kind == article.KindImage && item.Sequence > 0 && item.Caption != "" {
			out[item.Sequence] = item.Caption
		}
	}
	return out
}

// 微信会弱化部分列表和标题标签，导致有序列表合并、标题样式丢失。
// 上传前把列表展开、把标题转成带字号的段落，让排版更稳定。
func flattenListsForWeChat(html string) string {
	olRe := regexp.MustCompile(`(?s)<ol[^>]*>(.*?)</ol>`)
	liRe := regexp.MustCompile(`(?s)<li[^>]*>(.*?)</li>`)

	html = olRe.ReplaceAllStringFunc(html, func(block string) string {
		items := liRe.FindAllStringSubmatch(block, -1)
		if len(items) == 0 {
			return block
		}
		var b strings.Builder
		for i, item := range items {
			text := strings.TrimSpace(item[1])
			b.WriteString("<p>")
			b.WriteString(fmt.Sprintf("%d. %s", i+1, text))
			b.WriteString("</p>")
		}
		return b.String()
	})

	ulRe := regexp.MustCompile(`(?s)<ul[^>]*>(.*?)</ul>`)
	html = ulRe.ReplaceAllStringFunc(html, func(block string) string {
		items := liRe.FindAllStringSubmatch(block, -1)
		if len(items) == 0 {
			return block
		}
		var b strings.Builder
		for _, item := range items {
			text := strings.TrimSpace(item[1])
			b.WriteString("<p>• ")
			b.WriteString(text)
			b.WriteString("</p>")
		}
		return b.String()
	})

	return html
}

func convertHeadingsForWeChat(html string) string {
	hRe := regexp.MustCompile(`(?s)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	sizes := map[string]string{
		"1": "24px",
		"2": "22px",
		"3": "20px",
		"4": "18px",
		"5": "16px",
		"6": "15px",
	}

	return hRe.ReplaceAllStringFunc(html, func(block string) string {
		parts := hRe.FindStringSubmatch(block)
		if len(parts) != 3 {
			return block
		}
		size := sizes[parts[1]]
		if size == "" {
			size = "18px"
		}
		text := strings.TrimSpace(parts[2])
		return fmt.Sprintf(`<p style="font-size:%s;font-weight:700;margin:1em 0 0.6em;">%s</p>`, size, text)
	})
}
