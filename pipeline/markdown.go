package pipeline

import (
	"fmt"
	"strings"

	"wash_articles/article"
)

// itemsToMarkdown rebuilds the captured article as markdown for the
// translator. Images become {{[Image N]}} placeholders the translator is
// instructed to keep verbatim.
func itemsToMarkdown(items []article.ContentItem) string {
	var b strings.Builder
	imageN := 0
	for _, item := range items {
		switch item.Kind {
		case article.KindHeading:
			level := item.Level
			if level < 1 {
				level = 2
			}
			if level > 6 {
				level = 6
			}
			fmt.Fprintf(&b, "%s %s\n\n", strings.Repeat("#", level), strings.TrimSpace(item.Text))
		case article.KindImage:
			n := item.Sequence
			if n <= 0 {
				imageN++
				n = imageN
			} else {
				imageN = n
			}
			fmt.Fprintf(&b, "{{[Image %d]}}\n\n", n)
		default:
			text := strings.TrimSpace(item.Text)
			if text != "" {
				b.WriteString(text)
				b.WriteString("\n\n")
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func imagesFromItems(items []article.ContentItem) []article.CachedImage {
	var out []article.CachedImage
	n := 0
	for _, item := range items {
		if item.Kind != article.KindImage || item.URL == "" {
			continue
		}
		seq := item.Sequence
		if seq <= 0 {
			n++
			seq = n
		} else {
			n = seq
		}
		out = append(out, article.CachedImage{URL: item.URL, Sequence: seq})
	}
	return out
}

const fallbackTitle = "待确认标题"

// deriveFallbackTitle picks a usable title when generation failed: the
// captured title, then the first heading, then the first line of the
// translated text.
func deriveFallbackTitle(sess *article.Session, translated string) string {
	if t := sanitizeTitle(sess.Title); t != "" {
		return t
	}
	for _, item := range sess.Items {
		if item.Kind == article.KindHeading {
			if t := sanitizeTitle(item.Text); t != "" {
				return t
			}
		}
	}
	for _, line := range strings.Split(translated, "\n") {
		if t := sanitizeTitle(line); t != "" {
			return t
		}
	}
	return fallbackTitle
}

// sanitizeTitle strips markdown heading markers, surrounding quotes, and
// whitespace, and caps the result at 60 runes.
func sanitizeTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.TrimLeft(t, "# ")
	t = strings.Trim(t, "\"'“”‘’「」")
	t = strings.TrimSpace(t)
	runes := []rune(t)
	if len(runes) > 60 {
		t = string(runes[:60])
	}
	return t
}

// digestFromText compacts the text and trims it to 120 bytes on a UTF-8
// boundary for the draft digest.
func digestFromText(text string) string {
	const limit = 120
	joined := strings.Join(strings.Fields(text), " ")
	if len(joined) <= limit {
		return joined
	}
	cut := limit
	for cut > 0 && joined[cut]&0xC0 == 0x80 {
		cut--
	}
	return joined[:cut]
}
