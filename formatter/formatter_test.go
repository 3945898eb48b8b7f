package formatter

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"wash_articles/article"
)

func format(t *testing.T, in Input) article.Formatted {
	t.Helper()
	got, err := New(zerolog.Nop()).Format(context.Background(), in)
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	return got
}

func TestFormatEmptyInput(t *testing.T) {
	_, err := New(zerolog.Nop()).Format(context.Background(), Input{ArticleText: "  \n "})
	if err == nil {
		t.Fatal("empty input should fail")
	}
}

func TestFormatWrapsInStyledArticle(t *testing.T) {
	got := format(t, Input{ArticleText: "正文段落"})
	if !strings.HasPrefix(got.HTML, `<article style="`) || !strings.HasSuffix(got.HTML, "</article>") {
		t.Fatalf("html = %s", got.HTML)
	}
	if !strings.Contains(got.HTML, "正文段落") {
		t.Fatalf("body text missing: %s", got.HTML)
	}
	if got.Markdown != "正文段落" {
		t.Fatalf("markdown = %q", got.Markdown)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updatedAt not set")
	}
}

func TestFormatConvertsHeadings(t *testing.T) {
	got := format(t, Input{ArticleText: "# 大标题\n\n## 小标题\n\n正文"})
	if strings.Contains(got.HTML, "<h1") || strings.Contains(got.HTML, "<h2") {
		t.Fatalf("heading tags survived: %s", got.HTML)
	}
	if !strings.Contains(got.HTML, `font-size:24px`) || !strings.Contains(got.HTML, `font-size:22px`) {
		t.Fatalf("heading sizes missing: %s", got.HTML)
	}
}

func TestFormatFlattensLists(t *testing.T) {
	got := format(t, Input{ArticleText: "1. 第一\n2. 第二\n\n- 甲\n- 乙"})
	if strings.Contains(got.HTML, "<ol") || strings.Contains(got.HTML, "<ul") || strings.Contains(got.HTML, "<li") {
		t.Fatalf("list tags survived: %s", got.HTML)
	}
	if !strings.Contains(got.HTML, "1. 第一") || !strings.Contains(got.HTML, "• 甲") {
		t.Fatalf("flattened items missing: %s", got.HTML)
	}
}

func TestFormatSubstitutesImagePlaceholders(t *testing.T) {
	images := []article.CachedImage{
		{URL: "https://a/1.jpg", Sequence: 1, RemoteURL: "https://mmbiz/1"},
		{URL: "https://a/2.jpg", Sequence: 2, DataURL: "data:image/png;base64,xx"},
	}
	items := []article.ContentItem{
		{Kind: article.KindImage, Sequence: 2, Caption: "第二张配图"},
	}

	got := format(t, Input{
		ArticleText: "第一段\n\n{{[Image 1]}}\n\n第二段\n\n{{[Image 2]}}",
		Items:       items,
		Images:      images,
	})

	if strings.Contains(got.HTML, "{{[Image") {
		t.Fatalf("placeholders survived: %s", got.HTML)
	}
	if !strings.Contains(got.HTML, `src="https://mmbiz/1"`) {
		t.Fatalf("remote url not preferred: %s", got.HTML)
	}
	if !strings.Contains(got.HTML, `src="data:image/png;base64,xx"`) {
		t.Fatalf("data url fallback missing: %s", got.HTML)
	}
	if !strings.Contains(got.HTML, "<figcaption") || !strings.Contains(got.HTML, "第二张配图") {
		t.Fatalf("caption missing: %s", got.HTML)
	}
	// image 1 has no caption, so exactly one figcaption
	if strings.Count(got.HTML, "<figcaption") != 1 {
		t.Fatalf("figcaption count wrong: %s", got.HTML)
	}
}

func TestFormatDropsOutOfRangePlaceholders(t *testing.T) {
	images := []article.CachedImage{{URL: "https://a/1.jpg", Sequence: 1}}
	got := format(t, Input{ArticleText: "正文\n\n{{[Image 5]}}", Images: images})
	if strings.Contains(got.HTML, "{{[Image") || strings.Contains(got.HTML, "<figure") {
		t.Fatalf("out-of-range placeholder not removed: %s", got.HTML)
	}
}

func TestFormatRemovesPlaceholdersWithoutImages(t *testing.T) {
	got := format(t, Input{ArticleText: "正文 {{[Image 1]}} 继续"})
	if strings.Contains(got.HTML, "{{[Image") {
		t.Fatalf("placeholder survived with no images: %s", got.HTML)
	}
}
