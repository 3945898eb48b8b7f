package translator

import (
	"fmt"
	"strings"
)

const systemInstruction = "你是一名专业的中英双语编辑，负责把英文文章改写成适合微信公众号发布的简体中文。严守 Markdown 结构，禁止输出额外说明。"

// Options carries provenance hints passed to both prompt builders.
type Options struct {
	SourceURL     string
	FallbackTitle string
}

// BuildTranslationPrompt 生成翻译提示词。
func BuildTranslationPrompt(markdown string, opts Options) string {
	lines := []string{
		"请将以下英文文章翻译成自然流畅的简体中文。",
		"要求：",
		"1. 保留 Markdown 格式中的标题（#、## 等）与段落结构；",
		"2. 保留形如 {{[Image N]}} 的图片占位符，不要翻译或删除；",
		"3. 保持数字、机构及人名准确；",
		"4. 不要添加额外说明、总结或对话标记，仅输出翻译后的正文。",
	}
	if opts.FallbackTitle != "" {
		lines = append(lines, fmt.Sprintf("原文标题：%s", opts.FallbackTitle))
	}
	if opts.SourceURL != "" {
		lines = append(lines, fmt.Sprintf("原文链接：%s", opts.SourceURL))
	}
	lines = append(lines, "", "正文：", markdown)
	return strings.Join(lines, "\n")
}

// BuildTitlePrompt 基于翻译对话生成标题提示词。
func BuildTitlePrompt(opts Options) string {
	lines := []string{
		"基于以上已经翻译成中文的文章内容，请提供一个吸引人的中文标题。",
		"要求：",
		"1. 标题需准确概括文章核心观点；",
		"2. 使用简洁有力的语言，长度控制在 22 个汉字以内；",
		"3. 不要返回序号、引号或其他装饰符，仅输出标题文本。",
	}
	if opts.FallbackTitle != "" {
		lines = append(lines, fmt.Sprintf("原文标题仅供参考：%s", opts.FallbackTitle))
	}
	if opts.SourceURL != "" {
		lines = append(lines, fmt.Sprintf("原文链接：%s", opts.SourceURL))
	}
	return strings.Join(lines, "\n")
}
