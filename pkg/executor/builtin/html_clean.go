package builtin

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/flowcore/orchestrator/pkg/executor"
	"github.com/go-shiori/go-readability"
)

var htmlTagPattern = regexp.MustCompile(`(?i)<\s*(!doctype|html|head|body|div|p|span|article|section|h[1-6]|ul|ol|li|a|table|tr|td|img|script|style|iframe|nav|footer|header|main|br)\b`)

var whitespaceRun = regexp.MustCompile(`\s+`)

// HTMLCleanExecutor strips scripts, styles and boilerplate from raw HTML and
// projects the result into plain text and/or sanitized HTML, for use as a
// SYSTEM_INVOCATION action handler that extracts page content into entity
// state. Non-HTML input passes through unchanged.
type HTMLCleanExecutor struct {
	*executor.BaseExecutor
}

// NewHTMLCleanExecutor creates an HTMLCleanExecutor.
func NewHTMLCleanExecutor() *HTMLCleanExecutor {
	return &HTMLCleanExecutor{BaseExecutor: executor.NewBaseExecutor("html_clean")}
}

// Validate checks the handler's configuration knobs.
func (e *HTMLCleanExecutor) Validate(config map[string]any) error {
	format := e.GetStringDefault(config, "output_format", "both")
	switch format {
	case "text", "html", "both":
	default:
		return fmt.Errorf("invalid output_format: %s", format)
	}

	if maxLen := e.GetIntDefault(config, "max_length", 0); maxLen < 0 {
		return fmt.Errorf("max_length must be non-negative, got %d", maxLen)
	}

	return nil
}

// Execute extracts a string of HTML from input, cleans it, and returns a
// map describing the extracted content.
func (e *HTMLCleanExecutor) Execute(_ context.Context, config map[string]any, input any) (any, error) {
	raw, err := e.resolveInput(config, input)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty input provided to html_clean executor")
	}

	if !htmlTagPattern.MatchString(raw) {
		return map[string]any{
			"passthrough":  true,
			"is_html":      false,
			"text_content": raw,
			"html_content": "",
			"word_count":   wordCount(raw),
		}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, iframe, noscript").Remove()

	extractMetadata := e.GetBoolDefault(config, "extract_metadata", true)
	preserveLinks := e.GetBoolDefault(config, "preserve_links", false)
	outputFormat := e.GetStringDefault(config, "output_format", "both")
	maxLength := e.GetIntDefault(config, "max_length", 0)

	title := ""
	if extractMetadata {
		title = strings.TrimSpace(doc.Find("title").First().Text())
		if title == "" {
			title = readabilityTitle(raw, e.GetStringDefault(config, "source_url", ""))
		}
	}

	if preserveLinks {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, ok := s.Attr("href")
			if !ok || href == "" {
				return
			}
			s.SetText(strings.TrimSpace(s.Text()) + " (" + href + ")")
		})
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	textContent := collapseWhitespace(body.Text())
	htmlContent, _ := body.Html()

	if outputFormat == "text" {
		htmlContent = ""
	}
	if outputFormat == "html" {
		textContent = ""
	}

	if maxLength > 0 {
		textContent = truncate(textContent, maxLength)
		htmlContent = truncate(htmlContent, maxLength)
	}

	return map[string]any{
		"passthrough":  false,
		"is_html":      true,
		"text_content": textContent,
		"html_content": htmlContent,
		"title":        title,
		"word_count":   wordCount(textContent),
	}, nil
}

// resolveInput normalizes the many shapes entity state can hand the
// executor (raw string, byte slice, or a map produced by a prior node).
func (e *HTMLCleanExecutor) resolveInput(config map[string]any, input any) (string, error) {
	if key := e.GetStringDefault(config, "input_key", ""); key != "" {
		m, ok := input.(map[string]any)
		if !ok {
			return "", fmt.Errorf("input_key %q set but input is not a map", key)
		}
		v, ok := m[key]
		if !ok {
			return "", fmt.Errorf("key '%s' not found in input", key)
		}
		return fmt.Sprintf("%v", v), nil
	}

	switch v := input.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case map[string]any:
		for _, field := range []string{"html", "body"} {
			if raw, ok := v[field]; ok {
				return fmt.Sprintf("%v", raw), nil
			}
		}
		return "", fmt.Errorf("no content found in input map (expected 'html' or 'body' field)")
	default:
		return "", fmt.Errorf("unsupported input type: %T", input)
	}
}

func readabilityTitle(raw, sourceURL string) string {
	var parsed *url.URL
	if sourceURL != "" {
		parsed, _ = url.Parse(sourceURL)
	}
	if parsed == nil {
		parsed, _ = url.Parse("https://example.com")
	}

	article, err := readability.FromReader(strings.NewReader(raw), parsed)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(article.Title)
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
