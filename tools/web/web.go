// Package web provides the web tool module. web-fetch extracts readable text
// from a URL; web-download fetches raw bytes into a file-bearing result so
// they become an attachment on the tool message.
//
// Importing the package registers the module under the name "web" for
// ToolRunner.LoadModule.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/tyler-ai/tyler"
)

func init() {
	tyler.RegisterModule("web", func() tyler.Tool { return New() })
}

// maxFetchBody bounds how much of a page web-fetch reads.
const maxFetchBody = 1 << 20

// maxFetchContent is the truncation threshold for text returned to the model.
const maxFetchContent = 8000

// maxDownloadSize bounds web-download payloads; it matches the disk file
// store's default per-file cap.
const maxDownloadSize = 50 << 20

// Option configures the web tool.
type Option func(*Tool)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// WithUserAgent sets the User-Agent header on outgoing requests.
func WithUserAgent(ua string) Option {
	return func(t *Tool) { t.userAgent = ua }
}

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client    *http.Client
	userAgent string
	markdown  goldmark.Markdown
}

var _ tyler.Tool = (*Tool)(nil)

// New creates the web tool module with a 30-second request timeout.
func New(opts ...Option) *Tool {
	t := &Tool{
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "Mozilla/5.0 (compatible; TylerBot/1.0)",
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []tyler.ToolDefinition {
	return []tyler.ToolDefinition{
		{
			Name:        "web-fetch",
			Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
		},
		{
			Name:        "web-download",
			Description: "Download a file from a URL. The file is attached to the conversation rather than returned inline.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to download"},"filename":{"type":"string","description":"Optional filename override"}},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tyler.ToolResult, error) {
	var params struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tyler.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.URL == "" {
		return tyler.ToolResult{Error: "invalid args: url is required"}, nil
	}

	switch name {
	case "web-fetch":
		return t.fetch(ctx, params.URL)
	case "web-download":
		return t.download(ctx, params.URL, params.Filename)
	default:
		return tyler.ToolResult{Error: "unknown web tool: " + name}, nil
	}
}

func (t *Tool) fetch(ctx context.Context, rawURL string) (tyler.ToolResult, error) {
	body, resp, err := t.get(ctx, rawURL, maxFetchBody)
	if err != nil {
		return tyler.ToolResult{Error: err.Error()}, nil
	}

	text, err := t.extract(rawURL, body, resp.Header.Get("Content-Type"))
	if err != nil {
		return tyler.ToolResult{Error: err.Error()}, nil
	}
	if len(text) > maxFetchContent {
		text = text[:maxFetchContent] + "\n... (truncated)"
	}
	return tyler.ToolResult{Content: text}, nil
}

func (t *Tool) download(ctx context.Context, rawURL, filename string) (tyler.ToolResult, error) {
	body, resp, err := t.get(ctx, rawURL, maxDownloadSize+1)
	if err != nil {
		return tyler.ToolResult{Error: err.Error()}, nil
	}
	if len(body) > maxDownloadSize {
		return tyler.ToolResult{Error: fmt.Sprintf("download exceeds %d byte limit: %s", maxDownloadSize, rawURL)}, nil
	}
	if len(body) == 0 {
		return tyler.ToolResult{Error: "empty response from " + rawURL}, nil
	}

	name := filename
	if name == "" {
		name = filenameFromResponse(resp, rawURL)
	}
	mimeType := mediaType(resp.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = tyler.DetectMIME(body, name)
	}

	summary, _ := json.Marshal(map[string]any{
		"url":       rawURL,
		"filename":  name,
		"mime_type": mimeType,
		"size":      len(body),
	})
	return tyler.ToolResult{
		Content: string(summary),
		Files: []tyler.ToolFile{{
			Filename:    name,
			Content:     body,
			MimeType:    mimeType,
			Description: "Downloaded from " + rawURL,
		}},
	}, nil
}

// get fetches rawURL and returns up to limit bytes of the body together
// with the response for header access.
func (t *Tool) get(ctx context.Context, rawURL string, limit int64) ([]byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", t.userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, nil, fmt.Errorf("read error: %w", err)
	}
	return body, resp, nil
}

// extract turns a response body into readable text. Markdown is rendered to
// HTML first so extraction sees one input shape; HTML goes through
// readability with a tag-stripping fallback; other text passes through.
func (t *Tool) extract(rawURL string, body []byte, contentType string) (string, error) {
	mt := mediaType(contentType)
	if mt == "" {
		mt = tyler.DetectMIME(body, "")
	}

	switch {
	case mt == "text/markdown" || mt == "text/x-markdown" || hasMarkdownPath(rawURL):
		var buf bytes.Buffer
		if err := t.markdown.Convert(body, &buf); err != nil {
			return "", fmt.Errorf("render markdown: %w", err)
		}
		return t.extractHTML(rawURL, buf.Bytes()), nil
	case mt == "text/html" || mt == "application/xhtml+xml":
		return t.extractHTML(rawURL, body), nil
	case mt == "application/json" || strings.HasPrefix(mt, "text/"):
		return strings.TrimSpace(string(body)), nil
	default:
		return "", fmt.Errorf("cannot extract text from %s content; use web-download", mt)
	}
}

func (t *Tool) extractHTML(rawURL string, body []byte) string {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(string(body))
}

var (
	scriptRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
)

// stripHTML is the fallback when readability finds no article content:
// scripts and styles are dropped, tags become line breaks, entities decode.
func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, "\n")
	s = html.UnescapeString(s)

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// mediaType strips parameters such as charset from a Content-Type value.
func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return mt
}

func hasMarkdownPath(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.HasSuffix(p, ".md") || strings.HasSuffix(p, ".markdown")
}

// filenameFromResponse derives a download filename: Content-Disposition
// first, then the URL path, then a generic fallback.
func filenameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := params["filename"]; fn != "" {
				return path.Base(fn)
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "download"
}
