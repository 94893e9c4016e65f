// Package files provides the files tool module. Its read-file tool reads a
// local file or file:// URL and extracts text from PDF, CSV, JSON, and plain
// text content. Agents route document attachments through the same tool
// during attachment processing.
//
// Importing the package registers the module under the name "files" for
// ToolRunner.LoadModule.
package files

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/tyler-ai/tyler"
)

func init() {
	tyler.RegisterModule("files", func() tyler.Tool { return New() })
}

// Option configures the files tool.
type Option func(*Tool)

// WithBaseDir sets the directory that relative file paths resolve under.
// The default follows the disk file store's resolution order, so storage
// paths written by it resolve without extra configuration:
// TYLER_FILE_STORAGE_PATH, then ~/.tyler/files.
func WithBaseDir(dir string) Option {
	return func(t *Tool) { t.baseDir = dir }
}

// Tool reads files and extracts their text content.
type Tool struct {
	baseDir string
}

var _ tyler.Tool = (*Tool)(nil)

// New creates the files tool module.
func New(opts ...Option) *Tool {
	t := &Tool{}
	for _, opt := range opts {
		opt(t)
	}
	if t.baseDir == "" {
		t.baseDir = os.Getenv("TYLER_FILE_STORAGE_PATH")
	}
	if t.baseDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			t.baseDir = filepath.Join(home, ".tyler", "files")
		}
	}
	return t
}

func (t *Tool) Definitions() []tyler.ToolDefinition {
	return []tyler.ToolDefinition{
		{
			Name:        "read-file",
			Description: "Reads and extracts content from files. Can handle text files, PDFs, and other document formats.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"file_url":{"type":"string","description":"URL or path to the file"},"mime_type":{"type":"string","description":"Optional MIME type hint for file processing"}},"required":["file_url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tyler.ToolResult, error) {
	if name != "read-file" {
		return tyler.ToolResult{Error: "unknown files tool: " + name}, nil
	}
	var params struct {
		FileURL  string `json:"file_url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tyler.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if params.FileURL == "" {
		return tyler.ToolResult{Error: "invalid args: file_url is required"}, nil
	}

	path := t.resolvePath(params.FileURL)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errorResult(params.FileURL, "File not found at "+path), nil
		}
		return errorResult(params.FileURL, err.Error()), nil
	}

	result := processContent(content, filepath.Base(path), params.MimeType)
	result["file_url"] = params.FileURL
	return tyler.JSONResult(result), nil
}

// resolvePath turns a file_url into a local filesystem path. A file://
// prefix is stripped; absolute paths and paths that exist relative to the
// working directory are used as-is; anything else resolves under the base
// directory, which is where attachment storage paths live.
func (t *Tool) resolvePath(fileURL string) string {
	path := strings.TrimPrefix(fileURL, "file://")
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if t.baseDir != "" {
		return filepath.Join(t.baseDir, path)
	}
	return path
}

// errorResult reports a failure the same way a successful extraction is
// reported, as a JSON object, so callers that parse tool output into
// processed content see {"error": ..., "file_url": ...}.
func errorResult(fileURL, msg string) tyler.ToolResult {
	return tyler.JSONResult(map[string]any{"error": msg, "file_url": fileURL})
}

// processContent routes content to an extractor by MIME type, detecting the
// type from content and filename when no hint is given. Files named *.pdf
// are processed as PDFs even when their content sniffs as text/plain.
func processContent(content []byte, filename, mimeType string) map[string]any {
	if mimeType == "" {
		mimeType = tyler.DetectMIME(content, filename)
	}
	if mimeType == "text/plain" && strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return processPDF(content)
	}
	switch {
	case mimeType == "application/pdf":
		return processPDF(content)
	case mimeType == "text/csv":
		return processCSV(content)
	case mimeType == "application/json":
		return processJSON(content)
	case strings.HasPrefix(mimeType, "text/"):
		return processText(content)
	default:
		return map[string]any{
			"error":           fmt.Sprintf("Unsupported file type: %s. Currently supporting PDFs, CSV, JSON, and plain text", mimeType),
			"supported_types": []string{"application/pdf", "text/csv", "application/json", "text/plain"},
		}
	}
}

// processPDF extracts text page by page. Pages without extractable text are
// listed in empty_pages; a document with no extractable text at all is an
// error, typically a scanned or image-only PDF.
func processPDF(content []byte) (result map[string]any) {
	// The pdf package panics on some malformed documents.
	defer func() {
		if r := recover(); r != nil {
			result = map[string]any{"error": fmt.Sprintf("Failed to process PDF: %v", r)}
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return map[string]any{"error": "Failed to process PDF: " + err.Error()}
	}
	var pages []string
	emptyPages := []int{}
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			emptyPages = append(emptyPages, i)
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil || strings.TrimSpace(text) == "" {
			emptyPages = append(emptyPages, i)
			continue
		}
		pages = append(pages, fmt.Sprintf("--- Page %d ---\n%s", i, strings.TrimSpace(text)))
	}
	if len(pages) == 0 {
		return map[string]any{"error": "Failed to process PDF: no extractable text"}
	}
	return map[string]any{
		"text":              strings.Join(pages, "\n\n"),
		"type":              "pdf",
		"pages":             r.NumPage(),
		"empty_pages":       emptyPages,
		"processing_method": "text",
	}
}

// processCSV converts rows to labeled paragraphs. The first row is treated
// as headers; each data row becomes "Header1: Value1, Header2: Value2".
func processCSV(content []byte) map[string]any {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(content))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	headers, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return map[string]any{"text": "", "type": "csv", "rows": 0}
		}
		return map[string]any{"error": "Failed to process CSV: " + err.Error()}
	}
	var paragraphs []string
	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return map[string]any{"error": "Failed to process CSV: " + err.Error()}
		}
		rows++
		var fields []string
		for i, val := range record {
			if i >= len(headers) {
				break
			}
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			fields = append(fields, headers[i]+": "+val)
		}
		if len(fields) > 0 {
			paragraphs = append(paragraphs, strings.Join(fields, ", "))
		}
	}
	return map[string]any{
		"text": strings.Join(paragraphs, "\n\n"),
		"type": "csv",
		"rows": rows,
	}
}

// processJSON flattens arbitrary JSON into readable key-value lines, keys
// sorted for stable output.
func processJSON(content []byte) map[string]any {
	var data any
	if err := json.Unmarshal(bytes.TrimSpace(content), &data); err != nil {
		return map[string]any{"error": "Failed to process JSON: " + err.Error()}
	}
	var lines []string
	flattenJSON("", data, &lines, 0)
	return map[string]any{
		"text": strings.Join(lines, "\n"),
		"type": "json",
	}
}

func processText(content []byte) map[string]any {
	return map[string]any{
		"text": string(content),
		"type": "text",
	}
}

// maxJSONDepth bounds recursion over nested JSON input.
const maxJSONDepth = 100

func flattenJSON(prefix string, v any, lines *[]string, depth int) {
	if depth >= maxJSONDepth {
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, label+": <truncated>")
		return
	}
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenJSON(key, val[k], lines, depth+1)
		}
	case []any:
		if allPrimitive(val) {
			strs := make([]string, len(val))
			for i, item := range val {
				strs[i] = formatJSONValue(item)
			}
			*lines = append(*lines, prefix+": "+strings.Join(strs, ", "))
		} else {
			for _, item := range val {
				flattenJSON(prefix, item, lines, depth+1)
			}
		}
	case nil:
		// null values carry no text
	default:
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, label+": "+formatJSONValue(val))
	}
}

func allPrimitive(arr []any) bool {
	for _, v := range arr {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

func formatJSONValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", val)
	}
}
