package tyler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// readFileToolName is the externally registered tool that document
// attachments are dispatched to for content extraction.
const readFileToolName = "read-file"

// DetectMIME returns the MIME type of data: content sniffing first, then
// the filename extension, then application/octet-stream. Parameters such
// as charset are stripped.
func DetectMIME(data []byte, filename string) string {
	if len(data) > 0 {
		if sniffed := bareMIME(http.DetectContentType(data)); sniffed != "application/octet-stream" {
			return sniffed
		}
	}
	if ext := filepath.Ext(filename); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return bareMIME(mt)
		}
	}
	return "application/octet-stream"
}

func bareMIME(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.TrimSpace(mt)
}

// processAttachments prepares every attachment on msg for the LLM call:
// bytes are resolved, MIME is detected when undeclared, images become
// base64 processed content, documents are extracted through the read-file
// tool, and the attachment is persisted so outgoing messages can reference
// it. A failing attachment records its error in processed content and does
// not abort the turn; only context cancellation does.
func (a *Agent) processAttachments(ctx context.Context, msg *Message) error {
	for _, att := range msg.Attachments {
		if att == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		a.processAttachment(ctx, att)
	}
	return nil
}

func (a *Agent) processAttachment(ctx context.Context, att *Attachment) {
	content, err := att.ContentBytes(ctx, a.fileStore)
	if err != nil {
		att.ProcessedContent = processingError(err.Error())
		return
	}
	if att.MimeType == "" {
		att.MimeType = DetectMIME(content, att.Filename)
	}

	if strings.HasPrefix(att.MimeType, "image/") {
		att.ProcessedContent = map[string]any{
			"type":      "image",
			"content":   base64.StdEncoding.EncodeToString(content),
			"mime_type": att.MimeType,
		}
		a.ensureAttachmentStored(ctx, att)
		return
	}

	// Documents need a storage path before read-file can address them.
	a.ensureAttachmentStored(ctx, att)
	if att.Status == AttachmentFailed {
		return
	}
	if att.StoragePath == "" {
		att.ProcessedContent = processingError("no file store configured")
		return
	}
	if !a.tools.Has(readFileToolName) {
		att.ProcessedContent = processingError("unsupported file type " + att.MimeType)
		return
	}

	args, _ := json.Marshal(map[string]string{
		"file_url":  att.StoragePath,
		"mime_type": att.MimeType,
	})
	res := a.tools.ExecuteToolCall(ctx, ToolCall{
		ID:       NewID(),
		Type:     "function",
		Function: FunctionCall{Name: readFileToolName, Arguments: string(args)},
	})

	var parsed map[string]any
	if err := json.Unmarshal([]byte(res.Content), &parsed); err != nil {
		att.ProcessedContent = processingError(res.Content)
		return
	}
	att.ProcessedContent = parsed
}

// ensureAttachmentStored persists the attachment when a file store is
// configured. Storage failures here are recorded on the attachment, not
// raised; the save path skips failed attachments.
func (a *Agent) ensureAttachmentStored(ctx context.Context, att *Attachment) {
	if a.fileStore == nil || att.Status != AttachmentPending {
		return
	}
	if err := att.EnsureStored(ctx, a.fileStore); err != nil {
		att.ProcessedContent = processingError(err.Error())
		a.logger.Warn("attachment storage failed", "filename", att.Filename, "error", err)
	}
}

func processingError(reason string) map[string]any {
	return map[string]any{"error": "Failed to process file: " + reason}
}
