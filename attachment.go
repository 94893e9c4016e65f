package tyler

import (
	"context"
	"fmt"
)

// Attachment statuses.
const (
	AttachmentPending = "pending"
	AttachmentStored  = "stored"
	AttachmentFailed  = "failed"
)

// Attachment is a logical file reference bound to a message. Content holds
// the raw bytes only until the attachment is stored; persisted records
// carry metadata and the storage path, never the bytes.
type Attachment struct {
	Filename       string `json:"filename"`
	MimeType       string `json:"mime_type,omitempty"`
	Content        []byte `json:"-"`
	FileID         string `json:"file_id,omitempty"`
	StoragePath    string `json:"storage_path,omitempty"`
	StorageBackend string `json:"storage_backend,omitempty"`
	Status         string `json:"status,omitempty"`
	// ProcessedContent is the structured result of content processing:
	// {type:"image", content:<base64>, mime_type} for images, the read-file
	// tool's output for documents, or {error: "..."} when processing failed.
	ProcessedContent map[string]any `json:"processed_content,omitempty"`
}

// NewAttachment creates a pending attachment from raw bytes.
func NewAttachment(filename string, content []byte, mimeType string) *Attachment {
	return &Attachment{
		Filename: filename,
		MimeType: mimeType,
		Content:  content,
		Status:   AttachmentPending,
	}
}

// URL returns the reference used in chat-completion projections.
func (a *Attachment) URL() string {
	if a.StoragePath == "" {
		return ""
	}
	return "file://" + a.StoragePath
}

// ContentBytes returns the attachment bytes, reading them back from the
// file store when they are no longer held in memory.
func (a *Attachment) ContentBytes(ctx context.Context, fs FileStore) ([]byte, error) {
	if len(a.Content) > 0 {
		return a.Content, nil
	}
	if a.FileID == "" {
		return nil, fmt.Errorf("attachment %q has no content and no file id", a.Filename)
	}
	if fs == nil {
		return nil, fmt.Errorf("attachment %q is stored but no file store is available", a.Filename)
	}
	return fs.Get(ctx, a.FileID)
}

// EnsureStored writes the attachment to the file store if it has not been
// stored yet. On success the file id, storage path, backend, and status
// are updated. On failure the status becomes "failed" and the error is
// returned; storage failures are fatal for the enclosing thread save.
func (a *Attachment) EnsureStored(ctx context.Context, fs FileStore) error {
	if a.Status == AttachmentStored {
		return nil
	}
	if fs == nil {
		return fmt.Errorf("attachment %q: no file store configured", a.Filename)
	}
	if len(a.Content) == 0 {
		return fmt.Errorf("attachment %q has no content to store", a.Filename)
	}
	meta, err := fs.Save(ctx, a.Content, a.Filename, a.MimeType)
	if err != nil {
		a.Status = AttachmentFailed
		return fmt.Errorf("store attachment %q: %w", a.Filename, err)
	}
	a.FileID = meta.ID
	a.StoragePath = meta.StoragePath
	a.StorageBackend = meta.StorageBackend
	if a.MimeType == "" {
		a.MimeType = meta.MimeType
	}
	a.Status = AttachmentStored
	return nil
}
