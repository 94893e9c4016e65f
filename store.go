package tyler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// ThreadStore is the persistence contract for threads.
//
// Implementations never persist system messages: Save strips them from the
// stored record (the caller's in-memory thread is left untouched) and Get
// returns only non-system messages. The agent re-injects the system prompt
// on each turn.
//
// All implementations must be safe for concurrent use across turns.
type ThreadStore interface {
	// Initialize prepares the backend (creates tables, directories).
	// Idempotent.
	Initialize(ctx context.Context) error
	// Save writes the thread atomically and returns it. Attachments are
	// persisted to the file store before the thread record is committed;
	// when any attachment fails, the thread is not committed and files
	// written during this call are rolled back best-effort.
	Save(ctx context.Context, t *Thread) (*Thread, error)
	// Get returns the stored thread, or (nil, nil) when it does not exist.
	Get(ctx context.Context, id string) (*Thread, error)
	// Delete removes the thread. Returns false when it did not exist.
	Delete(ctx context.Context, id string) (bool, error)
	// List returns threads newest-first by UpdatedAt.
	List(ctx context.Context, limit, offset int) ([]*Thread, error)
	// ListRecent returns the most recently updated threads.
	ListRecent(ctx context.Context, limit int) ([]*Thread, error)
	// FindByAttributes returns threads whose attributes contain every
	// given key with exactly the given value.
	FindByAttributes(ctx context.Context, attrs map[string]any) ([]*Thread, error)
	// FindBySource returns threads whose source name matches and whose
	// source contains every given property.
	FindBySource(ctx context.Context, name string, props map[string]any) ([]*Thread, error)
}

// --- File store contract ---

// File store errors.
var (
	ErrFileNotFound        = errors.New("tyler: file not found")
	ErrFileTooLarge        = errors.New("tyler: file exceeds maximum size")
	ErrUnsupportedFileType = errors.New("tyler: unsupported file type")
	ErrStorageFull         = errors.New("tyler: file storage is full")
)

// FileMetadata describes one stored file.
type FileMetadata struct {
	ID             string    `json:"id"`
	Filename       string    `json:"filename"`
	MimeType       string    `json:"mime_type"`
	StoragePath    string    `json:"storage_path"`
	StorageBackend string    `json:"storage_backend"`
	Size           int64     `json:"size"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileInput is one file in a batch save.
type FileInput struct {
	Filename string
	Content  []byte
	MimeType string
}

// StoreHealth reports a file store's state.
type StoreHealth struct {
	Healthy   bool  `json:"healthy"`
	Files     int   `json:"files"`
	TotalSize int64 `json:"total_size"`
}

// FileStore is the persistence contract for attachment bytes. Storage is
// sharded by the first two characters of the file id. Implementations
// must be safe for concurrent use.
type FileStore interface {
	// Save validates content against the store's size and MIME limits and
	// writes it under a sharded path. An empty mimeType is sniffed.
	Save(ctx context.Context, content []byte, filename, mimeType string) (*FileMetadata, error)
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	// ListFiles returns the ids of all stored files.
	ListFiles(ctx context.Context) ([]string, error)
	BatchSave(ctx context.Context, files []FileInput) ([]*FileMetadata, error)
	BatchDelete(ctx context.Context, ids []string) error
	// CleanupOrphaned deletes stored files whose id is not in live.
	// Returns the number of files removed.
	CleanupOrphaned(ctx context.Context, live map[string]bool) (int, error)
	CheckHealth(ctx context.Context) (StoreHealth, error)
}

// StoreAttachments persists every pending attachment in the thread through
// fs. Attachments already stored, or marked failed by earlier processing,
// are skipped. When one fails, files stored during this call are deleted
// again (best-effort) and the error is returned; the caller must not
// commit the thread record.
func StoreAttachments(ctx context.Context, t *Thread, fs FileStore) error {
	var storedNow []string
	for _, m := range t.Messages {
		for _, a := range m.Attachments {
			if a == nil || a.Status != AttachmentPending {
				continue
			}
			if err := a.EnsureStored(ctx, fs); err != nil {
				for _, id := range storedNow {
					_ = fs.Delete(ctx, id)
				}
				return err
			}
			storedNow = append(storedNow, a.FileID)
		}
	}
	return nil
}

// --- In-memory thread store ---

// MemoryThreadStore keeps threads in a process-local map. Save and Get
// exchange deep copies, so stored threads are isolated from later caller
// mutations exactly like a durable backend.
type MemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewMemoryThreadStore creates an empty in-memory thread store.
func NewMemoryThreadStore() *MemoryThreadStore {
	return &MemoryThreadStore{threads: make(map[string]*Thread)}
}

var _ ThreadStore = (*MemoryThreadStore)(nil)

func (s *MemoryThreadStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryThreadStore) Save(ctx context.Context, t *Thread) (*Thread, error) {
	stored, err := copyThread(t)
	if err != nil {
		return nil, fmt.Errorf("save thread %s: %w", t.ID, err)
	}
	stripSystem(stored)
	s.mu.Lock()
	s.threads[t.ID] = stored
	s.mu.Unlock()
	return t, nil
}

func (s *MemoryThreadStore) Get(ctx context.Context, id string) (*Thread, error) {
	s.mu.RLock()
	stored, ok := s.threads[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return copyThread(stored)
}

func (s *MemoryThreadStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return false, nil
	}
	delete(s.threads, id)
	return true, nil
}

func (s *MemoryThreadStore) List(ctx context.Context, limit, offset int) ([]*Thread, error) {
	s.mu.RLock()
	all := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		all = append(all, t)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	out := make([]*Thread, 0, len(all))
	for _, t := range all {
		c, err := copyThread(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryThreadStore) ListRecent(ctx context.Context, limit int) ([]*Thread, error) {
	return s.List(ctx, limit, 0)
}

func (s *MemoryThreadStore) FindByAttributes(ctx context.Context, attrs map[string]any) ([]*Thread, error) {
	return s.find(func(t *Thread) bool { return mapsContain(t.Attributes, attrs) })
}

func (s *MemoryThreadStore) FindBySource(ctx context.Context, name string, props map[string]any) ([]*Thread, error) {
	return s.find(func(t *Thread) bool {
		if t.Source == nil || t.Source["name"] != name {
			return false
		}
		return mapsContain(t.Source, props)
	})
}

func (s *MemoryThreadStore) find(match func(*Thread) bool) ([]*Thread, error) {
	s.mu.RLock()
	var hits []*Thread
	for _, t := range s.threads {
		if match(t) {
			hits = append(hits, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].UpdatedAt.After(hits[j].UpdatedAt) })
	out := make([]*Thread, 0, len(hits))
	for _, t := range hits {
		c, err := copyThread(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// mapsContain reports whether m contains every key of want with an exactly
// equal value. Values are compared after a JSON round-trip, so numbers,
// booleans, nulls, nested objects, and arrays all compare sanely.
func mapsContain(m, want map[string]any) bool {
	for k, v := range want {
		got, ok := m[k]
		if !ok {
			return false
		}
		if !jsonEqual(got, v) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	var av, bv any
	if json.Unmarshal(ab, &av) != nil || json.Unmarshal(bb, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// copyThread deep-copies a thread via JSON round-trip. Attachment bytes are
// excluded from JSON, so they are carried over explicitly.
func copyThread(t *Thread) (*Thread, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var c Thread
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	for i, m := range t.Messages {
		for j, a := range m.Attachments {
			if a != nil && len(a.Content) > 0 {
				c.Messages[i].Attachments[j].Content = a.Content
			}
		}
	}
	return &c, nil
}

// stripSystem removes system messages from a thread in place.
func stripSystem(t *Thread) {
	kept := t.Messages[:0]
	for _, m := range t.Messages {
		if m.Role != RoleSystem {
			kept = append(kept, m)
		}
	}
	t.Messages = kept
}
