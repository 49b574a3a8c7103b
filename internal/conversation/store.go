package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/zjrosen/perch/internal/transcript"
)

// Store persists finalized entries. The assembler logs store errors and
// carries on; they never reach the stream.
type Store interface {
	CreateEntry(ctx context.Context, entry transcript.Entry) error
	UpdateSessionIdentifier(ctx context.Context, id string) error
}

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   []transcript.Entry
	sessionID string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) CreateEntry(_ context.Context, entry transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryStore) UpdateSessionIdentifier(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	return nil
}

// Entries returns a copy of the stored entries in insertion order.
func (s *MemoryStore) Entries() []transcript.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]transcript.Entry(nil), s.entries...)
}

// SessionID returns the last identifier recorded.
func (s *MemoryStore) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// Record kinds written by JSONLStore.
const (
	RecordEntry   = "entry"
	RecordSession = "session"
)

// Record is one line of a JSONL transcript.
type Record struct {
	Kind      string            `json:"kind"`
	Entry     *transcript.Entry `json:"entry,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
}

// JSONLStore writes every change as one JSON line.
type JSONLStore struct {
	mu  sync.Mutex
	enc *json.Encoder
}

var _ Store = (*JSONLStore)(nil)

// NewJSONLStore writes records to w.
func NewJSONLStore(w io.Writer) *JSONLStore {
	return &JSONLStore{enc: json.NewEncoder(w)}
}

func (s *JSONLStore) CreateEntry(_ context.Context, entry transcript.Entry) error {
	return s.write(Record{Kind: RecordEntry, Entry: &entry})
}

func (s *JSONLStore) UpdateSessionIdentifier(_ context.Context, id string) error {
	return s.write(Record{Kind: RecordSession, SessionID: id})
}

func (s *JSONLStore) write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write %s record: %w", rec.Kind, err)
	}
	return nil
}

