// Package transcript defines the conversation record produced from the
// agent stream: entries with a role, a timestamp, and ordered content pieces.
package transcript

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid returns true if the role is recognized.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Entry is one finalized transcript item. Entries are immutable once handed
// to a store.
type Entry struct {
	ID        uuid.UUID
	Role      Role
	Timestamp time.Time
	Content   []Content
}

// NewEntry stamps a fresh id and the current time.
func NewEntry(role Role, content ...Content) Entry {
	return Entry{
		ID:        uuid.New(),
		Role:      role,
		Timestamp: time.Now(),
		Content:   content,
	}
}

// Text concatenates the entry's text pieces.
func (e Entry) Text() string {
	var s string
	for _, c := range e.Content {
		if t, ok := c.(Text); ok {
			s += t.Text
		}
	}
	return s
}

type entryJSON struct {
	ID        uuid.UUID         `json:"id"`
	Role      Role              `json:"role"`
	Timestamp time.Time         `json:"timestamp"`
	Content   []json.RawMessage `json:"content"`
}

// MarshalJSON writes each content piece with its type discriminator.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		ID:        e.ID,
		Role:      e.Role,
		Timestamp: e.Timestamp,
		Content:   make([]json.RawMessage, 0, len(e.Content)),
	}
	for _, c := range e.Content {
		raw, err := MarshalContent(c)
		if err != nil {
			return nil, err
		}
		out.Content = append(out.Content, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if !in.Role.IsValid() {
		return fmt.Errorf("transcript: invalid role %q", in.Role)
	}

	content := make([]Content, 0, len(in.Content))
	for i, raw := range in.Content {
		c, err := UnmarshalContent(raw)
		if err != nil {
			return fmt.Errorf("transcript: content[%d]: %w", i, err)
		}
		content = append(content, c)
	}

	*e = Entry{
		ID:        in.ID,
		Role:      in.Role,
		Timestamp: in.Timestamp,
		Content:   content,
	}
	return nil
}
