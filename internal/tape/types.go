// Package tape implements the append-only Tape log: entries, forks,
// anchors, and the process-wide Manifest, per spec.md §3/§4.4. Shapes are
// grounded directly in original_source/src/bub/tape/types.py's
// TapeMeta/Anchor/Manifest dataclasses, translated into immutable Go
// structs plus a mutex-guarded Manifest.
package tape

import (
	"encoding/json"
	"time"
)

// Kind is the tape entry discriminator.
type Kind string

const (
	KindMessage    Kind = "message"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindAnchor     Kind = "anchor"
	KindEvent      Kind = "event"
)

// Entry is one immutable record on a tape. ID is assigned by the store at
// append time and is strictly increasing and gapless within a tape.
type Entry struct {
	ID      int64                  `json:"id"`
	Kind    Kind                   `json:"kind"`
	Payload map[string]interface{} `json:"payload"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// MarshalNDJSON renders the entry as one JSON line (no trailing newline).
func (e *Entry) MarshalNDJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ForkPoint records "this tape reuses the source's entries up to
// SplitEntryID and diverges afterwards" (spec.md §3's Tape.parent).
type ForkPoint struct {
	SourceTapeID string `json:"source_tape_id" msgpack:"source_tape_id"`
	SplitEntryID int64  `json:"split_entry_id" msgpack:"split_entry_id"`
}

// Meta is a tape's metadata record, the Go shape of
// original_source/src/bub/tape/types.py's TapeMeta.
type Meta struct {
	ID        string     `json:"id" msgpack:"id"`
	File      string     `json:"file" msgpack:"file"`
	Title     string     `json:"title,omitempty" msgpack:"title,omitempty"`
	Parent    *ForkPoint `json:"parent,omitempty" msgpack:"parent,omitempty"`
	CreatedAt time.Time  `json:"created_at" msgpack:"created_at"`
}

// Anchor is a named pointer into a tape, per spec.md §3.
type Anchor struct {
	Name      string                 `json:"name" msgpack:"name"`
	TapeID    string                 `json:"tape_id" msgpack:"tape_id"`
	EntryID   int64                  `json:"entry_id" msgpack:"entry_id"`
	State     map[string]interface{} `json:"state,omitempty" msgpack:"state,omitempty"`
	CreatedAt time.Time              `json:"created_at" msgpack:"created_at"`
}

// BootstrapAnchorName is the anchor every session creates at tape birth
// and that reset() preserves or rebuilds.
const BootstrapAnchorName = "session/start"
