// Package envelope implements the canonical payload envelope for domain
// messages carried over the bus (spec.md §6), a trimmed adaptation of the
// teacher's internal/envelope/envelope.go Envelope type — kept fields are
// exactly the ones spec.md's wire format names (messageId, type, from,
// timestamp, content) plus Headers/Properties for extensibility; dropped
// fields (CorrelationID, TraceID/SpanID, HopCount, Route, Priority,
// Persistent) belonged to cellorg's routing/tracing concerns, which have
// no equivalent in this bus.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical payload envelope for domain messages.
type Envelope struct {
	MessageID  string                 `json:"messageId"`
	Type       string                 `json:"type"`
	From       string                 `json:"from"`
	Timestamp  time.Time              `json:"timestamp"`
	Content    json.RawMessage        `json:"content"`
	Headers    map[string]string      `json:"headers,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// New builds an Envelope with a fresh message id and the current UTC time.
func New(typ, from string, content interface{}) (*Envelope, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal content: %w", err)
	}
	return &Envelope{
		MessageID: uuid.NewString(),
		Type:      typ,
		From:      from,
		Timestamp: time.Now().UTC(),
		Content:   raw,
	}, nil
}

// UnmarshalContent decodes Content into v.
func (e *Envelope) UnmarshalContent(v interface{}) error {
	return json.Unmarshal(e.Content, v)
}

func (e *Envelope) SetHeader(key, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
}

func (e *Envelope) GetHeader(key string) (string, bool) {
	v, ok := e.Headers[key]
	return v, ok
}

// Validate checks the required fields are populated, mirroring the
// teacher's Envelope.Validate.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("envelope: messageId is required")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope: type is required")
	}
	if e.From == "" {
		return fmt.Errorf("envelope: from is required")
	}
	if len(e.Content) == 0 {
		return fmt.Errorf("envelope: content is required")
	}
	return nil
}

func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
