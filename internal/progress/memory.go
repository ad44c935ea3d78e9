package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kiranshivaraju/productlens/pkg/models"
)

// MemoryBroadcaster records published messages in order. It is used by tests
// and single-process runs.
type MemoryBroadcaster struct {
	mu       sync.Mutex
	messages []Message
	Err      error
}

// Message is one recorded publish.
type Message struct {
	Channel string
	Payload []byte
}

func (b *MemoryBroadcaster) Publish(_ context.Context, channel string, payload []byte) error {
	if b.Err != nil {
		return b.Err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (b *MemoryBroadcaster) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.messages...)
}

// Events decodes every recorded payload. Undecodable payloads are skipped.
func (b *MemoryBroadcaster) Events() []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, m := range b.Messages() {
		var ev models.ProgressEvent
		if err := json.Unmarshal(m.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// EventsOfType filters Events by message type.
func (b *MemoryBroadcaster) EventsOfType(typ string) []models.ProgressEvent {
	var out []models.ProgressEvent
	for _, ev := range b.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var _ Broadcaster = (*MemoryBroadcaster)(nil)
