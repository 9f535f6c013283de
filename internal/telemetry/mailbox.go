package telemetry

import (
	"sync"

	"github.com/care/visionx/internal/types"
)

// mailbox is an unbounded FIFO handoff between the reader goroutine and
// the consumer. Publish never blocks on the consumer.
type mailbox struct {
	mu    sync.Mutex
	items []types.TelemetryMessage
}

func (m *mailbox) publish(msg types.TelemetryMessage) {
	m.mu.Lock()
	m.items = append(m.items, msg)
	m.mu.Unlock()
}

func (m *mailbox) poll() (types.TelemetryMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return types.TelemetryMessage{}, false
	}
	msg := m.items[0]
	m.items[0] = types.TelemetryMessage{}
	m.items = m.items[1:]
	return msg, true
}

func (m *mailbox) drain() []types.TelemetryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.items
	m.items = nil
	return out
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
