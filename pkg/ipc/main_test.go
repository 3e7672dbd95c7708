package ipc

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockChannel records sent messages and lets tests inject inbound ones
type mockChannel struct {
	mu         sync.Mutex
	sent       []any
	handler    func(raw json.RawMessage)
	subscribes int
	sendErr    error
	onSend     func(msg any)
}

func (m *mockChannel) Send(msg any) error {
	m.mu.Lock()
	if m.sendErr != nil {
		m.mu.Unlock()
		return m.sendErr
	}
	m.sent = append(m.sent, msg)
	onSend := m.onSend
	m.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (m *mockChannel) Subscribe(handler func(raw json.RawMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
	m.subscribes++
}

func (m *mockChannel) deliver(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	m.deliverRaw(string(data))
}

func (m *mockChannel) deliverRaw(raw string) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	handler(json.RawMessage(raw))
}

// sentJSON returns every sent message in its JSON form
func (m *mockChannel) sentJSON(t *testing.T) []string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		out = append(out, string(data))
	}
	return out
}

func request(identity, topic string, message any) map[string]any {
	return map[string]any{
		"__type":   "yzb_ipc_node_message",
		"identity": identity,
		"data":     map[string]any{"topic": topic, "message": message},
	}
}
