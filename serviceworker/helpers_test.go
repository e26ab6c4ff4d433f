package serviceworker

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"go-socket/config"
	"go-socket/ipc"
)

type emitted struct {
	event   string
	payload map[string]any
}

// fakeBridge records emitted events and can react to them.
type fakeBridge struct {
	mu     sync.Mutex
	events []emitted
	onEmit func(event string, payload map[string]any)
	refuse bool
}

func (b *fakeBridge) Emit(event, payload string) bool {
	var obj map[string]any
	_ = json.Unmarshal([]byte(payload), &obj)

	b.mu.Lock()
	if b.refuse {
		b.mu.Unlock()
		return false
	}
	b.events = append(b.events, emitted{event: event, payload: obj})
	hook := b.onEmit
	b.mu.Unlock()

	if hook != nil {
		hook(event, obj)
	}
	return true
}

func (b *fakeBridge) count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.event == event {
			n++
		}
	}
	return n
}

func (b *fakeBridge) last(event string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].event == event {
			return b.events[i].payload, true
		}
	}
	return nil, false
}

func (b *fakeBridge) Active() bool { return true }

func (b *fakeBridge) Send(client uint64, seq, payload string, post *ipc.Post) bool {
	return true
}

// fetchID extracts the correlation id of a serviceWorker.fetch payload.
func fetchID(t *testing.T, payload map[string]any) uint64 {
	t.Helper()
	fetch, ok := payload["fetch"].(map[string]any)
	require.True(t, ok, "payload has no fetch object: %v", payload)
	id, err := strconv.ParseUint(fetch["id"].(string), 10, 64)
	require.NoError(t, err)
	return id
}

func newTestContainer(t *testing.T, settings config.Settings, bridge *fakeBridge) *Container {
	t.Helper()
	c := NewContainer(Options{PollInterval: time.Millisecond, FetchTimeout: 2 * time.Second}, testr.New(t))
	if settings == nil {
		settings = config.Settings{"meta_bundle_identifier": "co.example.app"}
	}
	c.Init(settings, bridge, nil)
	t.Cleanup(c.Close)
	return c
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
