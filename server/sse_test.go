package server

import (
	"encoding/json"
	"testing"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEHubSubscribeAndPublish(t *testing.T) {
	hub := NewSSEHub(testr.New(t))

	client := hub.Subscribe("test")
	defer hub.Unsubscribe("test", client)

	require.Equal(t, 1, hub.Publish("test", "ping", map[string]string{"hello": "world"}))

	ev := <-client.Ch()
	assert.Equal(t, "test", ev.Channel)
	assert.Equal(t, "ping", ev.Event)

	var data map[string]any
	require.NoError(t, json.Unmarshal(ev.Data, &data))
	assert.Equal(t, "world", data["hello"])

	assert.Equal(t, "event: ping\ndata: {\"hello\":\"world\"}\n\n", ev.Frame())
}

func TestSSEHubRawMessagePassesThrough(t *testing.T) {
	hub := NewSSEHub(testr.New(t))
	client := hub.Subscribe("raw")
	defer hub.Unsubscribe("raw", client)

	hub.Publish("raw", "", json.RawMessage(`{"a":1}`))
	ev := <-client.Ch()
	assert.Equal(t, "data: {\"a\":1}\n\n", ev.Frame())
}

func TestSSEHubUnsubscribeClosesDone(t *testing.T) {
	hub := NewSSEHub(testr.New(t))

	client := hub.Subscribe("chan")
	hub.Unsubscribe("chan", client)

	select {
	case <-client.Done():
	default:
		t.Fatal("expected Done to be closed after unsubscribe")
	}

	assert.Zero(t, hub.Publish("chan", "event", map[string]string{"k": "v"}))
	hub.Unsubscribe("chan", client)
}

func TestSSEHubPublishWithNoSubscribers(t *testing.T) {
	hub := NewSSEHub(testr.New(t))
	assert.Zero(t, hub.Publish("empty", "test", map[string]string{"key": "value"}))
}

func TestSSEHubPublishWithUnmarshalableData(t *testing.T) {
	hub := NewSSEHub(testr.New(t))
	client := hub.Subscribe("test")
	defer hub.Unsubscribe("test", client)

	assert.Zero(t, hub.Publish("test", "test", make(chan int)))
	assert.Empty(t, client.Ch())
}

func BenchmarkSSEHubPublish(b *testing.B) {
	hub := NewSSEHub(logr.Discard())

	const numClients = 500

	for i := 0; i < numClients; i++ {
		c := hub.Subscribe("bench")
		go func(cl *SSEClient) {
			for {
				select {
				case <-cl.Ch():
				case <-cl.Done():
					return
				}
			}
		}(c)
	}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		hub.Publish("bench", "bench", map[string]string{"msg": "x"})
	}
}
