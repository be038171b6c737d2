package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/treesync/internal/remotetree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBatch(t *testing.T) {
	raw := []byte(`{"type":"changes","origin":"me","changes":[
		{"kind":"added","node":{"id":"n1","parent_id":"p","type":"file","name":"a.txt","size":3,"modified":"2026-03-01T10:00:00Z"}},
		{"kind":"deleted","node":{"id":"n2","parent_id":"p","type":"folder","name":"docs"}}]}`)

	msg, err := Decode(raw)
	require.NoError(t, err)

	batch, err := msg.Batch("me")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, remotetree.PushAdded, batch[0].Kind)
	assert.Equal(t, remotetree.File, batch[0].Node.Type)
	assert.EqualValues(t, 3, batch[0].Node.Size)
	assert.True(t, batch[0].Mine)
	assert.Equal(t, remotetree.PushDeleted, batch[1].Kind)
	assert.Equal(t, remotetree.Folder, batch[1].Node.Type)

	batch, err = msg.Batch("someone-else")
	require.NoError(t, err)
	assert.False(t, batch[0].Mine)

	msg.Changes[0].Kind = "renamed"
	_, err = msg.Batch("me")
	assert.Error(t, err)
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/events", websocketURL("http://localhost:8080/events", ""))
	assert.Equal(t, "wss://example.com/events?client=c1", websocketURL("https://example.com/events", "c1"))
	assert.Equal(t, "wss://example.com/events", websocketURL("example.com/events", ""))
}

func TestSubscriberReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "me", r.URL.Query().Get("client"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := context.Background()
		if conns.Add(1) == 1 {
			for _, origin := range []string{"me", "other"} {
				raw, err := Encode(&Message{Type: TypeChanges, Origin: origin, Changes: []Change{
					{Kind: "updated", Node: Node{ID: "n1", ParentID: "p", Type: "file", Name: "a.txt"}},
				}})
				if !assert.NoError(t, err) || !assert.NoError(t, conn.Write(ctx, websocket.MessageText, raw)) {
					return
				}
			}
			assert.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"hello"}`)))
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		// second connection stays open until the client leaves
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	var mu sync.Mutex
	var batches []remotetree.PushBatch
	var connects atomic.Int32

	sub := New(srv.URL, "me", func(b remotetree.PushBatch) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, b)
	}, WithOnConnect(func() { connects.Add(1) }), withBackoff(10*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	assert.Eventually(t, func() bool { return connects.Load() == 2 && sub.IsConnected() }, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Len(t, batches, 2)
	assert.True(t, batches[0][0].Mine)
	assert.False(t, batches[1][0].Mine)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.False(t, sub.IsConnected())
}
