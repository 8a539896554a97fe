package tcpserver

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerratar/RavenNest-sub002/internal/token"
)

// pipeWrapper returns a wrapper over one end of an in-memory pipe and a
// channel of batches decoded from the other end.
func pipeWrapper(t *testing.T, capacity, maxSize int) (*Wrapper, <-chan EventBatch) {
	t.Helper()
	server, client := net.Pipe()
	w := NewWrapper(1, server, capacity, maxSize, nil)
	t.Cleanup(func() {
		w.Close()
		client.Close()
	})

	batches := make(chan EventBatch, 64)
	go func() {
		defer close(batches)
		for {
			data, err := readFrame(client, maxSize)
			if err != nil {
				return
			}
			var batch EventBatch
			if json.Unmarshal(data, &batch) == nil {
				batches <- batch
			}
		}
	}()
	return w, batches
}

func TestWrapperBindTokenOnce(t *testing.T) {
	server, _ := net.Pipe()
	w := NewWrapper(1, server, 256, 1024, nil)
	defer w.Close()

	assert.Nil(t, w.Token())
	require.NoError(t, w.BindToken(&token.SessionToken{UserName: "first"}))
	assert.Equal(t, "first", w.Token().UserName)

	err := w.BindToken(&token.SessionToken{UserName: "second"})
	require.Error(t, err)
	assert.Equal(t, "first", w.Token().UserName)
}

func TestWrapperSendRejectsOversize(t *testing.T) {
	server, _ := net.Pipe()
	w := NewWrapper(1, server, 256, 32, nil)
	defer w.Close()

	big := map[string]string{"data": string(make([]byte, 100))}
	assert.False(t, w.Send(big))
}

func TestWrapperDrainSendsBatch(t *testing.T) {
	w, batches := pipeWrapper(t, 256, 4096)

	for i := 0; i < 5; i++ {
		w.Enqueue(Event{Type: fmt.Sprintf("ev-%d", i)})
	}
	go w.ProcessSendQueue(32)

	select {
	case batch := <-batches:
		require.Len(t, batch.Events, 5)
		for i, ev := range batch.Events {
			assert.Equal(t, fmt.Sprintf("ev-%d", i), ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a drained batch")
	}
	assert.Equal(t, 0, w.QueueLen())
}

func TestWrapperThrottlesSlowConsumer(t *testing.T) {
	const (
		capacity  = 256
		throttled = 32
		maxSize   = 1024
	)
	w, batches := pipeWrapper(t, capacity, maxSize)

	for i := 0; i < capacity; i++ {
		w.Enqueue(Event{Type: fmt.Sprintf("ev-%03d", i)})
	}

	// The full 256-item batch exceeds the frame limit; the queue must be
	// throttled and nothing dropped.
	w.ProcessSendQueue(throttled)
	assert.Equal(t, throttled, w.Capacity())
	assert.Equal(t, capacity, w.QueueLen())

	// Subsequent drains deliver everything in small batches, in order.
	var received []Event
	for len(received) < capacity {
		go w.ProcessSendQueue(throttled)
		select {
		case batch := <-batches:
			require.LessOrEqual(t, len(batch.Events), throttled)
			received = append(received, batch.Events...)
		case <-time.After(time.Second):
			t.Fatalf("Expected more batches, got %d events", len(received))
		}
	}

	require.Len(t, received, capacity)
	for i, ev := range received {
		assert.Equal(t, fmt.Sprintf("ev-%03d", i), ev.Type)
	}
	assert.Equal(t, throttled, w.Capacity(), "throttling is permanent")
}

func TestWrapperDrainEmptyQueueIsNoop(t *testing.T) {
	w, batches := pipeWrapper(t, 256, 1024)
	w.ProcessSendQueue(32)

	select {
	case batch, ok := <-batches:
		if ok {
			t.Fatalf("Expected no batch, got %d events", len(batch.Events))
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWrapperCloseIdempotent(t *testing.T) {
	server, _ := net.Pipe()
	w := NewWrapper(1, server, 256, 1024, nil)
	w.Close()
	w.Close()

	select {
	case <-w.Done():
	default:
		t.Fatal("Expected Done() to be closed")
	}
}
