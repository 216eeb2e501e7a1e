package eventstream

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWorker(t *testing.T, onConnect func(join func([]byte))) *Worker {
	t.Helper()
	w, err := Listen(zerolog.Nop(), Options{
		Addr:         "127.0.0.1:0",
		ResourceType: "node",
		OnConnect:    onConnect,
		CloseTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func dial(t *testing.T, w *Worker) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/", w.Port())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker_BroadcastsInOrder(t *testing.T) {
	w := startWorker(t, nil)
	a := dial(t, w)
	b := dial(t, w)
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 2 })

	for i := 0; i < 5; i++ {
		require.True(t, w.Queue([]byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	for _, conn := range []*websocket.Conn{a, b} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for i := 0; i < 5; i++ {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), string(data))
		}
	}
}

func TestWorker_OnConnectRunsPerClient(t *testing.T) {
	var calls atomic.Int32
	w := startWorker(t, func(join func([]byte)) {
		n := calls.Add(1)
		join([]byte(fmt.Sprintf(`"sync %d"`, n)))
	})

	first := dial(t, w)
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := first.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"sync 1"`, string(data))

	second := dial(t, w)
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"sync 2"`, string(data))
	assert.Equal(t, int32(2), calls.Load())

	// The first client only sees what is queued from now on.
	require.True(t, w.Queue([]byte(`"delta"`)))
	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, `"delta"`, string(data))
	}
}

func TestWorker_LateClientSkipsEarlierMessages(t *testing.T) {
	w := startWorker(t, nil)
	early := dial(t, w)
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 1 })

	require.True(t, w.Queue([]byte(`"before"`)))
	_ = early.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := early.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"before"`, string(data))

	late := dial(t, w)
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 2 })
	require.True(t, w.Queue([]byte(`"after"`)))

	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = late.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `"after"`, string(data))
}

func TestWorker_OnConnectCanReject(t *testing.T) {
	w := startWorker(t, func(join func([]byte)) {})

	conn := dial(t, w)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, w.Clients())
}

func TestWorker_CloseDisconnectsClientsPromptly(t *testing.T) {
	w := startWorker(t, nil)
	conn := dial(t, w)
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 1 })

	start := time.Now()
	require.NoError(t, w.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.False(t, isTimeout(err), "client should be disconnected, not time out")
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.NoError(t, w.Close(), "second close is a no-op")
	assert.False(t, w.Queue([]byte("late")))

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestWorker_ClientDisconnectIsNoticed(t *testing.T) {
	w := startWorker(t, nil)
	conn := dial(t, w)
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 1 })

	_ = conn.Close()
	waitFor(t, 2*time.Second, func() bool { return w.Clients() == 0 })
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}
