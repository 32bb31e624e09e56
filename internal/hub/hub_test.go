package hub

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := New(log, nil)
	stop := make(chan struct{})
	go h.Run(stop)
	t.Cleanup(func() { close(stop) })
	return h
}

func TestRegisterAndBindSession(t *testing.T) {
	h := newTestHub(t)
	conn := &Connection{ID: "c1", Send: make(chan []byte, 4), LastActivity: time.Now()}

	h.Register(conn)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.ConnectionCount())

	h.BindSession(conn, "sess-1")
	assert.Equal(t, 1, h.SessionCount())
	assert.True(t, conn.Initialized)
}

func TestBroadcastDeliversToBoundConnections(t *testing.T) {
	h := newTestHub(t)
	conn := &Connection{ID: "c2", Send: make(chan []byte, 4), LastActivity: time.Now()}
	h.Register(conn)
	time.Sleep(10 * time.Millisecond)
	h.BindSession(conn, "sess-2")

	require.NoError(t, h.BroadcastJSON("sess-2", map[string]string{"type": "done"}))

	select {
	case msg := <-conn.Send:
		assert.Contains(t, string(msg), "done")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestStaleConnectionsDetectsIdle(t *testing.T) {
	h := newTestHub(t)
	conn := &Connection{ID: "c3", Send: make(chan []byte, 4), LastActivity: time.Now().Add(-time.Hour)}
	h.Register(conn)
	time.Sleep(10 * time.Millisecond)

	stale := h.StaleConnections(time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "c3", stale[0].ID)
}

func TestUnregisterRemovesConnection(t *testing.T) {
	h := newTestHub(t)
	conn := &Connection{ID: "c4", Send: make(chan []byte, 4), LastActivity: time.Now()}
	h.Register(conn)
	time.Sleep(10 * time.Millisecond)
	h.BindSession(conn, "sess-4")

	h.Unregister(conn)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, h.ConnectionCount())
	assert.Equal(t, 0, h.SessionCount())
}
