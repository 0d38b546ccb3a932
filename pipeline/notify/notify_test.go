package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogBusLevels(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	bus := NewLogBus(zap.New(core).Sugar())

	bus.Publish(Event{Kind: KindInfo, Title: "Import started", JobID: "j1"})
	bus.Publish(Event{Kind: KindError, Title: "Import failed", JobID: "j1", Description: "disk full"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)

	fields := entries[1].ContextMap()
	assert.Equal(t, "Import failed", fields["title"])
	assert.Equal(t, "j1", fields["job_id"])
	assert.Equal(t, "disk full", fields["description"])
}

func TestMultiBusFansOut(t *testing.T) {
	var a, b recordingBus
	MultiBus{&a, &b}.Publish(Event{Title: "queued"})
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

type recordingBus struct {
	events []Event
}

func (r *recordingBus) Publish(ev Event) {
	r.events = append(r.events, ev)
}

func dialBroadcaster(t *testing.T, b *Broadcaster) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBroadcasterDeliversEvents(t *testing.T) {
	b := NewBroadcaster(context.Background(), nil)
	defer b.Close()
	conn := dialBroadcaster(t, b)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	b.Publish(Event{Kind: KindSuccess, Title: "Import finished", JobID: "j7"})

	var got Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, KindSuccess, got.Kind)
	assert.Equal(t, "Import finished", got.Title)
	assert.Equal(t, "j7", got.JobID)
}

func TestBroadcasterDetachesOnDisconnect(t *testing.T) {
	b := NewBroadcaster(context.Background(), nil)
	defer b.Close()
	conn := dialBroadcaster(t, b)

	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return b.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	// Publishing with no listeners is a no-op.
	b.Publish(Event{Title: "after disconnect"})
}

func TestBroadcasterCloseDetachesClients(t *testing.T) {
	b := NewBroadcaster(context.Background(), nil)
	dialBroadcaster(t, b)
	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	b.Close()
	assert.Zero(t, b.ClientCount())
}
