package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/syncer"
)

// newTestServer starts a server on an ephemeral port.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	srv := NewServer(&Config{
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Stop()
	})
	return srv
}

// hostAddr rewrites the server's wildcard listen address into one a
// client can dial.
func hostAddr(t *testing.T, srv *Server) string {
	t.Helper()

	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("bad server addr %q: %v", srv.Addr(), err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

// dial connects a WebSocket client to the test server.
func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+hostAddr(t, srv)+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial dashboard: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	})

	// Registration happens after the upgrade; wait for it so an
	// immediate broadcast is not lost.
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get("http://" + hostAddr(t, srv) + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v", body["status"])
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	srv.BroadcastJSON(MessageTypeStatus, map[string]int{"pending_operations": 2})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeStatus)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	var data map[string]int
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if data["pending_operations"] != 2 {
		t.Errorf("data = %v", data)
	}
}

func TestHandlerOnStatus(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)
	h := NewHandler(srv, log.New(io.Discard, "", 0))

	// Cycle start: status followed by sync_started.
	h.OnStatus(syncer.SyncStatus{IsOnline: true, IsSyncing: true})
	if msg := readMessage(t, conn); msg.Type != MessageTypeStatus {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeStatus)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeSyncStarted {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeSyncStarted)
	}

	// Cycle boundary: status followed by sync_complete.
	now := time.Now()
	h.OnStatus(syncer.SyncStatus{IsOnline: true, LastSyncTime: &now})
	if msg := readMessage(t, conn); msg.Type != MessageTypeStatus {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeStatus)
	}
	if msg := readMessage(t, conn); msg.Type != MessageTypeSyncComplete {
		t.Errorf("type = %q, want %q", msg.Type, MessageTypeSyncComplete)
	}
}

func TestHandlerOnPermanentFailure(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)
	h := NewHandler(srv, log.New(io.Discard, "", 0))

	h.OnPermanentFailure(record.Operation{
		ID:         "op-1",
		Kind:       record.OpCreate,
		EntityType: record.EntityTransactions,
		Attempts:   3,
		LastError:  "connection reset",
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeOpFailed {
		t.Fatalf("type = %q, want %q", msg.Type, MessageTypeOpFailed)
	}

	var data OpFailedData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		t.Fatalf("Failed to decode data: %v", err)
	}
	if data.OperationID != "op-1" || data.Attempts != 3 {
		t.Errorf("data = %+v", data)
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	srv := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	conn := dial(t, srv)

	if err := srv.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("read succeeded after server stop")
	}
}
