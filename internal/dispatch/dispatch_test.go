package dispatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/protocol"
	"github.com/bifrost-sync/bifrost/internal/session"
	"github.com/gorilla/websocket"
)

func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side connection")
	}
	panic("unreachable")
}

func TestDispatcher_PushUpdateDeliversFullSnapshot(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	s := reg.CreateSession()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	_, dc, err := reg.AdmitDevice(s.ID, serverConn, session.ConnectInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("AdmitDevice: %v", err)
	}
	defer dc.Close(0, "")

	d := New(reg, 10*time.Millisecond)
	doc := ir.Document{SchemaVersion: "1", Framework: "A", Roots: []string{"root"}, Nodes: map[string]ir.Node{"root": {ID: "root", Type: "widget"}}}
	d.PushUpdate(s.ID, doc, false)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var payload protocol.UpdatePayload
	if err := protocol.DecodePayload(frame, &payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1", payload.SequenceNumber)
	}
	if payload.Kind != protocol.UpdateFull {
		t.Errorf("Kind = %q, want full (no prior IR to delta against)", payload.Kind)
	}
	if payload.Schema == nil || payload.Schema.Framework != "A" {
		t.Errorf("Schema missing or wrong: %+v", payload.Schema)
	}
}

func TestDispatcher_PushUpdateLastWinsWithinThrottle(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	s := reg.CreateSession()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	_, dc, err := reg.AdmitDevice(s.ID, serverConn, session.ConnectInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("AdmitDevice: %v", err)
	}
	defer dc.Close(0, "")

	d := New(reg, 50*time.Millisecond)
	d.PushUpdate(s.ID, ir.Document{SchemaVersion: "1", Framework: "first"}, false)
	d.PushUpdate(s.ID, ir.Document{SchemaVersion: "1", Framework: "second"}, false)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, _ := protocol.Decode(data)
	var payload protocol.UpdatePayload
	json.Unmarshal(frame.Payload, &payload)
	if payload.Schema.Framework != "second" {
		t.Errorf("delivered stale body %q, want last-wins \"second\"", payload.Schema.Framework)
	}
	if payload.SequenceNumber != 1 {
		t.Errorf("SequenceNumber = %d, want 1 (only one flush for two pushes)", payload.SequenceNumber)
	}
}

func TestDispatcher_PushUpdateImmediateBypassesThrottle(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	s := reg.CreateSession()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	_, dc, err := reg.AdmitDevice(s.ID, serverConn, session.ConnectInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("AdmitDevice: %v", err)
	}
	defer dc.Close(0, "")

	d := New(reg, time.Hour)
	d.PushUpdateImmediate(s.ID, ir.Document{SchemaVersion: "1", Framework: "now"}, false)

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("expected immediate delivery, got: %v", err)
	}
}

func TestDispatcher_SendReconnectSnapshotAdvancesSequence(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	s := reg.CreateSession()

	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	_, dc, err := reg.AdmitDevice(s.ID, serverConn, session.ConnectInfo{DeviceID: "d1"})
	if err != nil {
		t.Fatalf("AdmitDevice: %v", err)
	}
	defer dc.Close(0, "")

	d := New(reg, time.Hour)
	d.PushUpdateImmediate(s.ID, ir.Document{SchemaVersion: "1", Framework: "A"}, false)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	clientConn.ReadMessage() // drain initial push

	if err := d.SendReconnectSnapshot(s.ID, dc.ConnectionID); err != nil {
		t.Fatalf("SendReconnectSnapshot: %v", err)
	}
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	frame, _ := protocol.Decode(data)
	var payload protocol.UpdatePayload
	json.Unmarshal(frame.Payload, &payload)
	if payload.SequenceNumber != 2 {
		t.Errorf("SequenceNumber = %d, want 2", payload.SequenceNumber)
	}
}

func TestDispatcher_SendReconnectSnapshotUnknownSession(t *testing.T) {
	reg := session.NewRegistry(session.Options{})
	d := New(reg, time.Hour)
	if err := d.SendReconnectSnapshot("missing", "c1"); err != ErrUnknownSession {
		t.Errorf("SendReconnectSnapshot = %v, want ErrUnknownSession", err)
	}
}
