package session

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeviceConnection is a single live stream within a Session, bound to one
// client endpoint.
type DeviceConnection struct {
	ConnectionID    string
	DeviceID        string
	Platform        string
	DeviceName      string
	ProtocolVersion string
	ConnectedAt     time.Time

	conn *websocket.Conn
	send chan []byte

	mu                sync.Mutex
	lastPingAt        time.Time
	lastAckedSequence uint64
	closed            bool
}

func newDeviceConnection(connectionID string, conn *websocket.Conn, payload ConnectInfo) *DeviceConnection {
	dc := &DeviceConnection{
		ConnectionID:    connectionID,
		DeviceID:        payload.DeviceID,
		Platform:        payload.Platform,
		DeviceName:      payload.DeviceName,
		ProtocolVersion: payload.ClientVersion,
		ConnectedAt:     time.Now(),
		conn:            conn,
		send:            make(chan []byte, 64),
		lastPingAt:      time.Now(),
	}
	go dc.writePump()
	return dc
}

// ConnectInfo is the subset of a connect frame's payload the registry needs;
// kept here (rather than importing internal/protocol) to avoid a session <->
// protocol import cycle, since protocol references ir but not session.
type ConnectInfo struct {
	DeviceID      string
	Platform      string
	DeviceName    string
	ClientVersion string
}

// writePump drains send onto the underlying connection until it is closed,
// matching the teacher's single-writer-per-connection discipline.
func (d *DeviceConnection) writePump() {
	defer d.conn.Close()
	for msg := range d.send {
		if err := d.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Enqueue attempts a non-blocking send; it reports false if the device's
// write buffer is full (a slow or stuck client) or the connection has
// already been closed.
func (d *DeviceConnection) Enqueue(data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	select {
	case d.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the device's send channel, terminating its writePump and the
// underlying connection, optionally sending a close frame with code/reason
// first. Close is idempotent.
func (d *DeviceConnection) Close(code int, reason string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	if code != 0 {
		deadline := time.Now().Add(2 * time.Second)
		_ = d.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	}
	close(d.send)
}

func (d *DeviceConnection) recordPing() {
	d.mu.Lock()
	d.lastPingAt = time.Now()
	d.mu.Unlock()
}

func (d *DeviceConnection) lastPing() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPingAt
}

func (d *DeviceConnection) recordAck(seq uint64) {
	d.mu.Lock()
	if seq > d.lastAckedSequence {
		d.lastAckedSequence = seq
	}
	d.mu.Unlock()
}

func (d *DeviceConnection) ackedSequence() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAckedSequence
}

// Summary is a read-only snapshot of a device's public state.
type Summary struct {
	ConnectionID      string    `json:"connectionId"`
	DeviceID          string    `json:"deviceId"`
	Platform          string    `json:"platform"`
	DeviceName        string    `json:"deviceName,omitempty"`
	ConnectedAt       time.Time `json:"connectedAt"`
	LastPingAt        time.Time `json:"lastPingAt"`
	LastAckedSequence uint64    `json:"lastAckedSequence"`
	Healthy           bool      `json:"healthy"`
}

func (d *DeviceConnection) summary(connectionTimeout time.Duration) Summary {
	last := d.lastPing()
	return Summary{
		ConnectionID:      d.ConnectionID,
		DeviceID:          d.DeviceID,
		Platform:          d.Platform,
		DeviceName:        d.DeviceName,
		ConnectedAt:       d.ConnectedAt,
		LastPingAt:        last,
		LastAckedSequence: d.ackedSequence(),
		Healthy:           time.Since(last) <= connectionTimeout,
	}
}
