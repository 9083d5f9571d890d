// Package dispatch implements per-session batched update dispatch:
// coalescing pushed IR bodies into throttled, sequence-numbered frames sent
// to every device on a session.
package dispatch

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bifrost-sync/bifrost/internal/delta"
	"github.com/bifrost-sync/bifrost/internal/ir"
	"github.com/bifrost-sync/bifrost/internal/protocol"
	"github.com/bifrost-sync/bifrost/internal/session"
)

// DefaultThrottle is the per-session batching window, matching the
// teacher's broadcaster throttle but applied per session rather than
// globally.
const DefaultThrottle = 50 * time.Millisecond

var (
	ErrUnknownSession = errors.New("dispatch: unknown session")
	ErrUnknownDevice  = errors.New("dispatch: unknown device")
)

type pending struct {
	body          ir.Document
	preserveState bool
	timer         *time.Timer
}

// Dispatcher batches and delivers IR updates to every device on a session.
type Dispatcher struct {
	registry *session.Registry
	throttle time.Duration

	mu      sync.Mutex
	pending map[string]*pending
}

// New builds a Dispatcher bound to registry, using DefaultThrottle when
// throttle is 0.
func New(registry *session.Registry, throttle time.Duration) *Dispatcher {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	return &Dispatcher{registry: registry, throttle: throttle, pending: make(map[string]*pending)}
}

// PushUpdate queues body for sessionID, to be flushed after the throttle
// window. A second push within the window replaces the pending body
// (last-wins); it does not extend or reset the timer.
func (d *Dispatcher) PushUpdate(sessionID string, body ir.Document, preserveState bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[sessionID]
	if !ok {
		p = &pending{}
		d.pending[sessionID] = p
		p.timer = time.AfterFunc(d.throttle, func() { d.flush(sessionID) })
	}
	p.body = body
	p.preserveState = preserveState
}

// PushUpdateImmediate bypasses batching: any pending update for sessionID
// is discarded and body is flushed synchronously.
func (d *Dispatcher) PushUpdateImmediate(sessionID string, body ir.Document, preserveState bool) {
	d.mu.Lock()
	if p, ok := d.pending[sessionID]; ok {
		p.timer.Stop()
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()

	d.deliver(sessionID, body, preserveState)
}

func (d *Dispatcher) flush(sessionID string) {
	d.mu.Lock()
	p, ok := d.pending[sessionID]
	if ok {
		delete(d.pending, sessionID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.deliver(sessionID, p.body, p.preserveState)
}

// deliver advances the session's sequence, chooses the update's wire shape
// relative to the session's previous IR, and enqueues the resulting frame
// on every connected device.
func (d *Dispatcher) deliver(sessionID string, body ir.Document, preserveState bool) {
	s, ok := d.registry.GetSession(sessionID)
	if !ok {
		return
	}

	prev := s.CurrentIR()
	seq := s.AdvanceSequence(body)

	payload := protocol.UpdatePayload{
		SequenceNumber: seq,
		Kind:           protocol.UpdateFull,
		PreserveState:  preserveState,
	}
	if prev != nil {
		dl := delta.Compute(*prev, body)
		if delta.ChooseShape(dl, body, 0) == delta.Incremental {
			payload.Kind = protocol.UpdateIncremental
			payload.Delta = &dl
		}
	}
	if payload.Kind == protocol.UpdateFull {
		schema := body
		payload.Schema = &schema
	}

	data, err := protocol.Encode(protocol.MsgUpdate, sessionID, payload)
	if err != nil {
		log.Printf("dispatch: encode update for session %s: %v", sessionID, err)
		return
	}

	for _, dc := range s.Devices() {
		if !dc.Enqueue(data) {
			log.Printf("dispatch: device %s on session %s dropped update, slow consumer", dc.ConnectionID, sessionID)
		}
	}
}

// SendReconnectSnapshot sends a full catch-up update to a single
// reconnecting device. The push advances the session's sequence number
// even though the body is unchanged, since a reconnect is itself treated
// as an update event the device must acknowledge at a fresh sequence.
func (d *Dispatcher) SendReconnectSnapshot(sessionID, connectionID string) error {
	s, ok := d.registry.GetSession(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	dc, ok := s.Device(connectionID)
	if !ok {
		return ErrUnknownDevice
	}

	current := s.CurrentIR()
	if current == nil {
		return nil
	}
	body := *current
	seq := s.AdvanceSequence(body)

	payload := protocol.UpdatePayload{
		SequenceNumber: seq,
		Kind:           protocol.UpdateFull,
		Schema:         &body,
	}
	data, err := protocol.Encode(protocol.MsgUpdate, sessionID, payload)
	if err != nil {
		return err
	}
	dc.Enqueue(data)
	return nil
}
