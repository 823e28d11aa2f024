package transport

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"fiatjaf.com/chilldkg/dkg"
)

// Hub is an in-process message relay. Each participant joins once and gets a
// Mailbox implementing dkg.Transport; the hub routes directed and broadcast
// messages between mailboxes. Participants can be isolated to simulate total
// message loss, which sessions must survive by staying Indeterminate.
type Hub struct {
	mailboxes *xsync.MapOf[dkg.ParticipantID, *Mailbox]
	isolated  *xsync.MapOf[dkg.ParticipantID, struct{}]
}

func NewHub() *Hub {
	return &Hub{
		mailboxes: xsync.NewMapOf[dkg.ParticipantID, *Mailbox](),
		isolated:  xsync.NewMapOf[dkg.ParticipantID, struct{}](),
	}
}

// Join registers id with the hub and returns its transport endpoint.
func (h *Hub) Join(id dkg.ParticipantID) *Mailbox {
	mb := &Mailbox{hub: h, id: id, inbox: make(chan envelope, mailboxSize)}
	h.mailboxes.Store(id, mb)
	return mb
}

// Isolate makes the hub drop every message to or from id, simulating a
// network partition. It can be called at any point during a session.
func (h *Hub) Isolate(id dkg.ParticipantID) {
	h.isolated.Store(id, struct{}{})
}

func (h *Hub) cut(a, b dkg.ParticipantID) bool {
	_, ia := h.isolated.Load(a)
	_, ib := h.isolated.Load(b)
	return ia || ib
}

func (h *Hub) deliver(from, to dkg.ParticipantID, payload []byte) {
	if h.cut(from, to) {
		return
	}
	mb, ok := h.mailboxes.Load(to)
	if !ok {
		return
	}
	select {
	case mb.inbox <- envelope{from: from, payload: payload}:
	default:
		// recipient's mailbox is full; the message is dropped, like any
		// lossy network would
	}
}

// Mailbox is one participant's endpoint on a Hub.
type Mailbox struct {
	hub   *Hub
	id    dkg.ParticipantID
	inbox chan envelope
}

func (m *Mailbox) Send(ctx context.Context, to dkg.ParticipantID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.deliver(m.id, to, payload)
	return nil
}

func (m *Mailbox) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.hub.mailboxes.Range(func(id dkg.ParticipantID, _ *Mailbox) bool {
		if id != m.id {
			m.hub.deliver(m.id, id, payload)
		}
		return true
	})
	return nil
}

func (m *Mailbox) Receive(ctx context.Context) (dkg.ParticipantID, []byte, error) {
	select {
	case env := <-m.inbox:
		return env.from, env.payload, nil
	case <-ctx.Done():
		return dkg.ParticipantID{}, nil, fmt.Errorf("receive interrupted: %w", ctx.Err())
	}
}
