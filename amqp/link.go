// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"encoding/binary"

	"github.com/absmach/fluxamqp/amqp/performatives"
)

// link is the identity shared by both link directions. It refers to its
// session by arena id only, so a link never keeps a session alive.
type link struct {
	name     string
	handle   uint32
	session  SessionID
	sessions *Sessions
	attach   *performatives.Attach

	credit        uint32
	deliveryCount uint32
	detached      bool
}

func (l *link) Name() string                  { return l.name }
func (l *link) Handle() uint32                { return l.handle }
func (l *link) SessionID() SessionID          { return l.session }
func (l *link) Attach() *performatives.Attach { return l.attach }
func (l *link) Credit() uint32                { return l.credit }
func (l *link) DeliveryCount() uint32         { return l.deliveryCount }
func (l *link) Detached() bool                { return l.detached }
func (l *link) Source() *performatives.Source { return l.attach.Source }
func (l *link) Target() *performatives.Target { return l.attach.Target }

// Session resolves the owning session, failing with ErrSessionGone once the
// session ended.
func (l *link) Session() (*Session, error) {
	c, err := l.sessions.Lookup(l.session)
	if err != nil {
		return nil, err
	}
	// The arena keeps its own handle while the session is live, so the
	// pointer stays valid after this one is released.
	s := c.Get()
	c.Release()
	return s, nil
}

// SenderLink is a link on which this container sends to the peer.
type SenderLink struct {
	link
	drain   bool
	nextTag uint64
}

// Address returns the address of the source the peer receives from.
func (l *SenderLink) Address() string {
	if src := l.attach.Source; src != nil {
		return src.Address
	}
	return ""
}

// Draining reports whether the peer asked to drain the link credit.
func (l *SenderLink) Draining() bool { return l.drain }

// Send writes one delivery with payload as the message bytes. It consumes
// one credit and is only valid on the connection's goroutine, inside a
// control frame or transfer callback.
func (l *SenderLink) Send(payload []byte, settled bool) error {
	s, err := l.Session()
	if err != nil {
		return err
	}
	if l.detached {
		return ErrLinkDetached
	}
	if l.credit == 0 {
		return ErrNoCredit
	}
	id, ok := s.consumeOutgoingWindow()
	if !ok {
		return ErrWindowExhausted
	}

	l.nextTag++
	tag := binary.BigEndian.AppendUint64(nil, l.nextTag)
	format := uint32(0)
	t := &performatives.Transfer{
		Handle:        l.handle,
		DeliveryID:    &id,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       settled,
	}
	if err := s.conn.t.WriteTransfer(s.localCh, t, payload); err != nil {
		return err
	}
	l.credit--
	l.deliveryCount++
	return nil
}

// ReceiverLink is a link on which the peer sends to this container.
type ReceiverLink struct {
	link
	partial *Delivery
}

// Address returns the address of the target the peer sends to.
func (l *ReceiverLink) Address() string {
	if tgt := l.attach.Target; tgt != nil {
		return tgt.Address
	}
	return ""
}

// Flow grants credit to the peer sender.
func (l *ReceiverLink) Flow(credit uint32) error {
	s, err := l.Session()
	if err != nil {
		return err
	}
	if l.detached {
		return ErrLinkDetached
	}
	return s.grantCredit(l, credit)
}

// Delivery is a complete message received on a ReceiverLink.
type Delivery struct {
	ID            uint32
	Tag           []byte
	MessageFormat uint32
	Settled       bool
	Payload       []byte
}

// receive adds one transfer frame. Continuation frames are appended to the
// pending delivery; the delivery is returned when the last frame arrives.
func (l *ReceiverLink) receive(t *performatives.Transfer, maxSize uint64) (*Delivery, error) {
	if l.partial == nil {
		if t.DeliveryID == nil {
			return nil, Violation(performatives.ErrInvalidField, "first transfer of a delivery on handle %d has no delivery-id", l.handle)
		}
		if l.credit == 0 {
			return nil, Violation(performatives.ErrTransferLimitExceeded, "transfer on handle %d without link credit", l.handle)
		}
		l.credit--
		l.deliveryCount++
		l.partial = &Delivery{ID: *t.DeliveryID, Tag: t.DeliveryTag}
		if t.MessageFormat != nil {
			l.partial.MessageFormat = *t.MessageFormat
		}
	}

	d := l.partial
	if t.Settled {
		d.Settled = true
	}
	if t.Aborted {
		l.partial = nil
		return nil, nil
	}
	d.Payload = append(d.Payload, t.Payload...)
	if maxSize > 0 && uint64(len(d.Payload)) > maxSize {
		return nil, Violation(performatives.ErrMessageSizeExceeded, "delivery %d on handle %d exceeds %d bytes", d.ID, l.handle, maxSize)
	}
	if t.More {
		return nil, nil
	}
	l.partial = nil
	return d, nil
}
