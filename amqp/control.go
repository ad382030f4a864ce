// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"github.com/absmach/fluxamqp/amqp/cell"
	"github.com/absmach/fluxamqp/amqp/performatives"
)

// ControlFrameKind is the closed set of lifecycle events delivered to a link
// service. Only the types in this file implement it.
type ControlFrameKind interface {
	controlFrameKind()
}

// LinkKind is a link-scoped event. Frames of these kinds always carry the
// session they happened on.
type LinkKind interface {
	ControlFrameKind
	linkKind()
}

// ConnectionKind is a connection-scoped event.
type ConnectionKind interface {
	ControlFrameKind
	connectionKind()
}

// AttachReceiver reports a peer sender attaching: this side receives.
type AttachReceiver struct {
	Link *ReceiverLink
}

// AttachSender reports a peer receiver attaching: this side sends. Returning
// an error from the link service refuses the link.
type AttachSender struct {
	Attach *performatives.Attach
	Link   *SenderLink
}

// Flow reports a credit update for a sender link.
type Flow struct {
	Flow *performatives.Flow
	Link *SenderLink
}

// DetachSender reports a sender link going away.
type DetachSender struct {
	Detach *performatives.Detach
	Link   *SenderLink
}

// DetachReceiver reports a receiver link going away.
type DetachReceiver struct {
	Detach *performatives.Detach
	Link   *ReceiverLink
}

// ProtocolError reports a connection-fatal violation. The connection is
// closed after the link service observed it.
type ProtocolError struct {
	Err *ProtocolViolation
}

// Closed reports the end of the connection. Graceful is true when the peer
// sent Close.
type Closed struct {
	Graceful bool
}

func (AttachReceiver) controlFrameKind() {}
func (AttachSender) controlFrameKind()   {}
func (Flow) controlFrameKind()           {}
func (DetachSender) controlFrameKind()   {}
func (DetachReceiver) controlFrameKind() {}
func (ProtocolError) controlFrameKind()  {}
func (Closed) controlFrameKind()         {}

func (AttachReceiver) linkKind() {}
func (AttachSender) linkKind()   {}
func (Flow) linkKind()           {}
func (DetachSender) linkKind()   {}
func (DetachReceiver) linkKind() {}

func (ProtocolError) connectionKind() {}
func (Closed) connectionKind()        {}

// KindName names a kind for logs and metrics. It returns "" for a kind it
// does not know, which the tests treat as a failure.
func KindName(k ControlFrameKind) string {
	switch k.(type) {
	case AttachReceiver:
		return "attach_receiver"
	case AttachSender:
		return "attach_sender"
	case Flow:
		return "flow"
	case DetachSender:
		return "detach_sender"
	case DetachReceiver:
		return "detach_receiver"
	case ProtocolError:
		return "protocol_error"
	case Closed:
		return "closed"
	default:
		return ""
	}
}

// Kinds lists one zero value of every kind.
func Kinds() []ControlFrameKind {
	return []ControlFrameKind{
		AttachReceiver{}, AttachSender{}, Flow{}, DetachSender{}, DetachReceiver{}, ProtocolError{}, Closed{},
	}
}

type frameInner struct {
	kind    ControlFrameKind
	session *cell.Cell[Session]
}

// ControlFrame is an immutable lifecycle event. Copies made with Clone share
// one envelope; the session handle it holds is released with the last copy.
type ControlFrame struct {
	c *cell.Cell[frameInner]
}

func newFrame(kind ControlFrameKind, session *cell.Cell[Session]) *ControlFrame {
	inner := frameInner{kind: kind}
	if session != nil {
		inner.session = session.Clone()
	}
	return &ControlFrame{c: cell.NewWithDrop(inner, func(f *frameInner) {
		if f.session != nil {
			f.session.Release()
		}
	})}
}

// NewLinkFrame returns a frame for a link event on session. The frame holds
// its own handle on the session.
func NewLinkFrame(session *cell.Cell[Session], kind LinkKind) *ControlFrame {
	if session == nil {
		panic("amqp: link control frame without a session")
	}
	return newFrame(kind, session)
}

// NewConnectionFrame returns a frame for a connection event. session may be
// nil, for instance for a violation outside any session.
func NewConnectionFrame(kind ConnectionKind, session *cell.Cell[Session]) *ControlFrame {
	return newFrame(kind, session)
}

// Kind returns the event.
func (f *ControlFrame) Kind() ControlFrameKind {
	return f.c.Get().kind
}

// HasSession reports whether the frame carries a session.
func (f *ControlFrame) HasSession() bool {
	return f.c.Get().session != nil
}

// Session returns the session the event happened on. It panics for a
// connection frame without one; link frames always have a session.
func (f *ControlFrame) Session() *Session {
	s := f.c.Get().session
	if s == nil {
		panic("amqp: control frame " + KindName(f.Kind()) + " has no session")
	}
	return s.Get()
}

// Clone returns another handle to the same frame.
func (f *ControlFrame) Clone() *ControlFrame {
	return &ControlFrame{c: f.c.Clone()}
}

// Release drops this handle.
func (f *ControlFrame) Release() {
	f.c.Release()
}

// Refs returns the number of live handles to the frame.
func (f *ControlFrame) Refs() int {
	return f.c.Refs()
}
