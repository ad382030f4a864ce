// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/absmach/fluxamqp/amqp/cell"
	"github.com/absmach/fluxamqp/amqp/performatives"
)

const windowReplenishThreshold = defaultWindow / 2

// SessionID addresses a slot in the session arena. The generation changes
// every time the slot is reused, so an id held by a link stops resolving
// once its session ends.
type SessionID struct {
	index      uint32
	generation uint32
}

func (id SessionID) String() string {
	return fmt.Sprintf("session#%d.%d", id.index, id.generation)
}

// Session is one AMQP session and its attached links.
type Session struct {
	id        SessionID
	conn      *Connection
	localCh   uint16
	remoteCh  uint16
	handleMax uint32

	senders   map[uint32]*SenderLink
	receivers map[uint32]*ReceiverLink
	// refused holds handles detached by RejectAttach until the peer
	// answers with its own Detach.
	refused map[uint32]struct{}

	nextIncomingID       uint32
	nextOutgoingID       uint32
	incomingWindow       uint32
	outgoingWindow       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32
}

func newSession(c *Connection, localCh, remoteCh uint16, handleMax uint32) Session {
	return Session{
		conn:           c,
		localCh:        localCh,
		remoteCh:       remoteCh,
		handleMax:      handleMax,
		senders:        make(map[uint32]*SenderLink),
		receivers:      make(map[uint32]*ReceiverLink),
		refused:        make(map[uint32]struct{}),
		incomingWindow: defaultWindow,
		outgoingWindow: defaultWindow,
	}
}

func (s *Session) ID() SessionID           { return s.id }
func (s *Session) LocalChannel() uint16    { return s.localCh }
func (s *Session) RemoteChannel() uint16   { return s.remoteCh }
func (s *Session) HandleMax() uint32       { return s.handleMax }
func (s *Session) Connection() *Connection { return s.conn }

// Sender returns the sender link attached on handle.
func (s *Session) Sender(handle uint32) (*SenderLink, bool) {
	l, ok := s.senders[handle]
	return l, ok
}

// Receiver returns the receiver link attached on handle.
func (s *Session) Receiver(handle uint32) (*ReceiverLink, bool) {
	l, ok := s.receivers[handle]
	return l, ok
}

// Links returns the attached sender and receiver links ordered by handle.
func (s *Session) Links() ([]*SenderLink, []*ReceiverLink) {
	senders := make([]*SenderLink, 0, len(s.senders))
	for _, l := range s.senders {
		senders = append(senders, l)
	}
	receivers := make([]*ReceiverLink, 0, len(s.receivers))
	for _, l := range s.receivers {
		receivers = append(receivers, l)
	}
	slices.SortFunc(senders, func(a, b *SenderLink) int { return cmp.Compare(a.handle, b.handle) })
	slices.SortFunc(receivers, func(a, b *ReceiverLink) int { return cmp.Compare(a.handle, b.handle) })
	return senders, receivers
}

func (s *Session) initWindows(b *performatives.Begin) {
	s.nextIncomingID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
}

// consumeOutgoingWindow allocates a delivery id for an outgoing transfer.
func (s *Session) consumeOutgoingWindow() (uint32, bool) {
	if s.outgoingWindow == 0 || s.remoteIncomingWindow == 0 {
		return 0, false
	}
	id := s.nextOutgoingID
	s.nextOutgoingID++
	s.outgoingWindow--
	s.remoteIncomingWindow--
	return id, true
}

// trackIncomingTransfer accounts one incoming transfer frame and reopens the
// window when it falls below half.
func (s *Session) trackIncomingTransfer(deliveryID *uint32) error {
	if s.incomingWindow == 0 {
		return Violation(performatives.ErrWindowViolation, "transfer on channel %d exceeds incoming window", s.remoteCh)
	}
	s.incomingWindow--
	if deliveryID != nil {
		s.nextIncomingID = *deliveryID + 1
	}
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}
	if s.incomingWindow >= windowReplenishThreshold {
		return nil
	}
	s.incomingWindow = defaultWindow
	return s.writeFlow(nil)
}

func (s *Session) updateRemoteFlow(f *performatives.Flow) {
	// remote-incoming-window = next-incoming-id(flow) + incoming-window(flow) - next-outgoing-id(local)
	if f.NextIncomingID != nil {
		s.remoteIncomingWindow = *f.NextIncomingID + f.IncomingWindow - s.nextOutgoingID
	} else {
		s.remoteIncomingWindow = f.IncomingWindow - s.nextOutgoingID
	}
	s.remoteOutgoingWindow = f.OutgoingWindow
}

// writeFlow sends a Flow with the current session state and, when fill is
// not nil, the link state it adds.
func (s *Session) writeFlow(fill func(f *performatives.Flow)) error {
	nextIn := s.nextIncomingID
	f := &performatives.Flow{
		NextIncomingID: &nextIn,
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
	}
	if fill != nil {
		fill(f)
	}
	return s.conn.t.WritePerformative(s.localCh, f)
}

func (s *Session) checkHandle(handle uint32) error {
	if handle > s.handleMax {
		return Violation(performatives.ErrResourceLimitExceeded, "handle %d exceeds handle-max %d", handle, s.handleMax)
	}
	_, sender := s.senders[handle]
	_, receiver := s.receivers[handle]
	_, refused := s.refused[handle]
	if sender || receiver || refused {
		return Violation(performatives.ErrHandleInUse, "handle %d is already attached", handle)
	}
	return nil
}

// AttachReceiver registers the link for an Attach from a peer sender.
// The Attach is not answered until ConfirmReceiver or RejectAttach.
func (s *Session) AttachReceiver(a *performatives.Attach) (*ReceiverLink, error) {
	if a.Role != performatives.RoleSender {
		return nil, Violation(performatives.ErrInvalidField, "attach %q: peer role is receiver", a.Name)
	}
	if err := s.checkHandle(a.Handle); err != nil {
		return nil, err
	}
	l := &ReceiverLink{link: s.newLink(a)}
	l.deliveryCount = a.InitialDeliveryCount
	s.receivers[a.Handle] = l
	return l, nil
}

// AttachSender registers the link for an Attach from a peer receiver.
func (s *Session) AttachSender(a *performatives.Attach) (*SenderLink, error) {
	if a.Role != performatives.RoleReceiver {
		return nil, Violation(performatives.ErrInvalidField, "attach %q: peer role is sender", a.Name)
	}
	if err := s.checkHandle(a.Handle); err != nil {
		return nil, err
	}
	l := &SenderLink{link: s.newLink(a)}
	s.senders[a.Handle] = l
	return l, nil
}

func (s *Session) newLink(a *performatives.Attach) link {
	return link{
		name:     a.Name,
		handle:   a.Handle,
		session:  s.id,
		sessions: s.conn.sessions,
		attach:   a,
	}
}

// replyAttach mirrors the peer's Attach with the local role.
func (s *Session) replyAttach(l *link, role bool) error {
	a := l.attach
	reply := &performatives.Attach{
		Name:           a.Name,
		Handle:         a.Handle,
		Role:           role,
		SndSettleMode:  a.SndSettleMode,
		RcvSettleMode:  a.RcvSettleMode,
		Source:         a.Source,
		Target:         a.Target,
		MaxMessageSize: s.conn.local.MaxMessageSize,
	}
	return s.conn.t.WritePerformative(s.localCh, reply)
}

// ConfirmReceiver answers the Attach and grants the initial link credit.
func (s *Session) ConfirmReceiver(l *ReceiverLink) error {
	if err := s.replyAttach(&l.link, performatives.RoleReceiver); err != nil {
		return err
	}
	return s.grantCredit(l, s.conn.local.LinkCredit)
}

// ConfirmSender answers the Attach with an initial delivery count of zero.
func (s *Session) ConfirmSender(l *SenderLink) error {
	return s.replyAttach(&l.link, performatives.RoleSender)
}

// RejectAttach answers the Attach, then detaches the link with e and
// forgets it, as required for a refused link.
func (s *Session) RejectAttach(handle uint32, e *performatives.Error) error {
	var l *link
	role := performatives.RoleSender
	if sl, ok := s.senders[handle]; ok {
		l = &sl.link
		delete(s.senders, handle)
	} else if rl, ok := s.receivers[handle]; ok {
		l = &rl.link
		role = performatives.RoleReceiver
		delete(s.receivers, handle)
	} else {
		return Violation(performatives.ErrUnattachedHandle, "reject of unknown handle %d", handle)
	}
	l.detached = true
	s.refused[handle] = struct{}{}

	// A refused link is answered with null terminus on our side.
	if role == performatives.RoleReceiver {
		l.attach = &performatives.Attach{Name: l.attach.Name, Handle: handle, Source: l.attach.Source}
	} else {
		l.attach = &performatives.Attach{Name: l.attach.Name, Handle: handle, Target: l.attach.Target}
	}
	if err := s.replyAttach(l, role); err != nil {
		return err
	}
	return s.conn.t.WritePerformative(s.localCh, &performatives.Detach{Handle: handle, Closed: true, Error: e})
}

func (s *Session) grantCredit(l *ReceiverLink, credit uint32) error {
	l.credit = credit
	handle, count := l.handle, l.deliveryCount
	return s.writeFlow(func(f *performatives.Flow) {
		f.Handle = &handle
		f.DeliveryCount = &count
		f.LinkCredit = &credit
	})
}

// HandleFlow applies a Flow. It returns the sender link the flow grants
// credit to, or nil for a session-level flow or a flow about a receiver link.
func (s *Session) HandleFlow(f *performatives.Flow) (*SenderLink, error) {
	s.updateRemoteFlow(f)

	if f.Handle == nil {
		if f.Echo {
			return nil, s.writeFlow(nil)
		}
		return nil, nil
	}

	if rl, ok := s.receivers[*f.Handle]; ok {
		if f.Echo {
			return nil, s.grantCredit(rl, rl.credit)
		}
		return nil, nil
	}

	if _, ok := s.refused[*f.Handle]; ok {
		return nil, nil
	}
	l, ok := s.senders[*f.Handle]
	if !ok {
		return nil, Violation(performatives.ErrUnattachedHandle, "flow for unattached handle %d", *f.Handle)
	}
	if f.LinkCredit != nil {
		if f.DeliveryCount != nil {
			// link-credit(snd) = delivery-count(rcv) + link-credit(rcv) - delivery-count(snd)
			l.credit = *f.DeliveryCount + *f.LinkCredit - l.deliveryCount
		} else {
			l.credit = *f.LinkCredit
		}
	}
	l.drain = f.Drain
	if f.Echo {
		return l, s.writeSenderFlow(l)
	}
	return l, nil
}

func (s *Session) writeSenderFlow(l *SenderLink) error {
	handle, count, credit, drain := l.handle, l.deliveryCount, l.credit, l.drain
	return s.writeFlow(func(f *performatives.Flow) {
		f.Handle = &handle
		f.DeliveryCount = &count
		f.LinkCredit = &credit
		f.Drain = drain
	})
}

// CompleteDrain consumes the remaining credit of a draining sender and
// reports it to the peer. It is a no-op unless the peer asked to drain.
func (s *Session) CompleteDrain(l *SenderLink) error {
	if !l.drain || l.credit == 0 || l.detached {
		return nil
	}
	l.deliveryCount += l.credit
	l.credit = 0
	return s.writeSenderFlow(l)
}

// HandleTransfer accounts a transfer frame on a receiver link. It returns
// the delivery once its last frame arrived, or nil while more frames follow.
func (s *Session) HandleTransfer(t *performatives.Transfer) (*ReceiverLink, *Delivery, error) {
	l, ok := s.receivers[t.Handle]
	if !ok {
		if _, refused := s.refused[t.Handle]; refused {
			// Sent before the peer saw the refusal; the delivery is dropped.
			return nil, nil, s.trackIncomingTransfer(t.DeliveryID)
		}
		if _, sender := s.senders[t.Handle]; sender {
			return nil, nil, Violation(performatives.ErrInvalidField, "transfer on sending link %d", t.Handle)
		}
		return nil, nil, Violation(performatives.ErrUnattachedHandle, "transfer for unattached handle %d", t.Handle)
	}
	if err := s.trackIncomingTransfer(t.DeliveryID); err != nil {
		return nil, nil, err
	}
	d, err := l.receive(t, s.conn.local.MaxMessageSize)
	if err != nil || d == nil {
		return l, nil, err
	}
	if l.credit < s.conn.local.LinkCredit/2 {
		if err := s.grantCredit(l, s.conn.local.LinkCredit); err != nil {
			return l, nil, err
		}
	}
	return l, d, nil
}

// Settle reports the outcome of an unsettled delivery to the peer.
func (s *Session) Settle(d *Delivery, state performatives.DeliveryState) error {
	if d.Settled {
		return nil
	}
	d.Settled = true
	return s.conn.t.WritePerformative(s.localCh, &performatives.Disposition{
		Role:    performatives.RoleReceiver,
		First:   d.ID,
		Settled: true,
		State:   state,
	})
}

// Detach removes the link a Detach refers to. Exactly one of the returned
// links is non-nil on success, unless the Detach answers a refused attach:
// then both are nil and nothing is left to report or reply.
func (s *Session) Detach(d *performatives.Detach) (*SenderLink, *ReceiverLink, error) {
	if _, ok := s.refused[d.Handle]; ok {
		delete(s.refused, d.Handle)
		return nil, nil, nil
	}
	if l, ok := s.senders[d.Handle]; ok {
		delete(s.senders, d.Handle)
		l.detached = true
		return l, nil, nil
	}
	if l, ok := s.receivers[d.Handle]; ok {
		delete(s.receivers, d.Handle)
		l.detached = true
		return nil, l, nil
	}
	return nil, nil, Violation(performatives.ErrUnattachedHandle, "detach of unattached handle %d", d.Handle)
}

// ReplyDetach confirms a Detach.
func (s *Session) ReplyDetach(d *performatives.Detach) error {
	return s.conn.t.WritePerformative(s.localCh, &performatives.Detach{Handle: d.Handle, Closed: d.Closed})
}

// detachAll marks every link detached and forgets it.
func (s *Session) detachAll() {
	for h, l := range s.senders {
		l.detached = true
		delete(s.senders, h)
	}
	for h, l := range s.receivers {
		l.detached = true
		delete(s.receivers, h)
	}
	clear(s.refused)
}

// Sessions is the arena of live sessions of one connection.
type Sessions struct {
	slots    []sessionSlot
	free     []uint32
	byRemote map[uint16]SessionID
	local    map[uint16]bool
}

type sessionSlot struct {
	generation uint32
	cell       *cell.Cell[Session]
}

func newSessions() *Sessions {
	return &Sessions{
		byRemote: make(map[uint16]SessionID),
		local:    make(map[uint16]bool),
	}
}

func (ss *Sessions) insert(s Session) *cell.Cell[Session] {
	var idx uint32
	if n := len(ss.free); n > 0 {
		idx = ss.free[n-1]
		ss.free = ss.free[:n-1]
	} else {
		idx = uint32(len(ss.slots))
		ss.slots = append(ss.slots, sessionSlot{})
	}
	slot := &ss.slots[idx]
	s.id = SessionID{index: idx, generation: slot.generation}
	slot.cell = cell.NewWithDrop(s, func(s *Session) { s.detachAll() })
	ss.byRemote[s.remoteCh] = s.id
	ss.local[s.localCh] = true
	return slot.cell.Clone()
}

// Lookup resolves id to a new handle on the session.
// It fails with ErrSessionGone once the session was removed.
func (ss *Sessions) Lookup(id SessionID) (*cell.Cell[Session], error) {
	if int(id.index) >= len(ss.slots) {
		return nil, ErrSessionGone
	}
	slot := ss.slots[id.index]
	if slot.cell == nil || slot.generation != id.generation {
		return nil, ErrSessionGone
	}
	return slot.cell.Clone(), nil
}

// ByRemoteChannel returns a new handle on the session the peer addresses
// with channel ch.
func (ss *Sessions) ByRemoteChannel(ch uint16) (*cell.Cell[Session], bool) {
	id, ok := ss.byRemote[ch]
	if !ok {
		return nil, false
	}
	c, err := ss.Lookup(id)
	return c, err == nil
}

// Remove drops the arena's handle on the session and retires id.
// Removing an unknown or stale id is a no-op.
func (ss *Sessions) Remove(id SessionID) {
	if int(id.index) >= len(ss.slots) {
		return
	}
	slot := &ss.slots[id.index]
	if slot.cell == nil || slot.generation != id.generation {
		return
	}
	s := slot.cell.Get()
	delete(ss.byRemote, s.remoteCh)
	delete(ss.local, s.localCh)
	s.detachAll()
	slot.cell.Release()
	slot.cell = nil
	slot.generation++
	ss.free = append(ss.free, id.index)
}

// Len returns the number of live sessions.
func (ss *Sessions) Len() int {
	return len(ss.byRemote)
}

func (ss *Sessions) ids() []SessionID {
	out := make([]SessionID, 0, len(ss.byRemote))
	for _, id := range ss.byRemote {
		out = append(out, id)
	}
	return out
}

func (ss *Sessions) freeLocalChannel(max uint16) (uint16, bool) {
	for ch := 0; ch <= int(max); ch++ {
		if !ss.local[uint16(ch)] {
			return uint16(ch), true
		}
	}
	return 0, false
}
