// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/cell"
	"github.com/absmach/fluxamqp/amqp/frames"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/absmach/fluxamqp/amqp/transport"
)

// dispatcher reads frames of one open connection, keeps session state and
// hands every lifecycle event to the link service. The link service is
// called synchronously: the next frame is read only after it returned.
type dispatcher struct {
	conn      *amqp.Connection
	svc       LinkService
	transfers TransferHandler
	phase     *phase
	tel       telemetry
	logger    *slog.Logger

	sessions int
	links    int
}

func newDispatcher(conn *amqp.Connection, svc LinkService, ph *phase, tel telemetry, logger *slog.Logger) *dispatcher {
	d := &dispatcher{conn: conn, svc: svc, phase: ph, tel: tel, logger: logger}
	if th, ok := svc.(TransferHandler); ok {
		d.transfers = th
	}
	return d
}

// run returns nil after a Close from the peer or the transport closing, and
// the cause otherwise.
func (d *dispatcher) run(ctx context.Context) error {
	if err := d.phase.advance(PhaseDispatching); err != nil {
		return err
	}
	for {
		ch, perf, err := d.conn.ReadFrame()
		if err != nil {
			return d.readFailed(ctx, err)
		}

		sc, err := d.route(ch, perf)
		var done bool
		if err == nil {
			done, err = d.dispatch(ctx, ch, sc, perf)
		}
		if err != nil {
			err = d.fail(ctx, sc, err)
		}
		if sc != nil {
			sc.Release()
		}
		if err != nil || done {
			return err
		}
	}
}

// route finds the session a frame belongs to. Connection frames and Begin
// have none.
func (d *dispatcher) route(ch uint16, perf performatives.Performative) (*cell.Cell[amqp.Session], error) {
	switch perf.(type) {
	case *performatives.Open, *performatives.Begin, *performatives.Close:
		return nil, nil
	}
	sc, ok := d.conn.Sessions().ByRemoteChannel(ch)
	if !ok {
		return nil, amqp.Violation(performatives.ErrNotAllowed, "%s on channel %d without a session", performatives.Name(perf), ch)
	}
	return sc, nil
}

func (d *dispatcher) dispatch(ctx context.Context, ch uint16, sc *cell.Cell[amqp.Session], perf performatives.Performative) (bool, error) {
	switch p := perf.(type) {
	case *performatives.Begin:
		return false, d.begin(ch, p)
	case *performatives.Attach:
		return false, d.attach(ctx, sc, p)
	case *performatives.Flow:
		return false, d.flow(ctx, sc, p)
	case *performatives.Transfer:
		return false, d.transfer(ctx, sc, p)
	case *performatives.Disposition:
		d.logger.Debug("disposition ignored", slog.Int("channel", int(ch)), slog.Uint64("first", uint64(p.First)))
		return false, nil
	case *performatives.Detach:
		return false, d.detach(ctx, sc, p)
	case *performatives.End:
		return false, d.end(ctx, sc, p)
	case *performatives.Close:
		return true, d.close(ctx, p)
	case *performatives.Open:
		return false, amqp.Violation(performatives.ErrIllegalState, "open on an open connection")
	default:
		return false, amqp.Violation(performatives.ErrNotImplemented, "unexpected %s", performatives.Name(perf))
	}
}

func (d *dispatcher) begin(ch uint16, b *performatives.Begin) error {
	sc, err := d.conn.Begin(ch, b)
	if err != nil {
		return err
	}
	sc.Release()
	d.sessions++
	d.tel.sessionOpened()
	return nil
}

func (d *dispatcher) attach(ctx context.Context, sc *cell.Cell[amqp.Session], a *performatives.Attach) error {
	s := sc.Get()
	logger := d.logger.With(slog.String("link", a.Name), slog.Uint64("handle", uint64(a.Handle)))

	// The peer sends on this link, so it is a receiver here.
	if a.Role == performatives.RoleSender {
		l, err := s.AttachReceiver(a)
		if err != nil {
			return err
		}
		if err := d.control(ctx, amqp.NewLinkFrame(sc, amqp.AttachReceiver{Link: l})); err != nil {
			logger.Info("receiver link refused", slog.String("error", err.Error()))
			return s.RejectAttach(a.Handle, amqpError(err))
		}
		if err := s.ConfirmReceiver(l); err != nil {
			return err
		}
	} else {
		l, err := s.AttachSender(a)
		if err != nil {
			return err
		}
		if err := d.control(ctx, amqp.NewLinkFrame(sc, amqp.AttachSender{Attach: a, Link: l})); err != nil {
			logger.Info("sender link refused", slog.String("error", err.Error()))
			return s.RejectAttach(a.Handle, amqpError(err))
		}
		if err := s.ConfirmSender(l); err != nil {
			return err
		}
	}

	d.links++
	d.tel.linkAttached()
	logger.Debug("link attached")
	return nil
}

func (d *dispatcher) flow(ctx context.Context, sc *cell.Cell[amqp.Session], f *performatives.Flow) error {
	s := sc.Get()
	l, err := s.HandleFlow(f)
	if err != nil || l == nil {
		return err
	}
	if err := d.control(ctx, amqp.NewLinkFrame(sc, amqp.Flow{Flow: f, Link: l})); err != nil {
		return &ServiceError{Err: err}
	}
	return s.CompleteDrain(l)
}

func (d *dispatcher) transfer(ctx context.Context, sc *cell.Cell[amqp.Session], t *performatives.Transfer) error {
	s := sc.Get()
	l, dlv, err := s.HandleTransfer(t)
	if err != nil || dlv == nil {
		return err
	}
	d.tel.messageReceived(len(dlv.Payload))

	var state performatives.DeliveryState = &performatives.Accepted{}
	if d.transfers != nil {
		if err := d.transfers.Transfer(ctx, l, dlv); err != nil {
			d.logger.Debug("delivery rejected",
				slog.Uint64("handle", uint64(l.Handle())),
				slog.Uint64("delivery_id", uint64(dlv.ID)),
				slog.String("error", err.Error()))
			state = &performatives.Rejected{Error: amqpError(err)}
		}
	}
	return s.Settle(dlv, state)
}

func (d *dispatcher) detach(ctx context.Context, sc *cell.Cell[amqp.Session], p *performatives.Detach) error {
	s := sc.Get()
	sl, rl, err := s.Detach(p)
	if err != nil || (sl == nil && rl == nil) {
		return err
	}
	d.links--
	d.tel.linkDetached()

	var kind amqp.LinkKind = amqp.DetachReceiver{Detach: p, Link: rl}
	if sl != nil {
		kind = amqp.DetachSender{Detach: p, Link: sl}
	}
	if err := d.control(ctx, amqp.NewLinkFrame(sc, kind)); err != nil {
		return &ServiceError{Err: err}
	}
	return s.ReplyDetach(p)
}

// end reports every link still attached as detached, then removes the
// session.
func (d *dispatcher) end(ctx context.Context, sc *cell.Cell[amqp.Session], e *performatives.End) error {
	s := sc.Get()
	if e.Error != nil {
		d.logger.Info("session ended with error",
			slog.Int("channel", int(s.RemoteChannel())),
			slog.String("condition", string(e.Error.Condition)),
			slog.String("description", e.Error.Description))
	}

	senders, receivers := s.Links()
	for _, l := range senders {
		detach := &performatives.Detach{Handle: l.Handle(), Closed: true}
		if err := d.control(ctx, amqp.NewLinkFrame(sc, amqp.DetachSender{Detach: detach, Link: l})); err != nil {
			return &ServiceError{Err: err}
		}
	}
	for _, l := range receivers {
		detach := &performatives.Detach{Handle: l.Handle(), Closed: true}
		if err := d.control(ctx, amqp.NewLinkFrame(sc, amqp.DetachReceiver{Detach: detach, Link: l})); err != nil {
			return &ServiceError{Err: err}
		}
	}

	n := len(senders) + len(receivers)
	d.links -= n
	for range n {
		d.tel.linkDetached()
	}
	d.sessions--
	d.tel.sessionClosed()
	return d.conn.End(s, nil)
}

func (d *dispatcher) close(ctx context.Context, c *performatives.Close) error {
	if err := d.phase.advance(PhaseClosing); err != nil {
		return err
	}
	if c.Error != nil {
		d.logger.Info("peer closed with error",
			slog.String("condition", string(c.Error.Condition)),
			slog.String("description", c.Error.Description))
	}
	if err := d.conn.Close(nil); err != nil {
		d.logger.Debug("failed to answer close", slog.String("error", err.Error()))
	}
	d.emitClosed(ctx, true)
	return nil
}

// fail ends the connection after err. Protocol violations and service
// errors are reported to the peer with Close.
func (d *dispatcher) fail(ctx context.Context, sc *cell.Cell[amqp.Session], err error) error {
	_ = d.phase.advance(PhaseClosing)

	var (
		se *ServiceError
		v  *amqp.ProtocolViolation
	)
	switch {
	case errors.As(err, &se):
		d.tel.serviceError()
		d.logger.Warn("link service failed, closing connection", slog.String("error", se.Err.Error()))
		d.sendClose(performatives.NewError(performatives.ErrInternalError, se.Err.Error()))
		return err

	case errors.As(err, &v):
		d.tel.protocolError()
		d.logger.Warn("protocol violation, closing connection",
			slog.String("condition", string(v.Condition)),
			slog.String("description", v.Description))
		// The session, when known, rides along with the error.
		if cerr := d.control(ctx, amqp.NewConnectionFrame(amqp.ProtocolError{Err: v}, sc)); cerr != nil {
			d.logger.Warn("link service failed on protocol error", slog.String("error", cerr.Error()))
		}
		d.sendClose(v.AMQPError())
		return v

	case isClosed(err):
		d.emitClosed(ctx, false)
		return nil

	default:
		d.emitClosed(ctx, false)
		return &CodecError{Err: err}
	}
}

// readFailed ends the connection after a read error. Malformed frames are
// protocol violations; a closed transport is a normal end.
func (d *dispatcher) readFailed(ctx context.Context, err error) error {
	switch {
	case isClosed(err):
		_ = d.phase.advance(PhaseClosing)
		d.emitClosed(ctx, false)
		return nil
	case errors.Is(err, performatives.ErrDecode), errors.Is(err, performatives.ErrUnknownPerformative):
		return d.fail(ctx, nil, amqp.Violation(performatives.ErrDecodeError, "%v", err))
	case errors.Is(err, frames.ErrFrameTooLarge), errors.Is(err, frames.ErrInvalidFrame), errors.Is(err, transport.ErrUnexpectedFrameType):
		return d.fail(ctx, nil, amqp.Violation(performatives.ErrFramingError, "%v", err))
	default:
		_ = d.phase.advance(PhaseClosing)
		d.emitClosed(ctx, false)
		return &CodecError{Err: err}
	}
}

func (d *dispatcher) sendClose(e *performatives.Error) {
	if err := d.conn.Close(e); err != nil {
		d.logger.Debug("failed to send close", slog.String("error", err.Error()))
	}
}

// emitClosed reports the end of the connection. The connection is already
// over, so a link service error is only logged.
func (d *dispatcher) emitClosed(ctx context.Context, graceful bool) {
	if err := d.control(ctx, amqp.NewConnectionFrame(amqp.Closed{Graceful: graceful}, nil)); err != nil {
		d.logger.Warn("link service failed on close", slog.String("error", err.Error()))
	}
}

// control hands f to the link service and releases it afterwards.
func (d *dispatcher) control(ctx context.Context, f *amqp.ControlFrame) error {
	defer f.Release()
	d.tel.controlFrame(amqp.KindName(f.Kind()))
	return d.svc.Control(ctx, f)
}

// shutdown drops the remaining sessions once the loop stopped.
func (d *dispatcher) shutdown() {
	for range d.links {
		d.tel.linkDetached()
	}
	for range d.sessions {
		d.tel.sessionClosed()
	}
	d.links, d.sessions = 0, 0
	d.conn.Shutdown()
}
