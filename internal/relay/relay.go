// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements a link service that forwards messages between the
// links of one connection. A delivery on a receiver link is sent, pre-settled,
// on every sender link whose source filter matches the target address.
// Filters of the form "$share.{group}.{filter}" form a group in which each
// message goes to a single member.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/performatives"
	amqpserver "github.com/absmach/fluxamqp/amqp/server"
	"github.com/absmach/fluxamqp/topics"
)

// DefaultMaxBacklog is the number of messages kept per address while no
// subscriber has credit.
const DefaultMaxBacklog = 1024

var (
	_ amqpserver.LinkService     = (*Relay)(nil)
	_ amqpserver.TransferHandler = (*Relay)(nil)
)

// sender is the part of *amqp.SenderLink the relay needs.
type sender interface {
	Address() string
	Credit() uint32
	Send(payload []byte, settled bool) error
}

type subscription struct {
	filter string
	s      sender
}

// Relay is a per-connection link service. It is only used from the
// connection's goroutine and needs no locking.
type Relay struct {
	maxBacklog int
	logger     *slog.Logger
	subs       []subscription
	groups     map[string]*topics.ShareGroup[sender]
	backlogs   map[string][][]byte
}

// New returns an empty relay. maxBacklog <= 0 selects DefaultMaxBacklog.
func New(maxBacklog int, logger *slog.Logger) *Relay {
	if maxBacklog <= 0 {
		maxBacklog = DefaultMaxBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		maxBacklog: maxBacklog,
		logger:     logger,
		groups:     make(map[string]*topics.ShareGroup[sender]),
		backlogs:   make(map[string][][]byte),
	}
}

// Control implements amqpserver.LinkService.
func (r *Relay) Control(ctx context.Context, f *amqp.ControlFrame) error {
	switch k := f.Kind().(type) {
	case amqp.AttachReceiver:
		if err := topics.ValidateAddress(k.Link.Address()); err != nil {
			return performatives.NewError(performatives.ErrInvalidField, err.Error())
		}
		return nil
	case amqp.AttachSender:
		return r.subscribe(k.Link)
	case amqp.Flow:
		return r.flush(k.Link)
	case amqp.DetachSender:
		r.unsubscribe(k.Link)
		return nil
	case amqp.DetachReceiver:
		return nil
	case amqp.ProtocolError:
		r.logger.Warn("relay connection failed", slog.String("error", k.Err.Error()))
		r.reset()
		return nil
	case amqp.Closed:
		r.reset()
		return nil
	default:
		return fmt.Errorf("relay: unexpected control frame %s", amqp.KindName(k))
	}
}

// Transfer implements amqpserver.TransferHandler.
func (r *Relay) Transfer(ctx context.Context, l *amqp.ReceiverLink, d *amqp.Delivery) error {
	return r.publish(l.Address(), d.Payload)
}

// Pending returns the number of messages buffered for address.
func (r *Relay) Pending(address string) int {
	return len(r.backlogs[address])
}

func (r *Relay) subscribe(s sender) error {
	source := s.Address()
	name, filter, shared := topics.ParseShared(source)
	if err := topics.ValidateFilter(filter); err != nil {
		return performatives.NewError(performatives.ErrInvalidField, err.Error())
	}

	if shared {
		g, ok := r.groups[source]
		if !ok {
			g = topics.NewShareGroup[sender](name, filter)
			r.groups[source] = g
		}
		g.Add(s)
		r.logger.Debug("relay share group member added",
			slog.String("group", name),
			slog.String("filter", filter),
			slog.Int("members", len(g.Members)))
		return nil
	}

	r.subs = append(r.subs, subscription{filter: filter, s: s})
	r.logger.Debug("relay subscriber added", slog.String("filter", filter))
	return nil
}

func (r *Relay) unsubscribe(s sender) {
	if g, ok := r.groups[s.Address()]; ok {
		g.Remove(s)
		if g.IsEmpty() {
			delete(r.groups, s.Address())
		}
		return
	}
	r.subs = slices.DeleteFunc(r.subs, func(sub subscription) bool { return sub.s == s })
}

// flush sends buffered messages matching the filter of s while it has credit.
func (r *Relay) flush(s sender) error {
	_, filter, _ := topics.ParseShared(s.Address())

	addrs := make([]string, 0, len(r.backlogs))
	for addr := range r.backlogs {
		if topics.Match(filter, addr) {
			addrs = append(addrs, addr)
		}
	}
	slices.Sort(addrs)

	for _, addr := range addrs {
		q := r.backlogs[addr]
		for len(q) > 0 && s.Credit() > 0 {
			if err := s.Send(q[0], true); err != nil {
				r.backlogs[addr] = q
				if errors.Is(err, amqp.ErrWindowExhausted) {
					return nil
				}
				return err
			}
			q[0] = nil
			q = q[1:]
		}
		if len(q) == 0 {
			delete(r.backlogs, addr)
		} else {
			r.backlogs[addr] = q
		}
	}
	return nil
}

// publish sends payload to every matching subscriber with credit and to one
// member of every matching share group. When nobody can take it, the message
// is buffered until a Flow grants credit.
func (r *Relay) publish(address string, payload []byte) error {
	sent := 0
	for _, sub := range r.subs {
		if !topics.Match(sub.filter, address) || sub.s.Credit() == 0 {
			continue
		}
		ok, err := send(sub.s, payload)
		if err != nil {
			return err
		}
		if ok {
			sent++
		}
	}

	for _, g := range r.groups {
		if !topics.Match(g.Filter, address) {
			continue
		}
		for range len(g.Members) {
			m, found := g.Next(func(s sender) bool { return s.Credit() > 0 })
			if !found {
				break
			}
			ok, err := send(m, payload)
			if err != nil {
				return err
			}
			if ok {
				sent++
				break
			}
		}
	}

	if sent > 0 {
		return nil
	}

	q := r.backlogs[address]
	if len(q) >= r.maxBacklog {
		return performatives.NewError(performatives.ErrResourceLimitExceeded, "relay backlog for "+address+" is full")
	}
	r.backlogs[address] = append(q, bytes.Clone(payload))
	return nil
}

// send reports false when s cannot take the message right now.
func send(s sender, payload []byte) (bool, error) {
	err := s.Send(payload, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, amqp.ErrNoCredit), errors.Is(err, amqp.ErrWindowExhausted), errors.Is(err, amqp.ErrLinkDetached):
		return false, nil
	default:
		return false, err
	}
}

func (r *Relay) reset() {
	r.subs = nil
	clear(r.groups)
	clear(r.backlogs)
}
