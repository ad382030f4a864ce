// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxamqp/amqp"
	"github.com/absmach/fluxamqp/amqp/performatives"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	address string
	credit  uint32
	sent    [][]byte
	err     error
}

func (f *fakeSender) Address() string { return f.address }
func (f *fakeSender) Credit() uint32  { return f.credit }

func (f *fakeSender) Send(payload []byte, settled bool) error {
	if f.err != nil {
		return f.err
	}
	if f.credit == 0 {
		return amqp.ErrNoCredit
	}
	f.credit--
	f.sent = append(f.sent, payload)
	return nil
}

func TestPublishFansOut(t *testing.T) {
	r := New(0, nil)
	a := &fakeSender{address: "orders", credit: 5}
	b := &fakeSender{address: "orders", credit: 5}
	other := &fakeSender{address: "events", credit: 5}
	for _, s := range []*fakeSender{a, b, other} {
		require.NoError(t, r.subscribe(s))
	}

	require.NoError(t, r.publish("orders", []byte("one")))

	assert.Equal(t, [][]byte{[]byte("one")}, a.sent)
	assert.Equal(t, [][]byte{[]byte("one")}, b.sent)
	assert.Empty(t, other.sent)
	assert.Zero(t, r.Pending("orders"))
}

func TestBacklogFlushedOnCredit(t *testing.T) {
	r := New(0, nil)
	s := &fakeSender{address: "q"}
	require.NoError(t, r.subscribe(s))

	payload := []byte("first")
	require.NoError(t, r.publish("q", payload))
	require.NoError(t, r.publish("q", []byte("second")))
	payload[0] = 'X'
	assert.Equal(t, 2, r.Pending("q"))

	s.credit = 1
	require.NoError(t, r.flush(s))
	assert.Equal(t, [][]byte{[]byte("first")}, s.sent)
	assert.Equal(t, 1, r.Pending("q"))

	s.credit = 10
	require.NoError(t, r.flush(s))
	assert.Len(t, s.sent, 2)
	assert.Zero(t, r.Pending("q"))
}

func TestBacklogLimit(t *testing.T) {
	r := New(2, nil)
	require.NoError(t, r.publish("q", []byte("a")))
	require.NoError(t, r.publish("q", []byte("b")))

	err := r.publish("q", []byte("c"))
	var perr *performatives.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, performatives.ErrResourceLimitExceeded, perr.Condition)
	assert.Equal(t, 2, r.Pending("q"))
}

func TestPublishSkipsUnusableSenders(t *testing.T) {
	r := New(0, nil)
	gone := &fakeSender{address: "q", credit: 1, err: amqp.ErrLinkDetached}
	require.NoError(t, r.subscribe(gone))

	require.NoError(t, r.publish("q", []byte("m")))
	assert.Equal(t, 1, r.Pending("q"))

	broken := &fakeSender{address: "q", credit: 1, err: errors.New("write failed")}
	require.NoError(t, r.subscribe(broken))
	assert.EqualError(t, r.publish("q", []byte("m")), "write failed")
}

func TestSubscribeValidatesFilter(t *testing.T) {
	r := New(0, nil)
	for _, addr := range []string{"", "orders.eu*", "$share.g.or#ders"} {
		err := r.subscribe(&fakeSender{address: addr})
		var perr *performatives.Error
		require.ErrorAs(t, err, &perr, addr)
		assert.Equal(t, performatives.ErrInvalidField, perr.Condition)
	}
	assert.Empty(t, r.subs)
	assert.Empty(t, r.groups)
}

func TestWildcardSubscribers(t *testing.T) {
	r := New(0, nil)
	all := &fakeSender{address: "orders.#", credit: 10}
	eu := &fakeSender{address: "orders.*.eu", credit: 10}
	require.NoError(t, r.subscribe(all))
	require.NoError(t, r.subscribe(eu))

	require.NoError(t, r.publish("orders.new.eu", []byte("a")))
	require.NoError(t, r.publish("orders.new.us", []byte("b")))
	require.NoError(t, r.publish("orders", []byte("c")))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, all.sent)
	assert.Equal(t, [][]byte{[]byte("a")}, eu.sent)
}

func TestFlushMatchesBacklogByFilter(t *testing.T) {
	r := New(0, nil)
	require.NoError(t, r.publish("orders.eu", []byte("1")))
	require.NoError(t, r.publish("orders.us", []byte("2")))
	require.NoError(t, r.publish("events", []byte("3")))

	s := &fakeSender{address: "orders.*", credit: 10}
	require.NoError(t, r.subscribe(s))
	require.NoError(t, r.flush(s))

	assert.Equal(t, [][]byte{[]byte("1"), []byte("2")}, s.sent)
	assert.Zero(t, r.Pending("orders.eu"))
	assert.Zero(t, r.Pending("orders.us"))
	assert.Equal(t, 1, r.Pending("events"))
}

func TestSharedSubscription(t *testing.T) {
	r := New(0, nil)
	a := &fakeSender{address: "$share.workers.jobs.#", credit: 10}
	b := &fakeSender{address: "$share.workers.jobs.#", credit: 10}
	plain := &fakeSender{address: "jobs.#", credit: 10}
	for _, s := range []*fakeSender{a, b, plain} {
		require.NoError(t, r.subscribe(s))
	}

	for _, m := range []string{"1", "2", "3", "4"} {
		require.NoError(t, r.publish("jobs.build", []byte(m)))
	}

	assert.Equal(t, [][]byte{[]byte("1"), []byte("3")}, a.sent)
	assert.Equal(t, [][]byte{[]byte("2"), []byte("4")}, b.sent)
	assert.Len(t, plain.sent, 4)

	a.credit = 0
	require.NoError(t, r.publish("jobs.test", []byte("5")))
	assert.Equal(t, []byte("5"), b.sent[len(b.sent)-1])

	r.unsubscribe(a)
	r.unsubscribe(b)
	assert.Empty(t, r.groups)
}

func TestSharedMemberDetachedIsSkipped(t *testing.T) {
	r := New(0, nil)
	gone := &fakeSender{address: "$share.g.jobs", credit: 1, err: amqp.ErrLinkDetached}
	require.NoError(t, r.subscribe(gone))

	require.NoError(t, r.publish("jobs", []byte("m")))
	assert.Equal(t, 1, r.Pending("jobs"))
}

func TestUnsubscribe(t *testing.T) {
	r := New(0, nil)
	a := &fakeSender{address: "q", credit: 1}
	b := &fakeSender{address: "q", credit: 1}
	require.NoError(t, r.subscribe(a))
	require.NoError(t, r.subscribe(b))

	r.unsubscribe(a)
	require.NoError(t, r.publish("q", []byte("m")))
	assert.Empty(t, a.sent)
	assert.Len(t, b.sent, 1)

	r.unsubscribe(b)
	assert.Empty(t, r.subs)
}

func TestClosedResets(t *testing.T) {
	r := New(0, nil)
	require.NoError(t, r.publish("q", []byte("m")))
	require.Equal(t, 1, r.Pending("q"))

	f := amqp.NewConnectionFrame(amqp.Closed{Graceful: true}, nil)
	defer f.Release()
	require.NoError(t, r.Control(context.Background(), f))
	assert.Empty(t, r.backlogs)
}

func TestProtocolErrorResets(t *testing.T) {
	r := New(0, nil)
	require.NoError(t, r.publish("q", []byte("m")))

	v := amqp.Violation(performatives.ErrNotAllowed, "begin on channel %d", 1)
	f := amqp.NewConnectionFrame(amqp.ProtocolError{Err: v}, nil)
	defer f.Release()
	require.NoError(t, r.Control(context.Background(), f))
	assert.Zero(t, r.Pending("q"))
}
