// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/store/memstore"
)

func newTestMetadata(t *testing.T) (*Metadata, config.Tunables) {
	t.Helper()
	st := memstore.New()
	m := New(st, ijournal.ImageID("rbd/image-1"), ijournal.ClientID("c1"))
	tun := config.Tunables{Order: 22, SplayWidth: 4, DataPoolID: -1, CommitInterval: 10 * time.Millisecond}
	require.NoError(t, m.Create(context.Background(), tun))
	return m, tun
}

func TestHeaderRoundTripScenario(t *testing.T) {
	m, _ := newTestMetadata(t)
	h := m.Header()
	assert.EqualValues(t, 22, h.Immutable.Order)
	assert.EqualValues(t, 4, h.Immutable.SplayWidth)
	assert.EqualValues(t, -1, h.Immutable.DataPoolID)
	assert.EqualValues(t, 0, h.Mutable.MinimumSet)
	assert.EqualValues(t, 0, h.Mutable.ActiveSet)
	assert.Empty(t, h.Mutable.Clients)
}

func TestRegisterClientTwiceFails(t *testing.T) {
	m, _ := newTestMetadata(t)
	ctx := context.Background()
	require.NoError(t, m.RegisterClient(ctx, []byte("x")))

	err := m.RegisterClient(ctx, []byte("x"))
	assert.True(t, errors.Is(errors.Exist, err))
}

func TestRegisterCommitRefresh(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)
	require.NoError(t, m.RegisterClient(ctx, []byte("x")))

	h := m.Header()
	c, ok := h.Mutable.Clients["c1"]
	require.True(t, ok)
	assert.Empty(t, c.CommitPosition.EntryPositions)

	done := make(chan error, 1)
	pos := ijournal.ObjectSetPosition{ObjectNumber: 7, EntryPositions: []ijournal.EntryPosition{{Tag: "A", Tid: 3}}}
	m.SetCommitPosition(ctx, pos, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("commit position never flushed")
	}

	require.NoError(t, m.refresh(ctx))
	h = m.Header()
	c = h.Mutable.Clients["c1"]
	assert.True(t, c.CommitPosition.Equal(pos))
}

func TestSetCommitPositionStaleRejected(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)
	require.NoError(t, m.RegisterClient(ctx, []byte("x")))

	first := ijournal.ObjectSetPosition{ObjectNumber: 5}
	done1 := make(chan error, 1)
	m.SetCommitPosition(ctx, first, func(err error) { done1 <- err })
	require.NoError(t, <-done1)
	require.NoError(t, m.refresh(ctx))

	done2 := make(chan error, 1)
	m.SetCommitPosition(ctx, ijournal.ObjectSetPosition{ObjectNumber: 5}, func(err error) { done2 <- err })
	err := <-done2
	assert.True(t, errors.Is(errors.Stale, err))
}

func TestSetCommitPositionCoalescesWithStale(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)
	require.NoError(t, m.RegisterClient(ctx, []byte("x")))

	firstErr := make(chan error, 1)
	m.SetCommitPosition(ctx, ijournal.ObjectSetPosition{ObjectNumber: 1}, func(err error) { firstErr <- err })

	secondErr := make(chan error, 1)
	m.SetCommitPosition(ctx, ijournal.ObjectSetPosition{ObjectNumber: 2}, func(err error) { secondErr <- err })

	assert.True(t, errors.Is(errors.Stale, <-firstErr))
	require.NoError(t, <-secondErr)
}

func TestFoldCommitPositions(t *testing.T) {
	m, _ := newTestMetadata(t)

	t1 := m.AllocateCommitTid(1, "A", 10)
	t2 := m.AllocateCommitTid(1, "B", 5)
	t3 := m.AllocateCommitTid(2, "A", 11)

	_, moved, err := m.Committed(t1)
	require.NoError(t, err)
	assert.True(t, moved)

	_, moved, err = m.Committed(t3)
	require.NoError(t, err)
	assert.False(t, moved, "t3 cannot fold until t2 commits")

	pos, moved, err := m.Committed(t2)
	require.NoError(t, err)
	assert.True(t, moved)

	assert.EqualValues(t, 2, pos.ObjectNumber)
	require.Len(t, pos.EntryPositions, 2)
	assert.Equal(t, ijournal.EntryPosition{Tag: "A", Tid: 11}, pos.EntryPositions[0])
	assert.Equal(t, ijournal.EntryPosition{Tag: "B", Tid: 5}, pos.EntryPositions[1])
}

func TestAllocateCommitTidStrictlyIncreasing(t *testing.T) {
	m, _ := newTestMetadata(t)
	var prev uint64
	for i := 0; i < 5; i++ {
		ct := m.AllocateCommitTid(0, "A", uint64(i))
		if i > 0 {
			assert.Greater(t, ct, prev)
		}
		prev = ct
	}
}

func TestAllocateAndReserveTid(t *testing.T) {
	m, _ := newTestMetadata(t)
	assert.EqualValues(t, 0, m.AllocateTid("A"))
	assert.EqualValues(t, 1, m.AllocateTid("A"))

	m.ReserveTid("A", 10)
	assert.EqualValues(t, 11, m.AllocateTid("A"))

	last, ok := m.LastAllocatedTid("A")
	assert.True(t, ok)
	assert.EqualValues(t, 11, last)
}

func TestSetMinimumSetAndActiveSetAreMonotonic(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)

	require.NoError(t, m.SetActiveSet(ctx, 3))
	require.NoError(t, m.SetActiveSet(ctx, 1)) // no-op
	assert.EqualValues(t, 3, m.Header().Mutable.ActiveSet)

	require.NoError(t, m.SetMinimumSet(ctx, 2))
	require.NoError(t, m.SetMinimumSet(ctx, 2)) // no-op
	assert.EqualValues(t, 2, m.Header().Mutable.MinimumSet)
}

func TestSubscribeFiresAfterHeaderNotification(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)

	initErr := make(chan error, 1)
	m.Init(ctx, func(err error) { initErr <- err })
	require.NoError(t, <-initErr)

	fired := make(chan struct{}, 1)
	unsubscribe := m.Subscribe(func(ctx context.Context) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	require.NoError(t, m.RegisterClient(ctx, []byte("x")))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("listener never fired after a header notification")
	}
}

func TestUnsubscribeStopsFutureNotifications(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestMetadata(t)

	initErr := make(chan error, 1)
	m.Init(ctx, func(err error) { initErr <- err })
	require.NoError(t, <-initErr)

	var fires int32
	unsubscribe := m.Subscribe(func(ctx context.Context) {
		atomic.AddInt32(&fires, 1)
	})
	unsubscribe()

	require.NoError(t, m.RegisterClient(ctx, []byte("x")))
	require.NoError(t, m.refresh(ctx)) // give any stray dispatch a chance to run before asserting

	assert.EqualValues(t, 0, atomic.LoadInt32(&fires))
}

func TestCreateRejectsBadTunables(t *testing.T) {
	st := memstore.New()
	m := New(st, ijournal.ImageID("img"), ijournal.ClientID("c1"))
	err := m.Create(context.Background(), config.Tunables{Order: 1, SplayWidth: 4})
	assert.True(t, errors.Is(errors.Domain, err))
}
