// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
)

func waitOrTimeout(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func TestDispatchWriteInlineWhenNoBlockersOrJournal(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	var ran int32
	done := make(chan error, 1)
	q.DispatchWrite(context.Background(), KindWrite, func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, func(err error) { done <- err })
	require.NoError(t, waitOrTimeout(t, done))
	assert.EqualValues(t, 1, atomic.LoadInt32(&ran))
}

func TestDispatchWriteQueuesWhenJournalRequired(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	q.Configure(false, true, false, nil, nil, nil)

	done := make(chan error, 1)
	q.DispatchWrite(context.Background(), KindWrite, func(context.Context) error { return nil }, func(err error) { done <- err })
	require.NoError(t, waitOrTimeout(t, done))
}

func TestBlockWritesGatesWorker(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	q.Configure(false, true, false, nil, nil, nil)

	blocked := make(chan struct{})
	q.BlockWrites(context.Background(), func() { close(blocked) })
	<-blocked

	done := make(chan error, 1)
	q.DispatchWrite(context.Background(), KindWrite, func(context.Context) error { return nil }, func(err error) { done <- err })

	select {
	case <-done:
		t.Fatal("write ran while blocked")
	case <-time.After(30 * time.Millisecond):
	}

	q.UnblockWrites()
	require.NoError(t, waitOrTimeout(t, done))
}

func TestShutdownFlushesImmediatelyWithNoInFlightOps(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	done := make(chan struct{})
	q.Shutdown(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never ran")
	}
}

func TestShutdownWaitsForInFlightOps(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	require.NoError(t, q.StartInFlightOp())

	done := make(chan struct{})
	var once sync.Once
	q.Shutdown(func() { once.Do(func() { close(done) }) })

	select {
	case <-done:
		t.Fatal("shutdown ran before in-flight op finished")
	case <-time.After(30 * time.Millisecond):
	}

	q.FinishInFlightOp()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never ran")
	}
}

func TestStartInFlightOpFailsAfterShutdown(t *testing.T) {
	q := NewQueue(ijournal.ImageID("img"), NewOpTracker())
	q.Shutdown(nil)
	err := q.StartInFlightOp()
	assert.True(t, errors.Is(errors.Shutdown, err))
}
