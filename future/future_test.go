// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package future

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
)

// countingHandler records how many times Flush was called and how many
// attach/detach pairs are outstanding, mirroring the C++ test's
// MockFlushHandler.
type countingHandler struct {
	mu      sync.Mutex
	flushes int
	refs    int
}

func (h *countingHandler) Get() { h.mu.Lock(); h.refs++; h.mu.Unlock() }
func (h *countingHandler) Put() { h.mu.Lock(); h.refs--; h.mu.Unlock() }
func (h *countingHandler) Flush(f *Future) {
	h.mu.Lock()
	h.flushes++
	h.mu.Unlock()
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushes
}

// syncWait blocks the calling goroutine until cb fires, returning the
// error it was called with. Tests run with a synchronous Executor so
// this never actually needs to block on a goroutine hop.
func syncWait(f *Future) error {
	done := make(chan error, 1)
	f.Wait(func(err error) { done <- err })
	return <-done
}

func withSyncExecutor(t *testing.T) {
	t.Helper()
	prev := Executor
	Executor = func(fn func()) { fn() }
	t.Cleanup(func() { Executor = prev })
}

func TestGetters(t *testing.T) {
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	assert.Equal(t, ijournal.Tag("tag1"), f.Tag())
	assert.EqualValues(t, 123, f.Tid())
	assert.EqualValues(t, 456, f.CommitTid())
}

func TestAttach(t *testing.T) {
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	h := &countingHandler{}
	assert.False(t, f.Attach(h))
	assert.Equal(t, 1, h.refs)
}

func TestAttachWithPendingFlush(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	f.Flush(nil)

	h := &countingHandler{}
	assert.True(t, f.Attach(h))
}

func TestDetach(t *testing.T) {
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	h := &countingHandler{}
	f.Attach(h)
	f.Detach()
	assert.Equal(t, 0, h.refs)
}

func TestDetachAfterSafe(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	h := &countingHandler{}
	f.Attach(h)
	f.Safe(nil)
	f.Detach()
	assert.Equal(t, 0, h.refs)
}

func TestFlush(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	h := &countingHandler{}
	f.Attach(h)

	f.Flush(nil)
	assert.Equal(t, 1, h.count())

	f.Safe(nil)
	assert.NoError(t, f.ReturnValue())
}

func TestFlushWithoutHandler(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	f.Flush(nil)
	f.Safe(nil)
	assert.True(t, f.IsComplete())
}

func TestFlushChain(t *testing.T) {
	withSyncExecutor(t)
	f1 := New(ijournal.Tag("tag1"), 123, 456, nil)
	f2 := New(ijournal.Tag("tag1"), 124, 457, f1)
	f3 := New(ijournal.Tag("tag2"), 1, 458, f2)

	h := &countingHandler{}
	assert.False(t, f1.Attach(h))
	assert.False(t, f2.Attach(h))
	assert.False(t, f3.Attach(h))

	var got error
	f3.Flush(func(err error) { got = err })
	assert.Equal(t, 3, h.count())

	f3.Safe(nil)
	assert.False(t, f3.IsComplete())

	f1.Safe(nil)
	assert.False(t, f3.IsComplete())

	f2.Safe(errors.Str("io error"))
	assert.True(t, f3.IsComplete())
	assert.Equal(t, errors.Str("io error"), f3.ReturnValue())
	assert.Equal(t, errors.Str("io error"), got)
	assert.NoError(t, f1.ReturnValue())
}

func TestFlushInProgress(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	h := &countingHandler{}
	f.Attach(h)

	f.Flush(nil)
	assert.Equal(t, 1, h.count())

	f.Flush(nil)
	assert.Equal(t, 1, h.count())
}

func TestFlushAlreadyComplete(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	f.Safe(errors.Str("io error"))

	var got error
	f.Flush(func(err error) { got = err })
	assert.Equal(t, errors.Str("io error"), got)
}

func TestWait(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)

	var got error
	fired := false
	f.Wait(func(err error) { got = err; fired = true })
	assert.False(t, fired)

	f.Safe(nil)
	assert.True(t, fired)
	assert.NoError(t, got)
}

func TestWaitAlreadyComplete(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	f.Safe(errors.Str("io error"))

	var got error
	f.Wait(func(err error) { got = err })
	assert.Equal(t, errors.Str("io error"), got)
}

// SafePreservesError and ConsistentPreservesError below are grounded on
// original_source/src/test/journal/test_FutureImpl.cc's tests of the
// same names: whichever of a chained pair of futures reports a
// non-zero error first determines the value both eventually observe.

func TestSafePreservesError(t *testing.T) {
	withSyncExecutor(t)
	f1 := New(ijournal.Tag("tag1"), 123, 456, nil)
	f2 := New(ijournal.Tag("tag1"), 124, 457, f1)

	f1.Safe(errors.Str("io error"))
	f2.Safe(errors.Str("already exists"))

	require.True(t, f2.IsComplete())
	assert.Equal(t, errors.Str("io error"), f2.ReturnValue())
}

func TestConsistentPreservesError(t *testing.T) {
	withSyncExecutor(t)
	f1 := New(ijournal.Tag("tag1"), 123, 456, nil)
	f2 := New(ijournal.Tag("tag1"), 124, 457, f1)

	f2.Safe(errors.Str("already exists"))
	f1.Safe(errors.Str("io error"))

	require.True(t, f2.IsComplete())
	assert.Equal(t, errors.Str("already exists"), f2.ReturnValue())
}

func TestSafeIdempotent(t *testing.T) {
	withSyncExecutor(t)
	f := New(ijournal.Tag("tag1"), 123, 456, nil)
	f.Safe(errors.Str("first"))
	f.Safe(errors.Str("second"))
	assert.Equal(t, errors.Str("first"), f.ReturnValue())
}
