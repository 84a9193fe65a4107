// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package future implements the chained completion future described in
// spec.md §4.F: a value that becomes safe once the recorder durably
// writes the entry it stands for, propagating the earliest error seen
// anywhere in its predecessor chain (SPEC_FULL.md's "Design notes"
// call this out as one of the hard parts of the CORE).
package future // import "ijournal.io/future"

import (
	"sync"
	"sync/atomic"

	"ijournal.io/ijournal"
)

// seqCounter hands out the total order used to decide which of two
// concurrent non-zero Safe calls in a chain "happened first" (spec.md
// §4.F's error preservation rule). It is process-wide because ordering
// must be comparable across every appender's chain of futures.
var seqCounter uint64

func nextSeq() uint64 {
	return atomic.AddUint64(&seqCounter, 1)
}

// Executor runs completion callbacks. The default schedules each on its
// own goroutine, standing in for the teacher's process-wide thread-pool
// executor (§5 "Scheduling") — goroutines are cheap enough in Go that a
// dedicated pool buys little, and the design notes ask only that the
// core "never block inside" a store completion callback, which holds
// either way. Tests may install a synchronous Executor to make
// assertions deterministic without a WaitGroup.
var Executor = func(fn func()) { go fn() }

// FlushHandler is consulted by a Future's owner (the recorder's
// object-appender) to coalesce flush requests, mirroring the
// C++ FutureImpl::FlushHandler used for reference counting an
// appender's pending futures.
type FlushHandler interface {
	// Get is called when the handler is attached to a Future.
	Get()
	// Put is called when the handler is detached.
	Put()
	// Flush is called once, the first time this Future (or a
	// predecessor sharing its chain) requests expedited durability.
	Flush(f *Future)
}

// Future represents a pending durable journal entry (spec.md §4.F).
// A Future may hold a reference to the immediately preceding Future
// produced by the same appender; Wait, Flush, and ReturnValue all
// consult that chain.
type Future struct {
	tag       ijournal.Tag
	tid       uint64
	commitTid uint64

	mu   sync.Mutex
	prev *Future
	next []*Future // Futures constructed with this one as their prev.

	safeCalled bool
	ownErr     error
	ownSeq     uint64

	flushRequested bool
	flushHandler   FlushHandler

	waiters []func(error)
}

// New creates a Future for the given tag/tid/commitTid, chained after
// prev (the previous Future produced by the same appender), or with no
// predecessor if prev is nil.
func New(tag ijournal.Tag, tid, commitTid uint64, prev *Future) *Future {
	f := &Future{tag: tag, tid: tid, commitTid: commitTid, prev: prev}
	if prev != nil {
		prev.mu.Lock()
		prev.next = append(prev.next, f)
		prev.mu.Unlock()
	}
	return f
}

// Tag returns the append tag this Future's entry was written under.
func (f *Future) Tag() ijournal.Tag { return f.tag }

// Tid returns the per-tag id of this Future's entry.
func (f *Future) Tid() uint64 { return f.tid }

// CommitTid returns the process-wide commit id allocated for this entry.
func (f *Future) CommitTid() uint64 { return f.commitTid }

// Attach installs handler as this Future's flush coalescer and returns
// whether a flush has already been requested — if so, the caller must
// flush immediately since Attach arrived too late to be notified by a
// future Flush call.
func (f *Future) Attach(handler FlushHandler) (alreadyRequested bool) {
	f.mu.Lock()
	f.flushHandler = handler
	alreadyRequested = f.flushRequested
	f.mu.Unlock()
	if handler != nil {
		handler.Get()
	}
	return alreadyRequested
}

// Detach removes this Future's flush handler.
func (f *Future) Detach() {
	f.mu.Lock()
	handler := f.flushHandler
	f.flushHandler = nil
	f.mu.Unlock()
	if handler != nil {
		handler.Put()
	}
}

// IsComplete reports whether this Future and every predecessor in its
// chain have been marked safe.
func (f *Future) IsComplete() bool {
	f.mu.Lock()
	safe := f.safeCalled
	prev := f.prev
	f.mu.Unlock()
	if !safe {
		return false
	}
	if prev == nil {
		return true
	}
	return prev.IsComplete()
}

// ReturnValue returns the error observed by this Future: the value of
// whichever Safe call, among this Future and its ancestors, carried a
// non-zero error and occurred first (spec.md §4.F, §8 testable
// property 4). It is meaningful once IsComplete reports true; before
// that it reflects whatever has been decided so far.
func (f *Future) ReturnValue() error {
	var bestErr error
	bestSeq := ^uint64(0)
	for node := f; node != nil; {
		node.mu.Lock()
		called, err, seq, prev := node.safeCalled, node.ownErr, node.ownSeq, node.prev
		node.mu.Unlock()
		if called && err != nil && seq < bestSeq {
			bestErr = err
			bestSeq = seq
		}
		node = prev
	}
	return bestErr
}

// Safe is the completion callback the recorder invokes once this
// Future's entry has been durably written. It is idempotent: a second
// call is a no-op.
func (f *Future) Safe(err error) {
	f.mu.Lock()
	if f.safeCalled {
		f.mu.Unlock()
		return
	}
	f.safeCalled = true
	if err != nil {
		f.ownErr = err
		f.ownSeq = nextSeq()
	}
	f.mu.Unlock()
	f.settle()
}

// settle fires this Future's waiters, and cascades to any Future that
// named this one as its predecessor, once the whole chain up to and
// including this Future is complete.
func (f *Future) settle() {
	if !f.IsComplete() {
		return
	}
	f.mu.Lock()
	waiters := f.waiters
	f.waiters = nil
	next := append([]*Future(nil), f.next...)
	f.mu.Unlock()

	if len(waiters) > 0 {
		rv := f.ReturnValue()
		for _, w := range waiters {
			w := w
			Executor(func() { w(rv) })
		}
	}
	for _, n := range next {
		n.settle()
	}
}

// Wait invokes cb(err) once this Future is safe. It is idempotent: if
// the Future is already safe, cb is scheduled with the stored result.
func (f *Future) Wait(cb func(error)) {
	if cb == nil {
		return
	}
	if f.IsComplete() {
		rv := f.ReturnValue()
		Executor(func() { cb(rv) })
		return
	}
	f.mu.Lock()
	f.waiters = append(f.waiters, cb)
	f.mu.Unlock()
	// A concurrent Safe call may have completed the chain between our
	// check above and registering the waiter; settle is idempotent, so
	// calling it again here is always safe.
	f.settle()
}

// Flush requests expedited durability for this Future and every
// predecessor in its chain that has not yet requested one, stopping at
// the first predecessor that already has (or is already safe, in which
// case everything before it must be too). It then behaves as Wait,
// unless cb is nil, in which case only the flush is requested.
func (f *Future) Flush(cb func(error)) {
	for node := f; node != nil; {
		node.mu.Lock()
		alreadyRequested := node.flushRequested
		alreadySafe := node.safeCalled
		node.flushRequested = true
		handler := node.flushHandler
		prev := node.prev
		node.mu.Unlock()

		if alreadyRequested || alreadySafe {
			break
		}
		if handler != nil {
			handler.Flush(node)
		}
		node = prev
	}
	if cb != nil {
		f.Wait(cb)
	}
}
