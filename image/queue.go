// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
)

// Kind classifies a request accepted by Queue (spec.md §4.I).
type Kind int

const (
	KindRead Kind = iota
	KindWrite
	KindDiscard
	KindFlush
)

// request is one admitted-but-not-yet-issued unit of work.
type request struct {
	kind Kind
	exec func(ctx context.Context) error
	done func(error)
}

// Queue is spec.md §4.I's Image-request work queue: admission control,
// a write-blocking gate, a refresh gate, and shutdown draining, sitting
// in front of an image's read/write/discard/flush I/O.
//
// Kind's Discard and Flush requests are treated as writes for blocking
// and ordering purposes, matching the distilled spec's "write-class
// request" language.
type Queue struct {
	image ijournal.ImageID
	ops   *OpTracker

	// Configure fields, set once before use.
	nonBlockingIO   bool
	journalRequired bool
	exclusiveLock   bool
	requestLock     func(ctx context.Context) error
	requestRefresh  func(ctx context.Context, done func())
	refreshRequired func() bool

	mu                sync.Mutex
	lockHeld          bool
	pending           []*request
	writeBlockers     int
	inProgressWrites  int
	queuedWrites      int
	inFlight          int
	inFlightIDs       []uuid.UUID
	shutdown          bool
	shutdownCB        func()
	refreshInProgress bool
	blockCallbacks    []func()

	wake      chan struct{}
	closeWake sync.Once
}

// NewQueue returns a Queue for image. requestLock is called to acquire
// an exclusive lock asynchronously when exclusiveLock is later enabled
// via Configure and a write needs it; requestRefresh is called when the
// worker discovers refreshRequired() has gone true.
func NewQueue(image ijournal.ImageID, ops *OpTracker) *Queue {
	q := &Queue{image: image, ops: ops, wake: make(chan struct{}, 1)}
	go q.worker(context.Background())
	return q
}

// Configure sets the admission-control flags spec.md §4.I's dispatch
// rules depend on. Call once before accepting requests.
func (q *Queue) Configure(nonBlockingIO, journalRequired, exclusiveLock bool, requestLock func(ctx context.Context) error, requestRefresh func(ctx context.Context, done func()), refreshRequired func() bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nonBlockingIO = nonBlockingIO
	q.journalRequired = journalRequired
	q.exclusiveLock = exclusiveLock
	q.requestLock = requestLock
	q.requestRefresh = requestRefresh
	q.refreshRequired = refreshRequired
}

// StartInFlightOp is spec.md §4.I's start_in_flight_op: it fails with
// errors.Shutdown if the queue is shutting down, else counts the op.
// The op is also registered with the shared OpTracker so the state
// machine's replay-settle wait and this queue's shutdown drain observe
// the same set of outstanding operations (spec.md §12).
func (q *Queue) StartInFlightOp() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return errors.E("start_in_flight_op", q.image, errors.Shutdown)
	}
	q.inFlight++
	q.inFlightIDs = append(q.inFlightIDs, q.ops.StartOp("queue op"))
	return nil
}

// FinishInFlightOp is finish_in_flight_op: it decrements the in-flight
// count and, if shutdown was requested and this was the last op, fires
// the stored shutdown callback.
func (q *Queue) FinishInFlightOp() {
	q.mu.Lock()
	q.inFlight--
	var id uuid.UUID
	if n := len(q.inFlightIDs); n > 0 {
		id = q.inFlightIDs[n-1]
		q.inFlightIDs = q.inFlightIDs[:n-1]
	}
	shuttingDown := q.shutdown && q.inFlight == 0
	var cb func()
	if shuttingDown && q.shutdownCB != nil {
		cb = q.shutdownCB
		q.shutdownCB = nil
	}
	q.mu.Unlock()
	q.ops.FinishOp(id)
	if cb != nil {
		cb()
	}
	if shuttingDown {
		q.closeWake.Do(func() { close(q.wake) })
	}
}

// DispatchWrite admits a write-class request (write, discard or flush)
// per spec.md §4.I's dispatch rules.
func (q *Queue) DispatchWrite(ctx context.Context, kind Kind, exec func(ctx context.Context) error, done func(error)) {
	q.mu.Lock()
	inline := !q.nonBlockingIO && !q.journalRequired && q.writeBlockers == 0 && q.queuedWrites == 0
	if inline {
		q.mu.Unlock()
		done(exec(ctx))
		return
	}

	r := &request{kind: kind, exec: exec, done: done}
	q.queuedWrites++
	q.pending = append(q.pending, r)
	needLock := q.exclusiveLock && !q.lockHeld
	reqLock := q.requestLock
	q.mu.Unlock()

	if needLock && reqLock != nil {
		go func() {
			if err := reqLock(ctx); err == nil {
				q.mu.Lock()
				q.lockHeld = true
				q.mu.Unlock()
			}
			q.signal()
		}()
	}
	q.signal()
}

// DispatchRead admits a read, gated only on writes-blocked and
// queued-writes (spec.md §4.I).
func (q *Queue) DispatchRead(ctx context.Context, exec func(ctx context.Context) error, done func(error)) {
	q.mu.Lock()
	inline := q.writeBlockers == 0 && q.queuedWrites == 0
	if inline {
		q.mu.Unlock()
		done(exec(ctx))
		return
	}
	q.pending = append(q.pending, &request{kind: KindRead, exec: exec, done: done})
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// worker is the single dequeue loop of spec.md §4.I ("worker dequeue").
func (q *Queue) worker(ctx context.Context) {
	for range q.wake {
		q.drainOnce(ctx)
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.refreshInProgress || len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		r := q.pending[0]
		if r.kind != KindRead && q.writeBlockers > 0 {
			q.mu.Unlock()
			return
		}
		if q.exclusiveLock && !q.lockHeld && r.kind != KindRead {
			q.mu.Unlock()
			return
		}
		if q.refreshRequired != nil && q.refreshRequired() {
			q.refreshInProgress = true
			reqRefresh := q.requestRefresh
			q.mu.Unlock()
			if reqRefresh != nil {
				reqRefresh(ctx, func() {
					q.mu.Lock()
					q.refreshInProgress = false
					q.mu.Unlock()
					q.signal()
				})
			}
			return
		}

		q.pending = q.pending[1:]
		if r.kind != KindRead {
			q.queuedWrites--
			q.inProgressWrites++
		}
		q.mu.Unlock()

		r.done(r.exec(ctx))

		if r.kind != KindRead {
			q.mu.Lock()
			q.inProgressWrites--
			q.maybeRunBlockCallbacksLocked()
			q.mu.Unlock()
		}
	}
}

// BlockWrites is block_writes: it increments the blocker count and, if
// no write is currently in progress and no earlier block callback is
// still waiting, calls cb immediately; otherwise cb runs once the drain
// reaches zero in-progress writes. Writes queued but not yet started do
// not delay cb, and BlockWrites issues no flush of its own.
func (q *Queue) BlockWrites(ctx context.Context, cb func()) {
	q.mu.Lock()
	q.writeBlockers++
	if q.inProgressWrites == 0 && len(q.blockCallbacks) == 0 {
		q.mu.Unlock()
		if cb != nil {
			cb()
		}
		return
	}
	if cb != nil {
		q.blockCallbacks = append(q.blockCallbacks, cb)
	}
	q.mu.Unlock()
}

// maybeRunBlockCallbacksLocked fires queued block-writes callbacks once
// no write is left in progress. Callers hold q.mu.
func (q *Queue) maybeRunBlockCallbacksLocked() {
	if q.inProgressWrites != 0 || len(q.blockCallbacks) == 0 {
		return
	}
	cbs := q.blockCallbacks
	q.blockCallbacks = nil
	for _, cb := range cbs {
		cb()
	}
}

// UnblockWrites is unblock_writes: decrement the blocker count and wake
// the worker once it reaches zero.
func (q *Queue) UnblockWrites() {
	q.mu.Lock()
	q.writeBlockers--
	zero := q.writeBlockers == 0
	q.mu.Unlock()
	if zero {
		q.signal()
	}
}

// Shutdown is shut_down(cb): set the shutdown flag; if no ops are
// in-flight, cb runs immediately, else it runs from the last
// FinishInFlightOp.
func (q *Queue) Shutdown(cb func()) {
	q.mu.Lock()
	q.shutdown = true
	if q.inFlight == 0 {
		q.mu.Unlock()
		if cb != nil {
			cb()
		}
		q.closeWake.Do(func() { close(q.wake) })
		return
	}
	q.shutdownCB = cb
	q.mu.Unlock()
}
