// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"
	"sync"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/journal"
	"ijournal.io/journal/player"
	"ijournal.io/journal/recorder"
	"ijournal.io/journal/trimmer"
	"ijournal.io/log"
	"ijournal.io/store"
)

// State is one node of spec.md §4.S's image journal state machine.
type State int

const (
	Uninitialised State = iota
	Initialising
	Replaying
	FlushingReplay
	FlushingRestart
	RestartingReplay
	Ready
	Stopping
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "uninitialised"
	case Initialising:
		return "initialising"
	case Replaying:
		return "replaying"
	case FlushingReplay:
		return "flushing_replay"
	case FlushingRestart:
		return "flushing_restart"
	case RestartingReplay:
		return "restarting_replay"
	case Ready:
		return "ready"
	case Stopping:
		return "stopping"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// ReplayHandler applies decoded replay events to the image being
// recovered (spec.md §4.S "Replay"). Implementations live outside this
// module (the concrete image runtime); Machine only sequences calls to
// it and reacts to their outcome.
type ReplayHandler interface {
	// Apply decodes and applies one entry, returning once the event
	// signals ready to continue replay (write complete or op accepted,
	// per spec.md's pipelining note) or an error that aborts replay.
	Apply(ctx context.Context, entry ijournal.Entry) error
}

// Machine is spec.md §4.S's Image journal state machine: it owns one
// image's Metadata, Recorder, Player and Trimmer, drives replay on
// open, and exposes the transition table as explicit methods rather
// than a generic event-dispatch loop, so each transition's side effect
// is visible at the call site.
type Machine struct {
	image ijournal.ImageID
	st    store.Store
	md    *journal.Metadata
	rec   *recorder.Recorder
	ply   *player.Player
	trm   *trimmer.Trimmer
	q     *Queue
	ops   *OpTracker
	rh    ReplayHandler

	mu    sync.Mutex
	state State

	eventMu sync.Mutex
	events  map[uint64]*Event

	unwatchTrimmer func()
}

// New returns a Machine in state Uninitialised for image.
func New(image ijournal.ImageID, st store.Store, md *journal.Metadata, rec *recorder.Recorder, ply *player.Player, trm *trimmer.Trimmer, rh ReplayHandler) *Machine {
	ops := NewOpTracker()
	return &Machine{
		image:  image,
		st:     st,
		md:     md,
		rec:    rec,
		ply:    ply,
		trm:    trm,
		ops:    ops,
		q:      NewQueue(image, ops),
		rh:     rh,
		state:  Uninitialised,
		events: make(map[uint64]*Event),
	}
}

// Configure sets the admission-control flags spec.md §4.I's dispatch
// rules depend on, forwarding to the request queue. journalRequired
// also governs whether DispatchWrite routes an admitted write through
// AppendIOEvent (spec.md §2 "Data flow": "I accepts a request →
// consults S to decide whether to route through the journal → S uses R
// to append an event").
func (m *Machine) Configure(nonBlockingIO, journalRequired, exclusiveLock bool, requestLock func(ctx context.Context) error, requestRefresh func(ctx context.Context, done func()), refreshRequired func() bool) {
	m.q.Configure(nonBlockingIO, journalRequired, exclusiveLock, requestLock, requestRefresh, refreshRequired)
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	log.Debug.Printf("ijournal: %s %s -> %s", m.image, from, to)
	m.state = to
	return true
}

// Open drives Uninitialised -> Initialising -> Replaying|Closing
// (spec.md §4.S). It calls Metadata.Init, and on success starts replay;
// on failure it transitions straight to Closing. A replay or commit
// error instead restarts replay from the beginning, per the table's
// Replaying -> FlushingRestart -> RestartingReplay -> Initialising ->
// Replaying cycle (spec.md §8 scenario 5).
func (m *Machine) Open(ctx context.Context) error {
	if !m.transition(Uninitialised, Initialising) {
		return errors.E("open", m.image, errors.Invalid, errors.Str("already open"))
	}
	return m.initAndReplay(ctx)
}

// initAndReplay drives Initialising -> Replaying -> Ready, looping back
// to Initialising via restart whenever replay fails, until replay
// succeeds or Metadata.Init itself fails.
func (m *Machine) initAndReplay(ctx context.Context) error {
	for {
		initErr := make(chan error, 1)
		m.md.Init(ctx, func(err error) { initErr <- err })
		if err := <-initErr; err != nil {
			m.transition(Initialising, Closing)
			return errors.E("open", m.image, err)
		}

		m.transition(Initialising, Replaying)
		if err := m.replay(ctx); err != nil {
			m.transition(Replaying, FlushingRestart)
			m.restart(ctx)
			continue
		}
		m.transition(Replaying, FlushingReplay)
		m.transition(FlushingReplay, Ready)
		m.unwatchTrimmer = m.trm.Watch(context.Background())
		return nil
	}
}

// restart drives FlushingRestart -> RestartingReplay -> Initialising:
// flush any recorder batch still pending ("flush done"), then rewind
// the player to the beginning of the active set so the next replay
// pass re-reads every entry, not just the one that failed ("J
// destroyed" — spec.md §8 scenario 5 says re-reading is safe since
// applying an entry twice must leave the image unchanged, spec.md §3).
func (m *Machine) restart(ctx context.Context) {
	m.rec.Flush(ctx)
	m.transition(FlushingRestart, RestartingReplay)
	m.ply.SetPosition(ijournal.ObjectSetPosition{})
	m.transition(RestartingReplay, Initialising)
}

// replay pops every available entry from the player and applies it,
// in order, per spec.md §4.S ("pop entries from P... dispatch to the
// image"). It commits each entry to J once its handler returns.
func (m *Machine) replay(ctx context.Context) error {
	if err := m.ply.Prefetch(ctx); err != nil {
		return err
	}
	for {
		var e ijournal.Entry
		commitTid, ok := m.ply.TryPopFront(&e)
		if !ok {
			break
		}
		id := m.ops.StartOp("replay " + string(e.Tag))
		err := m.rh.Apply(ctx, e)
		if err == nil {
			err = m.commitAndAdvance(ctx, commitTid)
		}
		m.ops.FinishOp(id)
		if err != nil {
			return errors.E("replay", m.image, e.Tag, err)
		}
	}
	// Wait for every dispatched-but-not-yet-safe replay event to settle
	// before the caller transitions out of Replaying (spec.md §12).
	m.ops.WaitForOps()
	return nil
}

// Trim runs one pass of the trimmer's minimum-set advance and stale
// object deletion (spec.md §4.T). The concrete image runtime is
// expected to call this periodically, or after it moves its own
// commit position, while the machine is Ready.
func (m *Machine) Trim(ctx context.Context) error {
	return m.trm.Update(ctx)
}

// Close drives Ready -> Stopping -> Closing -> Closed: it shuts the
// request queue down (draining in-flight ops), then Metadata (spec.md
// §4.S).
func (m *Machine) Close(ctx context.Context) error {
	if !m.transition(Ready, Stopping) {
		return errors.E("close", m.image, errors.Invalid, errors.Str("not ready"))
	}

	stopped := make(chan struct{})
	m.q.Shutdown(func() { close(stopped) })
	<-stopped

	if m.unwatchTrimmer != nil {
		m.unwatchTrimmer()
	}

	m.transition(Stopping, Closing)
	err := m.md.Shutdown(ctx)
	m.transition(Closing, Closed)
	return err
}

// journalingRequired reports whether admitted writes must be routed
// through the journal before their I/O is issued, per the flag last
// passed to Configure.
func (m *Machine) journalingRequired() bool {
	m.q.mu.Lock()
	defer m.q.mu.Unlock()
	return m.q.journalRequired
}

// ExecuteWrite is the S-side half of spec.md §2's data flow ("I accepts
// a request → consults S to decide whether to route through the
// journal → S uses R to append an event..."): if journaling isn't
// required, doIO runs immediately; otherwise the write is appended as
// one Event with a single extent, doIO becomes that extent's
// object_requests (run once the entry is journal-safe), and
// ExecuteWrite itself blocks until doIO has run and its extent is
// committed, returning doIO's error, or until the journal write fails,
// returning that error, matching the synchronous contract Queue's exec
// closures already have.
func (m *Machine) ExecuteWrite(ctx context.Context, tag ijournal.Tag, payload []byte, doIO func(ctx context.Context) error) error {
	if !m.journalingRequired() {
		return doIO(ctx)
	}

	done := make(chan error, 1)
	_, err := m.AppendIOEvent(ctx, tag, payload, 1, func(tid uint64) {
		ioErr := doIO(ctx)
		if ioErr != nil {
			log.Error.Printf("ijournal: %s: issue for tid %d: %v", m.image, tid, ioErr)
		}
		m.CommitIOEventExtent(ctx, tid)
		done <- ioErr
	}, func(err error) {
		if err != nil {
			done <- err
		}
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchWrite admits a write-class request through the queue (spec.md
// §4.I), routing its I/O through ExecuteWrite so journaling
// requirements are honoured the same way for every caller.
func (m *Machine) DispatchWrite(ctx context.Context, kind Kind, tag ijournal.Tag, payload []byte, doIO func(ctx context.Context) error, done func(error)) {
	m.q.DispatchWrite(ctx, kind, func(ctx context.Context) error {
		return m.ExecuteWrite(ctx, tag, payload, doIO)
	}, done)
}

// DispatchRead admits a read through the queue (spec.md §4.I). Reads
// never route through the journal.
func (m *Machine) DispatchRead(ctx context.Context, doIO func(ctx context.Context) error, done func(error)) {
	m.q.DispatchRead(ctx, doIO, done)
}
