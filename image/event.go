// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"context"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/log"
)

// Event is spec.md §3's in-memory Event: one outstanding
// append_io_event call, tracked from the moment its entry is handed to
// the Recorder until both the entry is durably safe and every extent
// of the I/O it stands for has reported committed. Unlike the
// distilled spec's interval-set<u64> of pending_extents, this
// implementation has no concrete byte-range accounting to track (image
// I/O here is a single opaque doIO callback, not per-extent AIO
// completions), so pendingExtents is a plain countdown of how many
// commit_io_event_extent calls are still owed.
type Event struct {
	tag          ijournal.Tag
	tid          uint64
	objectNumber uint64
	commitTid    uint64

	retVal         error
	pendingExtents int
	committedIO    bool
	safe           bool
	onSafe         []func(error)

	// issue is object_requests: the underlying I/O to run once the
	// journal entry is safe, invoked with r==0 only.
	issue func(tid uint64)
}

// AppendIOEvent is append_io_event: only permitted in Ready. It writes
// the entry via the Recorder, allocates a commit_tid for it from the
// Metadata, and records the Event in events[tid] (under event_lock)
// before returning.
// extents is how many commit_io_event_extent calls the caller will
// eventually make for this event's underlying I/O; pass 0 for events
// with no sub-IO to commit (e.g. a bare flush marker). issue, if
// non-nil, runs once the entry's journal write is safe and reported no
// error (spec.md §4.S, "issue the underlying object requests"); onSafe,
// if non-nil, is the top-level completion, invoked with the journal
// write's result regardless of outcome.
func (m *Machine) AppendIOEvent(ctx context.Context, tag ijournal.Tag, payload []byte, extents int, issue func(tid uint64), onSafe func(error)) (uint64, error) {
	if m.State() != Ready {
		return 0, errors.E("append_io_event", m.image, errors.Invalid, errors.Str("not ready"))
	}
	f, objectNumber, err := m.rec.Append(ctx, tag, payload)
	if err != nil {
		return 0, err
	}
	tid := f.Tid()
	commitTid := m.md.AllocateCommitTid(objectNumber, tag, tid)

	ev := &Event{tag: tag, tid: tid, objectNumber: objectNumber, commitTid: commitTid, issue: issue}
	if onSafe != nil {
		ev.onSafe = append(ev.onSafe, onSafe)
	}
	if extents <= 0 {
		ev.committedIO = true
	} else {
		ev.pendingExtents = extents
	}

	m.eventMu.Lock()
	m.events[tid] = ev
	m.eventMu.Unlock()

	f.Wait(func(r error) { m.handleIOEventSafe(ctx, tid, r) })
	return tid, nil
}

// handleIOEventSafe is handle_io_event_safe(tid, r): under event_lock,
// mark safe and record ret_val; if committed_io already holds or r is
// non-nil, notify J.committed and erase the event. Then dispatch the
// stored on-safe callbacks, and — only if r is nil — issue the
// underlying object requests (spec.md §4.S).
func (m *Machine) handleIOEventSafe(ctx context.Context, tid uint64, r error) {
	m.eventMu.Lock()
	ev, ok := m.events[tid]
	if !ok {
		m.eventMu.Unlock()
		return
	}
	ev.safe = true
	ev.retVal = r
	erase := ev.committedIO || r != nil
	if erase {
		delete(m.events, tid)
	}
	callbacks := ev.onSafe
	issue := ev.issue
	commitTid := ev.commitTid
	m.eventMu.Unlock()

	if erase {
		m.notifyCommitted(ctx, commitTid)
	}
	for _, cb := range callbacks {
		cb(r)
	}
	if r == nil && issue != nil {
		issue(tid)
	}
}

// CommitIOEventExtent is commit_io_event_extent: under event_lock,
// decrement the event's remaining extent count; once it reaches zero,
// mark committed_io and, if safe already holds, notify J.committed and
// erase the event (spec.md §4.S). A call for an unknown or
// already-erased tid is a no-op — the same event may report its last
// extent after handle_io_event_safe already erased it on error.
func (m *Machine) CommitIOEventExtent(ctx context.Context, tid uint64) {
	m.eventMu.Lock()
	ev, ok := m.events[tid]
	if !ok {
		m.eventMu.Unlock()
		return
	}
	ev.pendingExtents--
	if ev.pendingExtents > 0 {
		m.eventMu.Unlock()
		return
	}
	ev.committedIO = true
	erase := ev.safe
	commitTid := ev.commitTid
	if erase {
		delete(m.events, tid)
	}
	m.eventMu.Unlock()

	if erase {
		m.notifyCommitted(ctx, commitTid)
	}
}

// notifyCommitted is the "notify J.committed" step shared by
// handleIOEventSafe and CommitIOEventExtent: fold commitTid into J's
// running position and, if it moved, schedule a header write with the
// result. Failures are logged, never fatal to the event whose
// completion triggered them — the position simply advances less far
// than it could have, and the next event to complete tries again.
func (m *Machine) notifyCommitted(ctx context.Context, commitTid uint64) {
	if err := m.commitAndAdvance(ctx, commitTid); err != nil {
		log.Error.Printf("ijournal: %s: committed(%d): %v", m.image, commitTid, err)
	}
}

// commitAndAdvance folds commitTid into J's running ObjectSetPosition
// via Metadata.Committed and, if the position moved, schedules a
// header write of the result via Metadata.SetCommitPosition (spec.md
// §4.J). Used both by the event model above and by replay, so this
// client's commit position advances the same way regardless of whether
// an entry reached J through append_io_event or through replaying
// another writer's entries.
func (m *Machine) commitAndAdvance(ctx context.Context, commitTid uint64) error {
	pos, moved, err := m.md.Committed(commitTid)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	m.md.SetCommitPosition(ctx, pos, func(err error) {
		if err != nil {
			log.Error.Printf("ijournal: %s: set_commit_position: %v", m.image, err)
		}
	})
	return nil
}
