// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/journal/shim"
	"ijournal.io/log"
	"ijournal.io/store"
)

// rewatchDelay is how long Metadata waits before re-arming a watch
// after a watch error other than not-found (spec.md §4.J, "Watch
// protocol").
const rewatchDelay = 100 * time.Millisecond

// commitEntry is one outstanding allocate_commit_tid registration,
// waiting for its Committed call (spec.md §4.J).
type commitEntry struct {
	objectNum uint64
	tag       ijournal.Tag
	tid       uint64
	committed bool
}

// pendingCommit is the single coalescing slot for set_commit_position
// (spec.md §4.J invariant 1, §9 "Coalesced commit writes").
type pendingCommit struct {
	pos    ijournal.ObjectSetPosition
	onSafe func(error)
	timer  *time.Timer
}

// Metadata is spec.md §4.J's JournalMetadata: the replicated per-image
// journal header, its client registry, tid/commit_tid allocation, and
// the watch/refresh loop that keeps the in-memory copy current.
//
// Metadata takes three locks in the strict order the design notes
// require (timer, then metadata, then event); they are named fields
// rather than one lock so a reviewer can see at a glance which state
// each protects, per §9 "Watch + timer + lock interaction" ("express
// it as a typed lock hierarchy... so invalid orders are compile-time
// errors where possible" — Go has no lock-ordering type system, so the
// enforcement here is structural: no method holding eventMu ever calls
// one that takes metadataMu or timerMu, and so on up the chain).
//
// Store calls are made synchronously while metadataMu is held, rather
// than being decoupled onto a separate executor: every backend in this
// module (memstore, boltstore) is local and fast, and invariant 4
// ("listener notifications never run while the metadata lock is held")
// is preserved because watch notifications are always dispatched on
// their own goroutine (see startWatch), never inline from a locked
// section.
type Metadata struct {
	st           store.Store
	image        ijournal.ImageID
	localClient  ijournal.ClientID
	headerObject string
	tunables     config.Tunables

	timerMu     sync.Mutex
	watchTimer  *time.Timer
	commitTimer *time.Timer

	metadataMu     sync.Mutex
	header         ijournal.Header
	tidCounters    map[ijournal.Tag]uint64
	nextCommitTid  uint64
	commitOrder    []uint64
	commitEntries  map[uint64]*commitEntry
	foldedPosition ijournal.ObjectSetPosition
	pending        *pendingCommit
	closed         bool

	eventMu        sync.Mutex
	watchID        store.WatchID
	watching       bool
	listeners      map[uint64]func(ctx context.Context)
	nextListenerID uint64

	notifyMu            sync.Mutex     // serialises listener dispatch (§5 design note 4)
	updateNotifications sync.WaitGroup // in-flight listener dispatches; drained by Shutdown

	refreshGroup singleflight.Group
	ops          sync.WaitGroup // in-flight async completions (§12 AsyncOpTracker)

	watchCtx context.Context
}

// New returns a Metadata for image, backed by st, acting on behalf of
// localClient (the client id this handle registers and reports commit
// positions for).
func New(st store.Store, image ijournal.ImageID, localClient ijournal.ClientID) *Metadata {
	return &Metadata{
		st:            st,
		image:         image,
		localClient:   localClient,
		headerObject:  HeaderObjectName(image),
		tidCounters:   make(map[ijournal.Tag]uint64),
		commitEntries: make(map[uint64]*commitEntry),
		listeners:     make(map[uint64]func(ctx context.Context)),
	}
}

// Create writes a fresh header object for image with the given
// tunables and no registered clients. It fails with errors.Domain or
// errors.Invalid if the tunables violate spec.md §8's boundary checks,
// or errors.Exist if the header already exists.
func (m *Metadata) Create(ctx context.Context, tunables config.Tunables) error {
	if err := tunables.Validate(); err != nil {
		return err
	}
	m.tunables = tunables
	h := ijournal.Header{
		Immutable: tunables.Immutable(),
		Mutable:   ijournal.MutableHeader{Clients: make(map[ijournal.ClientID]ijournal.Client)},
	}
	_, err := m.st.Exec(ctx, m.headerObject, []store.Op{{Method: store.MethodCreate, Payload: shim.EncodeCreate(h.Immutable)}})
	if err != nil {
		return errors.E("create", m.image, err)
	}
	m.metadataMu.Lock()
	m.header = h
	m.metadataMu.Unlock()
	return nil
}

// Init watches the header, reads it once, then calls onDone with the
// result (spec.md §4.J "Lifecycle").
func (m *Metadata) Init(ctx context.Context, onDone func(error)) {
	m.watchCtx = ctx
	m.startWatch(ctx)
	err := m.refresh(ctx)
	if onDone != nil {
		onDone(err)
	}
}

// Shutdown unwatches, flushes any pending commit-position task, stops
// timers, and waits for in-flight asynchronous completions to drain
// (spec.md §4.J "Lifecycle").
func (m *Metadata) Shutdown(ctx context.Context) error {
	m.eventMu.Lock()
	if m.watching {
		_ = m.st.Unwatch(ctx, m.headerObject, m.watchID)
		m.watching = false
	}
	m.eventMu.Unlock()

	m.timerMu.Lock()
	if m.watchTimer != nil {
		m.watchTimer.Stop()
	}
	if m.commitTimer != nil {
		m.commitTimer.Stop()
	}
	m.timerMu.Unlock()

	m.metadataMu.Lock()
	pending := m.pending
	m.pending = nil
	m.closed = true
	m.metadataMu.Unlock()

	var err error
	if pending != nil {
		err = m.writeCommitPosition(ctx, pending)
	}
	m.ops.Wait()
	m.updateNotifications.Wait()
	return err
}

// Subscribe registers fn to be called after every refresh that follows
// a header-change notification (spec.md §1, "updates are multicast by
// notification"; §4.T/§4.P's Trimmer and Player are the two intended
// subscribers, replacing having Machine manually re-drive them). fn
// never runs while metadataMu is held, and never concurrently with
// another listener's own call (§5 design note 4). The returned func
// unsubscribes.
func (m *Metadata) Subscribe(fn func(ctx context.Context)) (unsubscribe func()) {
	m.eventMu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = fn
	m.eventMu.Unlock()
	return func() {
		m.eventMu.Lock()
		delete(m.listeners, id)
		m.eventMu.Unlock()
	}
}

// dispatchListeners fires every registered listener once, serially,
// tracking the dispatch via updateNotifications so Shutdown can drain
// any still in flight (§5 design note 4, "reference-counted
// update_notifications").
func (m *Metadata) dispatchListeners(ctx context.Context) {
	m.eventMu.Lock()
	fns := make([]func(ctx context.Context), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.eventMu.Unlock()
	if len(fns) == 0 {
		return
	}

	m.updateNotifications.Add(1)
	defer m.updateNotifications.Done()
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for _, fn := range fns {
		fn(ctx)
	}
}

// startWatch arms a watch on the header object; on success future
// notifications trigger an asynchronous refresh, dispatched off the
// store's own callback goroutine so refresh never runs while a caller
// might be holding metadataMu (invariant 4). On failure other than
// not-found it re-arms after rewatchDelay (§4.J "Watch protocol").
func (m *Metadata) startWatch(ctx context.Context) {
	id, err := m.st.Watch(ctx, m.headerObject, func(payload []byte) {
		go func() {
			if rerr := m.refresh(m.watchCtx); rerr != nil {
				log.Error.Printf("ijournal: refresh after notify for %s: %v", m.image, rerr)
				return
			}
			m.dispatchListeners(m.watchCtx)
		}()
	})
	if err != nil {
		if errors.Is(errors.NotExist, err) {
			return
		}
		m.timerMu.Lock()
		m.watchTimer = time.AfterFunc(rewatchDelay, func() { m.startWatch(ctx) })
		m.timerMu.Unlock()
		return
	}
	m.eventMu.Lock()
	m.watchID = id
	m.watching = true
	m.eventMu.Unlock()
}

// refresh re-reads the header object, coalescing concurrent callers
// into a single store read (spec.md §9's singleflight-shaped
// requirement; SPEC_FULL.md §11). The immutable and mutable halves are
// decoded through their own shim ops (get_immutable_metadata,
// get_mutable_metadata — spec.md §4.X), matching how a caller with no
// prior state would fetch them.
func (m *Metadata) refresh(ctx context.Context) error {
	_, err, _ := m.refreshGroup.Do("refresh", func() (interface{}, error) {
		results, err := m.st.Exec(ctx, m.headerObject, []store.Op{{Method: store.MethodReadFull}})
		if err != nil {
			return nil, errors.E("refresh", m.image, err)
		}
		imm, derr := shim.DecodeImmutableMetadata(results[0])
		if derr != nil {
			return nil, errors.E("refresh", m.image, errors.BadMessage, derr)
		}
		mut, derr := shim.DecodeMutableMetadata(results[0])
		if derr != nil {
			return nil, errors.E("refresh", m.image, errors.BadMessage, derr)
		}
		m.metadataMu.Lock()
		m.header = ijournal.Header{Immutable: imm, Mutable: mut}
		m.metadataMu.Unlock()
		return nil, nil
	})
	return err
}

// Header returns a deep copy of the current in-memory header.
func (m *Metadata) Header() ijournal.Header {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()
	return ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
}

// writeHeader persists h and updates the cache. Callers hold metadataMu
// across this call, per the doc comment on Metadata.
func (m *Metadata) writeHeader(ctx context.Context, h ijournal.Header) error {
	_, err := m.st.Exec(ctx, m.headerObject, []store.Op{{Method: store.MethodWriteFull, Payload: EncodeHeader(h)}})
	if err != nil {
		return errors.E("write_header", m.image, err)
	}
	m.header = h
	return nil
}

func (m *Metadata) notify(ctx context.Context) {
	if err := m.st.Notify(ctx, m.headerObject, nil); err != nil {
		log.Error.Printf("ijournal: notify for %s: %v", m.image, err)
	}
}

// RegisterClient atomically adds this handle's client id to the header
// with an empty commit position (spec.md §4.J). The (id, desc) pair is
// round-tripped through shim's client_register codec (spec.md §4.X)
// the same way a remote caller sending OpClientRegister would receive
// it, before being applied to the header.
func (m *Metadata) RegisterClient(ctx context.Context, desc []byte) error {
	id, desc, err := shim.DecodeClientRegister(shim.EncodeClientRegister(m.localClient, desc))
	if err != nil {
		return errors.E("register_client", m.image, err)
	}

	m.metadataMu.Lock()
	if _, exists := m.header.Mutable.Clients[id]; exists {
		m.metadataMu.Unlock()
		return errors.E("register_client", m.image, errors.Exist)
	}
	h := ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
	h.Mutable.Clients[id] = ijournal.Client{ID: id, Description: append([]byte(nil), desc...)}
	err = m.writeHeader(ctx, h)
	m.metadataMu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// UnregisterClient removes this handle's client id from the header.
func (m *Metadata) UnregisterClient(ctx context.Context) error {
	m.metadataMu.Lock()
	h := ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
	delete(h.Mutable.Clients, m.localClient)
	err := m.writeHeader(ctx, h)
	m.metadataMu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// SetMinimumSet advances the header's minimum_set; a call with
// n <= current is a no-op (spec.md §4.J). n is round-tripped through
// shim's set_n codec (spec.md §4.X, OpSetMinimumSet).
func (m *Metadata) SetMinimumSet(ctx context.Context, n uint64) error {
	n, err := shim.DecodeSetN(shim.EncodeSetN(n))
	if err != nil {
		return errors.E("set_minimum_set", m.image, err)
	}
	m.metadataMu.Lock()
	if n <= m.header.Mutable.MinimumSet {
		m.metadataMu.Unlock()
		return nil
	}
	h := ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
	h.Mutable.MinimumSet = n
	err = m.writeHeader(ctx, h)
	m.metadataMu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// SetActiveSet advances the header's active_set; a call with
// n <= current is a no-op (spec.md §4.J). n is round-tripped through
// shim's set_n codec (spec.md §4.X, OpSetActiveSet).
func (m *Metadata) SetActiveSet(ctx context.Context, n uint64) error {
	n, err := shim.DecodeSetN(shim.EncodeSetN(n))
	if err != nil {
		return errors.E("set_active_set", m.image, err)
	}
	m.metadataMu.Lock()
	if n <= m.header.Mutable.ActiveSet {
		m.metadataMu.Unlock()
		return nil
	}
	h := ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
	h.Mutable.ActiveSet = n
	err = m.writeHeader(ctx, h)
	m.metadataMu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx)
	return nil
}

// AllocateTid returns the next monotonic tid for tag.
func (m *Metadata) AllocateTid(tag ijournal.Tag) uint64 {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()
	tid := m.tidCounters[tag]
	m.tidCounters[tag] = tid + 1
	return tid
}

// ReserveTid raises tag's counter to tid+1 if it is currently lower.
func (m *Metadata) ReserveTid(tag ijournal.Tag, tid uint64) {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()
	if m.tidCounters[tag] <= tid {
		m.tidCounters[tag] = tid + 1
	}
}

// LastAllocatedTid returns the highest tid allocated for tag and
// whether any has been (spec.md §12, supplemented from
// JournalMetadata::get_last_allocated_tid).
func (m *Metadata) LastAllocatedTid(tag ijournal.Tag) (uint64, bool) {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()
	next, ok := m.tidCounters[tag]
	if !ok || next == 0 {
		return 0, false
	}
	return next - 1, true
}

// AllocateCommitTid returns a globally monotonic commit_tid for the
// entry (object_num, tag, tid) and records it pending Committed
// (spec.md §4.J, testable property "strictly increasing").
func (m *Metadata) AllocateCommitTid(objectNum uint64, tag ijournal.Tag, tid uint64) uint64 {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()
	ct := m.nextCommitTid
	m.nextCommitTid++
	m.commitOrder = append(m.commitOrder, ct)
	m.commitEntries[ct] = &commitEntry{objectNum: objectNum, tag: tag, tid: tid}
	return ct
}

// Committed marks commitTid's entry committed, then pops and folds
// every contiguously-committed entry from the front of the commit
// order into the running ObjectSetPosition, exactly per spec.md §4.J
// and the worked example in §8 scenario 3: folding pushes a new
// {tag, tid} onto the *front* of entries unless the current front
// already names that tag (in which case its tid is replaced in
// place), and once folding is done the result is deduplicated by tag,
// keeping each tag's first (frontmost) occurrence — §9's open question
// decides to keep that behaviour even though the source's own comment
// claims otherwise.
func (m *Metadata) Committed(commitTid uint64) (ijournal.ObjectSetPosition, bool, error) {
	m.metadataMu.Lock()
	defer m.metadataMu.Unlock()

	entry, ok := m.commitEntries[commitTid]
	if !ok {
		return ijournal.ObjectSetPosition{}, false, errors.E("committed", m.image, errors.Invalid, errors.Str("unknown commit_tid"))
	}
	entry.committed = true

	moved := false
	for len(m.commitOrder) > 0 {
		head := m.commitOrder[0]
		e := m.commitEntries[head]
		if !e.committed {
			break
		}
		m.foldedPosition = foldCommitEntry(m.foldedPosition, e.objectNum, e.tag, e.tid)
		delete(m.commitEntries, head)
		m.commitOrder = m.commitOrder[1:]
		moved = true
	}
	if moved {
		m.foldedPosition.EntryPositions = dedupeKeepFirst(m.foldedPosition.EntryPositions)
	}
	return m.foldedPosition.Clone(), moved, nil
}

// foldCommitEntry implements one step of Committed's fold: the new
// object number always wins, and the new {tag, tid} either replaces
// the front entry (if it already names tag) or is pushed in front of
// it.
func foldCommitEntry(pos ijournal.ObjectSetPosition, objectNum uint64, tag ijournal.Tag, tid uint64) ijournal.ObjectSetPosition {
	out := pos.Clone()
	out.ObjectNumber = objectNum
	if len(out.EntryPositions) > 0 && out.EntryPositions[0].Tag == tag {
		out.EntryPositions[0].Tid = tid
		return out
	}
	out.EntryPositions = append([]ijournal.EntryPosition{{Tag: tag, Tid: tid}}, out.EntryPositions...)
	return out
}

// dedupeKeepFirst removes every entry whose tag has already appeared
// earlier in the slice, preserving order.
func dedupeKeepFirst(entries []ijournal.EntryPosition) []ijournal.EntryPosition {
	seen := make(map[ijournal.Tag]bool, len(entries))
	out := entries[:0:0]
	for _, e := range entries {
		if seen[e.Tag] {
			continue
		}
		seen[e.Tag] = true
		out = append(out, e)
	}
	return out
}

// SetCommitPosition replaces the client's pending commit position and
// schedules a header write after tunables.CommitInterval, coalescing
// repeat calls within that window (spec.md §4.J, §9 "Coalesced commit
// writes"). If pos is at or below the current position
// (ObjectSetPosition.LessOrEqual), onSafe is completed immediately with
// errors.Stale and no state changes; a position that is neither below
// nor above the current one is accepted.
func (m *Metadata) SetCommitPosition(ctx context.Context, pos ijournal.ObjectSetPosition, onSafe func(error)) {
	m.metadataMu.Lock()
	current := ijournal.ObjectSetPosition{}
	if c, ok := m.header.Mutable.Clients[m.localClient]; ok {
		current = c.CommitPosition
	}
	if pos.LessOrEqual(current) {
		m.metadataMu.Unlock()
		if onSafe != nil {
			onSafe(errors.E("set_commit_position", m.image, errors.Stale))
		}
		return
	}

	prev := m.pending
	m.pending = &pendingCommit{pos: pos, onSafe: onSafe}
	closed := m.closed
	m.metadataMu.Unlock()

	if prev != nil && prev.onSafe != nil {
		prev.onSafe(errors.E("set_commit_position", m.image, errors.Stale))
	}
	if closed {
		return
	}

	m.timerMu.Lock()
	if m.commitTimer != nil {
		m.commitTimer.Stop()
	}
	m.commitTimer = time.AfterFunc(m.commitInterval(), func() { m.flushCommitPosition(ctx) })
	m.timerMu.Unlock()
}

func (m *Metadata) commitInterval() time.Duration {
	if m.tunables.CommitInterval > 0 {
		return m.tunables.CommitInterval
	}
	return time.Second
}

func (m *Metadata) flushCommitPosition(ctx context.Context) {
	m.metadataMu.Lock()
	pending := m.pending
	m.pending = nil
	m.metadataMu.Unlock()
	if pending == nil {
		return
	}
	m.ops.Add(1)
	defer m.ops.Done()
	if err := m.writeCommitPosition(ctx, pending); err != nil && pending.onSafe != nil {
		pending.onSafe(err)
	}
}

// writeCommitPosition round-trips (id, pos) through shim's client_commit
// codec (spec.md §4.X, OpClientCommit) before folding it into the
// header, the same shape a remote caller reporting a commit position
// would send over the wire.
func (m *Metadata) writeCommitPosition(ctx context.Context, pending *pendingCommit) error {
	id, pos, err := shim.DecodeClientCommit(shim.EncodeClientCommit(m.localClient, pending.pos))
	if err != nil {
		return errors.E("client_commit", m.image, err)
	}

	m.metadataMu.Lock()
	h := ijournal.Header{Immutable: m.header.Immutable, Mutable: m.header.Mutable.Clone()}
	c := h.Mutable.Clients[id]
	c.ID = id
	c.CommitPosition = pos
	h.Mutable.Clients[id] = c
	err = m.writeHeader(ctx, h)
	m.metadataMu.Unlock()
	if err != nil {
		return err
	}
	m.notify(ctx)
	if pending.onSafe != nil {
		pending.onSafe(nil)
	}
	return nil
}
