// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recorder implements spec.md §4.R: the splayed per-object
// appenders that turn application writes into framed journal entries.
package recorder // import "ijournal.io/journal/recorder"

import (
	"context"
	"sync"
	"time"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/future"
	"ijournal.io/ijournal"
	"ijournal.io/journal"
	"ijournal.io/store"
)

// queued is one framed entry waiting in an appender's pending batch.
type queued struct {
	frame []byte
	fut   *future.Future
}

// appender owns one splay index's target object and the batch of
// entries waiting to be written to it (spec.md §4.R).
type appender struct {
	mu sync.Mutex

	index        uint64
	objectNumber uint64
	objectName   string
	writtenBytes int // bytes already durably appended to objectName

	pending      []queued
	pendingBytes int
	batchStart   time.Time

	tail *future.Future // last future returned by this appender, used as prev
}

// Recorder is spec.md §4.R's Recorder: splay_width appenders sharing one
// JournalMetadata for tid allocation and active-set rotation.
type Recorder struct {
	st    store.Store
	md    *journal.Metadata
	image ijournal.ImageID

	poolID         int64
	splayWidth     uint8
	maxObjectBytes int

	flushBytes    int
	flushAge      time.Duration
	flushInterval int

	activeMu  sync.Mutex
	appenders []*appender
}

// New returns a Recorder for image, backed by st and md. md must already
// have a valid header (Create or Init must have run).
func New(st store.Store, md *journal.Metadata, image ijournal.ImageID, tunables config.Tunables) *Recorder {
	imm := tunables.Immutable()
	r := &Recorder{
		st:             st,
		md:             md,
		image:          image,
		poolID:         imm.DataPoolID,
		splayWidth:     imm.SplayWidth,
		maxObjectBytes: 1 << imm.Order,
		flushBytes:     tunables.FlushBytes,
		flushAge:       tunables.FlushAge,
		flushInterval:  tunables.FlushInterval,
		appenders:      make([]*appender, imm.SplayWidth),
	}
	activeSet := md.Header().Mutable.ActiveSet
	for i := range r.appenders {
		objNum := activeSet*uint64(imm.SplayWidth) + uint64(i)
		r.appenders[i] = &appender{
			index:        uint64(i),
			objectNumber: objNum,
			objectName:   journal.DataObjectName(imm.DataPoolID, image, uint64(i), activeSet),
		}
	}
	return r
}

// SetFlushPolicy configures the batching thresholds of spec.md §4.R
// step 3 (flush_bytes, flush_age, flush_interval). Call before the
// first Append; the zero value flushes every entry immediately.
func (r *Recorder) SetFlushPolicy(flushBytes int, flushAge time.Duration, flushInterval int) {
	r.flushBytes = flushBytes
	r.flushAge = flushAge
	r.flushInterval = flushInterval
}

// Append allocates a tid under tag, frames (tag, tid, payload), and
// hands the frame to the appender for its target object, returning a
// future chained to the previous future written by that same appender
// (spec.md §4.R), together with the object number the frame lands in
// (needed by callers that must register the entry for commit, e.g. via
// Metadata.AllocateCommitTid, the same way journal/player's replay path
// does with the object number it reads an entry from).
func (r *Recorder) Append(ctx context.Context, tag ijournal.Tag, payload []byte) (f *future.Future, objectNumber uint64, err error) {
	tid := r.md.AllocateTid(tag)
	splayIndex := tid % uint64(r.splayWidth)
	frame := journal.EncodeFrame(ijournal.Entry{Tag: tag, Tid: tid, Payload: payload})

	a := r.appenders[splayIndex]
	a.mu.Lock()

	if err := r.maybeRotate(ctx, a, len(frame)); err != nil {
		a.mu.Unlock()
		return nil, 0, err
	}
	objectNumber = a.objectNumber

	f = future.New(tag, tid, 0, a.tail)
	a.tail = f
	a.pending = append(a.pending, queued{frame: frame, fut: f})
	a.pendingBytes += len(frame)
	if len(a.pending) == 1 {
		a.batchStart = time.Now()
	}

	full := r.flushBytes > 0 && a.pendingBytes >= r.flushBytes
	old := r.flushAge > 0 && time.Since(a.batchStart) >= r.flushAge
	long := r.flushInterval > 0 && len(a.pending) >= r.flushInterval
	shouldFlush := full || old || long || (r.flushBytes == 0 && r.flushAge == 0 && r.flushInterval == 0)
	var batch []queued
	if shouldFlush {
		batch = a.pending
		a.pending = nil
		a.pendingBytes = 0
	}
	a.mu.Unlock()

	if batch != nil {
		r.writeBatch(ctx, a, batch)
	}
	return f, objectNumber, nil
}

// maybeRotate advances the journal's active_set when appending
// nextFrameLen more bytes to a's current object would exceed the
// object's target size (spec.md §4.R step 4). Callers hold a.mu; if a
// pending batch must flush first, maybeRotate releases a.mu around
// that write (writeBatch takes it itself) and re-acquires it before
// returning, the same way Append releases a.mu before its own call to
// writeBatch.
func (r *Recorder) maybeRotate(ctx context.Context, a *appender, nextFrameLen int) error {
	if a.writtenBytes+a.pendingBytes+nextFrameLen <= r.maxObjectBytes {
		return nil
	}
	if len(a.pending) > 0 {
		batch := a.pending
		a.pending = nil
		a.pendingBytes = 0
		a.mu.Unlock()
		r.writeBatch(ctx, a, batch)
		a.mu.Lock()
	}

	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	nextSet := a.objectNumber/uint64(r.splayWidth) + 1
	if err := r.md.SetActiveSet(ctx, nextSet); err != nil {
		return errors.E("append", r.image, err)
	}
	a.objectNumber = nextSet*uint64(r.splayWidth) + a.index
	a.objectName = journal.DataObjectName(r.poolID, r.image, a.index, nextSet)
	a.writtenBytes = 0
	return nil
}

// writeBatch appends every frame in batch to a's current object in one
// store call and settles the batch's futures once the write completes.
func (r *Recorder) writeBatch(ctx context.Context, a *appender, batch []queued) {
	var payload []byte
	for _, q := range batch {
		payload = append(payload, q.frame...)
	}

	_, err := r.st.Exec(ctx, a.objectName, []store.Op{{Method: store.MethodAppend, Payload: payload}})
	if err != nil {
		err = errors.E("append", r.image, errors.Errorf("%s: %v", a.objectName, err))
	} else {
		a.mu.Lock()
		a.writtenBytes += len(payload)
		a.mu.Unlock()
	}
	for _, q := range batch {
		q.fut.Safe(err)
	}
}

// Flush forces every appender with a pending batch to write immediately,
// regardless of the configured batching thresholds.
func (r *Recorder) Flush(ctx context.Context) {
	for _, a := range r.appenders {
		a.mu.Lock()
		batch := a.pending
		a.pending = nil
		a.pendingBytes = 0
		a.mu.Unlock()
		if batch != nil {
			r.writeBatch(ctx, a, batch)
		}
	}
}
