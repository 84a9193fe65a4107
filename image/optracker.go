// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image implements spec.md §4.S (the per-image journal state
// machine) and §4.I (the image-request work queue) that sit in front
// of the journal/journal, journal/recorder, journal/player and
// journal/trimmer packages.
package image // import "ijournal.io/image"

import (
	"sync"

	"github.com/google/uuid"

	"ijournal.io/log"
)

// OpTracker is spec.md §12's supplemented AsyncOpTracker
// (original_source/src/journal/AsyncOpTracker.h): a start/finish/
// wait-for-drain counter used both by the work queue's shutdown drain
// and by the state machine's replay pipeline. Every tracked operation
// is tagged with a uuid so log lines about it can be correlated.
type OpTracker struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	inFlight map[uuid.UUID]string
}

// NewOpTracker returns an empty OpTracker.
func NewOpTracker() *OpTracker {
	return &OpTracker{inFlight: make(map[uuid.UUID]string)}
}

// StartOp registers a new in-flight operation described by desc (used
// only for log correlation) and returns its id.
func (t *OpTracker) StartOp(desc string) uuid.UUID {
	id := uuid.New()
	t.mu.Lock()
	t.inFlight[id] = desc
	t.mu.Unlock()
	t.wg.Add(1)
	log.Debug.Printf("ijournal: op %s started: %s", id, desc)
	return id
}

// FinishOp marks id complete. Calling it more times than StartOp
// returned ids panics, matching sync.WaitGroup's own contract.
func (t *OpTracker) FinishOp(id uuid.UUID) {
	t.mu.Lock()
	desc := t.inFlight[id]
	delete(t.inFlight, id)
	t.mu.Unlock()
	log.Debug.Printf("ijournal: op %s finished: %s", id, desc)
	t.wg.Done()
}

// WaitForOps blocks until every started op has finished.
func (t *OpTracker) WaitForOps() {
	t.wg.Wait()
}

// InFlight reports how many ops are currently outstanding.
func (t *OpTracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}
