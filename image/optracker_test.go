// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package image

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpTrackerWaitsForDrain(t *testing.T) {
	tr := NewOpTracker()
	id1 := tr.StartOp("a")
	id2 := tr.StartOp("b")
	assert.Equal(t, 2, tr.InFlight())

	done := make(chan struct{})
	go func() {
		tr.WaitForOps()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForOps returned before ops finished")
	case <-time.After(20 * time.Millisecond):
	}

	tr.FinishOp(id1)
	tr.FinishOp(id2)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForOps never returned")
	}
	assert.Equal(t, 0, tr.InFlight())
}

func TestOpTrackerWaitForOpsNoOpWhenEmpty(t *testing.T) {
	tr := NewOpTracker()
	done := make(chan struct{})
	go func() {
		tr.WaitForOps()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForOps never returned on empty tracker")
	}
}
