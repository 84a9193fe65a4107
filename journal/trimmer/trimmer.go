// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trimmer implements spec.md §4.T: advancing a journal's
// minimum_set once every registered client has moved past it, and
// deleting the data objects that fall behind.
package trimmer // import "ijournal.io/journal/trimmer"

import (
	"context"

	"golang.org/x/sync/errgroup"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/journal"
	"ijournal.io/log"
	"ijournal.io/store"
)

// Trimmer is spec.md §4.T's Trimmer.
type Trimmer struct {
	st    store.Store
	md    *journal.Metadata
	image ijournal.ImageID

	poolID     int64
	splayWidth uint8
}

// New returns a Trimmer for image, backed by st and md.
func New(st store.Store, md *journal.Metadata, image ijournal.ImageID, tunables config.Tunables) *Trimmer {
	imm := tunables.Immutable()
	return &Trimmer{st: st, md: md, image: image, poolID: imm.DataPoolID, splayWidth: imm.SplayWidth}
}

// Update computes safe_set = min over clients of
// floor(position.object_number / splay_width). If safe_set exceeds the
// header's current minimum_set, it advances minimum_set and deletes
// every data object in [old_min, safe_set) across all splay indices
// (spec.md §4.T). Deletion failures are logged, not returned, and are
// not retried: minimum_set is advanced before the deletions run, so later
// Update calls only delete from the new minimum_set onward.
func (t *Trimmer) Update(ctx context.Context) error {
	h := t.md.Header()
	if len(h.Mutable.Clients) == 0 {
		return nil
	}

	safeSet, ok := t.safeSet(h)
	if !ok || safeSet <= h.Mutable.MinimumSet {
		return nil
	}

	oldMin := h.Mutable.MinimumSet
	if err := t.md.SetMinimumSet(ctx, safeSet); err != nil {
		return errors.E("update", t.image, err)
	}
	t.deleteRange(ctx, oldMin, safeSet)
	return nil
}

// Watch runs Update once, then subscribes t to md's header-change
// notifications (spec.md §1, "updates are multicast by notification"),
// running Update again after every refresh instead of waiting to be
// pumped externally. Errors from either call are logged, not returned.
// The returned func unsubscribes.
func (t *Trimmer) Watch(ctx context.Context) (unsubscribe func()) {
	if err := t.Update(ctx); err != nil {
		log.Error.Printf("ijournal: trimmer update for %s: %v", t.image, err)
	}
	return t.md.Subscribe(func(ctx context.Context) {
		if err := t.Update(ctx); err != nil {
			log.Error.Printf("ijournal: trimmer update for %s: %v", t.image, err)
		}
	})
}

func (t *Trimmer) safeSet(h ijournal.Header) (uint64, bool) {
	var min uint64
	first := true
	for _, c := range h.Mutable.Clients {
		set := c.CommitPosition.ObjectNumber / uint64(orOne(t.splayWidth))
		if first || set < min {
			min = set
			first = false
		}
	}
	return min, !first
}

func orOne(w uint8) uint8 {
	if w == 0 {
		return 1
	}
	return w
}

// deleteRange removes every data object in sets [lo, hi) across every
// splay index, concurrently, logging (not failing) individual errors.
func (t *Trimmer) deleteRange(ctx context.Context, lo, hi uint64) {
	g, gctx := errgroup.WithContext(ctx)
	for set := lo; set < hi; set++ {
		for splayIndex := uint64(0); splayIndex < uint64(t.splayWidth); splayIndex++ {
			set, splayIndex := set, splayIndex
			g.Go(func() error {
				name := journal.DataObjectName(t.poolID, t.image, splayIndex, set)
				if err := t.st.Remove(gctx, name); err != nil && !errors.Is(errors.NotExist, err) {
					log.Error.Printf("ijournal: trim %s: %v", name, err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}
