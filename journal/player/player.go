// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package player implements spec.md §4.P: reading a journal's active
// object set, merging its splayed objects into replay order, and
// registering each delivered entry for commit.
package player // import "ijournal.io/journal/player"

import (
	"context"
	"sort"
	"sync"
	"time"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/journal"
	"ijournal.io/log"
	"ijournal.io/store"
)

// popped is one merged entry waiting to be handed to the consumer,
// together with the object number it was read from (needed to register
// its commit via allocate_commit_tid).
type popped struct {
	entry        ijournal.Entry
	objectNumber uint64
}

// Player is spec.md §4.P's Player.
type Player struct {
	st    store.Store
	md    *journal.Metadata
	image ijournal.ImageID

	poolID     int64
	splayWidth uint8

	mu        sync.Mutex
	activeSet uint64
	queue     []popped
	position  ijournal.ObjectSetPosition // entries at or below this, per tag, are already replayed
}

// New returns a Player for image, backed by st and md.
func New(st store.Store, md *journal.Metadata, image ijournal.ImageID, tunables config.Tunables) *Player {
	imm := tunables.Immutable()
	return &Player{
		st:         st,
		md:         md,
		image:      image,
		poolID:     imm.DataPoolID,
		splayWidth: imm.SplayWidth,
	}
}

// SetPosition establishes the starting replay position: entries whose
// tid is at or below position's recorded tid for their tag are dropped
// as already committed. It also discards anything already buffered by
// a previous Prefetch, so it doubles as the rewind step of a replay
// restart (spec.md §8 scenario 5): callers that want to re-read every
// entry from the beginning call SetPosition with the zero value.
func (p *Player) SetPosition(pos ijournal.ObjectSetPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = pos.Clone()
	p.activeSet = pos.ObjectNumber / uint64(orOne(p.splayWidth))
	p.queue = nil
}

func orOne(w uint8) uint8 {
	if w == 0 {
		return 1
	}
	return w
}

// Prefetch opens every splay_width object of the current active set,
// decodes their frames, and merges them by (tag, tid) into the pending
// queue, dropping anything already covered by the current position
// (spec.md §4.P).
func (p *Player) Prefetch(ctx context.Context) error {
	p.mu.Lock()
	activeSet := p.activeSet
	splayWidth := p.splayWidth
	poolID := p.poolID
	image := p.image
	position := p.position.Clone()
	p.mu.Unlock()

	var merged []popped
	for splayIndex := uint64(0); splayIndex < uint64(splayWidth); splayIndex++ {
		name := journal.DataObjectName(poolID, image, splayIndex, activeSet)
		results, err := p.st.Exec(ctx, name, []store.Op{{Method: store.MethodReadFull}})
		if err != nil {
			if errors.Is(errors.NotExist, err) {
				continue
			}
			return errors.E("prefetch", image, errors.Errorf("%s: %v", name, err))
		}
		objectNumber := activeSet*uint64(splayWidth) + splayIndex
		for _, e := range journal.DecodeFrames(results[0]) {
			if committed, ok := position.TidFor(e.Tag); ok && e.Tid <= committed {
				continue
			}
			merged = append(merged, popped{entry: e, objectNumber: objectNumber})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].entry.Tag != merged[j].entry.Tag {
			return merged[i].entry.Tag < merged[j].entry.Tag
		}
		return merged[i].entry.Tid < merged[j].entry.Tid
	})

	p.mu.Lock()
	p.queue = append(p.queue, merged...)
	p.mu.Unlock()
	return nil
}

// TryPopFront returns the next queued entry and registers it for commit
// via allocate_commit_tid, or ok=false if the queue is empty (spec.md
// §4.P). Callers should Prefetch (possibly the next set) and retry.
func (p *Player) TryPopFront(entry *ijournal.Entry) (commitTid uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return 0, false
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	*entry = head.entry
	return p.md.AllocateCommitTid(head.objectNumber, head.entry.Tag, head.entry.Tid), true
}

// QueueLen reports how many entries are currently buffered for pop.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// AdvanceSet moves to the next object set once the current one is
// exhausted (spec.md §4.P, "on reaching the end of the current set").
// Callers should only call this after QueueLen reports zero and the
// header's active_set is ahead of the player's current set.
func (p *Player) AdvanceSet() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSet++
}

// PrefetchAndWatch prefetches once, then re-prefetches on every header
// change notification (spec.md §1, "updates are multicast by
// notification") and, as a fallback against a missed or coalesced
// notification, at least once per interval, until ctx is cancelled
// (spec.md §4.P). After each of these later prefetches that succeeds,
// onEntries is invoked if the pending queue is non-empty, whether or not
// that prefetch added entries.
func (p *Player) PrefetchAndWatch(ctx context.Context, interval time.Duration, onEntries func()) error {
	if err := p.Prefetch(ctx); err != nil {
		return err
	}
	unsubscribe := p.md.Subscribe(func(ctx context.Context) {
		p.maybeAdvanceAndPrefetch(ctx, onEntries)
	})
	go func() {
		defer unsubscribe()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.maybeAdvanceAndPrefetch(ctx, onEntries)
			}
		}
	}()
	return nil
}

func (p *Player) maybeAdvanceAndPrefetch(ctx context.Context, onEntries func()) {
	if p.QueueLen() == 0 {
		p.mu.Lock()
		headerActive := p.md.Header().Mutable.ActiveSet
		if headerActive > p.activeSet {
			p.activeSet++
		}
		p.mu.Unlock()
	}
	if err := p.Prefetch(ctx); err != nil {
		log.Error.Printf("ijournal: player prefetch for %s: %v", p.image, err)
		return
	}
	if onEntries != nil && p.QueueLen() > 0 {
		onEntries()
	}
}
