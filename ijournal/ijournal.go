// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ijournal defines the data model and store interface shared by
// every part of the per-image write-ahead journal subsystem: the
// replicated journal header (JournalMetadata), the splayed data-object
// recorder and player, the trimmer, and the image-request funnel that
// sits in front of them.
//
// The types here mirror spec.md §3 (Data Model) exactly; every other
// package in this module imports this one but never the reverse, the
// same layering upspin.io/dir/server/tree uses relative to upspin.io/upspin.
package ijournal // import "ijournal.io/ijournal"

import (
	"errors"
	"fmt"
)

// ImageID names the block image a journal belongs to. Journal object
// names (§6) are derived from it.
type ImageID string

// Tag names a per-writer append scope within a journal (Glossary: Tag).
// Tids allocated under one tag are monotone; there is no ordering
// guarantee between tags (§5, "Ordering guarantees").
type Tag string

// ClientID names a registered journal consumer (Glossary; §3 Client
// record). The distilled spec calls this "id"; ClientID avoids
// colliding with Go's built-in naming conventions.
type ClientID string

// EntryPosition marks progress on a single tag: the highest tid of that
// tag known to be durably committed (§3).
type EntryPosition struct {
	Tag Tag
	Tid uint64
}

// ObjectSetPosition is a consumer's durable progress through the journal
// (§3). Entries in EntryPositions carry unique tags; their order is set
// by whoever builds the position (journal.Metadata.Committed's fold
// leaves the most recently folded tag first).
type ObjectSetPosition struct {
	ObjectNumber   uint64
	EntryPositions []EntryPosition
}

// Clone returns a deep copy of p, so callers may safely retain and later
// mutate one independently of the original (needed since
// ObjectSetPosition values are exchanged across goroutines: J returns
// them from committed, T reads them from the header cache).
func (p ObjectSetPosition) Clone() ObjectSetPosition {
	out := ObjectSetPosition{ObjectNumber: p.ObjectNumber}
	if len(p.EntryPositions) > 0 {
		out.EntryPositions = make([]EntryPosition, len(p.EntryPositions))
		copy(out.EntryPositions, p.EntryPositions)
	}
	return out
}

// entryFor returns the index of the EntryPosition for tag, or -1.
func (p ObjectSetPosition) entryFor(tag Tag) int {
	for i, e := range p.EntryPositions {
		if e.Tag == tag {
			return i
		}
	}
	return -1
}

// TidFor returns the committed tid for tag and whether one is recorded.
func (p ObjectSetPosition) TidFor(tag Tag) (uint64, bool) {
	if i := p.entryFor(tag); i >= 0 {
		return p.EntryPositions[i].Tid, true
	}
	return 0, false
}

// Less implements the partial order of spec.md §3, invariant (c):
// P1 < P2 iff P1.ObjectNumber < P2.ObjectNumber, or they share an
// object number and for every tag P1 knows about P2's tid for that tag
// is at least as large, P2 knows about every tag P1 does, and the two
// are not equal. This is the single implementation every caller (T's
// safe-set computation, J's set_commit_position staleness check) must
// use; see SPEC_FULL.md §12 ("bit-exact ObjectSetPosition ordering").
func (p ObjectSetPosition) Less(q ObjectSetPosition) bool {
	if p.ObjectNumber != q.ObjectNumber {
		return p.ObjectNumber < q.ObjectNumber
	}
	if len(q.EntryPositions) < len(p.EntryPositions) {
		return false
	}
	for _, e := range p.EntryPositions {
		qTid, ok := q.TidFor(e.Tag)
		if !ok || qTid < e.Tid {
			return false
		}
	}
	return !p.Equal(q)
}

// LessOrEqual reports whether p <= q under the same partial order as Less.
func (p ObjectSetPosition) LessOrEqual(q ObjectSetPosition) bool {
	return p.Equal(q) || p.Less(q)
}

// Equal reports whether p and q describe the same position: same object
// number and the same set of (tag, tid) pairs, order aside.
func (p ObjectSetPosition) Equal(q ObjectSetPosition) bool {
	if p.ObjectNumber != q.ObjectNumber {
		return false
	}
	if len(p.EntryPositions) != len(q.EntryPositions) {
		return false
	}
	for _, e := range p.EntryPositions {
		qTid, ok := q.TidFor(e.Tag)
		if !ok || qTid != e.Tid {
			return false
		}
	}
	return true
}

func (p ObjectSetPosition) String() string {
	return fmt.Sprintf("{object=%d entries=%v}", p.ObjectNumber, p.EntryPositions)
}

// Client is a registered journal consumer (§3).
type Client struct {
	ID             ClientID
	Description    []byte
	CommitPosition ObjectSetPosition
}

// Clone returns a deep copy of c.
func (c Client) Clone() Client {
	out := c
	out.CommitPosition = c.CommitPosition.Clone()
	if c.Description != nil {
		out.Description = append([]byte(nil), c.Description...)
	}
	return out
}

// Header is the full, decoded contents of a journal's header object
// (§3, §6). Immutable fields never change after Create; Mutable fields
// change over the journal's lifetime and are what a refresh re-reads.
type Header struct {
	Immutable ImmutableHeader
	Mutable   MutableHeader
}

// ImmutableHeader records a journal's layout, fixed at creation (§3).
type ImmutableHeader struct {
	// Order is the exponent such that a data object's target size is
	// 2^Order bytes.
	Order uint8
	// SplayWidth is the number of data objects in one active set.
	SplayWidth uint8
	// DataPoolID selects the pool holding data objects; -1 means the
	// same pool as the header object.
	DataPoolID int64
}

// MutableHeader records a journal's active window and its consumers
// (§3). It is what init's mutable refresh, and every subsequent
// refresh, re-reads.
type MutableHeader struct {
	MinimumSet uint64
	ActiveSet  uint64
	Clients    map[ClientID]Client
}

// Clone returns a deep copy of h, including its Clients map.
func (h MutableHeader) Clone() MutableHeader {
	out := MutableHeader{MinimumSet: h.MinimumSet, ActiveSet: h.ActiveSet}
	if h.Clients != nil {
		out.Clients = make(map[ClientID]Client, len(h.Clients))
		for id, c := range h.Clients {
			out.Clients[id] = c.Clone()
		}
	}
	return out
}

// ErrOrderOutOfRange and ErrZeroSplayWidth are the sentinel causes behind
// the Domain and Invalid errors of spec.md §8. They live here, not in
// package errors, so that this package need not import errors (which
// itself imports this package for ImageID and Tag) — see errors.go's
// doc comment on the layering.
var (
	ErrOrderOutOfRange = errors.New("order must be in [12, 64]")
	ErrZeroSplayWidth  = errors.New("splay_width must be non-zero")
)

// Validate checks the boundary conditions of spec.md §8: order must be
// in [12, 64]; splay_width must be non-zero. Callers
// (config.Tunables.Validate, which journal.Create uses) wrap the
// returned sentinel in errors.E with the appropriate Kind
// (Domain for order, Invalid for splay_width).
func (h ImmutableHeader) Validate() error {
	if h.Order < 12 || h.Order > 64 {
		return ErrOrderOutOfRange
	}
	if h.SplayWidth == 0 {
		return ErrZeroSplayWidth
	}
	return nil
}

// Entry is a single application event as it is framed on a data object
// (§3, §6 "Data object encoding"). Payload is the caller-supplied
// application bytes; the tag/tid pair establishes replay order for the
// writer that produced it.
type Entry struct {
	Tag     Tag
	Tid     uint64
	Payload []byte
}
