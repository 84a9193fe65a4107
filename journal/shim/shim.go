// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package shim implements spec.md §4.X: the language-neutral encoding
// of the header-object operations invoked by J, R, P and T. Each is a
// compound object-level call — inputs encoded to a byte buffer, sent
// to the store, results decoded — so that a future non-Go client of the
// same header format only needs to speak this wire shape, not import
// this module. Decode failures map to errors.BadMessage, distinct from
// any error the store itself returns.
package shim // import "ijournal.io/journal/shim"

import (
	"sort"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
)

const headerVersion uint8 = 1

// Op names one header-object call (spec.md §4.X).
type Op string

const (
	OpCreate               Op = "create"
	OpGetImmutableMetadata Op = "get_immutable_metadata"
	OpGetMutableMetadata   Op = "get_mutable_metadata"
	OpClientRegister       Op = "client_register"
	OpClientUnregister     Op = "client_unregister"
	OpClientCommit         Op = "client_commit"
	OpSetMinimumSet        Op = "set_minimum_set"
	OpSetActiveSet         Op = "set_active_set"
)

// EncodeCreate encodes the payload for OpCreate: a fresh header with
// the given immutable fields and no clients.
func EncodeCreate(imm ijournal.ImmutableHeader) []byte {
	return EncodeHeader(ijournal.Header{Immutable: imm, Mutable: ijournal.MutableHeader{}})
}

// DecodeImmutableMetadata decodes the reply to OpGetImmutableMetadata.
func DecodeImmutableMetadata(b []byte) (ijournal.ImmutableHeader, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return ijournal.ImmutableHeader{}, errors.E("get_immutable_metadata", errors.BadMessage, err)
	}
	return h.Immutable, nil
}

// DecodeMutableMetadata decodes the reply to OpGetMutableMetadata.
func DecodeMutableMetadata(b []byte) (ijournal.MutableHeader, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return ijournal.MutableHeader{}, errors.E("get_mutable_metadata", errors.BadMessage, err)
	}
	return h.Mutable, nil
}

// EncodeHeader renders h in the bit-exact layout of spec.md §6:
// version(u8), order(u8), splay_width(u8), pool_id(i64), client
// count(u32), minimum_set(u64), active_set(u64), then the clients, each
// {id, desc, position}, position being {object_number: u64, entries:
// list<{tag, tid}>}. This is the header object's canonical wire shape
// (spec.md §4.X); journal.EncodeHeader/DecodeHeader are thin wrappers
// over these two functions so J's own on-disk format and the
// language-neutral description of it can never drift apart.
func EncodeHeader(h ijournal.Header) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, headerVersion, h.Immutable.Order, h.Immutable.SplayWidth)
	buf = appendUint64(buf, uint64(h.Immutable.DataPoolID))
	buf = appendUint32(buf, uint32(len(h.Mutable.Clients)))

	// Deterministic order (sorted by id) so EncodeHeader is a pure
	// function of h's value, not of Go's randomized map iteration.
	ids := make([]string, 0, len(h.Mutable.Clients))
	for id := range h.Mutable.Clients {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	buf = appendUint64(buf, h.Mutable.MinimumSet)
	buf = appendUint64(buf, h.Mutable.ActiveSet)
	for _, id := range ids {
		c := h.Mutable.Clients[ijournal.ClientID(id)]
		buf = appendString(buf, string(c.ID))
		buf = appendString(buf, string(c.Description))
		buf = appendUint64(buf, c.CommitPosition.ObjectNumber)
		buf = appendUint32(buf, uint32(len(c.CommitPosition.EntryPositions)))
		for _, e := range c.CommitPosition.EntryPositions {
			buf = appendString(buf, string(e.Tag))
			buf = appendUint64(buf, e.Tid)
		}
	}
	return buf
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(b []byte) (ijournal.Header, error) {
	r := newSlicer(b)
	var h ijournal.Header

	version, ok := r.uint8()
	if !ok || version != headerVersion {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("bad version"))
	}
	order, ok := r.uint8()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated order"))
	}
	splay, ok := r.uint8()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated splay_width"))
	}

	poolID, ok := r.uint64()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated pool_id"))
	}
	h.Immutable = ijournal.ImmutableHeader{Order: order, SplayWidth: splay, DataPoolID: int64(poolID)}

	n, ok := r.uint32()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated client count"))
	}
	minSet, ok := r.uint64()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated minimum_set"))
	}
	activeSet, ok := r.uint64()
	if !ok {
		return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated active_set"))
	}
	h.Mutable = ijournal.MutableHeader{MinimumSet: minSet, ActiveSet: activeSet, Clients: make(map[ijournal.ClientID]ijournal.Client, n)}

	for i := uint32(0); i < n; i++ {
		id, ok := r.string()
		if !ok {
			return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated client id"))
		}
		desc, ok := r.string()
		if !ok {
			return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated description"))
		}
		objNum, ok := r.uint64()
		if !ok {
			return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated object_number"))
		}
		entryCount, ok := r.uint32()
		if !ok {
			return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated entry count"))
		}
		pos := ijournal.ObjectSetPosition{ObjectNumber: objNum, EntryPositions: make([]ijournal.EntryPosition, 0, entryCount)}
		for j := uint32(0); j < entryCount; j++ {
			tag, ok := r.string()
			if !ok {
				return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated tag"))
			}
			tid, ok := r.uint64()
			if !ok {
				return h, errors.E("decode_header", errors.BadMessage, errors.Str("truncated tid"))
			}
			pos.EntryPositions = append(pos.EntryPositions, ijournal.EntryPosition{Tag: ijournal.Tag(tag), Tid: tid})
		}
		// An empty description decodes as nil, as RegisterClient stores it.
		var description []byte
		if desc != "" {
			description = []byte(desc)
		}
		h.Mutable.Clients[ijournal.ClientID(id)] = ijournal.Client{
			ID:             ijournal.ClientID(id),
			Description:    description,
			CommitPosition: pos,
		}
	}
	return h, nil
}

// EncodeClientRegister encodes the payload for OpClientRegister: the
// registering client's id and opaque description.
func EncodeClientRegister(id ijournal.ClientID, desc []byte) []byte {
	buf := make([]byte, 0, len(id)+len(desc)+8)
	buf = appendString(buf, string(id))
	buf = appendString(buf, string(desc))
	return buf
}

// DecodeClientRegister decodes EncodeClientRegister's payload.
func DecodeClientRegister(b []byte) (id ijournal.ClientID, desc []byte, err error) {
	r := newSlicer(b)
	idStr, ok := r.string()
	if !ok {
		return "", nil, errors.E("client_register", errors.BadMessage, errors.Str("truncated id"))
	}
	descStr, ok := r.string()
	if !ok {
		return "", nil, errors.E("client_register", errors.BadMessage, errors.Str("truncated description"))
	}
	return ijournal.ClientID(idStr), []byte(descStr), nil
}

// EncodeClientCommit encodes the payload for OpClientCommit: a client id
// and the ObjectSetPosition it is reporting.
func EncodeClientCommit(id ijournal.ClientID, pos ijournal.ObjectSetPosition) []byte {
	buf := appendString(nil, string(id))
	buf = appendUint64(buf, pos.ObjectNumber)
	buf = appendUint32(buf, uint32(len(pos.EntryPositions)))
	for _, e := range pos.EntryPositions {
		buf = appendString(buf, string(e.Tag))
		buf = appendUint64(buf, e.Tid)
	}
	return buf
}

// DecodeClientCommit decodes EncodeClientCommit's payload.
func DecodeClientCommit(b []byte) (id ijournal.ClientID, pos ijournal.ObjectSetPosition, err error) {
	r := newSlicer(b)
	idStr, ok := r.string()
	if !ok {
		return "", ijournal.ObjectSetPosition{}, errors.E("client_commit", errors.BadMessage, errors.Str("truncated id"))
	}
	objNum, ok := r.uint64()
	if !ok {
		return "", ijournal.ObjectSetPosition{}, errors.E("client_commit", errors.BadMessage, errors.Str("truncated object_number"))
	}
	count, ok := r.uint32()
	if !ok {
		return "", ijournal.ObjectSetPosition{}, errors.E("client_commit", errors.BadMessage, errors.Str("truncated entry count"))
	}
	pos = ijournal.ObjectSetPosition{ObjectNumber: objNum}
	for i := uint32(0); i < count; i++ {
		tag, ok := r.string()
		if !ok {
			return "", ijournal.ObjectSetPosition{}, errors.E("client_commit", errors.BadMessage, errors.Str("truncated tag"))
		}
		tid, ok := r.uint64()
		if !ok {
			return "", ijournal.ObjectSetPosition{}, errors.E("client_commit", errors.BadMessage, errors.Str("truncated tid"))
		}
		pos.EntryPositions = append(pos.EntryPositions, ijournal.EntryPosition{Tag: ijournal.Tag(tag), Tid: tid})
	}
	return ijournal.ClientID(idStr), pos, nil
}

// EncodeSetN encodes the single-uint64 payload shared by
// OpSetMinimumSet and OpSetActiveSet.
func EncodeSetN(n uint64) []byte {
	return appendUint64(nil, n)
}

// DecodeSetN decodes EncodeSetN's payload.
func DecodeSetN(b []byte) (uint64, error) {
	r := newSlicer(b)
	n, ok := r.uint64()
	if !ok {
		return 0, errors.E("set_n", errors.BadMessage, errors.Str("truncated"))
	}
	return n, nil
}
