// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal // import "ijournal.io/journal"

import (
	"encoding/binary"
	"hash/crc32"

	"ijournal.io/ijournal"
	"ijournal.io/journal/shim"
)

// frameMagic marks the start of a data-object frame (spec.md §6,
// "Data object encoding"). Spelled out in ASCII ("JRNL0001") so it is
// recognizable in a hex dump, the same courtesy Ceph's own
// cls_journal_types.h constants extend to their magic numbers.
const frameMagic uint64 = 0x4a524e4c30303031

const headerVersion uint8 = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// putString writes a length-prefixed (u32) string.
func putString(buf []byte, s string) []byte {
	buf = putUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func putUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// reader walks a []byte left to right, tracking how much has been
// consumed so DecodeFrames can tell a truncated trailing frame from a
// complete one and stop cleanly at the boundary between them.
type reader struct {
	b   []byte
	pos int
}

func (r *reader) remaining() int { return len(r.b) - r.pos }

func (r *reader) uint32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, true
}

func (r *reader) uint64() (uint64, bool) {
	if r.remaining() < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, true
}

func (r *reader) bytes() ([]byte, bool) {
	n, ok := r.uint32()
	if !ok || r.remaining() < int(n) {
		return nil, false
	}
	v := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, true
}

func (r *reader) string() (string, bool) {
	b, ok := r.bytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// EncodeHeader renders h in the bit-exact layout of spec.md §6. The
// header object's wire format is owned by journal/shim (spec.md §4.X's
// "language-neutral description of the header-object ops"); this is a
// thin wrapper so J's callers don't need to import shim directly for
// something this fundamental to the package.
func EncodeHeader(h ijournal.Header) []byte {
	return shim.EncodeHeader(h)
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(b []byte) (ijournal.Header, error) {
	return shim.DecodeHeader(b)
}

// EncodeFrame renders one data-object frame: magic, length, crc32c,
// tag, tid, payload (spec.md §6, "Data object encoding"). length and
// crc32c cover everything after the crc32c field.
func EncodeFrame(e ijournal.Entry) []byte {
	body := make([]byte, 0, 16+len(e.Tag)+len(e.Payload))
	body = putString(body, string(e.Tag))
	body = putUint64(body, e.Tid)
	body = putBytes(body, e.Payload)

	frame := make([]byte, 0, 16+len(body))
	frame = putUint64(frame, frameMagic)
	frame = putUint32(frame, uint32(len(body)))
	frame = putUint32(frame, crc32.Checksum(body, castagnoli))
	frame = append(frame, body...)
	return frame
}

// DecodeFrames parses as many complete, valid frames as it can from
// the front of b and returns them in on-disk order. It stops at the
// first frame that fails to fully decode or fails its checksum,
// without erroring: per spec.md §6, "a bad frame terminates that
// object's tail (no partial append is visible mid-read because appends
// are atomic full-frame writes)" — a short or corrupt trailing frame is
// simply a write racing the reader, not a fatal condition.
func DecodeFrames(b []byte) []ijournal.Entry {
	var entries []ijournal.Entry
	r := &reader{b: b}
	for {
		start := r.pos
		magic, ok := r.uint64()
		if !ok || magic != frameMagic {
			r.pos = start
			break
		}
		length, ok := r.uint32()
		if !ok {
			r.pos = start
			break
		}
		crc, ok := r.uint32()
		if !ok {
			r.pos = start
			break
		}
		if r.remaining() < int(length) {
			r.pos = start
			break
		}
		body := r.b[r.pos : r.pos+int(length)]
		if crc32.Checksum(body, castagnoli) != crc {
			r.pos = start
			break
		}
		br := &reader{b: body}
		tag, ok := br.string()
		if !ok {
			r.pos = start
			break
		}
		tid, ok := br.uint64()
		if !ok {
			r.pos = start
			break
		}
		payload, ok := br.bytes()
		if !ok {
			r.pos = start
			break
		}
		entries = append(entries, ijournal.Entry{Tag: ijournal.Tag(tag), Tid: tid, Payload: append([]byte(nil), payload...)})
		r.pos = start + 16 + int(length)
	}
	return entries
}
