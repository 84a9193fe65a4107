// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package shim

import "encoding/binary"

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendString(b []byte, s string) []byte {
	b = appendUint32(b, uint32(len(s)))
	return append(b, s...)
}

// slicer decodes the fixed-width and length-prefixed fields codec.go
// encodes, in order, returning ok=false the moment it runs out of
// bytes (mirrors journal.wire's reader).
type slicer struct {
	b []byte
}

func newSlicer(b []byte) *slicer { return &slicer{b: b} }

func (s *slicer) uint8() (uint8, bool) {
	if len(s.b) < 1 {
		return 0, false
	}
	v := s.b[0]
	s.b = s.b[1:]
	return v, true
}

func (s *slicer) uint32() (uint32, bool) {
	if len(s.b) < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(s.b[:4])
	s.b = s.b[4:]
	return v, true
}

func (s *slicer) uint64() (uint64, bool) {
	if len(s.b) < 8 {
		return 0, false
	}
	v := binary.BigEndian.Uint64(s.b[:8])
	s.b = s.b[8:]
	return v, true
}

func (s *slicer) string() (string, bool) {
	n, ok := s.uint32()
	if !ok || uint32(len(s.b)) < n {
		return "", false
	}
	v := string(s.b[:n])
	s.b = s.b[n:]
	return v, true
}
