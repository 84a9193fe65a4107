// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

// Method names understood by every Store backend in this module. Real
// RADOS classes expose many more; the journal subsystem only ever needs
// these four primitives, since a single JournalMetadata actor owns all
// writes to one image's objects (spec.md §9, "reset is not guarded
// against concurrent consumers — administrative, callers must
// quiesce") and so never needs a compare-and-swap primitive at the
// store layer.
const (
	// MethodCreate creates object with Payload as its initial content.
	// Fails with errors.Exist if the object is already present.
	MethodCreate = "create"
	// MethodReadFull returns object's entire content. Fails with
	// errors.NotExist if absent.
	MethodReadFull = "read_full"
	// MethodWriteFull atomically replaces object's entire content
	// with Payload, creating it if absent.
	MethodWriteFull = "write_full"
	// MethodAppend atomically appends Payload to object's content,
	// creating it if absent.
	MethodAppend = "append"
)
