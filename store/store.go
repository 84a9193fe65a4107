// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store defines the object-store capability set the journal
// subsystem is built on (spec.md §6): named objects supporting atomic
// compound exec, watch/notify, stat, remove and aio_flush. It plays the
// same role for this module that cloud/storage.Storage plays for
// upspin's directory server — a small capability interface with
// swappable backends (memstore, boltstore).
package store // import "ijournal.io/store"

import (
	"context"

	"ijournal.io/errors"
)

// Op is one operation inside an atomic compound Exec call, modelling a
// RADOS-style class method invocation: a named method plus its encoded
// argument payload (§6, "exec(class, method, payload)").
type Op struct {
	Method  string
	Payload []byte
}

// WatchID identifies an active watch registered with Watch, to be
// passed back to Unwatch.
type WatchID uint64

// Store is the capability set every backend (memstore, boltstore, and
// eventually a real RADOS/S3-backed one) must provide. All methods are
// safe for concurrent use.
type Store interface {
	// Exec runs ops against object in order, atomically: either all
	// succeed and are made durable together, or none are. It returns
	// one result payload per op. A missing object yields
	// errors.NotExist unless the first op is a create-if-absent
	// primitive understood by the caller's class (the journal's own
	// header/data codecs handle that distinction, not this
	// interface).
	Exec(ctx context.Context, object string, ops []Op) ([][]byte, error)

	// Watch registers notify to be called, on some goroutine chosen
	// by the backend, whenever another client calls Notify on object.
	// The returned WatchID is later passed to Unwatch.
	Watch(ctx context.Context, object string, notify func(payload []byte)) (WatchID, error)

	// Unwatch cancels a watch previously returned by Watch.
	Unwatch(ctx context.Context, object string, id WatchID) error

	// Notify broadcasts payload to every live watcher of object.
	Notify(ctx context.Context, object string, payload []byte) error

	// Stat returns the current size of object.
	Stat(ctx context.Context, object string) (size uint64, err error)

	// Remove deletes object. Removing a non-existent object is not an
	// error (idempotent).
	Remove(ctx context.Context, object string) error

	// AioFlush blocks until every write previously issued against
	// object by this client has been made durable.
	AioFlush(ctx context.Context, object string) error
}

// ErrNotFound and friends are sentinel causes a Store implementation may
// wrap with errors.E and the appropriate Kind. memstore and boltstore do
// not use them: they wrap the object name with the Kind, so callers
// check the Kind rather than these values.
var (
	ErrNotFound  = errors.Str("object not found")
	ErrExists    = errors.Str("object already exists")
	ErrNoSpace   = errors.Str("no space left")
	ErrNoSupport = errors.Str("operation not supported")
)
