// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package memstore implements an in-process store.Store backed by a
// map, for unit tests of the journal subsystem that would otherwise
// need a real object store. It is grounded on
// upspin.io/cloud/storage/storagetest's in-memory Storage fake,
// extended with the watch/notify and atomic-append primitives the
// journal's Store interface requires beyond upspin's simpler
// Download/Put/Delete.
package memstore // import "ijournal.io/store/memstore"

import (
	"context"
	"sync"

	"ijournal.io/errors"
	"ijournal.io/store"
)

type watcher struct {
	id     store.WatchID
	notify func([]byte)
}

// Store is an in-memory store.Store. The zero value is not usable; use
// New.
type Store struct {
	mu       sync.Mutex
	objects  map[string][]byte
	watchers map[string][]watcher
	nextID   store.WatchID
}

var _ store.Store = (*Store)(nil)

// New returns an empty, ready-to-use Store.
func New() *Store {
	return &Store{
		objects:  make(map[string][]byte),
		watchers: make(map[string][]watcher),
	}
}

func (s *Store) Exec(ctx context.Context, object string, ops []store.Op) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([][]byte, len(ops))
	// Ops work on a local view of the object, stored only once every op
	// has succeeded, so a failing op leaves the object unchanged.
	cur, exists := s.objects[object]
	for i, op := range ops {
		switch op.Method {
		case store.MethodCreate:
			if exists {
				return nil, errors.E("Exec", errors.Exist, errors.Str(object))
			}
			cur, exists = append([]byte(nil), op.Payload...), true
		case store.MethodReadFull:
			if !exists {
				return nil, errors.E("Exec", errors.NotExist, errors.Str(object))
			}
			results[i] = append([]byte(nil), cur...)
		case store.MethodWriteFull:
			cur, exists = append([]byte(nil), op.Payload...), true
		case store.MethodAppend:
			cur, exists = append(cur, op.Payload...), true
		default:
			return nil, errors.E("Exec", errors.BadMessage, errors.Str("unknown method "+op.Method))
		}
	}
	if exists {
		s.objects[object] = cur
	}
	return results, nil
}

func (s *Store) Watch(ctx context.Context, object string, notify func([]byte)) (store.WatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.watchers[object] = append(s.watchers[object], watcher{id: id, notify: notify})
	return id, nil
}

func (s *Store) Unwatch(ctx context.Context, object string, id store.WatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.watchers[object]
	for i, w := range ws {
		if w.id == id {
			s.watchers[object] = append(ws[:i], ws[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *Store) Notify(ctx context.Context, object string, payload []byte) error {
	s.mu.Lock()
	ws := append([]watcher(nil), s.watchers[object]...)
	s.mu.Unlock()
	for _, w := range ws {
		w.notify(payload)
	}
	return nil
}

func (s *Store) Stat(ctx context.Context, object string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[object]
	if !ok {
		return 0, errors.E("Stat", errors.NotExist, errors.Str(object))
	}
	return uint64(len(b)), nil
}

func (s *Store) Remove(ctx context.Context, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, object)
	return nil
}

func (s *Store) AioFlush(ctx context.Context, object string) error {
	// Every Exec above is already synchronous and durable in-process;
	// nothing to wait for.
	return nil
}
