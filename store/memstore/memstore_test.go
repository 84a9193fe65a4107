// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/errors"
	"ijournal.io/store"
)

func TestCreateThenReadFull(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.Exec(ctx, "journal.img1", []store.Op{{Method: store.MethodCreate, Payload: []byte("hdr")}})
	require.NoError(t, err)

	results, err := s.Exec(ctx, "journal.img1", []store.Op{{Method: store.MethodReadFull}})
	require.NoError(t, err)
	assert.Equal(t, "hdr", string(results[0]))
}

func TestCreateTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Exec(ctx, "journal.img1", []store.Op{{Method: store.MethodCreate, Payload: []byte("hdr")}})
	require.NoError(t, err)

	_, err = s.Exec(ctx, "journal.img1", []store.Op{{Method: store.MethodCreate, Payload: []byte("hdr2")}})
	assert.True(t, errors.Is(errors.Exist, err))
}

func TestReadMissingFails(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Exec(ctx, "missing", []store.Op{{Method: store.MethodReadFull}})
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestAppendAccumulates(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Exec(ctx, "data.0", []store.Op{{Method: store.MethodAppend, Payload: []byte("ab")}})
	require.NoError(t, err)
	_, err = s.Exec(ctx, "data.0", []store.Op{{Method: store.MethodAppend, Payload: []byte("cd")}})
	require.NoError(t, err)

	size, err := s.Stat(ctx, "data.0")
	require.NoError(t, err)
	assert.EqualValues(t, 4, size)
}

func TestWatchNotify(t *testing.T) {
	ctx := context.Background()
	s := New()

	got := make(chan []byte, 1)
	id, err := s.Watch(ctx, "journal.img1", func(payload []byte) { got <- payload })
	require.NoError(t, err)

	require.NoError(t, s.Notify(ctx, "journal.img1", []byte("refresh")))
	assert.Equal(t, "refresh", string(<-got))

	require.NoError(t, s.Unwatch(ctx, "journal.img1", id))
	require.NoError(t, s.Notify(ctx, "journal.img1", []byte("ignored")))
	select {
	case <-got:
		t.Fatal("notification delivered after unwatch")
	default:
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Remove(ctx, "does-not-exist"))
}
