// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ijournal.io/ijournal"
)

func TestSeparator(t *testing.T) {
	defer func(prev string) {
		Separator = prev
	}(Separator)
	Separator = ":: "

	img := ijournal.ImageID("rbd/image-1")
	tag := ijournal.Tag("client.42")
	err := Str("connection reset")

	e1 := E(img, "Append", IO, err)
	e2 := E(img, tag, "Committed", Other, e1)

	want := "image rbd/image-1, tag client.42: Committed: I/O error:: Append: connection reset"
	assert.Equal(t, want, e2.Error())
}

func TestDoesNotChangePreviousError(t *testing.T) {
	err := E(Stale)
	err2 := E("I will NOT modify err", err)

	assert.Equal(t, "I will NOT modify err: stale commit position", err2.Error())
}

func TestKindPullsUp(t *testing.T) {
	inner := E("allocate_commit_tid", Stale, Str("superseded"))
	outer := E("committed", inner)

	assert.True(t, Is(Stale, outer))
}

func TestIs(t *testing.T) {
	err := E("register_client", Exist)
	assert.True(t, Is(Exist, err))
	assert.False(t, Is(NotExist, err))
	assert.False(t, Is(Exist, Str("plain error")))
}

func TestMatch(t *testing.T) {
	template := E(ijournal.ImageID("img"), Stale)
	err := E(ijournal.ImageID("img"), "set_commit_position", Stale, Str("superseded"))
	assert.True(t, Match(template, err))

	other := E(ijournal.ImageID("other"), Stale)
	assert.False(t, Match(other, err))
}

func TestErrorf(t *testing.T) {
	err := Errorf("bad splay_width %d", 0)
	assert.Equal(t, "bad splay_width 0", err.Error())
}
