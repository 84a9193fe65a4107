// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withHook(t *testing.T) *test.Hook {
	t.Helper()
	hook := test.NewLocal(base)
	t.Cleanup(func() {
		base.ReplaceHooks(make(logrus.LevelHooks))
		hook.Reset()
	})
	return hook
}

func TestLogLevel(t *testing.T) {
	hook := withHook(t)
	defer func(prev level) { currentLevel = prev }(currentLevel)

	require.NoError(t, SetLevel("info"))
	assert.Equal(t, "info", Level())

	Debug.Println("not logged")
	Info.Print("logged")
	Error.Printf("hello: %s", "world")

	assert.Len(t, hook.Entries, 2)
}

func TestAt(t *testing.T) {
	defer func(prev level) { currentLevel = prev }(currentLevel)
	require.NoError(t, SetLevel("info"))

	assert.False(t, At("debug"))
	assert.True(t, At("error"))
}

func TestSetLevelRejectsUnknown(t *testing.T) {
	defer func(prev level) { currentLevel = prev }(currentLevel)
	assert.Error(t, SetLevel("noisy"))
}

func TestWithField(t *testing.T) {
	hook := withHook(t)
	defer func(prev level) { currentLevel = prev }(currentLevel)
	require.NoError(t, SetLevel("debug"))

	Debug.WithField("image", "rbd/foo").Printf("replay started")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, "rbd/foo", hook.Entries[0].Data["image"])
}
