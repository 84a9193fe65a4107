// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/errors"
)

func TestLoadDefaults(t *testing.T) {
	tun, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, tun.CommitInterval)
	assert.Equal(t, 16, tun.FlushInterval)
	assert.Equal(t, 4096, tun.FlushBytes)
	assert.EqualValues(t, 22, tun.Order)
	assert.EqualValues(t, 4, tun.SplayWidth)
	assert.EqualValues(t, -1, tun.DataPoolID)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("IJOURNAL_ORDER", "24")
	t.Setenv("IJOURNAL_SPLAY_WIDTH", "8")

	tun, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 24, tun.Order)
	assert.EqualValues(t, 8, tun.SplayWidth)
}

func TestValidateRejectsOrderOutOfRange(t *testing.T) {
	tun := Tunables{Order: 8, SplayWidth: 4}
	err := tun.Validate()
	assert.True(t, errors.Is(errors.Domain, err))
}

func TestValidateRejectsZeroSplayWidth(t *testing.T) {
	tun := Tunables{Order: 22, SplayWidth: 0}
	err := tun.Validate()
	assert.True(t, errors.Is(errors.Invalid, err))
}
