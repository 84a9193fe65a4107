// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the journal subsystem's tunables (spec.md §6)
// from defaults, environment variables and an optional file, using
// github.com/spf13/viper. It is the ambient-configuration counterpart
// to ijournal/log and ijournal/errors: neither the teacher's own
// upspin.io/config (which parses Upspin user identities, not a service
// tunable record) nor plain flags fit this shape, but viper's
// flat-record-with-layered-sources model does.
package config // import "ijournal.io/config"

import (
	"time"

	"github.com/spf13/viper"

	"ijournal.io/errors"
	"ijournal.io/ijournal"
)

// Tunables is the single configuration record spec.md §6 names:
// commit_interval, flush_interval, flush_bytes, flush_age, order,
// splay_width, data_pool_id.
type Tunables struct {
	// CommitInterval is the coalesce window for commit-position writes.
	CommitInterval time.Duration
	// FlushInterval is the appender batch size, in entries.
	FlushInterval int
	// FlushBytes is the appender batch size, in bytes.
	FlushBytes int
	// FlushAge is the appender batch age limit.
	FlushAge time.Duration
	// Order is the data object size exponent (target size 2^Order).
	Order uint8
	// SplayWidth is the number of data objects in one active set.
	SplayWidth uint8
	// DataPoolID selects the pool holding data objects; -1 means the
	// same pool as the header object.
	DataPoolID int64
}

// Immutable extracts the ijournal.ImmutableHeader fields carried by t.
func (t Tunables) Immutable() ijournal.ImmutableHeader {
	return ijournal.ImmutableHeader{
		Order:      t.Order,
		SplayWidth: t.SplayWidth,
		DataPoolID: t.DataPoolID,
	}
}

// Validate applies spec.md §8's boundary checks: order in [12, 64],
// splay_width != 0.
func (t Tunables) Validate() error {
	if err := t.Immutable().Validate(); err != nil {
		if err == ijournal.ErrOrderOutOfRange {
			return errors.E("Validate", errors.Domain, err)
		}
		return errors.E("Validate", errors.Invalid, err)
	}
	return nil
}

// defaults mirror the values a fresh Ceph RBD journal is created with:
// a 1s commit coalesce window, 16-entry/4KiB/1s flush batching, 22-bit
// (4MiB) objects, splay width 4, and the header's own pool.
func defaults(v *viper.Viper) {
	v.SetDefault("commit_interval", "1s")
	v.SetDefault("flush_interval", 16)
	v.SetDefault("flush_bytes", 4096)
	v.SetDefault("flush_age", "1s")
	v.SetDefault("order", 22)
	v.SetDefault("splay_width", 4)
	v.SetDefault("data_pool_id", -1)
}

// Load reads Tunables from environment variables prefixed IJOURNAL_
// (e.g. IJOURNAL_ORDER) and, if configPath is non-empty, from a config
// file at that path, falling back to the defaults above. It validates
// the result before returning it.
func Load(configPath string) (Tunables, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("ijournal")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Tunables{}, errors.E("Load", errors.IO, err)
		}
	}

	t := Tunables{
		CommitInterval: v.GetDuration("commit_interval"),
		FlushInterval:  v.GetInt("flush_interval"),
		FlushBytes:     v.GetInt("flush_bytes"),
		FlushAge:       v.GetDuration("flush_age"),
		Order:          uint8(v.GetUint32("order")),
		SplayWidth:     uint8(v.GetUint32("splay_width")),
		DataPoolID:     v.GetInt64("data_pool_id"),
	}
	if err := t.Validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}
