// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trimmer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ijournal.io/config"
	"ijournal.io/errors"
	"ijournal.io/ijournal"
	"ijournal.io/journal"
	"ijournal.io/store"
	"ijournal.io/store/memstore"
)

func TestUpdateAdvancesMinimumSetAndDeletesOldObjects(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	tun := config.Tunables{Order: 22, SplayWidth: 2, DataPoolID: -1}
	md := journal.New(st, ijournal.ImageID("img"), ijournal.ClientID("c1"))
	require.NoError(t, md.Create(ctx, tun))
	require.NoError(t, md.RegisterClient(ctx, nil))

	for splay := uint64(0); splay < 2; splay++ {
		for set := uint64(0); set < 3; set++ {
			name := journal.DataObjectName(-1, "img", splay, set)
			_, err := st.Exec(ctx, name, []store.Op{{Method: store.MethodCreate, Payload: []byte("x")}})
			require.NoError(t, err)
		}
	}

	done := make(chan error, 1)
	md.SetCommitPosition(ctx, ijournal.ObjectSetPosition{ObjectNumber: 4}, func(err error) { done <- err })
	require.NoError(t, <-done)

	tr := New(st, md, ijournal.ImageID("img"), tun)
	require.NoError(t, tr.Update(ctx))

	assert.EqualValues(t, 2, md.Header().Mutable.MinimumSet)
	for splay := uint64(0); splay < 2; splay++ {
		for set := uint64(0); set < 2; set++ {
			name := journal.DataObjectName(-1, "img", splay, set)
			_, err := st.Exec(ctx, name, []store.Op{{Method: store.MethodReadFull}})
			assert.True(t, errors.Is(errors.NotExist, err), "expected %s deleted", name)
		}
	}
	name := journal.DataObjectName(-1, "img", 0, 2)
	_, err := st.Exec(ctx, name, []store.Op{{Method: store.MethodReadFull}})
	assert.NoError(t, err)
}

func TestUpdateNoOpWithoutClients(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	tun := config.Tunables{Order: 22, SplayWidth: 2, DataPoolID: -1}
	md := journal.New(st, ijournal.ImageID("img"), ijournal.ClientID("c1"))
	require.NoError(t, md.Create(ctx, tun))

	tr := New(st, md, ijournal.ImageID("img"), tun)
	require.NoError(t, tr.Update(ctx))
	assert.EqualValues(t, 0, md.Header().Mutable.MinimumSet)
}
