// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package journal

import (
	"fmt"

	"ijournal.io/ijournal"
)

// HeaderObjectName returns the store object name for image's journal
// header (spec.md §6, "Object naming").
func HeaderObjectName(image ijournal.ImageID) string {
	return fmt.Sprintf("journal.%s", image)
}

// DataObjectName returns the store object name for one data object:
// pool, image, splay index and object-set together identify it
// uniquely (spec.md §6, "Object naming").
func DataObjectName(poolID int64, image ijournal.ImageID, splayIndex, objectSet uint64) string {
	return fmt.Sprintf("journal_data.%d.%s.%d.%d", poolID, image, splayIndex, objectSet)
}

// ObjectNumberToName resolves a raw object number (as stored in an
// ObjectSetPosition) to its store object name, given the journal's
// splay width.
func ObjectNumberToName(poolID int64, image ijournal.ImageID, splayWidth uint8, objectNumber uint64) string {
	splayIndex := objectNumber % uint64(splayWidth)
	objectSet := objectNumber / uint64(splayWidth)
	return DataObjectName(poolID, image, splayIndex, objectSet)
}
