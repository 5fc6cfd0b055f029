// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type listItem struct {
	link Node[listItem]
	id   int
}

func listItemNode(e *listItem) *Node[listItem] { return &e.link }

func collectIDs(l *List[listItem]) []int {
	var ids []int
	l.Each(func(e *listItem) { ids = append(ids, e.id) })
	return ids
}

func TestListInsertRemove(t *testing.T) {
	l := NewList(&listItem{}, listItemNode)
	require.True(t, l.Empty())
	require.Nil(t, l.Front())
	require.Nil(t, l.Back())

	a, b, c := &listItem{id: 1}, &listItem{id: 2}, &listItem{id: 3}
	l.InsertFront(a)
	l.InsertFront(b)
	l.InsertBack(c)
	require.Equal(t, []int{2, 1, 3}, collectIDs(l))
	require.Equal(t, b, l.Front())
	require.Equal(t, c, l.Back())

	l.Remove(a)
	require.Equal(t, []int{2, 3}, collectIDs(l))
	// Remove resets the element's links, the "detached" marker the
	// suballocators test for before re-enqueueing.
	require.Nil(t, a.link.next)
	require.Nil(t, a.link.prev)

	l.Remove(b)
	l.Remove(c)
	require.True(t, l.Empty())

	l.InsertBack(a)
	require.Equal(t, []int{1}, collectIDs(l))
	require.Equal(t, a, l.Front())
	require.Equal(t, a, l.Back())
}
