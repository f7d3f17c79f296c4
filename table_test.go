// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package smsg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableIDUsedOverBothMaps(t *testing.T) {
	table := newSessionTable()
	a := &Session{}
	b := &Session{}

	require.NoError(t, table.addSession(1, a))
	require.NoError(t, table.addPendingSession(2, b))

	require.True(t, table.isIDUsed(1))
	require.True(t, table.isIDUsed(2))
	require.False(t, table.isIDUsed(3))

	// an id lives in at most one of the two maps
	require.ErrorIs(t, table.addSession(2, a), ErrSessionIDUsed)
	require.ErrorIs(t, table.addPendingSession(1, b), ErrSessionIDUsed)
	require.ErrorIs(t, table.addSession(1, a), ErrSessionIDUsed)
}

func TestTableRemove(t *testing.T) {
	table := newSessionTable()
	a := &Session{}

	require.NoError(t, table.addPendingSession(7, a))
	require.Nil(t, table.removeSession(7))
	require.Same(t, a, table.removePendingSession(7))
	require.Nil(t, table.removePendingSession(7))
	require.False(t, table.isIDUsed(7))

	require.NoError(t, table.addSession(7, a))
	require.Same(t, a, table.getSession(7))
	require.Same(t, a, table.removeSession(7))
	require.Nil(t, table.getSession(7))
}

func TestTablePromotePendingToEstablished(t *testing.T) {
	table := newSessionTable()
	s := &Session{}

	require.NoError(t, table.addPendingSession(0x0001, s))
	pending := table.removePendingSession(0x0001)
	require.Same(t, s, pending)
	require.NoError(t, table.addSession(0x00020001, pending))

	established, pendingCount := table.count()
	require.Equal(t, 1, established)
	require.Zero(t, pendingCount)
}

func TestServerTable(t *testing.T) {
	table := newServerTable()
	srv := &server{id: 1, die: make(chan struct{})}
	table.add(1, srv)
	require.Same(t, srv, table.get(1))
	require.Same(t, srv, table.remove(1))
	require.Nil(t, table.remove(1))
	require.Nil(t, table.get(1))
}
