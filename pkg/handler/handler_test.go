package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileMagicRoundTrip(t *testing.T) {
	s := FileMagic("rb")
	ph, ok := ParsePlaceholder(s)
	require.True(t, ok)
	require.True(t, ph.IsFile)
	require.Equal(t, "rb", ph.Mode)
}

func TestSocketMagicRoundTrip(t *testing.T) {
	s := SocketMagic(2, 1, 6)
	ph, ok := ParsePlaceholder(s)
	require.True(t, ok)
	require.False(t, ph.IsFile)
	require.Equal(t, 2, ph.Family)
	require.Equal(t, 1, ph.Type)
	require.Equal(t, 6, ph.Proto)
}

func TestParsePlaceholderRejectsOrdinaryValue(t *testing.T) {
	_, ok := ParsePlaceholder("hello")
	require.False(t, ok)
}

func TestSliceIteratorExhausts(t *testing.T) {
	it := NewSliceIterator([]Item{{Data: "a"}, {Data: "b"}})
	ctx := context.Background()

	i1, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", i1.Data)

	i2, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", i2.Data)

	_, ok, err = it.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
