package bytebuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuffer(t *testing.T) {
	require := require.New(t)

	t.Run("Append and Skip", func(t *testing.T) {
		var b Buffer
		b.Append([]byte("hello "))
		b.Append([]byte("world"))
		require.Equal(11, b.Len())
		require.Equal([]byte("hello"), b.Slice(0, 5))

		b.Skip(6)
		require.Equal([]byte("world"), b.Bytes())
		require.Equal(6, b.Consumed())

		b.Skip(5)
		require.Equal(0, b.Len())
		require.Equal(0, b.Consumed())
	})

	t.Run("IndexByte is cursor relative", func(t *testing.T) {
		b := New(16)
		b.Append([]byte("ab\r\ncd\r\n"))
		require.Equal(3, b.IndexByte(0, '\n'))
		require.Equal(7, b.IndexByte(4, '\n'))
		require.Equal(-1, b.IndexByte(8, '\n'))

		b.Skip(4)
		require.Equal(3, b.IndexByte(0, '\n'))
		require.Equal(-1, b.IndexByte(0, 'z'))
	})

	t.Run("Compact keeps unread bytes", func(t *testing.T) {
		b := New(4)
		b.Append([]byte("0123456789"))
		b.Skip(7)
		b.Compact()
		require.Equal(0, b.Consumed())
		require.Equal([]byte("789"), b.Bytes())
	})

	t.Run("Skip out of range panics", func(t *testing.T) {
		b := New(4)
		b.Append([]byte("ab"))
		require.Panics(func() { b.Skip(3) })
	})
}
