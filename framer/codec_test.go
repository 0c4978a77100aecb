package framer

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendHeader(t *testing.T) {
	require := require.New(t)

	header := AppendHeader(nil, 0x01020304, 0x0a0b0c0d)
	require.Equal([]byte{1, 2, 3, 4, 0x0a, 0x0b, 0x0c, 0x0d}, header)

	length, channelID := ParseHeader(header)
	require.Equal(uint32(0x01020304), length)
	require.Equal(uint32(0x0a0b0c0d), channelID)

	require.Equal([]byte{0, 0, 0, 0, 0, 0, 0, 9}, EncodeFrame(nil, 9, nil))
}

func TestReadFrame(t *testing.T) {
	t.Run("Over a pipe", func(t *testing.T) {
		require := require.New(t)

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			_, _ = server.Write(EncodeFrame(nil, 42, []byte("ping")))
		}()

		header := make([]byte, HeaderSize)
		payload, channelID, err := ReadFrame(client, header, 1024)
		require.NoError(err)
		require.Equal([]byte("ping"), payload)
		require.Equal(uint32(42), channelID)
	})

	t.Run("Zero length", func(t *testing.T) {
		require := require.New(t)

		payload, channelID, err := ReadFrame(bytes.NewReader(EncodeFrame(nil, 1, nil)), make([]byte, HeaderSize), 8)
		require.NoError(err)
		require.Empty(payload)
		require.Equal(uint32(1), channelID)
	})

	t.Run("Too large", func(t *testing.T) {
		require := require.New(t)

		_, _, err := ReadFrame(bytes.NewReader(EncodeFrame(nil, 1, []byte("12345"))), make([]byte, HeaderSize), 4)
		require.ErrorIs(err, ErrFrameTooLarge)

		var tooLarge *FrameTooLargeError
		require.True(errors.As(err, &tooLarge))
		require.Equal(uint32(5), tooLarge.Length)
	})

	t.Run("Truncated", func(t *testing.T) {
		require := require.New(t)

		frame := EncodeFrame(nil, 1, []byte("12345"))

		_, _, err := ReadFrame(bytes.NewReader(frame[:4]), make([]byte, HeaderSize), 64)
		require.ErrorIs(err, io.ErrUnexpectedEOF)

		_, _, err = ReadFrame(bytes.NewReader(frame[:10]), make([]byte, HeaderSize), 64)
		require.ErrorIs(err, io.ErrUnexpectedEOF)

		_, _, err = ReadFrame(bytes.NewReader(nil), make([]byte, HeaderSize), 64)
		require.ErrorIs(err, io.EOF)

		_, _, err = ReadFrame(bytes.NewReader(frame), make([]byte, 2), 64)
		require.Error(err)
	})
}
