package mem

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileReadWrite(t *testing.T) {
	var f File

	n, err := f.WriteAt([]byte("hello"), 10)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(15), f.Size())

	buf := make([]byte, 5)
	_, err = f.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))

	// the gap before the write reads as zeros
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 5), buf)

	// reading past the end reports EOF
	_, err = f.ReadAt(buf, 13)
	require.ErrorIs(t, err, io.EOF)
}

func TestFileTruncate(t *testing.T) {
	var f File

	_, err := f.WriteAt([]byte("0123456789"), 0)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(4))
	require.Equal(t, int64(4), f.Size())

	require.NoError(t, f.Truncate(8))
	buf := make([]byte, 8)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("0123\x00\x00\x00\x00"), buf)
}

func TestFileSnapshotRoundTrip(t *testing.T) {
	var f File
	_, err := f.WriteAt([]byte("snapshot me"), 0)
	require.NoError(t, err)

	var b bytes.Buffer
	_, err = f.WriteTo(&b)
	require.NoError(t, err)

	var g File
	_, err = g.ReadFrom(&b)
	require.NoError(t, err)

	buf := make([]byte, 11)
	_, err = g.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "snapshot me", string(buf))

	require.NoError(t, g.Close())
	require.Equal(t, int64(0), g.Size())
}
