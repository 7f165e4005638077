package wire

import (
	"bytes"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, m Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, m))
	kind, err := ReadKind(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Kind(), kind)
	decoded, err := DecodeBody(&buf, kind)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Len(), "trailing bytes left after decode")
	return decoded
}

func TestRoundTrip_ZeroFieldMessages(t *testing.T) {
	for _, m := range []Message{Ok{}, Close{}, NotFound{}, Heartbeat{}, BeginSync{}, EndSync{}, Skip{}} {
		assert.Equal(t, m, roundTrip(t, m))
	}
}

func TestRoundTrip_Handshake_Quick(t *testing.T) {
	f := func(module string) bool {
		got := roundTrip(t, Handshake{Module: module})
		return got == Handshake{Module: module}
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestRoundTrip_FileHeader_Quick(t *testing.T) {
	f := func(path, hash, cert string) bool {
		m := FileHeader{Path: path, Hash: hash, Cert: cert}
		return roundTrip(t, m) == m
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestRoundTrip_File_Quick(t *testing.T) {
	f := func(size uint64) bool {
		m := File{Size: size}
		return roundTrip(t, m) == m
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestRoundTrip_Remove_Quick(t *testing.T) {
	f := func(path string) bool {
		m := Remove{Path: path}
		return roundTrip(t, m) == m
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestRoundTrip_Rename_Quick(t *testing.T) {
	f := func(old, new string) bool {
		m := Rename{Old: old, New: new}
		return roundTrip(t, m) == m
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestReadKind_UnknownKind(t *testing.T) {
	_, err := ReadKind(bytes.NewReader([]byte{0xFF}))
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestReadString_InvalidUTF8(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeU32(&buf, 1))
	buf.WriteByte(0xFF) // not a valid UTF-8 lead byte on its own.
	_, err := readString(&buf)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestEncode_UnderlyingWriterError(t *testing.T) {
	err := Encode(failingWriter{}, Ok{})
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, bytes.ErrTooLarge }
