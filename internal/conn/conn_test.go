package conn

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/mirra/internal/wire"
)

func pipeConns() (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a, "a"), New(b, "b")
}

func TestSendRecv_Message(t *testing.T) {
	a, b := pipeConns()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, a.Send(wire.Handshake{Module: "photos"}))
	}()
	m, err := b.Recv(wire.KindHandshake)
	require.NoError(t, err)
	assert.Equal(t, wire.Handshake{Module: "photos"}, m)
	wg.Wait()
}

func TestRecv_KindMismatch(t *testing.T) {
	a, b := pipeConns()
	go func() { _ = a.Send(wire.Ok{}) }()
	_, err := b.Recv(wire.KindClose)
	assert.ErrorIs(t, err, wire.ErrInvalidData)
}

func TestPeekKind_DoesNotConsume(t *testing.T) {
	a, b := pipeConns()
	go func() { _ = a.Send(wire.Skip{}) }()
	k, err := b.PeekKind()
	require.NoError(t, err)
	assert.Equal(t, wire.KindSkip, k)
	m, err := b.RecvUnchecked()
	require.NoError(t, err)
	assert.Equal(t, wire.Skip{}, m)
}

func TestSendRecvFile(t *testing.T) {
	a, b := pipeConns()
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(srcPath, []byte("hello, world"), 0o644))
	src, err := os.Open(srcPath)
	require.NoError(t, err)
	defer src.Close()

	dstPath := filepath.Join(dir, "dst")
	dst, err := os.Create(dstPath)
	require.NoError(t, err)
	defer dst.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, a.SendFile(src))
	}()
	require.NoError(t, b.RecvFile(dst))
	wg.Wait()

	got, err := os.ReadFile(dstPath)
	require.NoError(t, err)
	assert.Equal(t, "hello, world", string(got))
}

func TestRecvFile_ShortTransferFails(t *testing.T) {
	a, b := pipeConns()
	go func() {
		_ = wire.Encode(aRaw{a}, wire.File{Size: 10})
		_, _ = aRaw{a}.Write([]byte("abc")) // fewer than declared 10 bytes
		_ = a.CloseNow()
	}()
	dir := t.TempDir()
	dst, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	defer dst.Close()
	err = b.RecvFile(dst)
	assert.Error(t, err)
}

// aRaw exposes the underlying io.Writer of a Conn for tests that need
// to write a malformed/truncated stream.
type aRaw struct{ c *Conn }

func (w aRaw) Write(p []byte) (int, error) { return w.c.rwc.Write(p) }

func TestClose_Handshake(t *testing.T) {
	a, b := pipeConns()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m, err := b.Recv(wire.KindClose)
		require.NoError(t, err)
		assert.Equal(t, wire.Close{}, m)
		require.NoError(t, b.Send(wire.Close{}))
	}()
	require.NoError(t, a.Close())
	wg.Wait()
}

func TestBindModuleDir_OnlyOnce(t *testing.T) {
	a, _ := pipeConns()
	require.NoError(t, a.BindModuleDir("/srv/photos"))
	assert.Equal(t, "/srv/photos", a.ModuleDir())
	assert.Error(t, a.BindModuleDir("/srv/other"))
}
