package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/mirra/config"
	"github.com/nicolagi/mirra/internal/conn"
	"github.com/nicolagi/mirra/internal/wire"
)

func TestSession_EventLoop_FileHeaderAndRemove(t *testing.T) {
	dir := t.TempDir()
	sync := config.Sync{Name: "docs", LocalPath: dir}
	s := New(sync)

	server, client := net.Pipe()
	cc := conn.New(client, "root")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, conn.New(server, "node"))
	}()

	// Send a FileHeader for a new file the node has never seen.
	content := []byte("mirror me")
	require.NoError(t, cc.Send(wire.FileHeader{Path: "a/b.txt", Hash: "irrelevant-since-file-absent"}))
	_, err := cc.Recv(wire.KindOk)
	require.NoError(t, err)

	tmp, err := os.CreateTemp(t.TempDir(), "src")
	require.NoError(t, err)
	_, err = tmp.Write(content)
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, cc.SendFile(tmp))
	_, err = cc.Recv(wire.KindOk)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Now send a Remove for it.
	require.NoError(t, cc.Send(wire.Remove{Path: "a/b.txt"}))
	_, err = cc.Recv(wire.KindOk)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "a", "b.txt"))
	assert.True(t, os.IsNotExist(err))

	cancel()
	client.Close()
	<-done
}

func TestSession_EventLoop_Heartbeat(t *testing.T) {
	dir := t.TempDir()
	s := New(config.Sync{Name: "docs", LocalPath: dir})

	server, client := net.Pipe()
	cc := conn.New(client, "root")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, conn.New(server, "node"))
	}()

	require.NoError(t, cc.Send(wire.Heartbeat{}))
	_, err := cc.Recv(wire.KindOk)
	require.NoError(t, err)

	cancel()
	client.Close()
	<-done
}

func TestSession_EventLoop_FullSyncSubloop(t *testing.T) {
	dir := t.TempDir()
	s := New(config.Sync{Name: "docs", LocalPath: dir})

	server, client := net.Pipe()
	cc := conn.New(client, "root")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, conn.New(server, "node"))
	}()

	require.NoError(t, cc.Send(wire.BeginSync{}))
	_, err := cc.Recv(wire.KindOk)
	require.NoError(t, err)

	require.NoError(t, cc.Send(wire.FileHeader{Path: "x.txt", Hash: "irrelevant"}))
	_, err = cc.Recv(wire.KindOk)
	require.NoError(t, err)
	tmp, err := os.CreateTemp(t.TempDir(), "src")
	require.NoError(t, err)
	_, err = tmp.WriteString("content")
	require.NoError(t, err)
	_, err = tmp.Seek(0, 0)
	require.NoError(t, err)
	require.NoError(t, cc.SendFile(tmp))
	_, err = cc.Recv(wire.KindOk)
	require.NoError(t, err)

	require.NoError(t, cc.Send(wire.EndSync{}))
	_, err = cc.Recv(wire.KindOk)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dir, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	cancel()
	client.Close()
	<-done
}

func TestSession_EventLoop_Rename(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "a"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a", "b.txt"), []byte("mirror me"), 0o644))
	s := New(config.Sync{Name: "docs", LocalPath: dir})

	server, client := net.Pipe()
	cc := conn.New(client, "root")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, conn.New(server, "node"))
	}()

	require.NoError(t, cc.Send(wire.Rename{Old: "a/b.txt", New: "a/c.txt"}))
	_, err := cc.Recv(wire.KindOk)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "a", "b.txt"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dir, "a", "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "mirror me", string(got))

	cancel()
	client.Close()
	<-done
}

func TestSession_ReceiveFile_RejectsEscapingPath(t *testing.T) {
	dir := t.TempDir()
	sync := config.Sync{Name: "docs", LocalPath: dir}
	s := New(sync)

	server, client := net.Pipe()
	cc := conn.New(client, "root")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- s.eventLoop(ctx, conn.New(server, "node"))
	}()

	require.NoError(t, cc.Send(wire.FileHeader{Path: "../escape.txt", Hash: "x"}))
	client.Close()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("eventLoop did not return after path rejection")
	}
}
