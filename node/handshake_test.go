package node

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicolagi/mirra/config"
	"github.com/nicolagi/mirra/internal/conn"
	"github.com/nicolagi/mirra/internal/wire"
)

func TestSession_Handshake_Ok(t *testing.T) {
	s := New(config.Sync{Name: "docs"})

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		cc := conn.New(server, "node")
		_, _ = cc.Recv(wire.KindHandshake)
		_ = cc.Send(wire.Ok{})
	}()

	ok, err := s.handshake(conn.New(client, "root"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSession_Handshake_NotFound(t *testing.T) {
	s := New(config.Sync{Name: "missing"})

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		cc := conn.New(server, "node")
		_, _ = cc.Recv(wire.KindHandshake)
		_ = cc.Send(wire.NotFound{})
	}()

	ok, err := s.handshake(conn.New(client, "root"))
	require.NoError(t, err)
	assert.False(t, ok)
}
