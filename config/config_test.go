package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	src := `
# example configuration
name peer-a
port 7777

share docs /srv/docs
sync notes 10.0.0.5 7777 /home/user/notes
`
	c, err := Load(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "peer-a", c.Name)
	assert.Equal(t, 7777, c.Port)
	assert.Equal(t, "0.0.0.0:7777", c.ListenAddr())

	share, ok := c.ShareFor("docs")
	require.True(t, ok)
	assert.Equal(t, "/srv/docs", share.LocalPath)

	sync, ok := c.SyncFor("notes")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", sync.RemoteHost)
	assert.Equal(t, 7777, sync.RemotePort)
	assert.Equal(t, "/home/user/notes", sync.LocalPath)

	_, ok = c.ShareFor("missing")
	assert.False(t, ok)
}

func TestLoad_UnknownDirective(t *testing.T) {
	_, err := Load(strings.NewReader("bogus x y"))
	assert.Error(t, err)
}

func TestLoad_WrongArity(t *testing.T) {
	_, err := Load(strings.NewReader("share onlyonearg"))
	assert.Error(t, err)
}

func TestLoad_BadPort(t *testing.T) {
	_, err := Load(strings.NewReader("port notanumber"))
	assert.Error(t, err)
}
